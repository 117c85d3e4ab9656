// Package notify delivers progress updates to an external callback endpoint
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cloud-shuttle/webherd/pkg/types"
)

// DefaultTimeout bounds a single callback delivery
const DefaultTimeout = 30 * time.Second

// Notifier POSTs status updates to a callback URL. Delivery is purely
// observational: transport failures and non-2xx responses are logged and
// reported as a false return, never raised to the caller. A task must
// never fail because its observer is unreachable.
type Notifier struct {
	client *http.Client
	logger *log.Logger
}

// New creates a notifier with the default delivery timeout
func New() *Notifier {
	return NewWithTimeout(DefaultTimeout)
}

// NewWithTimeout creates a notifier with an explicit delivery timeout
func NewWithTimeout(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		logger: log.New(os.Stdout, "[notify] ", log.LstdFlags),
	}
}

// SetLogger sets the logger for the notifier
func (n *Notifier) SetLogger(logger *log.Logger) {
	n.logger = logger
}

// Send delivers one status update to the callback URL. An empty URL is
// treated as success: the task simply has no observer.
func (n *Notifier) Send(callbackURL string, update *types.StatusUpdate) bool {
	if callbackURL == "" {
		return true
	}

	body, err := json.Marshal(update)
	if err != nil {
		n.logger.Printf("failed to marshal status update: %v", err)
		return false
	}

	req, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Printf("failed to create request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Webherd-Notifier/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Printf("status update to %s failed: %v", callbackURL, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Printf("status update to %s failed: HTTP %d", callbackURL, resp.StatusCode)
		return false
	}

	n.logger.Printf("status update sent: task=%s step=%d status=%s", update.TaskID, update.Step, update.Status)
	return true
}
