package ledger

import (
	"log"
	"os"

	"github.com/cloud-shuttle/webherd/pkg/types"
)

// Tolerant is the best-effort adapter the runner talks to. Every method
// reports success as a bool instead of an error: store unavailability
// degrades the system to in-memory-only tracking and must never block or
// fail a task. A Tolerant with a nil store is valid and skips every call.
type Tolerant struct {
	store  *Store
	logger *log.Logger
}

// NewTolerant wraps a store (which may be nil) in the tolerant adapter
func NewTolerant(store *Store) *Tolerant {
	return &Tolerant{
		store:  store,
		logger: log.New(os.Stdout, "[ledger] ", log.LstdFlags),
	}
}

// SetLogger sets the logger for the adapter
func (t *Tolerant) SetLogger(logger *log.Logger) {
	t.logger = logger
}

// Enabled reports whether a durable store is configured
func (t *Tolerant) Enabled() bool {
	return t.store != nil
}

// CreateRun best-effort creates a durable run entry
func (t *Tolerant) CreateRun(runID, capsuleID, goal string, maxSteps int) bool {
	if t.store == nil {
		return true
	}
	if _, err := t.store.CreateRun(runID, capsuleID, goal, maxSteps); err != nil {
		t.logger.Printf("create run %s failed: %v", runID, err)
		return false
	}
	return true
}

// UpdateRunStatus best-effort updates the status of a run
func (t *Tolerant) UpdateRunStatus(runID string, status types.RunStatus) bool {
	if t.store == nil {
		return true
	}
	if err := t.store.UpdateRunStatus(runID, status); err != nil {
		t.logger.Printf("update run %s status to %s failed: %v", runID, status, err)
		return false
	}
	return true
}

// AddStep best-effort opens a new step entry
func (t *Tolerant) AddStep(runID, stepID string, index int, title, tool, inputSummary string) bool {
	if t.store == nil {
		return true
	}
	if err := t.store.AddStep(runID, stepID, index, title, tool, inputSummary); err != nil {
		t.logger.Printf("add step %s failed: %v", stepID, err)
		return false
	}
	return true
}

// CompleteStep best-effort closes a step entry with its outcome
func (t *Tolerant) CompleteStep(runID, stepID, outputSummary string, outcome types.StepOutcome) bool {
	if t.store == nil {
		return true
	}
	if err := t.store.CompleteStep(runID, stepID, outputSummary, outcome); err != nil {
		t.logger.Printf("complete step %s failed: %v", stepID, err)
		return false
	}
	return true
}

// FailStep best-effort closes a step entry with an error classification
func (t *Tolerant) FailStep(runID, stepID, errorType, errorMessage string) bool {
	if t.store == nil {
		return true
	}
	if err := t.store.FailStep(runID, stepID, errorType, errorMessage); err != nil {
		t.logger.Printf("fail step %s failed: %v", stepID, err)
		return false
	}
	return true
}

// UpdateCapsuleStats best-effort increments capsule counters
func (t *Tolerant) UpdateCapsuleStats(capsuleID string, sourceDelta, screenshotDelta int) bool {
	if t.store == nil || capsuleID == "" {
		return true
	}
	if err := t.store.UpdateCapsuleStats(capsuleID, sourceDelta, screenshotDelta); err != nil {
		t.logger.Printf("update capsule %s stats failed: %v", capsuleID, err)
		return false
	}
	return true
}
