package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cloud-shuttle/webherd/pkg/types"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The HTTP middleware already allows any origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTaskStream upgrades the connection and streams one task's status
// updates from the event bus until the task reaches a terminal status.
// The stream is observational; a dropped connection has no effect on the
// task, and the callback endpoint remains the contractual delivery path.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	if s.bus == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("event stream not available"))
		return
	}

	rec, err := s.registry.Get(taskID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("task not found"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade failed for %s: %v", taskID, err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	eventCh := s.bus.SubscribeTask(ctx, taskID)

	// Send the current snapshot first so late subscribers see where the
	// task already is
	snapshot := types.NewStatusUpdate(rec.ID, rec.Status, rec.Step, rec.TotalSteps)
	snapshot.Error = rec.Error
	if err := s.writeUpdate(conn, snapshot); err != nil {
		return
	}
	if rec.Status.Terminal() {
		return
	}

	// Drain client frames so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := s.writeUpdate(conn, event.Update); err != nil {
				s.logger.Printf("websocket write failed for %s: %v", taskID, err)
				return
			}
			if event.Update.Status.Terminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeUpdate(conn *websocket.Conn, update *types.StatusUpdate) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(update)
}
