// Package registry provides the in-memory task registry shared between
// the submission surface and the worker goroutines.
//
// The registry is the single source of truth for live task state. It is
// constructed once at process start and injected into both the HTTP
// server and the runner; there is no package-level instance.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloud-shuttle/webherd/pkg/types"
)

// ErrNotFound is returned when a task identifier is unknown. Mutating an
// unknown identifier indicates a programming error upstream, so every
// mutator surfaces it rather than failing silently.
type ErrNotFound struct {
	TaskID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("task %s not found in registry", e.TaskID)
}

// Registry maps task identifiers to mutable task records. Mutations are
// single-field and atomic with respect to readers; readers receive a
// snapshot copy and tolerate a one-step-stale view.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*types.TaskRecord
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		tasks: make(map[string]*types.TaskRecord),
	}
}

// Register creates a record in the starting state
func (r *Registry) Register(taskID string, totalSteps int, capsuleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[taskID] = &types.TaskRecord{
		ID:         taskID,
		Status:     types.TaskStatusStarting,
		Step:       0,
		TotalSteps: totalSteps,
		CapsuleID:  capsuleID,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Get returns a snapshot of a task record
func (r *Registry) Get(taskID string) (types.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return types.TaskRecord{}, &ErrNotFound{TaskID: taskID}
	}
	return *rec, nil
}

// List returns snapshots of all task records, newest first
func (r *Registry) List() []types.TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TaskRecord, 0, len(r.tasks))
	for _, rec := range r.tasks {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt > out[j].StartedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// SetStatus transitions a task to a new status. Once a task has reached a
// terminal status no further transition is permitted.
func (r *Registry) SetStatus(taskID string, status types.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return &ErrNotFound{TaskID: taskID}
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("task %s is already %s, cannot transition to %s", taskID, rec.Status, status)
	}
	rec.Status = status
	return nil
}

// SetStep records the current step index of a running task
func (r *Registry) SetStep(taskID string, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return &ErrNotFound{TaskID: taskID}
	}
	rec.Step = step
	return nil
}

// SetError records the last error of a task
func (r *Registry) SetError(taskID string, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return &ErrNotFound{TaskID: taskID}
	}
	rec.Error = msg
	return nil
}

// Status returns just the status of a task. The step loop polls this at
// every step boundary to observe cancellation requests.
func (r *Registry) Status(taskID string) (types.TaskStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return "", &ErrNotFound{TaskID: taskID}
	}
	return rec.Status, nil
}

// RequestCancel marks a non-terminal task as cancelling. The worker
// observes the request at its next step boundary and performs the actual
// transition to cancelled.
func (r *Registry) RequestCancel(taskID string) (types.TaskStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[taskID]
	if !ok {
		return "", &ErrNotFound{TaskID: taskID}
	}
	if rec.Status.Terminal() {
		return rec.Status, fmt.Errorf("task %s is already %s", taskID, rec.Status)
	}
	rec.Status = types.TaskStatusCancelling
	return rec.Status, nil
}
