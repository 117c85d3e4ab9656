// Package types defines core data structures for webherd
package types

import "time"

// TaskStatus represents the current state of an agent task
type TaskStatus string

const (
	TaskStatusStarting   TaskStatus = "starting"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCancelling TaskStatus = "cancelling"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
// Note that cancelling is a request, not a terminal state: only the
// worker driving the task may turn it into cancelled.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCancelled, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// TaskRecord is the registry's view of one task. The submission surface
// and external pollers read it; the worker goroutine driving the task
// mutates it one field at a time.
type TaskRecord struct {
	ID         string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Step       int        `json:"step"`
	TotalSteps int        `json:"total_steps"`
	CapsuleID  string     `json:"capsule_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  string     `json:"started_at,omitempty"`
}

// TaskConfig is everything needed to run one web agent task
type TaskConfig struct {
	TaskID      string   `json:"task_id"`
	CapsuleID   string   `json:"capsule_id"`
	StartURL    string   `json:"start_url"`
	GoalText    string   `json:"goal_text"`
	GoalImages  []string `json:"goal_images,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
	Headless    bool     `json:"headless"`
	MaxSteps    int      `json:"max_steps"`
}

// StatusUpdate is a single progress notification describing one step or
// terminal event. Updates are immutable once constructed and must reach
// observers in the order they were produced for a given task.
type StatusUpdate struct {
	TaskID           string     `json:"task_id"`
	Status           TaskStatus `json:"status"`
	Step             int        `json:"step"`
	TotalSteps       int        `json:"total_steps"`
	Action           string     `json:"action,omitempty"`
	Reasoning        string     `json:"reasoning,omitempty"`
	ScreenshotBase64 string     `json:"screenshot_base64,omitempty"`
	Error            string     `json:"error,omitempty"`
	Timestamp        string     `json:"timestamp"`
}

// NewStatusUpdate stamps an update with the current UTC time
func NewStatusUpdate(taskID string, status TaskStatus, step, totalSteps int) *StatusUpdate {
	return &StatusUpdate{
		TaskID:     taskID,
		Status:     status,
		Step:       step,
		TotalSteps: totalSteps,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// StepOutcome is the terminal state of a single ledger step
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "success"
	StepOutcomeError   StepOutcome = "error"
)

// RunStatus mirrors TaskStatus values persisted against ledger runs
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)
