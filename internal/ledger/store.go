// Package ledger persists the append-only run/step record to SQLite.
//
// The ledger mirrors in-memory task state for later inspection by the
// frontend. It is strictly observational: every caller treats it as a
// best-effort collaborator, and its absence must not change task outcomes.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloud-shuttle/webherd/pkg/types"
)

// Store manages ledger database operations
type Store struct {
	DB *sql.DB
}

// Capsule groups related runs under one logical unit
type Capsule struct {
	ID              string `json:"capsule_id"`
	Title           string `json:"title"`
	Summary         string `json:"summary"`
	SourceCount     int    `json:"source_count"`
	ScreenshotCount int    `json:"screenshot_count"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Run is one end-to-end task execution
type Run struct {
	ID        string          `json:"run_id"`
	CapsuleID string          `json:"capsule_id"`
	Goal      string          `json:"goal"`
	MaxSteps  int             `json:"max_steps"`
	Status    types.RunStatus `json:"status"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Steps     []*Step         `json:"steps,omitempty"`
	EventLog  []*RunEvent     `json:"event_log,omitempty"`
}

// Step is one ledger step entry. Steps are created before the
// corresponding action is taken and closed exactly once afterwards;
// they are never deleted or reused.
type Step struct {
	ID            string `json:"step_id"`
	RunID         string `json:"run_id"`
	Index         int    `json:"index"`
	Title         string `json:"title"`
	Tool          string `json:"tool"`
	InputSummary  string `json:"input_summary"`
	OutputSummary string `json:"output_summary,omitempty"`
	Status        string `json:"status"`
	ErrorType     string `json:"error_type,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	CompletedAt   *int64 `json:"completed_at,omitempty"`
}

// RunEvent records out-of-band events against a run, such as human
// intervention resolutions submitted by the frontend
type RunEvent struct {
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id"`
	Action    string `json:"action"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// CapsulePage is a paginated capsule listing
type CapsulePage struct {
	Capsules []*Capsule `json:"capsules"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Total    int        `json:"total"`
}

// Open opens (creating if needed) a SQLite ledger at the given path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Set busy timeout to handle lock contention gracefully
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the ledger schema
func (s *Store) InitSchema() error {
	schema := `
	-- Capsules group related runs
	CREATE TABLE IF NOT EXISTS capsules (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		summary TEXT,
		source_count INTEGER DEFAULT 0,
		screenshot_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Runs are single end-to-end task executions
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		capsule_id TEXT,
		goal TEXT,
		max_steps INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (capsule_id) REFERENCES capsules(id)
	);

	-- Steps are append-only per run
	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		title TEXT NOT NULL,
		tool TEXT,
		input_summary TEXT,
		output_summary TEXT,
		status TEXT DEFAULT 'running',
		error_type TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	-- Out-of-band run events (human intervention resolutions)
	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		step_id TEXT,
		action TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_runs_capsule ON runs(capsule_id);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, idx);
	CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);
	`

	_, err := s.DB.Exec(schema)
	return err
}

// CreateCapsule creates a new capsule
func (s *Store) CreateCapsule(capsuleID, title, summary string) (*Capsule, error) {
	now := time.Now().Unix()

	capsule := &Capsule{
		ID:        capsuleID,
		Title:     title,
		Summary:   summary,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.DB.Exec(`
		INSERT INTO capsules (id, title, summary, source_count, screenshot_count, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?)
	`, capsule.ID, capsule.Title, capsule.Summary, capsule.CreatedAt, capsule.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating capsule: %w", err)
	}

	return capsule, nil
}

// GetCapsule retrieves a capsule by ID, returning nil if absent
func (s *Store) GetCapsule(capsuleID string) (*Capsule, error) {
	var c Capsule
	err := s.DB.QueryRow(`
		SELECT id, title, COALESCE(summary, ''), source_count, screenshot_count, created_at, updated_at
		FROM capsules WHERE id = ?
	`, capsuleID).Scan(&c.ID, &c.Title, &c.Summary, &c.SourceCount, &c.ScreenshotCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting capsule: %w", err)
	}
	return &c, nil
}

// ListCapsules returns a page of capsules, newest first
func (s *Store) ListCapsules(page, pageSize int) (*CapsulePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM capsules`).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting capsules: %w", err)
	}

	rows, err := s.DB.Query(`
		SELECT id, title, COALESCE(summary, ''), source_count, screenshot_count, created_at, updated_at
		FROM capsules
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("listing capsules: %w", err)
	}
	defer rows.Close()

	result := &CapsulePage{Page: page, PageSize: pageSize, Total: total}
	for rows.Next() {
		var c Capsule
		if err := rows.Scan(&c.ID, &c.Title, &c.Summary, &c.SourceCount, &c.ScreenshotCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning capsule: %w", err)
		}
		result.Capsules = append(result.Capsules, &c)
	}
	return result, rows.Err()
}

// UpdateCapsuleStats increments capsule counters
func (s *Store) UpdateCapsuleStats(capsuleID string, sourceDelta, screenshotDelta int) error {
	_, err := s.DB.Exec(`
		UPDATE capsules
		SET source_count = source_count + ?,
		    screenshot_count = screenshot_count + ?,
		    updated_at = ?
		WHERE id = ?
	`, sourceDelta, screenshotDelta, time.Now().Unix(), capsuleID)
	if err != nil {
		return fmt.Errorf("updating capsule stats: %w", err)
	}
	return nil
}

// CreateRun creates a durable run entry
func (s *Store) CreateRun(runID, capsuleID, goal string, maxSteps int) (*Run, error) {
	now := time.Now().Unix()

	run := &Run{
		ID:        runID,
		CapsuleID: capsuleID,
		Goal:      goal,
		MaxSteps:  maxSteps,
		Status:    types.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var capsuleValue interface{} = capsuleID
	if capsuleID == "" {
		capsuleValue = nil
	}
	_, err := s.DB.Exec(`
		INSERT INTO runs (id, capsule_id, goal, max_steps, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, capsuleValue, run.Goal, run.MaxSteps, run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *Store) UpdateRunStatus(runID string, status types.RunStatus) error {
	res, err := s.DB.Exec(`
		UPDATE runs SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun retrieves a run by ID with its ordered steps and event log,
// returning nil if absent
func (s *Store) GetRun(runID string) (*Run, error) {
	var run Run
	var capsuleID sql.NullString
	err := s.DB.QueryRow(`
		SELECT id, capsule_id, COALESCE(goal, ''), max_steps, status, created_at, updated_at
		FROM runs WHERE id = ?
	`, runID).Scan(&run.ID, &capsuleID, &run.Goal, &run.MaxSteps, &run.Status, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	run.CapsuleID = capsuleID.String

	steps, err := s.GetSteps(runID)
	if err != nil {
		return nil, err
	}
	run.Steps = steps

	events, err := s.getRunEvents(runID)
	if err != nil {
		return nil, err
	}
	run.EventLog = events

	return &run, nil
}

// GetRunsForCapsule returns all runs for a capsule, newest first
func (s *Store) GetRunsForCapsule(capsuleID string) ([]*Run, error) {
	rows, err := s.DB.Query(`
		SELECT id, capsule_id, COALESCE(goal, ''), max_steps, status, created_at, updated_at
		FROM runs
		WHERE capsule_id = ?
		ORDER BY created_at DESC, id DESC
	`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var cid sql.NullString
		if err := rows.Scan(&run.ID, &cid, &run.Goal, &run.MaxSteps, &run.Status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.CapsuleID = cid.String
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// ListRuns returns all runs, newest first
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.DB.Query(`
		SELECT id, capsule_id, COALESCE(goal, ''), max_steps, status, created_at, updated_at
		FROM runs
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var cid sql.NullString
		if err := rows.Scan(&run.ID, &cid, &run.Goal, &run.MaxSteps, &run.Status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.CapsuleID = cid.String
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// AddStep opens a new step entry before the corresponding action is taken
func (s *Store) AddStep(runID, stepID string, index int, title, tool, inputSummary string) error {
	_, err := s.DB.Exec(`
		INSERT INTO steps (id, run_id, idx, title, tool, input_summary, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'running', ?)
	`, stepID, runID, index, title, tool, inputSummary, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("adding step: %w", err)
	}
	return nil
}

// CompleteStep closes a step entry with its outcome
func (s *Store) CompleteStep(runID, stepID, outputSummary string, outcome types.StepOutcome) error {
	res, err := s.DB.Exec(`
		UPDATE steps SET output_summary = ?, status = ?, completed_at = ?
		WHERE id = ? AND run_id = ?
	`, outputSummary, outcome, time.Now().Unix(), stepID, runID)
	if err != nil {
		return fmt.Errorf("completing step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("step %s not found for run %s", stepID, runID)
	}
	return nil
}

// FailStep closes a step entry with an error classification
func (s *Store) FailStep(runID, stepID, errorType, errorMessage string) error {
	res, err := s.DB.Exec(`
		UPDATE steps SET status = ?, error_type = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND run_id = ?
	`, types.StepOutcomeError, errorType, errorMessage, time.Now().Unix(), stepID, runID)
	if err != nil {
		return fmt.Errorf("failing step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("step %s not found for run %s", stepID, runID)
	}
	return nil
}

// GetSteps returns the steps of a run in index order
func (s *Store) GetSteps(runID string) ([]*Step, error) {
	rows, err := s.DB.Query(`
		SELECT id, run_id, idx, title, COALESCE(tool, ''), COALESCE(input_summary, ''),
		       COALESCE(output_summary, ''), status, COALESCE(error_type, ''),
		       COALESCE(error_message, ''), created_at, completed_at
		FROM steps
		WHERE run_id = ?
		ORDER BY idx ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var step Step
		var completedAt sql.NullInt64
		if err := rows.Scan(&step.ID, &step.RunID, &step.Index, &step.Title, &step.Tool,
			&step.InputSummary, &step.OutputSummary, &step.Status,
			&step.ErrorType, &step.ErrorMessage, &step.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		if completedAt.Valid {
			v := completedAt.Int64
			step.CompletedAt = &v
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// CountSteps returns the number of step entries recorded for a run
func (s *Store) CountSteps(runID string) (int, error) {
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM steps WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting steps: %w", err)
	}
	return n, nil
}

// ResolveHumanAction records a human intervention resolution against a run
func (s *Store) ResolveHumanAction(runID, stepID, action, payload string) error {
	_, err := s.DB.Exec(`
		INSERT INTO run_events (run_id, step_id, action, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, stepID, action, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("recording resolution: %w", err)
	}
	return nil
}

func (s *Store) getRunEvents(runID string) ([]*RunEvent, error) {
	rows, err := s.DB.Query(`
		SELECT run_id, COALESCE(step_id, ''), action, COALESCE(payload, ''), created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing run events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.RunID, &ev.StepID, &ev.Action, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning run event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
