// Package experiment stores per-run step artifacts on disk
package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StepInfo is the durable record of one step's inputs and outputs
type StepInfo struct {
	Step      int    `json:"step"`
	URL       string `json:"url,omitempty"`
	Action    string `json:"action,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	SavedAt   string `json:"saved_at"`
}

// Dir is the artifact directory of a single run
type Dir struct {
	path string
}

// Prepare creates the artifact directory for a run under resultsDir
func Prepare(resultsDir, runID string) (*Dir, error) {
	path := filepath.Join(resultsDir, runID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating experiment directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the run's artifact directory
func (d *Dir) Path() string {
	return d.path
}

// SaveStepInfo writes the step record and, when present, its screenshot.
// Callers treat failures as best-effort: artifacts improve replayability
// but are not required for task correctness.
func (d *Dir) SaveStepInfo(step int, url, action, reasoning string, screenshot []byte) error {
	info := StepInfo{
		Step:      step,
		URL:       url,
		Action:    action,
		Reasoning: reasoning,
		SavedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling step info: %w", err)
	}

	infoPath := filepath.Join(d.path, fmt.Sprintf("step_%03d.json", step))
	if err := os.WriteFile(infoPath, data, 0644); err != nil {
		return fmt.Errorf("writing step info: %w", err)
	}

	if len(screenshot) > 0 {
		shotPath := filepath.Join(d.path, fmt.Sprintf("step_%03d.png", step))
		if err := os.WriteFile(shotPath, screenshot, 0644); err != nil {
			return fmt.Errorf("writing screenshot: %w", err)
		}
	}

	return nil
}
