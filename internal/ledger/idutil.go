package ledger

import (
	"fmt"
	"regexp"
	"strconv"
)

// stepIDPattern matches step identifiers like step_run_abc123_007
var stepIDPattern = regexp.MustCompile(`^step_(.+)_(\d{3,})$`)

// StepID derives a step identifier from a run identifier and a step
// index. The index is zero-padded so that lexical order matches numeric
// order, and the run prefix guarantees uniqueness across tasks.
//
// Examples:
//
//	StepID("run_001", 0) -> "step_run_001_000"
//	StepID("run_001", 12) -> "step_run_001_012"
func StepID(runID string, index int) string {
	return fmt.Sprintf("step_%s_%03d", runID, index)
}

// ParseStepID extracts the run ID and index from a step identifier
func ParseStepID(stepID string) (string, int, error) {
	matches := stepIDPattern.FindStringSubmatch(stepID)
	if matches == nil {
		return "", 0, fmt.Errorf("invalid step ID format: %s", stepID)
	}
	index, err := strconv.Atoi(matches[2])
	if err != nil {
		return "", 0, fmt.Errorf("invalid step index in %s: %w", stepID, err)
	}
	return matches[1], index, nil
}
