// Package ledger_test provides tests for the ledger package
package ledger_test

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/cloud-shuttle/webherd/internal/ledger"
	"github.com/cloud-shuttle/webherd/pkg/types"
)

func setupTestLedger(t *testing.T) *ledger.Store {
	t.Helper()

	tmpDir := t.TempDir()
	store, err := ledger.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return store
}

func TestStore_RunLifecycle(t *testing.T) {
	store := setupTestLedger(t)

	capsule, err := store.CreateCapsule("capsule_001", "Test Capsule", "A capsule for tests")
	if err != nil {
		t.Fatalf("CreateCapsule failed: %v", err)
	}

	run, err := store.CreateRun("run_001", capsule.ID, "Click the link", 10)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.Status != types.RunStatusRunning {
		t.Errorf("Expected running, got %s", run.Status)
	}

	if err := store.UpdateRunStatus("run_001", types.RunStatusCompleted); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}

	got, err := store.GetRun("run_001")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != types.RunStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.CapsuleID != "capsule_001" {
		t.Errorf("Expected capsule_001, got %s", got.CapsuleID)
	}
}

func TestStore_UpdateRunStatus_UnknownRun(t *testing.T) {
	store := setupTestLedger(t)

	if err := store.UpdateRunStatus("missing", types.RunStatusFailed); err == nil {
		t.Error("Expected error for unknown run")
	}
}

func TestStore_StepAppendOnly(t *testing.T) {
	store := setupTestLedger(t)

	if _, err := store.CreateRun("run_001", "", "goal", 5); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		stepID := ledger.StepID("run_001", i)
		if err := store.AddStep("run_001", stepID, i, "Step", "browser", "input"); err != nil {
			t.Fatalf("AddStep %d failed: %v", i, err)
		}
		if err := store.CompleteStep("run_001", stepID, "output", types.StepOutcomeSuccess); err != nil {
			t.Fatalf("CompleteStep %d failed: %v", i, err)
		}
	}

	steps, err := store.GetSteps("run_001")
	if err != nil {
		t.Fatalf("GetSteps failed: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("Expected 3 steps, got %d", len(steps))
	}
	for i, step := range steps {
		if step.Index != i {
			t.Errorf("Step %d has index %d", i, step.Index)
		}
		if step.Status != string(types.StepOutcomeSuccess) {
			t.Errorf("Step %d not completed: %s", i, step.Status)
		}
		if step.CompletedAt == nil {
			t.Errorf("Step %d missing completion time", i)
		}
	}

	// Duplicate step IDs must be rejected by the primary key
	if err := store.AddStep("run_001", ledger.StepID("run_001", 0), 0, "dup", "browser", ""); err == nil {
		t.Error("Duplicate step ID should fail")
	}
}

func TestStore_FailStep(t *testing.T) {
	store := setupTestLedger(t)

	if _, err := store.CreateRun("run_001", "", "goal", 5); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	stepID := ledger.StepID("run_001", 1)
	if err := store.AddStep("run_001", stepID, 1, "Step 1", "browser", "input"); err != nil {
		t.Fatalf("AddStep failed: %v", err)
	}
	if err := store.FailStep("run_001", stepID, "unknown", "engine crashed"); err != nil {
		t.Fatalf("FailStep failed: %v", err)
	}

	steps, _ := store.GetSteps("run_001")
	if steps[0].Status != string(types.StepOutcomeError) {
		t.Errorf("Expected error status, got %s", steps[0].Status)
	}
	if steps[0].ErrorType != "unknown" {
		t.Errorf("Expected error type unknown, got %s", steps[0].ErrorType)
	}
}

func TestStore_CapsuleStatsAndRuns(t *testing.T) {
	store := setupTestLedger(t)

	if _, err := store.CreateCapsule("capsule_001", "Capsule", ""); err != nil {
		t.Fatalf("CreateCapsule failed: %v", err)
	}
	if _, err := store.CreateRun("run_a", "capsule_001", "goal a", 5); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if _, err := store.CreateRun("run_b", "capsule_001", "goal b", 5); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := store.UpdateCapsuleStats("capsule_001", 1, 2); err != nil {
		t.Fatalf("UpdateCapsuleStats failed: %v", err)
	}
	capsule, err := store.GetCapsule("capsule_001")
	if err != nil {
		t.Fatalf("GetCapsule failed: %v", err)
	}
	if capsule.SourceCount != 1 || capsule.ScreenshotCount != 2 {
		t.Errorf("Unexpected stats: sources=%d screenshots=%d", capsule.SourceCount, capsule.ScreenshotCount)
	}

	runs, err := store.GetRunsForCapsule("capsule_001")
	if err != nil {
		t.Fatalf("GetRunsForCapsule failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(runs))
	}
}

func TestStore_ResolveHumanAction(t *testing.T) {
	store := setupTestLedger(t)

	if _, err := store.CreateRun("run_001", "", "goal", 5); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.ResolveHumanAction("run_001", "step_run_001_002", "approve_continue", `{"note":"ok"}`); err != nil {
		t.Fatalf("ResolveHumanAction failed: %v", err)
	}

	run, err := store.GetRun("run_001")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if len(run.EventLog) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(run.EventLog))
	}
	if run.EventLog[0].Action != "approve_continue" {
		t.Errorf("Unexpected action %s", run.EventLog[0].Action)
	}
}

func TestStepID_LexicalOrderMatchesNumeric(t *testing.T) {
	ids := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		ids = append(ids, ledger.StepID("run_001", i))
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("Lexical order diverges at %d: %s vs %s", i, ids[i], sorted[i])
		}
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate step ID %s", id)
		}
		seen[id] = true
	}
}

func TestParseStepID(t *testing.T) {
	runID, index, err := ledger.ParseStepID("step_run_abc_007")
	if err != nil {
		t.Fatalf("ParseStepID failed: %v", err)
	}
	if runID != "run_abc" || index != 7 {
		t.Errorf("Got runID=%s index=%d", runID, index)
	}

	if _, _, err := ledger.ParseStepID("not-a-step-id"); err == nil {
		t.Error("Expected error for malformed step ID")
	}
}

func TestTolerant_NilStoreSkips(t *testing.T) {
	tol := ledger.NewTolerant(nil)

	if tol.Enabled() {
		t.Error("Nil store should report disabled")
	}
	if !tol.CreateRun("run_001", "", "goal", 5) {
		t.Error("Nil store CreateRun should be a failure-free skip")
	}
	if !tol.AddStep("run_001", "step_run_001_000", 0, "t", "browser", "") {
		t.Error("Nil store AddStep should be a failure-free skip")
	}
	if !tol.UpdateRunStatus("run_001", types.RunStatusCompleted) {
		t.Error("Nil store UpdateRunStatus should be a failure-free skip")
	}
}

func TestTolerant_ReportsStoreFailure(t *testing.T) {
	store := setupTestLedger(t)
	tol := ledger.NewTolerant(store)

	// Completing a step that was never added is a store failure, which
	// the adapter reports but does not raise.
	if tol.CompleteStep("run_001", "step_run_001_000", "out", types.StepOutcomeSuccess) {
		t.Error("Expected failure for unknown step")
	}
}
