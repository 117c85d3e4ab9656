package experiment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareAndSaveStepInfo(t *testing.T) {
	root := t.TempDir()

	dir, err := Prepare(root, "run_abc")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	screenshot := []byte{0x89, 0x50, 0x4e, 0x47}
	if err := dir.SaveStepInfo(3, "https://example.com", `click("a")`, "because", screenshot); err != nil {
		t.Fatalf("SaveStepInfo failed: %v", err)
	}

	infoPath := filepath.Join(root, "run_abc", "step_003.json")
	raw, err := os.ReadFile(infoPath)
	if err != nil {
		t.Fatalf("Reading step info: %v", err)
	}

	var info StepInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if info.Step != 3 || info.URL != "https://example.com" || info.Action != `click("a")` {
		t.Errorf("Unexpected step info: %+v", info)
	}

	pngPath := filepath.Join(root, "run_abc", "step_003.png")
	saved, err := os.ReadFile(pngPath)
	if err != nil {
		t.Fatalf("Reading screenshot: %v", err)
	}
	if string(saved) != string(screenshot) {
		t.Error("Screenshot bytes differ")
	}
}

func TestSaveStepInfo_NoScreenshot(t *testing.T) {
	root := t.TempDir()

	dir, err := Prepare(root, "run_noshot")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := dir.SaveStepInfo(1, "https://example.com", "", "", nil); err != nil {
		t.Fatalf("SaveStepInfo failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "run_noshot", "step_001.png")); !os.IsNotExist(err) {
		t.Error("No screenshot file should exist without screenshot bytes")
	}
}
