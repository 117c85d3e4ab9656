package registry_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/cloud-shuttle/webherd/internal/registry"
	"github.com/cloud-shuttle/webherd/pkg/types"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := registry.New()
	r.Register("run_abc", 10, "capsule_1")

	rec, err := r.Get("run_abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != types.TaskStatusStarting {
		t.Errorf("Expected status starting, got %s", rec.Status)
	}
	if rec.TotalSteps != 10 {
		t.Errorf("Expected total steps 10, got %d", rec.TotalSteps)
	}
	if rec.CapsuleID != "capsule_1" {
		t.Errorf("Expected capsule_1, got %s", rec.CapsuleID)
	}
}

func TestRegistry_UnknownTaskFailsLoudly(t *testing.T) {
	r := registry.New()

	if _, err := r.Get("missing"); err == nil {
		t.Error("Get of unknown task should fail")
	}
	if err := r.SetStatus("missing", types.TaskStatusRunning); err == nil {
		t.Error("SetStatus of unknown task should fail")
	}
	if err := r.SetStep("missing", 1); err == nil {
		t.Error("SetStep of unknown task should fail")
	}
	if err := r.SetError("missing", "boom"); err == nil {
		t.Error("SetError of unknown task should fail")
	}

	var nf *registry.ErrNotFound
	_, err := r.Get("missing")
	if !errors.As(err, &nf) {
		t.Errorf("Expected ErrNotFound, got %T", err)
	}
}

func TestRegistry_ValidStatusPath(t *testing.T) {
	r := registry.New()
	r.Register("run_abc", 5, "")

	path := []types.TaskStatus{
		types.TaskStatusRunning,
		types.TaskStatusCancelling,
		types.TaskStatusCancelled,
	}
	for _, s := range path {
		if err := r.SetStatus("run_abc", s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}

	rec, _ := r.Get("run_abc")
	if rec.Status != types.TaskStatusCancelled {
		t.Fatalf("Expected cancelled, got %s", rec.Status)
	}
}

func TestRegistry_TerminalStatusIsFinal(t *testing.T) {
	for _, terminal := range []types.TaskStatus{
		types.TaskStatusCompleted,
		types.TaskStatusFailed,
		types.TaskStatusCancelled,
	} {
		r := registry.New()
		r.Register("run_abc", 5, "")
		if err := r.SetStatus("run_abc", terminal); err != nil {
			t.Fatalf("transition to %s failed: %v", terminal, err)
		}

		if err := r.SetStatus("run_abc", types.TaskStatusRunning); err == nil {
			t.Errorf("transition out of %s should fail", terminal)
		}
		if _, err := r.RequestCancel("run_abc"); err == nil {
			t.Errorf("RequestCancel of %s task should fail", terminal)
		}

		rec, _ := r.Get("run_abc")
		if rec.Status != terminal {
			t.Errorf("Terminal status mutated: %s -> %s", terminal, rec.Status)
		}
	}
}

func TestRegistry_RequestCancel(t *testing.T) {
	r := registry.New()
	r.Register("run_abc", 5, "")
	_ = r.SetStatus("run_abc", types.TaskStatusRunning)

	status, err := r.RequestCancel("run_abc")
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if status != types.TaskStatusCancelling {
		t.Errorf("Expected cancelling, got %s", status)
	}
}

// Concurrent readers must never block or observe a torn record while the
// single writer mutates fields.
func TestRegistry_ConcurrentReadersSingleWriter(t *testing.T) {
	r := registry.New()
	r.Register("run_abc", 100, "")
	_ = r.SetStatus("run_abc", types.TaskStatusRunning)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rec, err := r.Get("run_abc")
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				if rec.Step < 0 || rec.Step > 100 {
					t.Errorf("Torn read: step=%d", rec.Step)
					return
				}
			}
		}()
	}

	for step := 1; step <= 100; step++ {
		if err := r.SetStep("run_abc", step); err != nil {
			t.Fatalf("SetStep failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	rec, _ := r.Get("run_abc")
	if rec.Step != 100 {
		t.Errorf("Expected final step 100, got %d", rec.Step)
	}
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	r := registry.New()
	r.Register("run_a", 5, "")
	r.Register("run_b", 5, "")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(list))
	}
}
