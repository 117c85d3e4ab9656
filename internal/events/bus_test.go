package events

import (
	"context"
	"testing"
	"time"

	"github.com/cloud-shuttle/webherd/pkg/types"
)

func TestBus_PublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("test")
	update := types.NewStatusUpdate("run_a", types.TaskStatusRunning, 1, 10)

	if err := bus.Publish(update); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-ch:
		if event.ID == "" {
			t.Error("Event should carry a delivery ID")
		}
		if event.Update.TaskID != "run_a" {
			t.Errorf("TaskID %q, want run_a", event.Update.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("No event received")
	}
}

func TestBus_SlowSubscriberSkipped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("slow")

	// Overflow the subscriber channel; publishing must never block
	for i := 0; i < 150; i++ {
		if err := bus.Publish(types.NewStatusUpdate("run_a", types.TaskStatusRunning, i, 200)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	if got := len(ch); got != cap(ch) {
		t.Errorf("Expected full channel (%d), got %d", cap(ch), got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("gone")
	bus.Unsubscribe(ch)

	if err := bus.Publish(types.NewStatusUpdate("run_a", types.TaskStatusRunning, 1, 10)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(ch) != 0 {
		t.Error("Unsubscribed channel should receive nothing")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	if err := bus.Publish(types.NewStatusUpdate("run_a", types.TaskStatusRunning, 1, 10)); err == nil {
		t.Error("Publish after Close should fail")
	}
}

func TestBus_SubscribeTaskFilters(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.SubscribeTask(ctx, "run_mine")

	bus.Publish(types.NewStatusUpdate("run_other", types.TaskStatusRunning, 1, 10))
	bus.Publish(types.NewStatusUpdate("run_mine", types.TaskStatusRunning, 2, 10))

	select {
	case event := <-ch:
		if event.Update.TaskID != "run_mine" {
			t.Errorf("Received foreign event: %s", event.Update.TaskID)
		}
		if event.Update.Step != 2 {
			t.Errorf("Step %d, want 2", event.Update.Step)
		}
	case <-time.After(time.Second):
		t.Fatal("Filtered event never arrived")
	}

	// Cancelling the context closes the output channel
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A buffered event may still drain; the channel must close after
			for range ch {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("Channel did not close after cancel")
	}
}
