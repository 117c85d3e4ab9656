// Package runner implements the task orchestration core: the bridge
// between the non-blocking submission surface and the blocking step loop
// that drives one web agent task to completion.
//
// Submit registers a task and enqueues it for a fixed pool of worker
// goroutines; each worker runs one task synchronously end to end. The
// registry is the only state shared across the two sides; the
// environment and agent are owned exclusively by the worker for the
// lifetime of one task.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cloud-shuttle/webherd/internal/agent"
	"github.com/cloud-shuttle/webherd/internal/events"
	"github.com/cloud-shuttle/webherd/internal/ledger"
	"github.com/cloud-shuttle/webherd/internal/notify"
	"github.com/cloud-shuttle/webherd/internal/registry"
	"github.com/cloud-shuttle/webherd/pkg/types"
)

// Options configures a Runner
type Options struct {
	Workers         int
	QueueSize       int
	DefaultMaxSteps int
	ResultsDir      string

	// StepTimeout bounds a single environment step. Zero disables the
	// bound, matching the original loop behavior.
	StepTimeout time.Duration

	Verbose bool
}

// Runner owns the worker pool and finalization logic for agent tasks
type Runner struct {
	registry *registry.Registry
	ledger   *ledger.Tolerant
	notifier *notify.Notifier
	bus      *events.Bus
	engine   agent.Engine

	defaultMaxSteps int
	resultsDir      string
	stepTimeout     time.Duration
	verbose         bool

	queue  chan types.TaskConfig
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a runner. The bus is optional; all other collaborators are
// required (the ledger adapter may wrap a nil store).
func New(reg *registry.Registry, led *ledger.Tolerant, notifier *notify.Notifier, bus *events.Bus, engine agent.Engine, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.DefaultMaxSteps < 1 {
		opts.DefaultMaxSteps = 100
	}

	r := &Runner{
		registry:        reg,
		ledger:          led,
		notifier:        notifier,
		bus:             bus,
		engine:          engine,
		defaultMaxSteps: opts.DefaultMaxSteps,
		resultsDir:      opts.ResultsDir,
		stepTimeout:     opts.StepTimeout,
		verbose:         opts.Verbose,
		queue:           make(chan types.TaskConfig, opts.QueueSize),
		stopCh:          make(chan struct{}),
		logger:          log.New(os.Stdout, "[runner] ", log.LstdFlags),
	}

	r.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go r.worker(i)
	}

	return r
}

// SetLogger sets the logger for the runner
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
}

// Submit registers a task and hands it to the worker pool. It returns
// immediately with the allocated task identifier; excess submissions
// queue up to the configured capacity.
func (r *Runner) Submit(cfg types.TaskConfig) (string, error) {
	if cfg.TaskID == "" {
		cfg.TaskID = NewRunID()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = r.defaultMaxSteps
	}

	r.registry.Register(cfg.TaskID, cfg.MaxSteps, cfg.CapsuleID)

	select {
	case r.queue <- cfg:
		return cfg.TaskID, nil
	default:
		msg := fmt.Sprintf("submission queue full (%d pending)", cap(r.queue))
		_ = r.registry.SetStatus(cfg.TaskID, types.TaskStatusFailed)
		_ = r.registry.SetError(cfg.TaskID, msg)
		return "", fmt.Errorf("%s", msg)
	}
}

// Stop drains no further work and waits for in-flight tasks, bounded by ctx
func (r *Runner) Stop(ctx context.Context) error {
	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker pulls tasks off the queue and runs them to completion
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case cfg := <-r.queue:
			if r.verbose {
				r.logger.Printf("worker %d executing task %s", id, cfg.TaskID)
			}
			r.execute(cfg)
		}
	}
}

// execute is the orchestration entry point run on a pool worker. It
// performs the fast-fail capability check, hands off to the step loop,
// and absorbs any error after finalization: the submission caller is
// already detached, so user-visible failure flows exclusively through
// the registry record and the terminal status update.
func (r *Runner) execute(cfg types.TaskConfig) {
	runID := cfg.TaskID

	// Best-effort durable run entry; store failure never aborts the task
	r.ledger.CreateRun(runID, cfg.CapsuleID, cfg.GoalText, cfg.MaxSteps)

	if !r.engine.Available() {
		errMsg := "automation engine not available"
		r.logger.Printf("task %s rejected: %s", runID, errMsg)
		if err := r.registry.SetStatus(runID, types.TaskStatusFailed); err != nil {
			r.logger.Printf("error updating registry for %s: %v", runID, err)
		}
		_ = r.registry.SetError(runID, errMsg)
		r.ledger.UpdateRunStatus(runID, types.RunStatusFailed)

		update := types.NewStatusUpdate(runID, types.TaskStatusFailed, 0, cfg.MaxSteps)
		update.Error = errMsg
		r.publish(cfg, update)
		return
	}

	if err := r.registry.SetStatus(runID, types.TaskStatusRunning); err != nil {
		r.logger.Printf("error transitioning %s to running: %v", runID, err)
		return
	}

	initial := types.NewStatusUpdate(runID, types.TaskStatusRunning, 0, cfg.MaxSteps)
	initial.Action = "initializing"
	r.publish(cfg, initial)

	if err := r.runStepLoop(cfg); err != nil {
		r.logger.Printf("task %s failed: %v", runID, err)

		// The step loop records its own failures before returning. This
		// branch only finishes the bookkeeping when it could not, e.g.
		// after a panic.
		if status, serr := r.registry.Status(runID); serr == nil && !status.Terminal() {
			msg := fmt.Sprintf("agent task failed: %v", err)
			_ = r.registry.SetStatus(runID, types.TaskStatusFailed)
			_ = r.registry.SetError(runID, msg)
			r.ledger.UpdateRunStatus(runID, types.RunStatusFailed)

			rec, _ := r.registry.Get(runID)
			update := types.NewStatusUpdate(runID, types.TaskStatusFailed, rec.Step, cfg.MaxSteps)
			update.Error = msg
			r.publish(cfg, update)
		}
	}
}

// runStepLoop converts step-loop panics into errors so the worker
// goroutine survives a crashing engine
func (r *Runner) runStepLoop(cfg types.TaskConfig) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in step loop: %v", p)
		}
	}()
	return r.runSteps(cfg)
}

// publish sends one status update to the callback endpoint and the event
// bus, in that fixed order. Both sinks are best-effort; per-task ordering
// holds because publish is only called from the goroutine driving the task.
func (r *Runner) publish(cfg types.TaskConfig, update *types.StatusUpdate) {
	r.notifier.Send(cfg.CallbackURL, update)
	if r.bus != nil {
		if err := r.bus.Publish(update); err != nil {
			r.logger.Printf("publishing update for %s: %v", update.TaskID, err)
		}
	}
}
