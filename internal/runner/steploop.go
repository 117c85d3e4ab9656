package runner

import (
	"fmt"
	"time"

	"github.com/cloud-shuttle/webherd/internal/agent"
	"github.com/cloud-shuttle/webherd/internal/experiment"
	"github.com/cloud-shuttle/webherd/internal/ledger"
	"github.com/cloud-shuttle/webherd/pkg/types"
)

// actionSummaryLimit caps the action text stored as a step's output summary
const actionSummaryLimit = 50

// runSteps is the blocking state machine driving one task: reset,
// observe, decide, act, persist, repeat until done, cancelled or error.
// It runs entirely on one pool worker goroutine.
//
// On failure it records the terminal state itself (registry, ledger,
// status update) and returns the error so the orchestrator's own failure
// branch still observes it.
func (r *Runner) runSteps(cfg types.TaskConfig) error {
	runID := cfg.TaskID
	goal := agent.Goal{Text: cfg.GoalText, Images: cfg.GoalImages}

	// openStepID tracks the ledger entry opened for the step in flight,
	// so a crash mid-step still leaves a failed record behind
	openStepID := ""

	fail := func(step int, ferr error) error {
		msg := fmt.Sprintf("agent error: %T: %v", ferr, ferr)
		if err := r.registry.SetStatus(runID, types.TaskStatusFailed); err != nil {
			r.logger.Printf("error updating registry for %s: %v", runID, err)
		}
		_ = r.registry.SetError(runID, msg)

		r.ledger.UpdateRunStatus(runID, types.RunStatusFailed)
		if openStepID != "" {
			r.ledger.FailStep(runID, openStepID, "unknown", ferr.Error())
		}

		update := types.NewStatusUpdate(runID, types.TaskStatusFailed, step, cfg.MaxSteps)
		update.Error = msg
		r.publish(cfg, update)
		return ferr
	}

	expDir, err := experiment.Prepare(r.resultsDir, runID)
	if err != nil {
		r.logger.Printf("experiment storage unavailable for %s: %v", runID, err)
		expDir = nil
	}

	ag, err := r.engine.NewAgent()
	if err != nil {
		return fail(0, err)
	}

	env, err := r.engine.NewEnvironment(agent.EnvConfig{
		StartURL: cfg.StartURL,
		Headless: cfg.Headless,
		MaxSteps: cfg.MaxSteps,
	})
	if err != nil {
		return fail(0, err)
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			r.logger.Printf("error closing environment for %s: %v", runID, cerr)
		}
	}()

	obs, err := env.Reset(0)
	if err != nil {
		return fail(0, err)
	}

	// Synthetic step 0 records the initial navigation
	step := 0
	stepID := ledger.StepID(runID, step)
	r.ledger.AddStep(runID, stepID, step, "Navigate to "+cfg.StartURL, "browser", "Open "+cfg.StartURL)
	r.ledger.CompleteStep(runID, stepID, "Page loaded successfully", types.StepOutcomeSuccess)
	r.ledger.UpdateCapsuleStats(cfg.CapsuleID, 1, 0)

	done := false
	for !done {
		// Cancellation is observed only at the step boundary so an
		// in-flight action is never interrupted
		status, err := r.registry.Status(runID)
		if err != nil {
			return fail(step, err)
		}
		if status == types.TaskStatusCancelling {
			r.logger.Printf("task %s cancelled at step %d", runID, step)
			if err := r.registry.SetStatus(runID, types.TaskStatusCancelled); err != nil {
				r.logger.Printf("error updating registry for %s: %v", runID, err)
			}
			r.ledger.UpdateRunStatus(runID, types.RunStatusCancelled)
			r.publish(cfg, types.NewStatusUpdate(runID, types.TaskStatusCancelled, step, cfg.MaxSteps))
			return nil
		}

		step++

		// Open the ledger entry before asking for an action, so a record
		// survives even if the decision itself crashes
		openStepID = ledger.StepID(runID, step)
		r.ledger.AddStep(runID, openStepID, step,
			fmt.Sprintf("Step %d: Analyzing page", step), "browser",
			"Determining next action based on goal")

		action, reasoning, err := ag.Decide(obs, goal)
		if err != nil {
			return fail(step, err)
		}

		screenshotB64 := agent.EncodeScreenshot(obs.Screenshot)
		if screenshotB64 != "" {
			r.ledger.UpdateCapsuleStats(cfg.CapsuleID, 0, 1)
		}

		if err := r.registry.SetStep(runID, step); err != nil {
			return fail(step, err)
		}

		summary := truncateAction(action)
		if summary == "" {
			summary = "No action"
		}
		r.ledger.CompleteStep(runID, openStepID, summary, types.StepOutcomeSuccess)
		openStepID = ""

		// Status update sequenced after the ledger write, preserving
		// per-task ordering across both sinks
		update := types.NewStatusUpdate(runID, types.TaskStatusRunning, step, cfg.MaxSteps)
		update.Action = action
		update.Reasoning = reasoning
		update.ScreenshotBase64 = screenshotB64
		r.publish(cfg, update)

		// No action is a truncation signal, not an error
		if action == "" {
			break
		}

		if expDir != nil {
			if err := expDir.SaveStepInfo(step, obs.URL, action, reasoning, obs.Screenshot); err != nil {
				r.logger.Printf("saving step info for %s: %v", runID, err)
			}
		}

		var truncated bool
		obs, done, truncated, err = r.stepEnv(env, action, step)
		if err != nil {
			return fail(step, err)
		}
		if truncated {
			break
		}
	}

	if err := r.registry.SetStatus(runID, types.TaskStatusCompleted); err != nil {
		r.logger.Printf("error updating registry for %s: %v", runID, err)
	}
	r.ledger.UpdateRunStatus(runID, types.RunStatusCompleted)

	final := types.NewStatusUpdate(runID, types.TaskStatusCompleted, step, cfg.MaxSteps)
	final.ScreenshotBase64 = agent.EncodeScreenshot(obs.Screenshot)
	r.publish(cfg, final)

	if expDir != nil {
		if err := expDir.SaveStepInfo(step, obs.URL, "", "", obs.Screenshot); err != nil {
			r.logger.Printf("saving final step info for %s: %v", runID, err)
		}
	}

	return nil
}

// stepEnv applies an action, optionally bounded by the configured step
// timeout. Without a timeout the call blocks for as long as the engine
// does, which matches the original loop.
func (r *Runner) stepEnv(env agent.Environment, action string, step int) (agent.Observation, bool, bool, error) {
	if r.stepTimeout <= 0 {
		return env.Step(action)
	}

	type result struct {
		obs       agent.Observation
		done      bool
		truncated bool
		err       error
	}

	ch := make(chan result, 1)
	go func() {
		obs, done, truncated, err := env.Step(action)
		ch <- result{obs, done, truncated, err}
	}()

	timer := time.NewTimer(r.stepTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.obs, res.done, res.truncated, res.err
	case <-timer.C:
		return agent.Observation{}, false, false, fmt.Errorf("step %d timed out after %s", step, r.stepTimeout)
	}
}

// truncateAction shortens an action string for ledger output summaries
func truncateAction(action string) string {
	if len(action) <= actionSummaryLimit {
		return action
	}
	return action[:actionSummaryLimit] + "..."
}
