package agent

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// ScriptedAction is one canned decision of a scripted agent
type ScriptedAction struct {
	Action    string
	Reasoning string
}

// ScriptedEngine is a deterministic engine used by tests and the demo
// command. Its agent replays a fixed action list and its environment
// reports done after a configurable number of applied actions.
type ScriptedEngine struct {
	Actions []ScriptedAction

	// DoneAfter is the number of applied actions after which the
	// environment reports done. Zero means never done (the agent's
	// script running out truncates the task instead).
	DoneAfter int

	// FailOnStep makes the environment fail when applying the n-th
	// action (1-indexed). Zero disables failure injection.
	FailOnStep int

	// FailReset makes environment construction succeed but Reset fail
	FailReset bool

	// CaptureScreenshots controls whether observations carry a
	// synthesized PNG screenshot
	CaptureScreenshots bool
}

// DemoEngine returns a scripted engine with a small plausible script,
// used by `webherd run`
func DemoEngine() *ScriptedEngine {
	return &ScriptedEngine{
		Actions: []ScriptedAction{
			{Action: `click("a.more-information")`, Reasoning: "The goal mentions a link; the accessibility tree shows one anchor."},
			{Action: `scroll(0, 600)`, Reasoning: "The target content is below the fold."},
			{Action: `click("button.submit")`, Reasoning: "Submitting completes the goal."},
		},
		DoneAfter:          3,
		CaptureScreenshots: true,
	}
}

func (e *ScriptedEngine) Available() bool { return true }

func (e *ScriptedEngine) NewAgent() (Agent, error) {
	return &scriptedAgent{script: e.Actions}, nil
}

func (e *ScriptedEngine) NewEnvironment(cfg EnvConfig) (Environment, error) {
	return &scriptedEnv{engine: e, url: cfg.StartURL}, nil
}

type scriptedAgent struct {
	script []ScriptedAction
	next   int
}

// Decide replays the script; past its end it returns an empty action,
// which the step loop treats as truncation.
func (a *scriptedAgent) Decide(obs Observation, goal Goal) (string, string, error) {
	if a.next >= len(a.script) {
		return "", "", nil
	}
	step := a.script[a.next]
	a.next++
	return step.Action, step.Reasoning, nil
}

type scriptedEnv struct {
	engine  *ScriptedEngine
	url     string
	applied int
	closed  bool
}

func (env *scriptedEnv) Reset(seed int64) (Observation, error) {
	if env.engine.FailReset {
		return Observation{}, fmt.Errorf("navigation to %s failed", env.url)
	}
	return env.observe(), nil
}

func (env *scriptedEnv) Step(action string) (Observation, bool, bool, error) {
	env.applied++
	if env.engine.FailOnStep > 0 && env.applied == env.engine.FailOnStep {
		return Observation{}, false, false, fmt.Errorf("applying %q: page crashed", action)
	}
	done := env.engine.DoneAfter > 0 && env.applied >= env.engine.DoneAfter
	return env.observe(), done, false, nil
}

func (env *scriptedEnv) Close() error {
	if env.closed {
		return fmt.Errorf("environment already closed")
	}
	env.closed = true
	return nil
}

func (env *scriptedEnv) observe() Observation {
	obs := Observation{
		URL:    env.url,
		AXTree: fmt.Sprintf("RootWebArea %q", env.url),
	}
	if env.engine.CaptureScreenshots {
		obs.Screenshot = tinyPNG(env.applied)
	}
	return obs
}

// tinyPNG synthesizes a 1x1 PNG whose color varies with the step, so
// screenshots differ across steps without shipping fixtures
func tinyPNG(step int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: uint8(step * 40), G: 120, B: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
