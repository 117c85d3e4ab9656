// Package agent defines the automation engine boundary.
//
// The runner drives tasks through the Engine, Environment and Agent
// interfaces; the concrete browser integration lives behind them. The
// engine's availability is an explicit, constructor-injected capability
// checked before any task side effects, not a runtime probe.
package agent

import (
	"encoding/base64"
	"fmt"
)

// Goal is what the agent is asked to accomplish
type Goal struct {
	Text   string
	Images []string
}

// Observation is one snapshot of the environment as seen by the agent
type Observation struct {
	URL        string
	Screenshot []byte // PNG-encoded, nil when capture is unavailable
	AXTree     string
}

// Environment is a stateful automation session. It is owned exclusively
// by the worker goroutine driving one task and is never shared.
type Environment interface {
	// Reset navigates to the start state and returns the initial observation
	Reset(seed int64) (Observation, error)

	// Step applies an action and returns the next observation. done
	// signals goal completion, truncated signals budget exhaustion
	// enforced by the engine.
	Step(action string) (obs Observation, done, truncated bool, err error)

	// Close releases the environment's resources
	Close() error
}

// Agent chooses the next action given the current observation. An empty
// action with a nil error is a truncation signal, not a failure.
type Agent interface {
	Decide(obs Observation, goal Goal) (action, reasoning string, err error)
}

// EnvConfig configures a new environment
type EnvConfig struct {
	StartURL string
	Headless bool
	MaxSteps int
}

// Engine constructs agents and environments and exposes the capability
// check consulted before any task execution begins.
type Engine interface {
	Available() bool
	NewAgent() (Agent, error)
	NewEnvironment(cfg EnvConfig) (Environment, error)
}

// NewEngine builds an engine by type name. "browser" maps to the
// unavailable engine until a browser integration is linked in; callers
// observe that through Available and fast-fail tasks cleanly.
func NewEngine(engineType string) (Engine, error) {
	switch engineType {
	case "scripted":
		return DemoEngine(), nil
	case "browser":
		return &UnavailableEngine{Reason: "browser engine not installed"}, nil
	default:
		return nil, fmt.Errorf("unknown engine type: %s", engineType)
	}
}

// UnavailableEngine is the capability-off engine. Every construction
// attempt fails; Available reports false so the orchestrator can
// fast-fail before opening any ledger entries.
type UnavailableEngine struct {
	Reason string
}

func (e *UnavailableEngine) Available() bool { return false }

func (e *UnavailableEngine) NewAgent() (Agent, error) {
	return nil, fmt.Errorf("engine unavailable: %s", e.Reason)
}

func (e *UnavailableEngine) NewEnvironment(cfg EnvConfig) (Environment, error) {
	return nil, fmt.Errorf("engine unavailable: %s", e.Reason)
}

// EncodeScreenshot encodes PNG screenshot bytes for transport. Nil input
// yields an empty string.
func EncodeScreenshot(png []byte) string {
	if len(png) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(png)
}
