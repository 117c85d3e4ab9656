package agent

import (
	"encoding/base64"
	"testing"
)

func TestScriptedEngine_ReplaysThenTruncates(t *testing.T) {
	engine := &ScriptedEngine{
		Actions: []ScriptedAction{
			{Action: "a1", Reasoning: "r1"},
			{Action: "a2", Reasoning: "r2"},
		},
	}

	ag, err := engine.NewAgent()
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}

	goal := Goal{Text: "do things"}
	action, reasoning, err := ag.Decide(Observation{}, goal)
	if err != nil || action != "a1" || reasoning != "r1" {
		t.Fatalf("First decision wrong: %q %q %v", action, reasoning, err)
	}
	if action, _, _ = ag.Decide(Observation{}, goal); action != "a2" {
		t.Fatalf("Second decision wrong: %q", action)
	}

	// Script exhausted: empty action, nil error
	action, _, err = ag.Decide(Observation{}, goal)
	if err != nil {
		t.Fatalf("Exhausted script should not error: %v", err)
	}
	if action != "" {
		t.Fatalf("Expected empty action, got %q", action)
	}
}

func TestScriptedEnv_DoneAfter(t *testing.T) {
	engine := &ScriptedEngine{DoneAfter: 2}
	env, err := engine.NewEnvironment(EnvConfig{StartURL: "https://example.com"})
	if err != nil {
		t.Fatalf("NewEnvironment failed: %v", err)
	}
	defer env.Close()

	obs, err := env.Reset(0)
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if obs.URL != "https://example.com" {
		t.Errorf("Unexpected URL %s", obs.URL)
	}

	if _, done, _, _ := env.Step("a1"); done {
		t.Error("Should not be done after first step")
	}
	if _, done, _, _ := env.Step("a2"); !done {
		t.Error("Should be done after second step")
	}
}

func TestScriptedEnv_CloseTwiceFails(t *testing.T) {
	engine := &ScriptedEngine{}
	env, _ := engine.NewEnvironment(EnvConfig{})
	if err := env.Close(); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := env.Close(); err == nil {
		t.Error("Second close should fail")
	}
}

func TestUnavailableEngine(t *testing.T) {
	engine, err := NewEngine("browser")
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if engine.Available() {
		t.Error("Browser engine should be unavailable")
	}
	if _, err := engine.NewAgent(); err == nil {
		t.Error("NewAgent should fail for unavailable engine")
	}
}

func TestNewEngine_Unknown(t *testing.T) {
	if _, err := NewEngine("teleporter"); err == nil {
		t.Error("Unknown engine type should fail")
	}
}

func TestEncodeScreenshot(t *testing.T) {
	if EncodeScreenshot(nil) != "" {
		t.Error("Nil screenshot should encode to empty string")
	}

	data := tinyPNG(1)
	encoded := EncodeScreenshot(data)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("Round trip failed: %v", err)
	}
	if string(decoded) != string(data) {
		t.Error("Decoded bytes differ from input")
	}
}
