// Package config handles webherd configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds webherd configuration
type Config struct {
	// HTTP server
	ListenAddr string

	// Worker pool settings
	Workers   int
	QueueSize int

	// Ledger database (empty disables durable mirroring)
	LedgerPath string

	// Task defaults
	DefaultMaxSteps int
	Headless        bool

	// Engine settings
	EngineType string // "browser" or "scripted"

	// StepTimeout bounds a single environment step. Zero means no
	// timeout, matching the original behavior.
	StepTimeout time.Duration

	// Notifier settings
	CallbackTimeout time.Duration

	// Experiment artifact storage
	ResultsDir string

	// Verbose mode for debugging
	Verbose bool
}

// ProjectFile is the optional per-project webherd.toml
type ProjectFile struct {
	ListenAddr      string `toml:"listen_addr"`
	Workers         int    `toml:"workers"`
	LedgerPath      string `toml:"ledger_path"`
	DefaultMaxSteps int    `toml:"default_max_steps"`
	Engine          string `toml:"engine"`
	ResultsDir      string `toml:"results_dir"`
	StepTimeout     string `toml:"step_timeout"`
}

// Load loads configuration from the project file, environment and defaults.
// Precedence: env > webherd.toml > defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      ":8080",
		Workers:         4,
		QueueSize:       64,
		LedgerPath:      filepath.Join(".webherd", "ledger.db"),
		DefaultMaxSteps: 100,
		Headless:        true,
		EngineType:      "scripted",
		CallbackTimeout: 30 * time.Second,
		ResultsDir:      "results",
	}

	if err := applyProjectFile(cfg); err != nil {
		return nil, err
	}

	// Environment overrides
	if v := os.Getenv("WEBHERD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WEBHERD_WORKERS"); v != "" {
		cfg.Workers = parseIntOrDefault(v, 4)
	}
	if v := os.Getenv("WEBHERD_QUEUE_SIZE"); v != "" {
		cfg.QueueSize = parseIntOrDefault(v, 64)
	}
	if v := os.Getenv("WEBHERD_LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}
	if v := os.Getenv("WEBHERD_MAX_STEPS"); v != "" {
		cfg.DefaultMaxSteps = parseIntOrDefault(v, 100)
	}
	if v := os.Getenv("WEBHERD_HEADLESS"); v != "" {
		cfg.Headless = v == "true" || v == "1"
	}
	if v := os.Getenv("WEBHERD_ENGINE"); v != "" {
		cfg.EngineType = v
	}
	if v := os.Getenv("WEBHERD_STEP_TIMEOUT"); v != "" {
		cfg.StepTimeout = parseDurationOrDefault(v, 0)
	}
	if v := os.Getenv("WEBHERD_CALLBACK_TIMEOUT"); v != "" {
		cfg.CallbackTimeout = parseDurationOrDefault(v, 30*time.Second)
	}
	if v := os.Getenv("WEBHERD_RESULTS_DIR"); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv("WEBHERD_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}

	return cfg, nil
}

// applyProjectFile merges webherd.toml from the working directory, if present
func applyProjectFile(cfg *Config) error {
	data, err := os.ReadFile("webherd.toml")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading webherd.toml: %w", err)
	}

	var pf ProjectFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing webherd.toml: %w", err)
	}

	if pf.ListenAddr != "" {
		cfg.ListenAddr = pf.ListenAddr
	}
	if pf.Workers > 0 {
		cfg.Workers = pf.Workers
	}
	if pf.LedgerPath != "" {
		cfg.LedgerPath = pf.LedgerPath
	}
	if pf.DefaultMaxSteps > 0 {
		cfg.DefaultMaxSteps = pf.DefaultMaxSteps
	}
	if pf.Engine != "" {
		cfg.EngineType = pf.Engine
	}
	if pf.ResultsDir != "" {
		cfg.ResultsDir = pf.ResultsDir
	}
	if pf.StepTimeout != "" {
		cfg.StepTimeout = parseDurationOrDefault(pf.StepTimeout, 0)
	}

	return nil
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
