// Package config resolves runtime settings from the environment and an
// optional YAML defaults file. The environment decides where state
// lives; the YAML file only supplies run defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	EnvDBPath     = "ALPHRED_DB_PATH"
	EnvSandboxDir = "ALPHRED_SANDBOX_DIR"
	EnvConfigPath = "ALPHRED_CONFIG"
)

// RunDefaults are the fallbacks applied when a run is started without
// explicit flags.
type RunDefaults struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	MaxSteps    int      `yaml:"max_steps"`
	Permissions []string `yaml:"permissions"`
}

// Config is the resolved runtime configuration.
type Config struct {
	DBPath     string
	SandboxDir string
	Run        RunDefaults
}

// stateDir resolves the base state directory per the XDG spec.
func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state")
}

// FromEnv builds the configuration from the environment, loading the
// YAML defaults file when ALPHRED_CONFIG points at one.
func FromEnv() (Config, error) {
	cfg := Config{
		DBPath:     os.Getenv(EnvDBPath),
		SandboxDir: os.Getenv(EnvSandboxDir),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(stateDir(), "alphred", "alphred.db")
	}
	if cfg.SandboxDir == "" {
		cfg.SandboxDir = filepath.Join(stateDir(), "alphred", "sandbox")
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		defaults, err := LoadRunDefaults(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Run = defaults
	}
	return cfg, nil
}

// LoadRunDefaults reads a YAML defaults file. Unknown keys are
// rejected so typos fail loudly instead of silently defaulting.
func LoadRunDefaults(path string) (RunDefaults, error) {
	f, err := os.Open(path)
	if err != nil {
		return RunDefaults{}, fmt.Errorf("open run config: %w", err)
	}
	defer f.Close()

	var defaults RunDefaults
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&defaults); err != nil {
		return RunDefaults{}, fmt.Errorf("parse run config %s: %w", path, err)
	}
	if defaults.MaxSteps < 0 {
		return RunDefaults{}, fmt.Errorf("run config %s: max_steps must not be negative", path)
	}
	return defaults, nil
}

// EnsureDirs creates the directories the configuration points at.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	if err := os.MkdirAll(c.SandboxDir, 0o755); err != nil {
		return fmt.Errorf("create sandbox directory: %w", err)
	}
	return nil
}
