// Package config loads global funclag settings from ~/.funclag/config.yaml.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultLockFile is shared with the other ftrace front-ends so two tools
// never configure the tracer at the same time.
const DefaultLockFile = "/var/tmp/.ftrace-lock"

// GlobalConfig holds global funclag settings.
type GlobalConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig holds tracer access settings.
type TracingConfig struct {
	// Dir is the tracing control directory. Empty means auto-detect
	// (/sys/kernel/tracing, then /sys/kernel/debug/tracing).
	Dir string `yaml:"dir"`
	// LockFile is the session lock marker path.
	LockFile string `yaml:"lock_file"`
}

// DefaultGlobalConfig returns the default global configuration.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Tracing: TracingConfig{
			LockFile: DefaultLockFile,
		},
	}
}

// LoadGlobal reads ~/.funclag/config.yaml and applies environment overrides.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	// Try to load from file
	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".funclag", "config.yaml")
		if data, err := os.ReadFile(configPath); err == nil {
			_ = yaml.Unmarshal(data, cfg) // Ignore unmarshal errors, use defaults
		}
	}

	// Apply environment overrides
	if dir := os.Getenv("FUNCLAG_TRACING_DIR"); dir != "" {
		cfg.Tracing.Dir = dir
	}
	if lock := os.Getenv("FUNCLAG_LOCK_FILE"); lock != "" {
		cfg.Tracing.LockFile = lock
	}

	return cfg, nil
}

// GlobalConfigDir returns the path to ~/.funclag.
func GlobalConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".funclag")
	}
	return filepath.Join(homeDir, ".funclag")
}
