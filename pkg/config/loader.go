package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the single source of truth for runtime configuration.
const configFileName = "sleuth.yaml"

// Initialize loads, merges, and validates ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load sleuth.yaml from configDir (optional; defaults apply if absent)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into structs
//  4. Merge user config over built-in defaults
//  5. Check per-backend required variables (warn, never exit)
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Missing backend variables are warnings, not errors: a mis-configured
	// backend fails at query time with a clear error while the rest of the
	// process stays usable.
	for _, w := range CheckBackendEnv(cfg) {
		log.Warn("Backend not fully configured",
			"backend", w.Backend, "missing", w.Missing)
	}

	log.Info("Configuration initialized",
		"default_scenario", cfg.Defaults.Scenario,
		"default_backend", cfg.Defaults.Backend,
		"runtime_configured", cfg.RuntimeConfigured())

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(configFileName, err)
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(configFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// User values override defaults; zero values in user YAML preserve the
	// built-in defaults.
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(configFileName, err)
	}

	if cfg.Defaults.Backend != "" && !IsKnownBackend(cfg.Defaults.Backend) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Defaults.Backend)
	}

	return cfg, nil
}

// IsKnownBackend reports whether t is a registered connector key.
func IsKnownBackend(t BackendType) bool {
	for _, k := range KnownBackendTypes {
		if k == t {
			return true
		}
	}
	return false
}
