// Package config resolves orchestrator configuration from built-in
// defaults, an optional YAML file, and process environment variables,
// in that order, last one wins.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every option spec.md §6 names.
type Config struct {
	DatabaseURL         string `yaml:"databaseUrl"`
	Port                int    `yaml:"port"`
	WorkspaceRoot       string `yaml:"workspaceRoot"`
	ContainerImage      string `yaml:"containerImage"`
	IdleTimeoutSeconds  int    `yaml:"idleTimeoutSeconds"`
	HeartbeatIntervalMs int    `yaml:"heartbeatIntervalMs"`
	BaseSystemPrompt    string `yaml:"baseSystemPrompt"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DatabaseURL:         "agentctl.db",
		Port:                8080,
		WorkspaceRoot:       "./workspace",
		ContainerImage:      "agentctl/sandbox:latest",
		IdleTimeoutSeconds:  30,
		HeartbeatIntervalMs: 30000,
		BaseSystemPrompt:    "",
	}
}

// Load resolves the configuration: defaults, then an optional YAML
// file at path (skipped if path is empty or the file does not exist;
// any other read or parse error is returned), then process
// environment variables. Each layer overrides the previous one.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTCTL_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AGENTCTL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("AGENTCTL_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("AGENTCTL_CONTAINER_IMAGE"); v != "" {
		cfg.ContainerImage = v
	}
	if v := os.Getenv("AGENTCTL_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("AGENTCTL_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("AGENTCTL_BASE_SYSTEM_PROMPT"); v != "" {
		cfg.BaseSystemPrompt = v
	}
}
