// Package config loads the coordinator configuration (JSON5 file plus
// environment overlay) and the provider credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// UserDir is the per-user configuration directory under $HOME.
const UserDir = ".nano_agent_team"

// BlackboardDirName is the default blackboard location, relative to the
// working directory.
const BlackboardDirName = ".blackboard"

// Config is the root configuration.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Tools     ToolsConfig     `json:"tools"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

type AgentsConfig struct {
	// Model is the default provider key ("anthropic", "openai/gpt-4o",
	// "openrouter/...").
	Model            string `json:"model"`
	MaxIterations    int    `json:"max_iterations"`
	MaxParallelTools int    `json:"max_parallel_tools"`
	// Blackboard overrides the blackboard directory.
	Blackboard string `json:"blackboard"`
}

type ToolsConfig struct {
	WebSearchMaxResults int  `json:"web_search_max_results"`
	BrowserHeadless     bool `json:"browser_headless"`
	ExecTimeoutSeconds  int  `json:"exec_timeout_seconds"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"service_name"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Model:            "anthropic",
			MaxIterations:    50,
			MaxParallelTools: 5,
			Blackboard:       BlackboardDirName,
		},
		Tools: ToolsConfig{
			WebSearchMaxResults: 5,
			BrowserHeadless:     true,
			ExecTimeoutSeconds:  300,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "nanoswarm",
		},
	}
}

// Path returns the default config file location.
func Path() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(UserDir, "config.json")
	}
	return filepath.Join(home, UserDir, "config.json")
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("NANOSWARM_MODEL", &c.Agents.Model)
	envStr("NANOSWARM_BLACKBOARD", &c.Agents.Blackboard)
	envInt("NANOSWARM_MAX_ITERATIONS", &c.Agents.MaxIterations)
	envInt("NANOSWARM_MAX_PARALLEL_TOOLS", &c.Agents.MaxParallelTools)

	envStr("NANOSWARM_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NANOSWARM_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("NANOSWARM_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NANOSWARM_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}
