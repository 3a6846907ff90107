// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration shared by snops-control and
// snops-agent. Each binary reads the sections it needs; a field left
// zero for a binary that doesn't use it is harmless.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Store configures the control plane's state store.
	Store StoreConfig `yaml:"store"`

	// Bus configures the agent bus, server and client side alike.
	Bus BusConfig `yaml:"bus"`

	// Agent configures snops-agent's connection back to the control plane.
	Agent AgentConfig `yaml:"agent"`

	// HTTPAPI configures the external HTTP/WebSocket surface.
	HTTPAPI HTTPAPIConfig `yaml:"http_api"`

	// EnvironmentOverrides contains per-environment overrides, applied
	// after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Store   *StoreConfig   `yaml:"store,omitempty"`
	Bus     *BusConfig     `yaml:"bus,omitempty"`
	Agent   *AgentConfig   `yaml:"agent,omitempty"`
	HTTPAPI *HTTPAPIConfig `yaml:"http_api,omitempty"`
}

// StoreConfig configures the C1 sqlite-backed state store.
type StoreConfig struct {
	// Path is the sqlite database file. Directory is created on demand.
	Path string `yaml:"path"`
}

// BusConfig configures the C2 agent bus. ListenAddr and RootKeyPath
// are meaningful to snops-control (the bus server). HeartbeatInterval
// is read by both binaries; the reconnect backoff fields are read by
// snops-agent.
type BusConfig struct {
	// ListenAddr is the control plane's bus listen address, e.g. ":7420".
	ListenAddr string `yaml:"listen_addr"`

	// RootKeyPath is the root secret every agent's bearer token is
	// HKDF-derived from. Only read by snops-control.
	RootKeyPath string `yaml:"root_key_path"`

	// HeartbeatInterval is passed to the bus as its HeartbeatTimeout on
	// both sides: how long a connection may go without an inbound frame
	// before it is considered dead. Default 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ReconnectBackoffBase and ReconnectBackoffCap bound an agent's
	// reconnect retry delay after a dropped connection.
	ReconnectBackoffBase time.Duration `yaml:"reconnect_backoff_base"`
	ReconnectBackoffCap  time.Duration `yaml:"reconnect_backoff_cap"`
}

// AgentConfig configures snops-agent's identity and how it reaches
// the control plane.
type AgentConfig struct {
	// ID is this agent's AgentID.
	ID string `yaml:"id"`

	// ControlEndpoint is the control plane's bus address to dial.
	ControlEndpoint string `yaml:"control_endpoint"`

	// BearerTokenPath is the file holding this agent's HKDF-derived
	// bearer token, presented on every handshake.
	BearerTokenPath string `yaml:"bearer_token_path"`
}

// HTTPAPIConfig configures the illustrative external HTTP/WebSocket
// surface exposed by snops-control.
type HTTPAPIConfig struct {
	// ListenAddr is the HTTP API's listen address, e.g. ":8420".
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the default configuration. These defaults exist
// primarily to give every field a sensible zero-value, not as a
// fallback — the config file is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".cache", "snops")

	return &Config{
		Environment: Development,
		Store: StoreConfig{
			Path: filepath.Join(stateDir, "state.db"),
		},
		Bus: BusConfig{
			ListenAddr:           ":7420",
			RootKeyPath:          filepath.Join(stateDir, "bus-root.key"),
			HeartbeatInterval:    30 * time.Second,
			ReconnectBackoffBase: time.Second,
			ReconnectBackoffCap:  30 * time.Second,
		},
		Agent: AgentConfig{
			ControlEndpoint: "localhost:7420",
			BearerTokenPath: filepath.Join(stateDir, "agent-bearer.token"),
		},
		HTTPAPI: HTTPAPIConfig{
			ListenAddr: ":8420",
		},
	}
}

// Load loads configuration from the SNOPS_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if SNOPS_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("SNOPS_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SNOPS_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
	}

	if overrides.Bus != nil {
		if overrides.Bus.ListenAddr != "" {
			c.Bus.ListenAddr = overrides.Bus.ListenAddr
		}
		if overrides.Bus.RootKeyPath != "" {
			c.Bus.RootKeyPath = overrides.Bus.RootKeyPath
		}
		if overrides.Bus.HeartbeatInterval != 0 {
			c.Bus.HeartbeatInterval = overrides.Bus.HeartbeatInterval
		}
		if overrides.Bus.ReconnectBackoffBase != 0 {
			c.Bus.ReconnectBackoffBase = overrides.Bus.ReconnectBackoffBase
		}
		if overrides.Bus.ReconnectBackoffCap != 0 {
			c.Bus.ReconnectBackoffCap = overrides.Bus.ReconnectBackoffCap
		}
	}

	if overrides.Agent != nil {
		if overrides.Agent.ID != "" {
			c.Agent.ID = overrides.Agent.ID
		}
		if overrides.Agent.ControlEndpoint != "" {
			c.Agent.ControlEndpoint = overrides.Agent.ControlEndpoint
		}
		if overrides.Agent.BearerTokenPath != "" {
			c.Agent.BearerTokenPath = overrides.Agent.BearerTokenPath
		}
	}

	if overrides.HTTPAPI != nil {
		if overrides.HTTPAPI.ListenAddr != "" {
			c.HTTPAPI.ListenAddr = overrides.HTTPAPI.ListenAddr
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Bus.RootKeyPath = expandVars(c.Bus.RootKeyPath, vars)
	c.Agent.BearerTokenPath = expandVars(c.Agent.BearerTokenPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors common to both binaries.
// Binary-specific requirements (e.g. Agent.ID being set) are checked by
// each cmd's own flag/config wiring, not here.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Bus.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("bus.listen_addr is required"))
	}
	if c.Bus.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("bus.heartbeat_interval must be positive"))
	}
	if c.HTTPAPI.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("http_api.listen_addr is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories the config's file-backed fields
// live in, if they don't already exist.
func (c *Config) EnsurePaths() error {
	dirs := []string{
		filepath.Dir(c.Store.Path),
		filepath.Dir(c.Bus.RootKeyPath),
		filepath.Dir(c.Agent.BearerTokenPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
