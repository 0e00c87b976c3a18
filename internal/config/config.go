package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for agentd. Parsing/persistence here
// is a thin contract only: the shape the app-server expects, not a general
// config-layering system.
//
// NOTE: This file can contain secrets (provider env var names, not the keys
// themselves). Always keep it chmod 0600.
type Config struct {
	// ListenAddr is the WebSocket listen address for rpcserver ("" disables
	// the WebSocket transport and leaves only stdio framing).
	ListenAddr string `json:"listen_addr,omitempty"`

	// AI is the model/provider registry available to the turn engine.
	AI *AIConfig `json:"ai,omitempty"`

	// PermissionPolicy is the local permission cap applied on the endpoint.
	// It bounds the effective permissions even when a turn's approval
	// policy would otherwise allow more.
	PermissionPolicy *PermissionPolicy `json:"permission_policy,omitempty"`

	// RootDir is the filesystem root for FS/terminal operations.
	// If empty, the agent picks a safe default (user home dir).
	RootDir string `json:"root_dir,omitempty"`

	// Shell is written by `agentd bootstrap -shell` and kept in the config
	// file. Nothing reads it: the shell tool runs the model's argv directly,
	// and an empty value is not replaced by $SHELL or /bin/bash.
	Shell string `json:"shell,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	// MCPServers lists external MCP tool servers to connect to at startup.
	MCPServers []MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig names one stdio-launched MCP server process to connect to.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.AI != nil {
		if err := c.AI.Validate(); err != nil {
			return fmt.Errorf("invalid ai config: %w", err)
		}
	}
	if c.PermissionPolicy != nil {
		if err := c.PermissionPolicy.Validate(); err != nil {
			return fmt.Errorf("invalid permission_policy: %w", err)
		}
	}
	for i, m := range c.MCPServers {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("mcp_servers[%d]: missing name", i)
		}
		if strings.TrimSpace(m.Command) == "" {
			return fmt.Errorf("mcp_servers[%d]: missing command", i)
		}
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.agentd/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "agentd.config.json"
	}
	return filepath.Join(home, ".agentd", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
