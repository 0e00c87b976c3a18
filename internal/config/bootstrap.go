package config

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// BootstrapArgs is the input to BootstrapConfig: everything needed to write
// a first local config file without any network round trip (spec's
// "login browser flow" is an external, out-of-scope concern; this only
// writes the app-server's local endpoint config).
type BootstrapArgs struct {
	ConfigPath string

	ListenAddr string
	RootDir    string
	Shell      string
	LogFormat  string
	LogLevel   string

	DefaultModel string

	// PermissionPolicyPreset is an optional preset used to write
	// permission_policy into the config. If empty, bootstrap preserves the
	// existing permission_policy when possible, otherwise uses defaults.
	PermissionPolicyPreset string
}

// BootstrapConfig writes (or rewrites) the local config file at
// args.ConfigPath, preserving whatever AI/permission config already exists
// there unless the caller overrides it. ctx is accepted for symmetry with
// the rest of the config package's context-taking operations, even though
// this path never makes a network call.
func BootstrapConfig(ctx context.Context, args BootstrapArgs) (writtenPath string, err error) {
	if ctx == nil {
		return "", errors.New("nil context")
	}

	cfgPath := strings.TrimSpace(args.ConfigPath)
	if cfgPath == "" {
		cfgPath = DefaultConfigPath()
	}

	var prev *Config
	if c, loadErr := Load(cfgPath); loadErr == nil {
		prev = c
	}

	cfg := &Config{
		ListenAddr: strings.TrimSpace(args.ListenAddr),
		RootDir:    strings.TrimSpace(args.RootDir),
		Shell:      strings.TrimSpace(args.Shell),
		LogFormat:  strings.TrimSpace(args.LogFormat),
		LogLevel:   strings.TrimSpace(args.LogLevel),
	}

	switch {
	case strings.TrimSpace(args.PermissionPolicyPreset) != "":
		p, err := ParsePermissionPolicyPreset(args.PermissionPolicyPreset)
		if err != nil {
			return "", err
		}
		cfg.PermissionPolicy = p
	case prev != nil && prev.PermissionPolicy != nil:
		cfg.PermissionPolicy = prev.PermissionPolicy
	default:
		cfg.PermissionPolicy = defaultPermissionPolicy()
	}

	switch {
	case strings.TrimSpace(args.DefaultModel) != "":
		cfg.AI = &AIConfig{
			DefaultModel: strings.TrimSpace(args.DefaultModel),
			Providers:    defaultAIProviders(),
		}
	case prev != nil && prev.AI != nil:
		cfg.AI = prev.AI
	default:
		cfg.AI = nil
	}

	if err := Save(cfgPath, cfg); err != nil {
		return "", err
	}
	return filepath.Clean(cfgPath), nil
}

// defaultAIProviders seeds the provider registry for a fresh bootstrap: one
// entry per backend agentd ships a modelclient adapter for.
func defaultAIProviders() []AIProvider {
	return []AIProvider{
		{ID: "openai", Type: "openai", APIKeyEnv: AIProviderAPIKeyEnvFixed},
		{ID: "anthropic", Type: "anthropic", APIKeyEnv: AIProviderAPIKeyEnvFixed},
	}
}
