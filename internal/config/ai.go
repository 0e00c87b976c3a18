package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// AIConfig configures the model backends the turn engine's Router dispatches
// to (spec §4.3 model client): which provider prefixes are wired, which
// models are exposed to model/list, and the API key env var each provider
// reads from. Secrets themselves are never stored here -- only the name of
// the environment variable the running process reads them from.
type AIConfig struct {
	// DefaultModel is the model id used when a thread doesn't name one.
	// Format: "<provider_id>/<model_name>" (example: "openai/gpt-5-mini").
	DefaultModel string `json:"default_model,omitempty"`

	// Models is an explicit allow-list surfaced by model/list. If empty,
	// only DefaultModel is exposed.
	Models []AIModel `json:"models,omitempty"`

	// Providers is the set of backends the Router can route to.
	Providers []AIProvider `json:"providers,omitempty"`
}

type AIModel struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

type AIProvider struct {
	ID string `json:"id"`
	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint (example:
	// "https://api.openai.com/v1"). Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable the running process reads
	// this provider's API key from. Fixed to AIProviderAPIKeyEnvFixed so
	// every provider shares one documented variable.
	APIKeyEnv string `json:"api_key_env"`
}

// AIProviderAPIKeyEnvFixed is the environment variable every configured
// provider reads its API key from.
const AIProviderAPIKeyEnvFixed = "AGENTD_API_KEY"

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	defaultModel := strings.TrimSpace(c.DefaultModel)
	if defaultModel == "" {
		return errors.New("missing default_model")
	}

	if len(c.Providers) == 0 {
		return errors.New("missing providers")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case "openai", "anthropic", "openai_compatible":
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		if strings.TrimSpace(p.APIKeyEnv) == "" {
			return fmt.Errorf("providers[%d]: missing api_key_env", i)
		}
		if strings.TrimSpace(p.APIKeyEnv) != AIProviderAPIKeyEnvFixed {
			return fmt.Errorf("providers[%d]: api_key_env must be %q", i, AIProviderAPIKeyEnvFixed)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == "openai_compatible" && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}
	}

	if len(c.Models) > 0 {
		modelIDs := make(map[string]struct{}, len(c.Models))
		for i := range c.Models {
			m := c.Models[i]
			id := strings.TrimSpace(m.ID)
			if id == "" {
				return fmt.Errorf("models[%d]: missing id", i)
			}
			if _, ok := modelIDs[id]; ok {
				return fmt.Errorf("models[%d]: duplicate id %q", i, id)
			}
			modelIDs[id] = struct{}{}

			providerID, modelName, ok := strings.Cut(id, "/")
			if !ok || strings.TrimSpace(providerID) == "" || strings.TrimSpace(modelName) == "" {
				return fmt.Errorf("models[%d]: invalid id %q (expected <provider>/<model>)", i, id)
			}
			if _, ok := seen[providerID]; !ok {
				return fmt.Errorf("models[%d]: unknown provider %q", i, providerID)
			}
		}
		if _, ok := modelIDs[defaultModel]; !ok {
			return fmt.Errorf("default_model %q must be listed in models when models is set", defaultModel)
		}
	} else {
		providerID, modelName, ok := strings.Cut(defaultModel, "/")
		if !ok || strings.TrimSpace(providerID) == "" || strings.TrimSpace(modelName) == "" {
			return fmt.Errorf("invalid default_model %q (expected <provider>/<model>)", defaultModel)
		}
		if _, ok := seen[providerID]; !ok {
			return fmt.Errorf("default_model references unknown provider %q", providerID)
		}
	}

	return nil
}

