package config

import "testing"

func TestAIConfigValidate_MissingProviders(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{
		DefaultModel: "openai/gpt-5-mini",
	}

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing providers")
	}
}

func TestAIConfigValidate_DefaultMustBeInModels(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{
		DefaultModel: "openai/gpt-5-mini",
		Models: []AIModel{
			{ID: "openai/gpt-4o-mini"},
		},
		Providers: []AIProvider{
			{ID: "openai", Type: "openai", BaseURL: "https://api.openai.com/v1", APIKeyEnv: AIProviderAPIKeyEnvFixed},
		},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing default model in models")
	}
}

func TestAIConfigValidate_OK(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{
		DefaultModel: "openai/gpt-5-mini",
		Models: []AIModel{
			{ID: "openai/gpt-5-mini", Label: "GPT-5 Mini"},
			{ID: "anthropic/claude-sonnet-4-5", Label: "Claude Sonnet 4.5"},
		},
		Providers: []AIProvider{
			{ID: "openai", Type: "openai", BaseURL: "https://api.openai.com/v1", APIKeyEnv: AIProviderAPIKeyEnvFixed},
			{ID: "anthropic", Type: "anthropic", BaseURL: "https://api.anthropic.com", APIKeyEnv: AIProviderAPIKeyEnvFixed},
		},
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestAIConfigValidate_OKWithoutExplicitModels(t *testing.T) {
	t.Parallel()

	cfg := &AIConfig{
		DefaultModel: "openai/gpt-5-mini",
		Providers: []AIProvider{
			{ID: "openai", Type: "openai", APIKeyEnv: AIProviderAPIKeyEnvFixed},
		},
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
