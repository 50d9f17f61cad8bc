package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/codeqa-go/internal/config"
)

// Default model per backend.
const (
	DefaultOllamaModel = "llama3.2"
	defaultOpenAIModel = "gpt-4o"
	defaultGeminiModel = "gemini-1.5-pro"
	defaultArkBaseURL  = "https://ark.cn-beijing.volces.com/api/v3"
)

// ConfigFromEnv resolves a Config from environment variables. MODEL_PROVIDER
// selects the backend; each provider uses its own native credential env vars.
//
// Environment variables:
//
//	MODEL_PROVIDER = ollama | openai | azure | ark | gemini (default: ollama)
//
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3.2)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o), OPENAI_BASE_URL
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Ark:     ARK_API_KEY, ARK_MODEL, ARK_BASE_URL
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-pro)
//
//	Shared:  MODEL_MAX_TOKENS (default: 4096), MODEL_TEMPERATURE (default: 0.2)
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(config.String("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  config.String("OLLAMA_HOST", "http://localhost:11434"),
			Model: config.String("OLLAMA_MODEL", DefaultOllamaModel),
		},
		OpenAI: ProviderOpenAI{
			APIKey:  config.String("OPENAI_API_KEY", ""),
			Model:   config.String("OPENAI_MODEL", defaultOpenAIModel),
			BaseURL: config.String("OPENAI_BASE_URL", ""),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     config.String("AZURE_OPENAI_API_KEY", ""),
			Endpoint:   config.String("AZURE_OPENAI_ENDPOINT", ""),
			Deployment: config.String("AZURE_OPENAI_DEPLOYMENT", ""),
			APIVersion: config.String("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Ark: ProviderArk{
			APIKey:  config.String("ARK_API_KEY", ""),
			Model:   config.String("ARK_MODEL", ""),
			BaseURL: config.String("ARK_BASE_URL", defaultArkBaseURL),
		},
		Gemini: ProviderGemini{
			APIKey: config.String("GOOGLE_API_KEY", ""),
			Model:  config.String("GEMINI_MODEL", defaultGeminiModel),
		},
		Tuning: SharedTuning{
			MaxTokens:   config.Int("MODEL_MAX_TOKENS", 4096),
			Temperature: float32(config.Float("MODEL_TEMPERATURE", 0.2)),
		},
	}
}

// NewFromEnv constructs a chat model from ConfigFromEnv.
func NewFromEnv(ctx context.Context) (model.BaseChatModel, error) {
	return New(ctx, ConfigFromEnv())
}

// New constructs a chat model from an explicit Config, delegating to the
// appropriate backend factory function. It validates the config first so
// callers get a clear error at startup rather than on the first question.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		m   model.BaseChatModel
		err error
	)
	switch cfg.Backend {
	case BackendOllama:
		m, err = newOllama(ctx, cfg)
	case BackendOpenAI:
		m, err = newOpenAI(ctx, cfg)
	case BackendAzure:
		m, err = newAzure(ctx, cfg)
	case BackendArk:
		m, err = newArk(ctx, cfg)
	case BackendGemini:
		m, err = newGemini(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: create %s chat model: %w", cfg.Backend, err)
	}
	return m, nil
}
