package embedder

import (
	"fmt"

	"github.com/54b3r/codeqa-go/internal/config"
	"github.com/54b3r/codeqa-go/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "mxbai-embed-large"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of mxbai-embed-large.
	// Other Ollama models may differ; override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 1024
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536

	// defaultBatchSize is the number of texts sent per embedding request.
	defaultBatchSize = 32
)

// Backend returns the resolved embedding backend: EMBEDDING_PROVIDER, then
// MODEL_PROVIDER when it names a backend that can embed, then "ollama".
func Backend() string {
	if b := config.String("EMBEDDING_PROVIDER", ""); b != "" {
		return b
	}
	switch b := config.String("MODEL_PROVIDER", ""); b {
	case "openai", "azure":
		return b
	default:
		return "ollama"
	}
}

// DefaultDimensions returns the default embedding vector size for backend.
// Callers that pre-configure a vector store (collection or table creation)
// use this rather than hardcoding a value. EMBEDDING_DIMENSIONS always takes
// precedence when set.
func DefaultDimensions(backend string) int {
	if v := config.Int("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "ollama":
		return defaultOllamaDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// ModelName returns the embedding model that NewFromEnv will use for backend.
func ModelName(backend string) string {
	if backend == "ollama" {
		return config.String("EMBEDDING_MODEL", defaultOllamaModel)
	}
	return config.String("EMBEDDING_MODEL", defaultOpenAIModel)
}

// NewFromEnv constructs a rag.Embedder using cascading defaults that inherit
// from the chat provider configuration when embedding-specific overrides are
// not set. The result batches requests (EMBEDDING_BATCH_SIZE) and paces them
// (EMBEDDING_RPS, 0 = unlimited).
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER, see Backend
//  2. Per-backend credentials are inherited from the chat provider's env vars
//  3. EMBEDDING_MODEL overrides the default model for the resolved backend
//  4. EMBEDDING_API_KEY overrides the inherited API key
//  5. EMBEDDING_ENDPOINT overrides the inherited endpoint
//  6. EMBEDDING_DIMENSIONS overrides the default dimensions (ollama: 1024, openai/azure: 1536)
func NewFromEnv() (rag.Embedder, error) {
	backend := Backend()
	inner, err := newBackend(backend)
	if err != nil {
		return nil, err
	}
	return NewBatched(inner, &BatchConfig{
		BatchSize:         config.Int("EMBEDDING_BATCH_SIZE", defaultBatchSize),
		RequestsPerSecond: config.Float("EMBEDDING_RPS", 0),
	}), nil
}

// newBackend builds the HTTP embedder for backend.
func newBackend(backend string) (rag.Embedder, error) {
	model := ModelName(backend)

	switch backend {
	case "ollama":
		host := config.String("EMBEDDING_ENDPOINT", config.String("OLLAMA_HOST", "http://localhost:11434"))
		return NewOllamaEmbedder(&OllamaConfig{
			Host:  host,
			Model: model,
		}), nil

	case "openai":
		apiKey := config.String("EMBEDDING_API_KEY", config.String("OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		baseURL := config.String("EMBEDDING_ENDPOINT", config.String("OPENAI_BASE_URL", "https://api.openai.com/v1"))
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			Model:      model,
			Dimensions: config.Int("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions),
		}), nil

	case "azure":
		apiKey := config.String("EMBEDDING_API_KEY", config.String("AZURE_OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := config.String("EMBEDDING_ENDPOINT", config.String("AZURE_OPENAI_ENDPOINT", ""))
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      model,
			Dimensions: config.Int("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions),
			Azure:      true,
			APIVersion: config.String("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		}), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q (valid values: ollama, openai, azure)", backend)
	}
}
