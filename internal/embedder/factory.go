package embedder

import (
	"fmt"
	"strings"
	"time"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel  = "nomic-embed-text"
	defaultOpenAIModel  = "text-embedding-3-small"
	defaultMistralModel = "mistral-embed"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ; override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultMistralDimensions is the output dimension of mistral-embed.
	defaultMistralDimensions = 1024

	// DefaultAzureAPIVersion is used when no Azure API version is configured.
	DefaultAzureAPIVersion = "2025-04-01-preview"
)

// Config selects and configures the embedding backend. It is resolved once
// from EMBEDDING_* with the chat provider's credentials as fallbacks.
type Config struct {
	// Backend is "ollama", "openai", "mistral" or "azure".
	Backend string
	// Explicit is true when EMBEDDING_PROVIDER chose Backend rather than
	// MODEL_PROVIDER.
	Explicit bool
	// Model overrides the backend's default embedding model.
	Model string
	// APIKey authenticates the OpenAI-style backends.
	APIKey string
	// Endpoint is the Ollama host or the OpenAI-style base URL. Empty uses the
	// backend's public endpoint; Azure requires it.
	Endpoint string
	// Dimensions requests a vector width from OpenAI-style backends. Zero
	// keeps the model's native width.
	Dimensions int
	// APIVersion is the Azure OpenAI API version.
	APIVersion string
	// Timeout bounds each HTTP round trip. Zero keeps the backend default.
	Timeout time.Duration
}

// DefaultDimensions returns the expected embedding width for cfg:
// cfg.Dimensions when set, else the native width of the backend's default
// model.
func DefaultDimensions(cfg *Config) int {
	if cfg.Dimensions > 0 {
		return cfg.Dimensions
	}
	switch cfg.Backend {
	case "ollama":
		return defaultOllamaDimensions
	case "mistral":
		return defaultMistralDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// New constructs the rag.Embedder cfg describes. Missing credentials and
// unknown backends wrap rag.ErrConfiguration.
func New(cfg *Config) (rag.Embedder, error) {
	switch cfg.Backend {
	case "ollama":
		return NewOllamaEmbedder(&OllamaConfig{
			Host:    orDefault(cfg.Endpoint, "http://localhost:11434"),
			Model:   orDefault(cfg.Model, defaultOllamaModel),
			Timeout: cfg.Timeout,
		}), nil

	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY: %w", rag.ErrConfiguration)
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    orDefault(cfg.Endpoint, "https://api.openai.com/v1"),
			APIKey:     cfg.APIKey,
			Model:      orDefault(cfg.Model, defaultOpenAIModel),
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
		}), nil

	case "mistral":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: mistral requires MISTRAL_API_KEY or EMBEDDING_API_KEY: %w", rag.ErrConfiguration)
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL: orDefault(cfg.Endpoint, "https://api.mistral.ai/v1"),
			APIKey:  cfg.APIKey,
			Model:   orDefault(cfg.Model, defaultMistralModel),
			Timeout: cfg.Timeout,
		}), nil

	case "azure":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY: %w", rag.ErrConfiguration)
		}
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT: %w", rag.ErrConfiguration)
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    strings.TrimRight(cfg.Endpoint, "/") + "/openai",
			APIKey:     cfg.APIKey,
			Model:      orDefault(cfg.Model, defaultOpenAIModel),
			Dimensions: cfg.Dimensions,
			Azure:      true,
			APIVersion: orDefault(cfg.APIVersion, DefaultAzureAPIVersion),
			Timeout:    cfg.Timeout,
		}), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q, valid values: ollama, openai, mistral, azure: %w", cfg.Backend, rag.ErrConfiguration)
	}
}

// orDefault returns v, or fallback when v is empty.
func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
