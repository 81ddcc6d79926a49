package embedder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are NOT suitable for embedding.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral-large",
	"mistral-small",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"vicuna",
	"falcon",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "embed") {
		return false
	}
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate is the pre-flight check run before any store is opened. It
// returns an error wrapping rag.ErrConfiguration when the embedding setup is
// clearly broken and logs a warning when the model looks like a chat model,
// so operators see the problem at startup instead of on the first embed call.
func Validate(cfg *Config, log *slog.Logger) error {
	if cfg.Backend != "ollama" && !cfg.Explicit {
		log.Warn("embedder: EMBEDDING_PROVIDER is not set, inheriting MODEL_PROVIDER as embedding backend",
			slog.String("backend", cfg.Backend),
			slog.String("hint", "set EMBEDDING_PROVIDER=ollama (or openai/mistral/azure) to be explicit"),
		)
	}

	switch cfg.Backend {
	case "ollama":
	case "openai":
		if cfg.APIKey == "" {
			return fmt.Errorf("embedder: no OpenAI API key found, set OPENAI_API_KEY or EMBEDDING_API_KEY: %w", rag.ErrConfiguration)
		}
	case "mistral":
		if cfg.APIKey == "" {
			return fmt.Errorf("embedder: no Mistral API key found, set MISTRAL_API_KEY or EMBEDDING_API_KEY: %w", rag.ErrConfiguration)
		}
	case "azure":
		if cfg.APIKey == "" {
			return fmt.Errorf("embedder: no Azure API key found, set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY: %w", rag.ErrConfiguration)
		}
		if cfg.Endpoint == "" {
			return fmt.Errorf("embedder: no Azure endpoint found, set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT: %w", rag.ErrConfiguration)
		}
	default:
		return fmt.Errorf("embedder: unsupported embedding backend %q, set EMBEDDING_PROVIDER to ollama, openai, mistral, or azure: %w", cfg.Backend, rag.ErrConfiguration)
	}

	if cfg.Model != "" && looksLikeChatModel(cfg.Model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", cfg.Model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small, mistral-embed"),
		)
	}

	return nil
}
