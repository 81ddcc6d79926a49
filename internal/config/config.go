// Package config provides YAML-based configuration for reachyrag.
// Configuration is layered: defaults → .env → YAML file → environment.
// Environment variables always win.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. REACHYRAG_CONFIG environment variable
//  3. ~/.reachyrag/config.yaml
//  4. ./reachyrag.yaml
//
// Scalar YAML values are exported as environment variables so every
// component reads one source. Structured values (query profiles, embedding
// instructions) stay on the parsed Config and are folded in by Resolve.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming.
type Config struct {
	// Model configures the chat model provider.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding backend.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Store configures the document store.
	Store StoreConfig `yaml:"store"`

	// Qdrant configures the Qdrant index backend.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Redis configures the distributed maintenance lock.
	Redis RedisConfig `yaml:"redis"`

	// Retrieval configures classification, weighting and ranking.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Rerank configures the cross-encoder service.
	Rerank RerankConfig `yaml:"rerank"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// History configures conversation history.
	History HistoryConfig `yaml:"history"`

	// Tracing configures Langfuse tracing.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, mistral, ark, gemini.
	Provider    string       `yaml:"provider"`
	MaxTokens   int          `yaml:"max_tokens"`
	Temperature float32      `yaml:"temperature"`
	Ollama      OllamaConfig `yaml:"ollama"`
	OpenAI      APIConfig    `yaml:"openai"`
	Azure       AzureConfig  `yaml:"azure"`
	Mistral     APIConfig    `yaml:"mistral"`
	Ark         APIConfig    `yaml:"ark"`
	Gemini      APIConfig    `yaml:"gemini"`
}

// OllamaConfig holds Ollama settings.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// APIConfig holds settings for a hosted API backend. Prefer env vars for keys.
type APIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// AzureConfig holds Azure OpenAI settings.
type AzureConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// EmbeddingConfig holds embedding settings.
type EmbeddingConfig struct {
	Provider   string  `yaml:"provider"`
	Model      string  `yaml:"model"`
	Dimensions int     `yaml:"dimensions"`
	APIKey     string  `yaml:"api_key"`
	Endpoint   string  `yaml:"endpoint"`
	MaxRetries int     `yaml:"max_retries"`
	RPS        float32 `yaml:"rps"`
	Serialize  *bool   `yaml:"serialize"`
}

// StoreConfig holds document store settings.
type StoreConfig struct {
	// Backend is sqlite or qdrant.
	Backend        string `yaml:"backend"`
	Dir            string `yaml:"dir"`
	BatchSize      int    `yaml:"batch_size"`
	RetryBatchSize int    `yaml:"retry_batch_size"`
	// Instructions overrides per-collection embedding instructions. An empty
	// value removes the built-in instruction.
	Instructions map[string]string `yaml:"instructions"`
}

// QdrantConfig holds Qdrant settings.
type QdrantConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	APIKey           string `yaml:"api_key"`
	TLS              *bool  `yaml:"tls"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// RedisConfig holds maintenance lock settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	LockTTL  string `yaml:"lock_ttl"`
}

// RetrievalConfig holds retrieval tuning and the query profiles.
type RetrievalConfig struct {
	TopK           int    `yaml:"top_k"`
	RerankTopK     int    `yaml:"rerank_top_k"`
	// RerankCandidates is the shortlist size handed to the re-ranker.
	RerankCandidates int `yaml:"rerank_candidates"`
	PerCollectionK int    `yaml:"per_collection_k"`
	Scoring        string `yaml:"scoring"`
	Parallel       *bool  `yaml:"parallel"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	CallTimeout    string `yaml:"call_timeout"`
	BusyRetries    int    `yaml:"busy_retries"`
	BusyRetryDelay string `yaml:"busy_retry_delay"`
	Decompose      *bool  `yaml:"decompose"`
	// Profiles replaces the built-in query profiles when non-empty.
	Profiles []ProfileConfig `yaml:"profiles"`
}

// ProfileConfig is one query profile. Weights keep their YAML order.
type ProfileConfig struct {
	Label    string         `yaml:"label"`
	Keywords []string       `yaml:"keywords"`
	Weights  []WeightConfig `yaml:"weights"`
}

// WeightConfig is one collection weight.
type WeightConfig struct {
	Collection string  `yaml:"collection"`
	Weight     float64 `yaml:"weight"`
}

// RerankConfig holds cross-encoder settings.
type RerankConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var REACHYRAG_API_KEY.
	APIKey         string  `yaml:"api_key"`
	RateLimitRPS   float32 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// HistoryConfig holds conversation history settings.
type HistoryConfig struct {
	// DBPath is the SQLite database path. "memory" keeps history in process;
	// "disabled" turns it off.
	DBPath           string `yaml:"db_path"`
	Messages         int    `yaml:"messages"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Model.OpenAI.BaseURL }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"MISTRAL_API_KEY", func(c *Config) string { return c.Model.Mistral.APIKey }},
	{"MISTRAL_MODEL", func(c *Config) string { return c.Model.Mistral.Model }},
	{"MISTRAL_BASE_URL", func(c *Config) string { return c.Model.Mistral.BaseURL }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_MAX_RETRIES", func(c *Config) string { return intStr(c.Embedding.MaxRetries) }},
	{"EMBEDDING_RPS", func(c *Config) string { return float32Str(c.Embedding.RPS) }},
	{"EMBEDDING_SERIALIZE", func(c *Config) string { return boolStr(c.Embedding.Serialize) }},
	{"STORE_BACKEND", func(c *Config) string { return c.Store.Backend }},
	{"VECTOR_STORE_DIR", func(c *Config) string { return c.Store.Dir }},
	{"EMBED_BATCH_SIZE", func(c *Config) string { return intStr(c.Store.BatchSize) }},
	{"EMBED_RETRY_BATCH_SIZE", func(c *Config) string { return intStr(c.Store.RetryBatchSize) }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"QDRANT_COLLECTION_PREFIX", func(c *Config) string { return c.Qdrant.CollectionPrefix }},
	{"REDIS_ADDR", func(c *Config) string { return c.Redis.Addr }},
	{"REDIS_PASSWORD", func(c *Config) string { return c.Redis.Password }},
	{"MAINTENANCE_LOCK_TTL", func(c *Config) string { return c.Redis.LockTTL }},
	{"TOP_K_CHUNKS", func(c *Config) string { return intStr(c.Retrieval.TopK) }},
	{"RERANK_TOP_K", func(c *Config) string { return intStr(c.Retrieval.RerankTopK) }},
	{"RERANK_CANDIDATES", func(c *Config) string { return intStr(c.Retrieval.RerankCandidates) }},
	{"PER_COLLECTION_K", func(c *Config) string { return intStr(c.Retrieval.PerCollectionK) }},
	{"SCORING_MODE", func(c *Config) string { return c.Retrieval.Scoring }},
	{"RETRIEVAL_PARALLEL", func(c *Config) string { return boolStr(c.Retrieval.Parallel) }},
	{"RETRIEVAL_MAX_CONCURRENCY", func(c *Config) string { return intStr(c.Retrieval.MaxConcurrency) }},
	{"EXTERNAL_CALL_TIMEOUT", func(c *Config) string { return c.Retrieval.CallTimeout }},
	{"STORE_BUSY_RETRIES", func(c *Config) string { return intStr(c.Retrieval.BusyRetries) }},
	{"STORE_BUSY_RETRY_DELAY", func(c *Config) string { return c.Retrieval.BusyRetryDelay }},
	{"DECOMPOSE_QUERIES", func(c *Config) string { return boolStr(c.Retrieval.Decompose) }},
	{"RERANK_ENDPOINT", func(c *Config) string { return c.Rerank.Endpoint }},
	{"RERANK_MODEL", func(c *Config) string { return c.Rerank.Model }},
	{"RERANK_API_KEY", func(c *Config) string { return c.Rerank.APIKey }},
	{"REACHYRAG_HOST", func(c *Config) string { return c.Server.Host }},
	{"REACHYRAG_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"REACHYRAG_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"REACHYRAG_RATE_LIMIT_RPS", func(c *Config) string { return float32Str(c.Server.RateLimitRPS) }},
	{"REACHYRAG_RATE_LIMIT_BURST", func(c *Config) string { return intStr(c.Server.RateLimitBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"HISTORY_DB", func(c *Config) string { return c.History.DBPath }},
	{"HISTORY_MESSAGES", func(c *Config) string { return intStr(c.History.Messages) }},
	{"MAX_CONTEXT_TOKENS", func(c *Config) string { return intStr(c.History.MaxContextTokens) }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads .env (if present) and the YAML config file, exporting non-empty
// scalar values as environment variables without overwriting existing ones.
// It returns the parsed Config (empty when no file was found) and the path
// that was loaded.
func Load(explicitPath string, log *slog.Logger) (*Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return cfg, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(cfg)
		if yamlVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return nil, "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
		slog.Int("profiles", len(cfg.Retrieval.Profiles)),
	)
	return cfg, path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("REACHYRAG_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".reachyrag", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("reachyrag.yaml"); err == nil {
		return "reachyrag.yaml"
	}
	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr renders an optional bool; unset yields "".
func boolStr(v *bool) string {
	if v == nil {
		return ""
	}
	if *v {
		return "true"
	}
	return "false"
}
