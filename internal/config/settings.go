package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/reachyrag-go/internal/budget"
	"github.com/54b3r/reachyrag-go/internal/docstore"
	"github.com/54b3r/reachyrag-go/internal/embedder"
	"github.com/54b3r/reachyrag-go/internal/generator"
	"github.com/54b3r/reachyrag-go/internal/pipeline"
	"github.com/54b3r/reachyrag-go/internal/provider"
	"github.com/54b3r/reachyrag-go/internal/querytype"
	"github.com/54b3r/reachyrag-go/internal/rag"
	"github.com/54b3r/reachyrag-go/internal/rerank"
	"github.com/54b3r/reachyrag-go/internal/retrieval"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

// Settings is the validated, immutable runtime configuration. It is built
// once by Resolve and handed to constructors.
type Settings struct {
	// Provider selects and configures the chat model.
	Provider provider.Config
	// Embedding selects the embedding backend and tunes its wrapper.
	Embedding EmbeddingSettings
	// Store configures the document store and its index backend.
	Store StoreSettings
	// Redis configures the optional cross-process maintenance lock.
	Redis RedisSettings
	// Retrieval tunes retrieval, re-ranking and decomposition.
	Retrieval RetrievalSettings
	// Profiles is the query classification and weighting table.
	Profiles *querytype.Table
	// Rerank configures the cross-encoder service; empty Endpoint disables
	// re-ranking.
	Rerank rerank.HTTPConfig
	// History configures conversation history.
	History HistorySettings
	// Server configures `reachyrag serve`.
	Server ServerSettings
	// Tracing holds the Langfuse credentials.
	Tracing TracingSettings
	// CallTimeout bounds every external call (EXTERNAL_CALL_TIMEOUT).
	CallTimeout time.Duration
}

// EmbeddingSettings selects the embedding backend and tunes the resilient
// wrapper around it.
type EmbeddingSettings struct {
	// Client is the backend, model and credentials. Credentials fall back to
	// the chat provider's when EMBEDDING_API_KEY or EMBEDDING_ENDPOINT is unset.
	Client embedder.Config
	// MaxRetries is the number of retries after a failed embedding call.
	MaxRetries int
	// RPS caps embedding calls per second; zero is unlimited.
	RPS float64
	// Serialize allows one embedding call at a time.
	Serialize bool
}

// StoreSettings configures the document store.
type StoreSettings struct {
	// Backend is BackendSQLite or BackendQdrant.
	Backend string
	// Dir is the SQLite persist directory (VECTOR_STORE_DIR).
	Dir string
	// BatchSize is the number of documents embedded per call.
	BatchSize int
	// RetryBatchSize is the smaller batch used after a failed batch.
	RetryBatchSize int
	// Qdrant configures the Qdrant backend.
	Qdrant docstore.QdrantConfig
	// Instructions are the per-collection embedding prefixes.
	Instructions docstore.Instructions
}

// RedisSettings configures the distributed maintenance lock. Empty Addr
// disables it.
type RedisSettings struct {
	// Addr is host:port of the Redis server.
	Addr string
	// Password authenticates to Redis.
	Password string
	// LockTTL bounds how long a crashed holder blocks maintenance.
	LockTTL time.Duration
}

// RetrievalSettings tunes retrieval and the optional stages.
type RetrievalSettings struct {
	// TopK is the number of context documents without re-ranking.
	TopK int
	// RerankTopK is the number of context documents after re-ranking.
	RerankTopK int
	// RerankCandidates is the retrieval shortlist the re-ranker scores.
	// Defaults to PerCollectionK times the widest weight table, which is
	// every hit the collections return.
	RerankCandidates int
	// PerCollectionK is the number of hits requested from each collection.
	PerCollectionK int
	// Scoring combines distance and collection weight.
	Scoring retrieval.Scoring
	// Parallel queries collections concurrently.
	Parallel bool
	// MaxConcurrency bounds parallel collection queries; zero is unbounded.
	MaxConcurrency int
	// BusyRetries is how often a busy store answer is retried.
	BusyRetries int
	// BusyRetryDelay is the pause before each busy retry.
	BusyRetryDelay time.Duration
	// Decompose splits complex queries into sub-queries.
	Decompose bool
}

// HistorySettings configures conversation history.
type HistorySettings struct {
	// DBPath is a SQLite path, "memory" or "disabled".
	DBPath string
	// Messages is the number of past messages replayed to the model.
	Messages int
	// MaxContextTokens is the prompt budget.
	MaxContextTokens int
}

// ServerSettings configures the HTTP server.
type ServerSettings struct {
	// Host is the bind address.
	Host string
	// Port is the TCP port.
	Port int
	// APIKey is the bearer token for /api/*; empty disables auth.
	APIKey string
	// RateLimitRPS is the sustained per-IP request rate.
	RateLimitRPS float64
	// RateLimitBurst is the per-IP burst.
	RateLimitBurst int
}

// TracingSettings holds Langfuse credentials. Tracing is on when both keys
// are set.
type TracingSettings struct {
	// PublicKey is the Langfuse public key.
	PublicKey string
	// SecretKey is the Langfuse secret key.
	SecretKey string
	// Host is the Langfuse API host.
	Host string
}

// Enabled reports whether Langfuse tracing is configured.
func (t TracingSettings) Enabled() bool { return t.PublicKey != "" && t.SecretKey != "" }

// History db path sentinels.
const (
	HistoryMemory   = "memory"
	HistoryDisabled = "disabled"
)

// Resolve reads the environment (after Load has exported the YAML scalars)
// and the structured parts of cfg into Settings. Every problem is reported
// at once; the error matches rag.ErrConfiguration.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	e := &envReader{}
	s := &Settings{}

	s.Provider = provider.Config{
		Backend: provider.Backend(e.str("MODEL_PROVIDER", string(provider.BackendOllama))),
		Ollama: provider.ProviderOllama{
			Host:  e.str("OLLAMA_HOST", "http://localhost:11434"),
			Model: e.str("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: provider.ProviderOpenAI{
			APIKey:  e.str("OPENAI_API_KEY", ""),
			Model:   e.str("OPENAI_MODEL", "gpt-4o"),
			BaseURL: e.str("OPENAI_BASE_URL", ""),
		},
		AzureOpenAI: provider.ProviderAzureOpenAI{
			APIKey:     e.str("AZURE_OPENAI_API_KEY", ""),
			Endpoint:   e.str("AZURE_OPENAI_ENDPOINT", ""),
			Deployment: e.str("AZURE_OPENAI_DEPLOYMENT", ""),
			APIVersion: e.str("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Mistral: provider.ProviderMistral{
			APIKey:  e.str("MISTRAL_API_KEY", ""),
			Model:   e.str("MISTRAL_MODEL", "codestral-latest"),
			BaseURL: e.str("MISTRAL_BASE_URL", ""),
		},
		Ark: provider.ProviderArk{
			APIKey:  e.str("ARK_API_KEY", ""),
			Model:   e.str("ARK_MODEL", ""),
			BaseURL: e.str("ARK_BASE_URL", ""),
		},
		Gemini: provider.ProviderGemini{
			APIKey: e.str("GOOGLE_API_KEY", ""),
			Model:  e.str("GEMINI_MODEL", "gemini-1.5-pro"),
		},
		Tuning: provider.SharedTuning{
			MaxTokens:   e.integer("MODEL_MAX_TOKENS", 4096),
			Temperature: float32(e.float("MODEL_TEMPERATURE", 0.2)),
		},
	}

	s.Store = StoreSettings{
		Backend:        strings.ToLower(e.str("STORE_BACKEND", BackendSQLite)),
		Dir:            e.str("VECTOR_STORE_DIR", "data/vectorstore"),
		BatchSize:      e.integer("EMBED_BATCH_SIZE", docstore.DefaultBatchSize),
		RetryBatchSize: e.integer("EMBED_RETRY_BATCH_SIZE", docstore.DefaultRetryBatchSize),
		Qdrant: docstore.QdrantConfig{
			Host:   e.str("QDRANT_HOST", "localhost"),
			Port:   e.integer("QDRANT_PORT", 6334),
			APIKey: e.str("QDRANT_API_KEY", ""),
			UseTLS: e.boolean("QDRANT_TLS", false),
			Prefix: e.str("QDRANT_COLLECTION_PREFIX", ""),
		},
		Instructions: docstore.DefaultInstructions().Merge(cfg.Store.Instructions),
	}
	if s.Store.Backend != BackendSQLite && s.Store.Backend != BackendQdrant {
		e.fail("STORE_BACKEND must be sqlite or qdrant, got %q", s.Store.Backend)
	}
	if s.Store.BatchSize < 1 || s.Store.RetryBatchSize < 1 {
		e.fail("EMBED_BATCH_SIZE and EMBED_RETRY_BATCH_SIZE must be positive")
	}

	s.Redis = RedisSettings{
		Addr:     e.str("REDIS_ADDR", ""),
		Password: e.str("REDIS_PASSWORD", ""),
		LockTTL:  e.duration("MAINTENANCE_LOCK_TTL", 10*time.Minute),
	}

	scoring, err := retrieval.ParseScoring(e.str("SCORING_MODE", "multiply"))
	if err != nil {
		e.errs = append(e.errs, err)
	}
	s.Retrieval = RetrievalSettings{
		TopK:           e.integer("TOP_K_CHUNKS", pipeline.DefaultTopK),
		RerankTopK:     e.integer("RERANK_TOP_K", pipeline.DefaultRerankTopK),
		PerCollectionK: e.integer("PER_COLLECTION_K", 5),
		Scoring:        scoring,
		Parallel:       e.boolean("RETRIEVAL_PARALLEL", true),
		MaxConcurrency: e.integer("RETRIEVAL_MAX_CONCURRENCY", 0),
		BusyRetries:    e.integer("STORE_BUSY_RETRIES", 2),
		BusyRetryDelay: e.duration("STORE_BUSY_RETRY_DELAY", 200*time.Millisecond),
		Decompose:      e.boolean("DECOMPOSE_QUERIES", false),
	}
	if s.Retrieval.TopK < 1 || s.Retrieval.PerCollectionK < 1 || s.Retrieval.RerankTopK < 1 {
		e.fail("TOP_K_CHUNKS, RERANK_TOP_K and PER_COLLECTION_K must be positive")
	}
	s.CallTimeout = e.duration("EXTERNAL_CALL_TIMEOUT", 30*time.Second)

	s.Profiles, err = resolveProfiles(cfg.Retrieval.Profiles)
	if err != nil {
		e.errs = append(e.errs, err)
	}
	candidates := pipeline.DefaultRerankCandidates
	if s.Profiles != nil {
		candidates = s.Retrieval.PerCollectionK * widestProfile(s.Profiles)
	}
	s.Retrieval.RerankCandidates = e.integer("RERANK_CANDIDATES", candidates)
	if s.Retrieval.RerankCandidates < 1 {
		e.fail("RERANK_CANDIDATES must be positive")
	}

	s.Embedding = EmbeddingSettings{
		Client:     resolveEmbedder(e, &s.Provider, s.CallTimeout),
		MaxRetries: e.integer("EMBEDDING_MAX_RETRIES", 3),
		RPS:        e.float("EMBEDDING_RPS", 0),
		Serialize:  e.boolean("EMBEDDING_SERIALIZE", false),
	}

	s.Rerank = rerank.HTTPConfig{
		Endpoint: e.str("RERANK_ENDPOINT", ""),
		Model:    e.str("RERANK_MODEL", rerank.DefaultModel),
		APIKey:   e.str("RERANK_API_KEY", ""),
		Timeout:  s.CallTimeout,
	}

	s.History = HistorySettings{
		DBPath:           e.str("HISTORY_DB", ""),
		Messages:         e.integer("HISTORY_MESSAGES", generator.DefaultHistoryMessages),
		MaxContextTokens: e.integer("MAX_CONTEXT_TOKENS", budget.DefaultMaxContextTokens),
	}

	s.Server = ServerSettings{
		Host:           e.str("REACHYRAG_HOST", "127.0.0.1"),
		Port:           e.integer("REACHYRAG_PORT", 8080),
		APIKey:         e.str("REACHYRAG_API_KEY", ""),
		RateLimitRPS:   e.float("REACHYRAG_RATE_LIMIT_RPS", 10),
		RateLimitBurst: e.integer("REACHYRAG_RATE_LIMIT_BURST", 20),
	}

	s.Tracing = TracingSettings{
		PublicKey: e.str("LANGFUSE_PUBLIC_KEY", ""),
		SecretKey: e.str("LANGFUSE_SECRET_KEY", ""),
		Host:      e.str("LANGFUSE_HOST", "https://cloud.langfuse.com"),
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config: resolve: %w: %w", rag.ErrConfiguration, errors.Join(e.errs...))
	}
	return s, nil
}

// resolveEmbedder picks the embedding backend (EMBEDDING_PROVIDER, else the
// chat provider) and inherits that provider's credentials unless EMBEDDING_*
// overrides them.
func resolveEmbedder(e *envReader, p *provider.Config, timeout time.Duration) embedder.Config {
	c := embedder.Config{
		Backend:    strings.ToLower(e.str("EMBEDDING_PROVIDER", "")),
		Model:      e.str("EMBEDDING_MODEL", ""),
		APIKey:     e.str("EMBEDDING_API_KEY", ""),
		Endpoint:   e.str("EMBEDDING_ENDPOINT", ""),
		Dimensions: e.integer("EMBEDDING_DIMENSIONS", 0),
		Timeout:    timeout,
	}
	c.Explicit = c.Backend != ""
	if !c.Explicit {
		c.Backend = string(p.Backend)
	}
	switch c.Backend {
	case "ollama":
		c.Endpoint = cmp.Or(c.Endpoint, p.Ollama.Host)
	case "openai":
		c.APIKey = cmp.Or(c.APIKey, p.OpenAI.APIKey)
	case "mistral":
		c.APIKey = cmp.Or(c.APIKey, p.Mistral.APIKey)
	case "azure":
		c.APIKey = cmp.Or(c.APIKey, p.AzureOpenAI.APIKey)
		c.Endpoint = cmp.Or(c.Endpoint, p.AzureOpenAI.Endpoint)
		c.APIVersion = e.str("AZURE_OPENAI_API_VERSION", embedder.DefaultAzureAPIVersion)
	}
	return c
}

// widestProfile returns the largest number of collections any profile
// weights.
func widestProfile(t *querytype.Table) int {
	n := 0
	for _, label := range t.Labels() {
		n = max(n, len(t.WeightsFor(label)))
	}
	return n
}

// resolveProfiles builds the query table from YAML, or the built-in table
// when none is configured.
func resolveProfiles(pcs []ProfileConfig) (*querytype.Table, error) {
	if len(pcs) == 0 {
		return querytype.NewTable(querytype.DefaultProfiles())
	}
	profiles := make([]querytype.Profile, len(pcs))
	for i, pc := range pcs {
		ws := make([]querytype.Weight, len(pc.Weights))
		for j, w := range pc.Weights {
			ws[j] = querytype.Weight{Collection: w.Collection, Weight: w.Weight}
		}
		profiles[i] = querytype.Profile{Label: pc.Label, Keywords: pc.Keywords, Weights: ws}
	}
	return querytype.NewTable(profiles)
}

// envReader reads typed env vars and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) fail(format string, args ...any) {
	e.errs = append(e.errs, fmt.Errorf(format, args...))
}

func (e *envReader) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (e *envReader) integer(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail("%s: %q is not an integer", key, v)
		return fallback
	}
	return i
}

func (e *envReader) float(key string, fallback float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail("%s: %q is not a number", key, v)
		return fallback
	}
	return f
}

func (e *envReader) boolean(key string, fallback bool) bool {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail("%s: %q is not a boolean", key, v)
		return fallback
	}
	return b
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		if secs, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			return time.Duration(secs * float64(time.Second))
		}
		e.fail("%s: %q is not a duration", key, v)
		return fallback
	}
	return d
}
