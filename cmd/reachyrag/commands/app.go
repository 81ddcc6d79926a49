package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/reachyrag-go/internal/config"
	"github.com/54b3r/reachyrag-go/internal/decompose"
	"github.com/54b3r/reachyrag-go/internal/docstore"
	"github.com/54b3r/reachyrag-go/internal/embedder"
	"github.com/54b3r/reachyrag-go/internal/generator"
	"github.com/54b3r/reachyrag-go/internal/history"
	"github.com/54b3r/reachyrag-go/internal/lock"
	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/pipeline"
	"github.com/54b3r/reachyrag-go/internal/provider"
	"github.com/54b3r/reachyrag-go/internal/rerank"
	"github.com/54b3r/reachyrag-go/internal/retrieval"
	"github.com/54b3r/reachyrag-go/internal/tracing"
)

// needs selects the optional components a command opens.
type needs struct {
	// model opens the chat model unconditionally.
	model bool
	// decompose opens the chat model only when DECOMPOSE_QUERIES is on.
	decompose bool
	// history opens the conversation store.
	history bool
	// registerer receives component metrics; nil keeps them private.
	registerer prometheus.Registerer
}

// app holds the components shared by commands. Components a command did
// not ask for stay nil.
type app struct {
	// settings is the resolved configuration.
	settings *config.Settings
	// log is the command logger.
	log *slog.Logger
	// store is the document store over the configured index.
	store *docstore.Store
	// redis is the maintenance lock, nil without REDIS_ADDR.
	redis *lock.RedisLock
	// orch runs weighted multi-collection retrieval.
	orch *retrieval.Orchestrator
	// chat is the chat model, nil unless requested.
	chat model.BaseChatModel
	// history is the conversation store, nil when disabled.
	history history.Store
	// reg receives component metrics.
	reg prometheus.Registerer
	// closers run in reverse order on Close.
	closers []func() error
}

// resolveSettings validates the loaded configuration.
func resolveSettings() (*config.Settings, error) {
	s, err := config.Resolve(loadedConfig)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// openApp resolves settings and opens the document store, the retrieval
// orchestrator, and whatever n asks for. Close must be called on success.
func openApp(ctx context.Context, n needs) (_ *app, err error) {
	log := logging.FromContext(ctx)
	s, err := resolveSettings()
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, log: log, reg: n.registerer}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := embedder.Validate(&s.Embedding.Client, log); err != nil {
		return nil, err
	}
	inner, err := embedder.New(&s.Embedding.Client)
	if err != nil {
		return nil, err
	}
	emb := embedder.NewResilient(inner, &embedder.ResilientConfig{
		MaxRetries:        s.Embedding.MaxRetries,
		CallTimeout:       s.CallTimeout,
		RequestsPerSecond: s.Embedding.RPS,
		Serialize:         s.Embedding.Serialize,
	})

	index, err := openIndex(ctx, s)
	if err != nil {
		return nil, err
	}

	// locker stays a nil interface when Redis is not configured.
	var locker lock.Locker
	if s.Redis.Addr != "" {
		rl, err := lock.Dial(ctx, s.Redis.Addr, s.Redis.Password)
		if err != nil {
			_ = index.Close()
			return nil, err
		}
		a.redis = rl
		a.closers = append(a.closers, rl.Close)
		locker = rl
		log.Info("maintenance lock enabled", slog.String("redis", s.Redis.Addr))
	}

	a.store = docstore.New(index, emb, &docstore.Config{
		BatchSize:      s.Store.BatchSize,
		RetryBatchSize: s.Store.RetryBatchSize,
		Instructions:   s.Store.Instructions,
		Locker:         locker,
		LockTTL:        s.Redis.LockTTL,
	})
	a.closers = append(a.closers, a.store.Close)

	a.orch = retrieval.New(a.store, s.Profiles, &retrieval.Config{
		PerCollectionK: s.Retrieval.PerCollectionK,
		Scoring:        s.Retrieval.Scoring,
		Parallel:       s.Retrieval.Parallel,
		MaxConcurrency: s.Retrieval.MaxConcurrency,
		CallTimeout:    s.CallTimeout,
		BusyRetries:    s.Retrieval.BusyRetries,
		BusyRetryDelay: s.Retrieval.BusyRetryDelay,
		Registerer:     n.registerer,
	})

	if n.model || (n.decompose && s.Retrieval.Decompose) {
		if err := a.openModel(ctx); err != nil {
			return nil, err
		}
	}
	if n.history {
		if err := a.openHistory(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openIndex opens the configured vector index backend.
func openIndex(ctx context.Context, s *config.Settings) (docstore.Index, error) {
	log := logging.FromContext(ctx)
	switch s.Store.Backend {
	case config.BackendQdrant:
		q := s.Store.Qdrant
		idx, err := docstore.NewQdrantIndex(&q)
		if err != nil {
			return nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", q.Host, q.Port, err)
		}
		log.Info("qdrant index ready", slog.String("host", q.Host), slog.Int("port", q.Port))
		return idx, nil
	default:
		idx, err := docstore.OpenSQLite(ctx, s.Store.Dir)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite index ready", slog.String("dir", s.Store.Dir))
		return idx, nil
	}
}

// openModel builds the chat model and enables Langfuse tracing when keys
// are configured.
func (a *app) openModel(ctx context.Context) error {
	s := a.settings
	flush, enabled := tracing.Enable(tracing.Config{
		Host:      s.Tracing.Host,
		PublicKey: s.Tracing.PublicKey,
		SecretKey: s.Tracing.SecretKey,
	})
	if enabled {
		a.closers = append(a.closers, func() error { flush(); return nil })
		a.log.Info("langfuse tracing enabled")
	}

	m, err := provider.New(ctx, &s.Provider)
	if err != nil {
		return err
	}
	a.chat = m
	a.log.Info("provider initialised",
		slog.String("provider", string(s.Provider.Backend)),
		slog.String("model", s.Provider.ModelName()),
	)
	return nil
}

// openHistory opens the conversation store selected by HISTORY_DB. A store
// that fails to open disables history rather than the command.
func (a *app) openHistory() error {
	path := a.settings.History.DBPath
	switch path {
	case config.HistoryDisabled:
		a.log.Info("history: disabled via HISTORY_DB=disabled")
		return nil
	case config.HistoryMemory:
		a.history = history.NewMemoryStore(0)
		return nil
	case "":
		p, err := history.DefaultDBPath()
		if err != nil {
			a.log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
		path = p
	}
	hs, err := history.OpenSQLite(path, 0)
	if err != nil {
		a.log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	a.history = hs
	a.closers = append(a.closers, hs.Close)
	a.log.Info("history: store opened", slog.String("path", path))
	return nil
}

// pipeline wires the optional stages around the orchestrator.
func (a *app) pipeline() (*pipeline.Pipeline, error) {
	s := a.settings
	cfg := &pipeline.Config{
		Retriever:        a.orch,
		TopK:             s.Retrieval.TopK,
		RerankCandidates: s.Retrieval.RerankCandidates,
		RerankTopK:       s.Retrieval.RerankTopK,
		Registerer:       a.reg,
	}
	if s.Rerank.Endpoint != "" {
		cfg.Reranker = rerank.New(rerank.NewHTTPCrossEncoder(&s.Rerank))
	}
	if a.chat != nil {
		if s.Retrieval.Decompose {
			d, err := decompose.New(a.chat, s.CallTimeout)
			if err != nil {
				return nil, err
			}
			cfg.Decomposer = d
		}
		g, err := generator.New(&generator.Config{
			ChatModel:        a.chat,
			History:          a.history,
			HistoryMessages:  s.History.Messages,
			MaxContextTokens: s.History.MaxContextTokens,
			CallTimeout:      s.CallTimeout,
		})
		if err != nil {
			return nil, err
		}
		cfg.Generator = g
	}
	return pipeline.New(cfg)
}

// Close releases everything openApp opened.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// collectionArgs returns args, or every configured collection when empty.
func collectionArgs(s *config.Settings, args []string) []string {
	if len(args) > 0 {
		return args
	}
	return s.Profiles.Collections()
}

// joinQuery turns positional args into one query string.
func joinQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
