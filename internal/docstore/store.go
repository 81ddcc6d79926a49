package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/54b3r/reachyrag-go/internal/lock"
	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

const (
	// DefaultBatchSize bounds how many texts are embedded per call.
	DefaultBatchSize = 100
	// DefaultRetryBatchSize is the sub-batch size used after a batch fails.
	DefaultRetryBatchSize = 50

	// maintenanceLock is the distributed lock name for save and cleanup.
	maintenanceLock = "store-maintenance"
	// probeText is embedded to learn the current model's output width.
	probeText = "dimension probe"
)

// Config tunes a Store.
type Config struct {
	// BatchSize is the ingestion batch size. Defaults to DefaultBatchSize.
	BatchSize int
	// RetryBatchSize is the sub-batch size for failed batches.
	// Defaults to DefaultRetryBatchSize.
	RetryBatchSize int
	// Instructions is the shared ingest/query instruction table. Nil means
	// DefaultInstructions.
	Instructions Instructions
	// Locker, when set, additionally guards save and cleanup across processes.
	Locker lock.Locker
	// LockTTL bounds how long a crashed holder can keep the distributed lock.
	// Defaults to 10 minutes.
	LockTTL time.Duration
}

// Store is the document store. Queries and ingestion run concurrently;
// Save and Cleanup are exclusive maintenance operations during which
// queries fail fast with rag.ErrStoreBusy and ingestion waits.
type Store struct {
	// index holds vectors, texts, and metadata.
	index Index
	// embedder turns prefixed texts into vectors.
	embedder rag.Embedder
	// instructions is shared by ingestion and query.
	instructions Instructions
	// batchSize and retryBatchSize bound embedding calls.
	batchSize, retryBatchSize int
	// mu is held exclusively by Save and Cleanup.
	mu sync.RWMutex
	// locker is the optional cross-process maintenance lock.
	locker lock.Locker
	// lockTTL is the distributed lock lifetime.
	lockTTL time.Duration
}

// New returns a Store over index using emb. A nil cfg uses the defaults.
func New(index Index, emb rag.Embedder, cfg *Config) *Store {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = DefaultRetryBatchSize
	}
	if c.RetryBatchSize > c.BatchSize {
		c.RetryBatchSize = c.BatchSize
	}
	if c.Instructions == nil {
		c.Instructions = DefaultInstructions()
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	return &Store{
		index:          index,
		embedder:       emb,
		instructions:   c.Instructions,
		batchSize:      c.BatchSize,
		retryBatchSize: c.RetryBatchSize,
		locker:         c.Locker,
		lockTTL:        c.LockTTL,
	}
}

// Index returns the backing index.
func (s *Store) Index() Index { return s.index }

// Instructions returns the instruction table shared by ingest and query.
func (s *Store) Instructions() Instructions { return s.instructions }

// AddDocuments embeds texts and stores them in collection, creating the
// collection on first use. Texts are embedded in batches; a failed batch is
// retried in smaller sub-batches and whatever still fails is reported in the
// returned error. Re-adding an existing ID replaces the document.
func (s *Store) AddDocuments(ctx context.Context, collection string, texts []string, metadatas []map[string]string, ids []string) error {
	if collection == "" {
		return fmt.Errorf("docstore: add documents: empty collection name: %w", rag.ErrInvalidInput)
	}
	if len(texts) != len(metadatas) || len(texts) != len(ids) {
		return fmt.Errorf("docstore: add documents to %q: %d texts, %d metadatas, %d ids: %w",
			collection, len(texts), len(metadatas), len(ids), rag.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("docstore: add documents to %q: empty id: %w", collection, rag.ErrInvalidInput)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("docstore: add documents to %q: duplicate id %q: %w", collection, id, rag.ErrInvalidInput)
		}
		seen[id] = struct{}{}
	}
	if len(texts) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := logging.FromContext(ctx).With(slog.String("collection", collection))
	docs := make([]rag.Document, len(texts))
	for i := range texts {
		docs[i] = rag.Document{ID: ids[i], Text: texts[i], Metadata: metadatas[i]}
	}

	var (
		errs   []error
		failed int
	)
	for start := 0; start < len(docs); start += s.batchSize {
		end := min(start+s.batchSize, len(docs))
		batch := docs[start:end]
		log.Debug("docstore: adding batch", slog.Int("batch", start/s.batchSize+1), slog.Int("documents", len(batch)))

		err := s.addBatch(ctx, collection, batch)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("docstore: add documents to %q: %w", collection, err)
		}
		log.Warn("docstore: batch failed, retrying with smaller batches",
			slog.Int("batch", start/s.batchSize+1),
			slog.Int("retry_batch_size", s.retryBatchSize),
			slog.Any("error", err),
		)

		for sub := 0; sub < len(batch); sub += s.retryBatchSize {
			subEnd := min(sub+s.retryBatchSize, len(batch))
			if err := s.addBatch(ctx, collection, batch[sub:subEnd]); err != nil {
				log.Error("docstore: sub-batch failed",
					slog.String("first_id", batch[sub].ID),
					slog.Int("documents", subEnd-sub),
					slog.Any("error", err),
				)
				failed += subEnd - sub
				errs = append(errs, fmt.Errorf("documents %d-%d: %w", start+sub, start+subEnd-1, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("docstore: add documents to %q: %d of %d documents failed: %w",
			collection, failed, len(docs), errors.Join(errs...))
	}
	log.Info("docstore: documents added", slog.Int("documents", len(docs)))
	return nil
}

// addBatch embeds and stores one batch.
func (s *Store) addBatch(ctx context.Context, collection string, docs []rag.Document) error {
	prefixed := make([]string, len(docs))
	for i, d := range docs {
		prefixed[i] = s.instructions.Apply(collection, KindDocument, d.Text)
	}

	vecs, err := s.embedder.Embed(ctx, prefixed)
	if err != nil {
		return embeddingError(err)
	}
	if len(vecs) != len(docs) || len(vecs[0]) == 0 {
		return fmt.Errorf("embedder returned %d vectors for %d texts: %w", len(vecs), len(docs), rag.ErrEmbedding)
	}

	if err := s.index.EnsureCollection(ctx, collection, len(vecs[0])); err != nil {
		return err
	}
	return s.index.Upsert(ctx, collection, docs, vecs)
}

// QueryCollection returns the n documents nearest to queryText in
// collection, ordered by ascending distance. It fails fast with
// rag.ErrStoreBusy while a save or cleanup is running.
func (s *Store) QueryCollection(ctx context.Context, collection, queryText string, n int) ([]rag.Hit, error) {
	if n < 1 {
		return nil, fmt.Errorf("docstore: query %q: n_results %d < 1: %w", collection, n, rag.ErrInvalidInput)
	}
	if !s.mu.TryRLock() {
		return nil, fmt.Errorf("docstore: query %q: %w", collection, rag.ErrStoreBusy)
	}
	defer s.mu.RUnlock()

	dim, err := s.index.Dimension(ctx, collection)
	if err != nil {
		return nil, err
	}

	vecs, err := s.embedder.Embed(ctx, []string{s.instructions.Apply(collection, KindQuery, queryText)})
	if err != nil {
		return nil, fmt.Errorf("docstore: query %q: %w", collection, embeddingError(err))
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("docstore: query %q: embedder returned %d vectors: %w", collection, len(vecs), rag.ErrEmbedding)
	}
	if len(vecs[0]) != dim {
		return nil, fmt.Errorf("docstore: query %q: embedding width %d, index width %d: %w",
			collection, len(vecs[0]), dim, rag.ErrDimensionMismatch)
	}

	return s.index.Search(ctx, collection, vecs[0], n)
}

// RecreateIfDimensionMismatch compares the current embedder's output width
// with collection's index width and, when they differ, drops and recreates
// the collection empty. A missing collection is created. It reports whether
// a recreation happened.
func (s *Store) RecreateIfDimensionMismatch(ctx context.Context, collection string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vecs, err := s.embedder.Embed(ctx, []string{s.instructions.Apply(collection, KindQuery, probeText)})
	if err != nil {
		return false, fmt.Errorf("docstore: probe %q: %w", collection, embeddingError(err))
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return false, fmt.Errorf("docstore: probe %q: empty embedding: %w", collection, rag.ErrEmbedding)
	}
	want := len(vecs[0])

	have, err := s.index.Dimension(ctx, collection)
	if errors.Is(err, rag.ErrCollectionNotFound) {
		return false, s.index.EnsureCollection(ctx, collection, want)
	}
	if err != nil {
		return false, err
	}
	if have == want {
		return false, nil
	}

	logging.FromContext(ctx).Warn("docstore: recreating collection after embedding dimension change",
		slog.String("collection", collection),
		slog.Int("index_dimension", have),
		slog.Int("embedding_dimension", want),
	)
	if err := s.index.DeleteCollection(ctx, collection); err != nil {
		return false, err
	}
	if err := s.index.EnsureCollection(ctx, collection, want); err != nil {
		return false, err
	}
	return true, nil
}

// Collections lists the stored collections.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	return s.index.Collections(ctx)
}

// Count returns the number of documents in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	return s.index.Count(ctx, collection)
}

// DeleteCollection drops one collection.
func (s *Store) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.DeleteCollection(ctx, collection)
}

// Save persists the working state. Backends that persist on their own make
// this a no-op apart from the exclusive window.
func (s *Store) Save(ctx context.Context) error {
	return s.exclusive(ctx, "save", func() error {
		p, ok := s.index.(Persister)
		if !ok {
			return nil
		}
		return p.Save(ctx)
	})
}

// Cleanup deletes every collection.
func (s *Store) Cleanup(ctx context.Context) error {
	return s.exclusive(ctx, "cleanup", func() error {
		names, err := s.index.Collections(ctx)
		if err != nil {
			return err
		}
		var errs []error
		for _, n := range names {
			if err := s.index.DeleteCollection(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// exclusive runs fn holding the distributed lock (if any) and the store's
// write lock.
func (s *Store) exclusive(ctx context.Context, op string, fn func() error) error {
	log := logging.FromContext(ctx).With(slog.String("op", op))

	if s.locker != nil {
		ok, err := s.locker.TryAcquire(ctx, maintenanceLock, s.lockTTL)
		if err != nil {
			return fmt.Errorf("docstore: %s: %w", op, err)
		}
		if !ok {
			return fmt.Errorf("docstore: %s: another instance holds the maintenance lock: %w", op, rag.ErrStoreBusy)
		}
		defer func() {
			// The caller's context may already be cancelled; release anyway.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.locker.Release(rctx, maintenanceLock); err != nil {
				log.Warn("docstore: release maintenance lock", slog.Any("error", err))
			}
		}()
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(); err != nil {
		return fmt.Errorf("docstore: %s: %w", op, err)
	}
	log.Info("docstore: maintenance complete", slog.Duration("duration", time.Since(start)))
	return nil
}

// embeddingError makes sure err matches rag.ErrEmbedding.
func embeddingError(err error) error {
	if errors.Is(err, rag.ErrEmbedding) {
		return err
	}
	return fmt.Errorf("%w: %w", rag.ErrEmbedding, err)
}

// Close closes the backing index.
func (s *Store) Close() error {
	return s.index.Close()
}
