// Package retrieval is the core of the pipeline: it classifies a query,
// fans out a weighted similarity search across every collection in the
// query type's weight table, and merges the answers into one ranked list.
//
// Scores produced here are weighted distances: lower is better.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/querytype"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

// Scoring selects how a collection weight is applied to a distance.
type Scoring int

const (
	// ScoringMultiply computes distance * weight. A lower weight shrinks the
	// distance and so makes the collection more competitive.
	ScoringMultiply Scoring = iota
	// ScoringDivide computes distance / weight, so a higher weight favours
	// the collection.
	ScoringDivide
)

// String implements fmt.Stringer.
func (s Scoring) String() string {
	if s == ScoringDivide {
		return "divide"
	}
	return "multiply"
}

// ParseScoring maps "multiply" (or "") and "divide" to a Scoring.
func ParseScoring(s string) (Scoring, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "multiply":
		return ScoringMultiply, nil
	case "divide":
		return ScoringDivide, nil
	default:
		return 0, fmt.Errorf("retrieval: unknown scoring mode %q, valid values: multiply, divide: %w", s, rag.ErrConfiguration)
	}
}

func (s Scoring) apply(distance, weight float64) float64 {
	if s == ScoringDivide {
		return distance / weight
	}
	return distance * weight
}

// Searcher answers a nearest-neighbour query against one collection.
// *docstore.Store satisfies it.
type Searcher interface {
	QueryCollection(ctx context.Context, collection, queryText string, n int) ([]rag.Hit, error)
}

// Profiles classifies queries and provides their weight tables.
// *querytype.Table satisfies it.
type Profiles interface {
	Classify(query string) string
	WeightsFor(label string) []querytype.Weight
}

// Config tunes an Orchestrator.
type Config struct {
	// PerCollectionK is the number of hits requested from every collection,
	// independent of the final topK. Defaults to 5.
	PerCollectionK int
	// Scoring selects the weighting formula.
	Scoring Scoring
	// Parallel queries collections concurrently.
	Parallel bool
	// MaxConcurrency bounds parallel queries. Zero means one per collection.
	MaxConcurrency int
	// CallTimeout bounds each collection query. Zero disables the timeout.
	CallTimeout time.Duration
	// BusyRetries is how many times a rag.ErrStoreBusy answer is retried.
	BusyRetries int
	// BusyRetryDelay is the pause before each busy retry. Defaults to 200ms.
	BusyRetryDelay time.Duration
	// Registerer receives the retrieval metrics. Nil keeps them private.
	Registerer prometheus.Registerer
}

// CollectionFailure records a collection whose query was skipped.
type CollectionFailure struct {
	// Collection is the failed collection.
	Collection string
	// Err is the final error.
	Err error
	// Transient is true for timeouts and busy answers.
	Transient bool
}

// Result is the outcome of one retrieval.
type Result struct {
	// Label is the query type the query was classified as.
	Label string
	// Results is ordered by ascending Score and holds at most topK entries.
	Results []rag.RankedResult
	// Queried is the number of collections in the weight table.
	Queried int
	// Collections names the searched collections in weight-table order.
	Collections []string
	// Failures lists the collections that contributed nothing because
	// their query failed.
	Failures []CollectionFailure
	// Partial is true when at least one collection failed.
	Partial bool
}

// Warning returns a human-readable partial-result warning, or "".
func (r *Result) Warning() string {
	if !r.Partial {
		return ""
	}
	names := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		names[i] = f.Collection
	}
	return fmt.Sprintf("results may be incomplete: %d of %d collections failed (%s)",
		len(r.Failures), r.Queried, strings.Join(names, ", "))
}

// Orchestrator runs weighted multi-collection retrieval. It is safe for
// concurrent use.
type Orchestrator struct {
	// searcher queries individual collections.
	searcher Searcher
	// profiles classifies queries and supplies weights.
	profiles Profiles
	// cfg holds the resolved tuning.
	cfg Config
	// metrics records per-collection latency and failures.
	metrics *metrics
}

// New constructs an Orchestrator. A nil cfg uses the defaults.
func New(searcher Searcher, profiles Profiles, cfg *Config) *Orchestrator {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.PerCollectionK <= 0 {
		c.PerCollectionK = 5
	}
	if c.BusyRetries < 0 {
		c.BusyRetries = 0
	}
	if c.BusyRetryDelay <= 0 {
		c.BusyRetryDelay = 200 * time.Millisecond
	}
	reg := c.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Orchestrator{searcher: searcher, profiles: profiles, cfg: c, metrics: newMetrics(reg)}
}

// Classify exposes the query-type decision without searching.
func (o *Orchestrator) Classify(query string) string {
	return o.profiles.Classify(query)
}

// outcome is one collection's contribution, kept in weight-table order.
type outcome struct {
	results []rag.RankedResult
	err     error
}

// Retrieve classifies query, searches every weighted collection, and returns
// at most topK results ordered by ascending effective score. Failing
// collections are logged and skipped; when all fail the result is empty.
// An error is returned only for invalid input or a cancelled ctx.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, topK int) (*Result, error) {
	if topK < 1 {
		return nil, fmt.Errorf("retrieval: top_k %d < 1: %w", topK, rag.ErrInvalidInput)
	}

	label := o.profiles.Classify(query)
	weights := o.profiles.WeightsFor(label)
	log := logging.FromContext(ctx).With(slog.String("label", label))
	log.Debug("retrieval: query classified", slog.Int("collections", len(weights)))

	slots := make([]outcome, len(weights))
	if o.cfg.Parallel && len(weights) > 1 {
		var g errgroup.Group
		limit := o.cfg.MaxConcurrency
		if limit <= 0 || limit > len(weights) {
			limit = len(weights)
		}
		g.SetLimit(limit)
		for i, w := range weights {
			g.Go(func() error {
				slots[i] = o.searchOne(ctx, query, w)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, w := range weights {
			slots[i] = o.searchOne(ctx, query, w)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	res := &Result{Label: label, Queried: len(weights), Collections: make([]string, len(weights))}
	var merged []rag.RankedResult
	for i, s := range slots {
		res.Collections[i] = weights[i].Collection
		if s.err != nil {
			f := CollectionFailure{Collection: weights[i].Collection, Err: s.err, Transient: rag.IsTransient(s.err)}
			res.Failures = append(res.Failures, f)
			log.Warn("retrieval: collection skipped",
				slog.String("collection", f.Collection),
				slog.Bool("transient", f.Transient),
				slog.Any("error", s.err),
			)
			if errors.Is(s.err, rag.ErrDimensionMismatch) {
				log.Warn("retrieval: collection was built with another embedding model, run `reachyrag collections heal` and re-ingest it",
					slog.String("collection", f.Collection))
			}
			continue
		}
		merged = append(merged, s.results...)
	}
	res.Partial = len(res.Failures) > 0

	sortByScore(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	res.Results = merged
	o.metrics.results.Observe(float64(len(merged)))

	if len(res.Failures) == len(weights) && len(weights) > 0 {
		log.Error("retrieval: every collection failed, returning no results")
	}
	return res, nil
}

// searchOne queries one collection, retrying busy answers, and converts the
// hits into weighted ranked results.
func (o *Orchestrator) searchOne(ctx context.Context, query string, w querytype.Weight) outcome {
	start := time.Now()
	hits, err := o.queryWithRetry(ctx, query, w.Collection)
	o.metrics.queryDuration.WithLabelValues(w.Collection).Observe(time.Since(start).Seconds())
	if err != nil {
		o.metrics.failures.WithLabelValues(w.Collection, failureKind(err)).Inc()
		return outcome{err: err}
	}

	out := make([]rag.RankedResult, len(hits))
	for i, h := range hits {
		out[i] = rag.RankedResult{
			ID:         h.ID,
			Text:       h.Text,
			Collection: w.Collection,
			Score:      o.cfg.Scoring.apply(h.Distance, w.Weight),
			Metadata:   h.Metadata,
		}
	}
	return outcome{results: out}
}

func (o *Orchestrator) queryWithRetry(ctx context.Context, query, collection string) ([]rag.Hit, error) {
	for attempt := 0; ; attempt++ {
		hits, err := o.queryOnce(ctx, query, collection)
		if err == nil || !errors.Is(err, rag.ErrStoreBusy) || attempt >= o.cfg.BusyRetries {
			return hits, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(o.cfg.BusyRetryDelay):
		}
	}
}

func (o *Orchestrator) queryOnce(ctx context.Context, query, collection string) ([]rag.Hit, error) {
	if o.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
	}
	hits, err := o.searcher.QueryCollection(ctx, collection, query, o.cfg.PerCollectionK)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, rag.ErrTransient) {
		err = fmt.Errorf("retrieval: %q timed out after %s: %w: %w", collection, o.cfg.CallTimeout, rag.ErrTransient, err)
	}
	return hits, err
}

// sortByScore orders results ascending by score. The sort is stable so
// equal scores keep weight-table order regardless of completion order.
func sortByScore(rs []rag.RankedResult) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Score < rs[j].Score })
}

// Merge combines several ranked lists (for example one per sub-query) into
// one: duplicates by (collection, ID) keep their best score, the output is
// ordered ascending by score and truncated to topK.
func Merge(topK int, lists ...[]rag.RankedResult) []rag.RankedResult {
	type key struct{ collection, id string }
	best := make(map[key]int)
	var out []rag.RankedResult
	for _, list := range lists {
		for _, r := range list {
			k := key{r.Collection, r.ID}
			if i, ok := best[k]; ok {
				if r.Score < out[i].Score {
					out[i] = r
				}
				continue
			}
			best[k] = len(out)
			out = append(out, r)
		}
	}
	sortByScore(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, rag.ErrStoreBusy):
		return "busy"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, rag.ErrTransient):
		return "timeout"
	case errors.Is(err, rag.ErrCollectionNotFound):
		return "not_found"
	case errors.Is(err, rag.ErrDimensionMismatch):
		return "dimension"
	case errors.Is(err, rag.ErrEmbedding):
		return "embedding"
	default:
		return "other"
	}
}
