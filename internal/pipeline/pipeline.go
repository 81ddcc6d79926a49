// Package pipeline chains the retrieval stages into a single question
// answering flow: optional decomposition, weighted multi-collection
// retrieval, optional re-ranking and generation.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/reachyrag-go/internal/generator"
	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/rag"
	"github.com/54b3r/reachyrag-go/internal/retrieval"
)

const (
	// DefaultTopK is the number of context documents handed to the generator
	// when no re-ranker is configured.
	DefaultTopK = 5
	// DefaultRerankTopK is the number of documents kept after re-ranking.
	DefaultRerankTopK = 3
	// DefaultRerankCandidates is the retrieval shortlist handed to the
	// re-ranker: every hit of six collections at five hits each.
	DefaultRerankCandidates = 30
)

// Retriever runs weighted retrieval for one query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (*retrieval.Result, error)
}

// Reranker reorders merged results by relevance.
type Reranker interface {
	RerankResults(ctx context.Context, query string, results []rag.RankedResult, topK int) ([]rag.RankedResult, error)
}

// Decomposer splits a query into sub-queries.
type Decomposer interface {
	Decompose(ctx context.Context, query string) ([]string, error)
}

// Answerer produces the final answer.
type Answerer interface {
	Generate(ctx context.Context, req generator.Request, w io.Writer) (*generator.Answer, error)
}

// Config wires the stages. Retriever is required; the other stages are
// skipped when nil.
type Config struct {
	// Retriever runs weighted multi-collection retrieval.
	Retriever Retriever
	// Reranker refines the retrieval shortlist.
	Reranker Reranker
	// Decomposer splits complex queries into sub-queries.
	Decomposer Decomposer
	// Generator writes the answer.
	Generator Answerer

	// TopK is the number of results kept after retrieval when there is no
	// re-ranker, or when re-ranking fails. Defaults to DefaultTopK.
	TopK int
	// RerankCandidates is how many retrieval results the re-ranker scores.
	// Defaults to DefaultRerankCandidates and is never below TopK.
	RerankCandidates int
	// RerankTopK is the number kept after re-ranking. Defaults to
	// DefaultRerankTopK.
	RerankTopK int

	// Registerer receives the pipeline metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Outcome describes what the pipeline did for one query.
type Outcome struct {
	// Label is the query type of the original query.
	Label string
	// SubQueries holds the decomposed queries, empty when not decomposed.
	SubQueries []string
	// Results is the final context in rank order.
	Results []rag.RankedResult
	// Reranked is true when Results carry blended re-ranker scores
	// (higher is better) rather than weighted distances (lower is better).
	Reranked bool
	// Failures lists each collection that failed for any of the queries,
	// once.
	Failures []retrieval.CollectionFailure
	// Queried is the number of distinct collections searched for the query
	// and its sub-queries.
	Queried int
	// Answer is set by Answer and Process.
	Answer *generator.Answer
}

// Partial reports whether any collection failed.
func (o *Outcome) Partial() bool { return len(o.Failures) > 0 }

// Warning returns a partial-result warning, or "".
func (o *Outcome) Warning() string {
	r := retrieval.Result{Failures: o.Failures, Queried: o.Queried, Partial: o.Partial()}
	return r.Warning()
}

// Pipeline runs queries through the configured stages.
type Pipeline struct {
	// retriever, reranker, decomposer and generator are the stages; all but
	// retriever may be nil.
	retriever  Retriever
	reranker   Reranker
	decomposer Decomposer
	generator  Answerer
	// topK bounds the context without re-ranking.
	topK int
	// candidates is the shortlist size retrieved for the re-ranker.
	candidates int
	// rerankTopK bounds the context after re-ranking.
	rerankTopK int

	// rerankFallbacks counts queries served in retrieval order.
	rerankFallbacks prometheus.Counter
	// decomposeFallbacks counts queries retrieved undecomposed.
	decomposeFallbacks prometheus.Counter
}

// New validates cfg and builds a Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil || cfg.Retriever == nil {
		return nil, fmt.Errorf("pipeline: Retriever must not be nil: %w", rag.ErrConfiguration)
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	candidates := cfg.RerankCandidates
	if candidates <= 0 {
		candidates = DefaultRerankCandidates
	}
	rerankTopK := cfg.RerankTopK
	if rerankTopK <= 0 {
		rerankTopK = DefaultRerankTopK
	}
	f := promauto.With(cfg.Registerer)
	return &Pipeline{
		retriever:  cfg.Retriever,
		reranker:   cfg.Reranker,
		decomposer: cfg.Decomposer,
		generator:  cfg.Generator,
		topK:       topK,
		candidates: max(candidates, topK),
		rerankTopK: rerankTopK,
		rerankFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "reachyrag_pipeline_rerank_fallbacks_total",
			Help: "Queries answered in retrieval order because re-ranking failed.",
		}),
		decomposeFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "reachyrag_pipeline_decompose_fallbacks_total",
			Help: "Queries retrieved undecomposed because decomposition failed.",
		}),
	}, nil
}

// Retrieve runs every stage before generation. With a re-ranker the
// retrieval shortlist is widened to the candidate count so the re-ranker
// selects the context rather than only reordering it.
func (p *Pipeline) Retrieve(ctx context.Context, query string) (*Outcome, error) {
	log := logging.FromContext(ctx)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("pipeline: retrieve: empty query: %w", rag.ErrInvalidInput)
	}

	fetchK := p.topK
	if p.reranker != nil {
		fetchK = p.candidates
	}
	base, err := p.retriever.Retrieve(ctx, query, fetchK)
	if err != nil {
		return nil, fmt.Errorf("pipeline: retrieve: %w", err)
	}
	out := &Outcome{Label: base.Label, Results: base.Results}
	cov := &coverage{}
	cov.add(base)

	if p.decomposer != nil {
		p.expand(ctx, query, fetchK, out, cov)
	}
	out.Failures, out.Queried = cov.failures, cov.queried

	if p.reranker != nil && len(out.Results) > 0 {
		reranked, err := p.reranker.RerankResults(ctx, query, out.Results, p.rerankTopK)
		if err != nil {
			p.rerankFallbacks.Inc()
			log.Warn("pipeline: re-ranking failed, keeping retrieval order", slog.Any("error", err))
		} else {
			out.Results = reranked
			out.Reranked = true
		}
	}
	if !out.Reranked && len(out.Results) > p.topK {
		out.Results = out.Results[:p.topK]
	}
	log.Info("pipeline: retrieved",
		slog.String("label", out.Label),
		slog.Int("results", len(out.Results)),
		slog.Int("sub_queries", len(out.SubQueries)),
		slog.Bool("reranked", out.Reranked),
		slog.Bool("partial", out.Partial()),
	)
	return out, nil
}

// expand retrieves each sub-query and merges the hits into out by best
// effective score.
func (p *Pipeline) expand(ctx context.Context, query string, fetchK int, out *Outcome, cov *coverage) {
	log := logging.FromContext(ctx)
	subs, err := p.decomposer.Decompose(ctx, query)
	if err != nil {
		p.decomposeFallbacks.Inc()
		log.Warn("pipeline: decomposition failed, using the query as is", slog.Any("error", err))
		return
	}
	out.SubQueries = subs
	lists := [][]rag.RankedResult{out.Results}
	for _, sq := range subs {
		res, err := p.retriever.Retrieve(ctx, sq, fetchK)
		if err != nil {
			log.Warn("pipeline: sub-query retrieval failed", slog.String("sub_query", sq), slog.Any("error", err))
			continue
		}
		lists = append(lists, res.Results)
		cov.add(res)
	}
	out.Results = retrieval.Merge(fetchK, lists...)
}

// coverage accumulates the collections searched and failed across the
// query and its sub-queries, each collection counted once.
type coverage struct {
	searched map[string]bool
	failed   map[string]bool
	failures []retrieval.CollectionFailure
	queried  int
}

func (c *coverage) add(res *retrieval.Result) {
	if c.searched == nil {
		c.searched, c.failed = map[string]bool{}, map[string]bool{}
	}
	for _, name := range res.Collections {
		c.searched[name] = true
	}
	for _, f := range res.Failures {
		c.searched[f.Collection] = true
		if c.failed[f.Collection] {
			continue
		}
		c.failed[f.Collection] = true
		c.failures = append(c.failures, f)
	}
	// Retrievers that do not name their collections still report a count.
	c.queried = max(c.queried, res.Queried, len(c.searched))
}

// Answer generates the response for out into w and records it on out.
func (p *Pipeline) Answer(ctx context.Context, out *Outcome, query, session string, w io.Writer) error {
	if p.generator == nil {
		return fmt.Errorf("pipeline: answer: no generator configured: %w", rag.ErrConfiguration)
	}
	ans, err := p.generator.Generate(ctx, generator.Request{
		Query:     query,
		Context:   ContextTexts(out.Results),
		QueryType: out.Label,
		SessionID: session,
	}, w)
	out.Answer = ans
	if err != nil {
		return fmt.Errorf("pipeline: answer: %w", err)
	}
	return nil
}

// Process runs the whole pipeline and streams the answer into w.
func (p *Pipeline) Process(ctx context.Context, query, session string, w io.Writer) (*Outcome, error) {
	out, err := p.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	return out, p.Answer(ctx, out, query, session, w)
}

// ContextTexts renders results as "[collection] text" in rank order.
func ContextTexts(results []rag.RankedResult) []string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = "[" + r.Collection + "] " + r.Text
	}
	return texts
}
