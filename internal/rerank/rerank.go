// Package rerank refines a retrieval shortlist with a cross-encoder that
// scores each (query, document) pair jointly.
//
// Scores produced here are blended relevance: higher is better. This is the
// opposite polarity of the retrieval package's weighted distances.
package rerank

import (
	"context"
	"fmt"
	"sort"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// Blend weights for the final score.
const (
	CrossWeight    = 0.7
	OriginalWeight = 0.3
)

// CrossEncoder scores query/document pairs; higher means more relevant.
type CrossEncoder interface {
	// Score returns one score per document, parallel to docs.
	Score(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Scored is a document with its blended score.
type Scored struct {
	// Text is the document text.
	Text string
	// Score is 0.7*cross + 0.3*original; higher is better.
	Score float64
	// Index is the document's position in the input slice.
	Index int
}

// Reranker blends cross-encoder relevance with the original score.
type Reranker struct {
	// encoder is the pairwise relevance model.
	encoder CrossEncoder
}

// New returns a Reranker over encoder.
func New(encoder CrossEncoder) *Reranker {
	return &Reranker{encoder: encoder}
}

// Rerank scores every document against query, blends the result as
// 0.7*cross + 0.3*original, and returns the topK best in descending order.
// The original score is used as given, whatever its polarity.
func (r *Reranker) Rerank(ctx context.Context, query string, docs []string, scores []float64, topK int) ([]Scored, error) {
	if len(docs) != len(scores) {
		return nil, fmt.Errorf("rerank: %d documents, %d scores: %w", len(docs), len(scores), rag.ErrInvalidInput)
	}
	if topK < 1 {
		return nil, fmt.Errorf("rerank: top_k %d < 1: %w", topK, rag.ErrInvalidInput)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	cross, err := r.encoder.Score(ctx, query, docs)
	if err != nil {
		return nil, fmt.Errorf("rerank: cross-encoder: %w", err)
	}
	if len(cross) != len(docs) {
		return nil, fmt.Errorf("rerank: cross-encoder returned %d scores for %d documents", len(cross), len(docs))
	}

	out := make([]Scored, len(docs))
	for i, d := range docs {
		out[i] = Scored{Text: d, Score: CrossWeight*cross[i] + OriginalWeight*scores[i], Index: i}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// RerankResults re-ranks retrieval results and returns them with Score
// replaced by the blended score, best first.
func (r *Reranker) RerankResults(ctx context.Context, query string, results []rag.RankedResult, topK int) ([]rag.RankedResult, error) {
	docs := make([]string, len(results))
	scores := make([]float64, len(results))
	for i, res := range results {
		docs[i] = res.Text
		scores[i] = res.Score
	}

	scored, err := r.Rerank(ctx, query, docs, scores, topK)
	if err != nil {
		return nil, err
	}
	out := make([]rag.RankedResult, len(scored))
	for i, s := range scored {
		out[i] = results[s.Index]
		out[i].Score = s.Score
	}
	return out, nil
}
