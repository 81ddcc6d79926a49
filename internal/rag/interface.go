// Package rag defines the shared types and boundaries of the retrieval
// pipeline: documents, per-collection search hits, ranked results, and the
// embedding contract. Concrete stores, embedders, and rankers live in their
// own packages and depend on this one, never the other way round.
package rag

import (
	"context"
)

// Document is a unit of stored knowledge inside one collection.
type Document struct {
	// ID is unique within the owning collection.
	ID string

	// Text is the chunk content that gets embedded and returned as context.
	Text string

	// Metadata holds scalar attributes (source file, chunk index, language...)
	// rendered to strings at the ingestion boundary.
	Metadata map[string]string
}

// Hit is a single nearest-neighbour answer from one collection.
type Hit struct {
	// ID is the document identifier within the collection.
	ID string

	// Text is the stored document text.
	Text string

	// Metadata is the stored document metadata.
	Metadata map[string]string

	// Distance is the cosine distance between query and document embeddings.
	// Lower means more similar.
	Distance float64
}

// RankedResult is a document that survived cross-collection merging.
// Score polarity depends on the stage that produced it: orchestrator scores
// are weighted distances (lower is better), re-ranker scores are blended
// relevance (higher is better).
type RankedResult struct {
	// ID is the document identifier within Collection.
	ID string

	// Text is the document content handed to the generator.
	Text string

	// Collection is the collection the document was retrieved from.
	Collection string

	// Score is the stage-specific ranking score.
	Score float64

	// Metadata is the stored document metadata, kept for citations.
	Metadata map[string]string
}

// Embedder converts text into dense vectors.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into embeddings.
	// The returned slice is parallel to the input slice and every vector
	// has the same length.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Texts returns the document texts of results in order.
func Texts(results []RankedResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Text
	}
	return out
}
