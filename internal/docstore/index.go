// Package docstore implements the document store: named collections of
// embedded documents with nearest-neighbour search. Store holds the
// embedding, batching, and maintenance-window logic and delegates vector
// storage to an Index backend (embedded SQLite or a Qdrant cluster).
package docstore

import (
	"context"
	"math"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// Index is a vector index partitioned into named collections. Implementations
// must be safe for concurrent use.
type Index interface {
	// EnsureCollection creates the collection with the given width if it does
	// not exist. An existing collection with another width yields
	// rag.ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, name string, dim int) error
	// Dimension returns the collection's vector width, or
	// rag.ErrCollectionNotFound.
	Dimension(ctx context.Context, name string) (int, error)
	// DeleteCollection drops the collection and its documents. Deleting a
	// missing collection is not an error.
	DeleteCollection(ctx context.Context, name string) error
	// Collections lists collection names in lexical order.
	Collections(ctx context.Context) ([]string, error)
	// Upsert inserts or replaces docs by ID. vecs is parallel to docs.
	Upsert(ctx context.Context, name string, docs []rag.Document, vecs [][]float32) error
	// Search returns up to n hits ordered by ascending cosine distance.
	Search(ctx context.Context, name string, vec []float32, n int) ([]rag.Hit, error)
	// Count returns the number of documents in the collection.
	Count(ctx context.Context, name string) (int, error)
	// Close releases the backend.
	Close() error
}

// Persister is implemented by indexes whose working state must be copied to
// durable storage explicitly.
type Persister interface {
	Save(ctx context.Context) error
}

// cosineDistance returns 1 - cos(a, b). Zero vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
