package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/reachyrag-go/internal/rag"
)

// Reserved payload keys. Document metadata is stored alongside them.
const (
	payloadID   = "doc_id"
	payloadText = "text"
)

// QdrantConfig holds connection parameters for a Qdrant cluster.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Prefix is prepended to every collection name so several deployments
	// can share one cluster.
	Prefix string
}

// QdrantIndex implements Index with one Qdrant collection per logical
// collection, cosine distance, and UUIDv5 point IDs derived from document IDs.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// prefix is the collection name prefix.
	prefix string

	// mu guards dims.
	mu sync.RWMutex

	// dims caches collection widths; cleared on delete.
	dims map[string]int
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex connects to the cluster described by cfg.
func NewQdrantIndex(cfg *QdrantConfig) (*QdrantIndex, error) {
	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: qdrant client for %s:%d: %w: %w", host, port, rag.ErrStore, err)
	}
	return &QdrantIndex{client: client, prefix: cfg.Prefix, dims: make(map[string]int)}, nil
}

func (s *QdrantIndex) physical(name string) string { return s.prefix + name }

// pointID maps a document ID onto a stable Qdrant UUID.
func pointID(collection, docID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(collection+"/"+docID)).String())
}

// EnsureCollection implements Index.
func (s *QdrantIndex) EnsureCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("docstore: collection %q: dimension %d: %w", name, dim, rag.ErrInvalidInput)
	}
	exists, err := s.client.CollectionExists(ctx, s.physical(name))
	if err != nil {
		return fmt.Errorf("docstore: qdrant collection %q exists: %w: %w", name, rag.ErrStore, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.physical(name),
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("docstore: qdrant create collection %q: %w: %w", name, rag.ErrStore, err)
		}
		s.remember(name, dim)
		return nil
	}

	have, err := s.Dimension(ctx, name)
	if err != nil {
		return err
	}
	if have != dim {
		return fmt.Errorf("docstore: collection %q has dimension %d, got %d: %w", name, have, dim, rag.ErrDimensionMismatch)
	}
	return nil
}

// Dimension implements Index.
func (s *QdrantIndex) Dimension(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	dim, ok := s.dims[name]
	s.mu.RUnlock()
	if ok {
		return dim, nil
	}

	exists, err := s.client.CollectionExists(ctx, s.physical(name))
	if err != nil {
		return 0, fmt.Errorf("docstore: qdrant collection %q exists: %w: %w", name, rag.ErrStore, err)
	}
	if !exists {
		return 0, fmt.Errorf("docstore: collection %q: %w", name, rag.ErrCollectionNotFound)
	}
	info, err := s.client.GetCollectionInfo(ctx, s.physical(name))
	if err != nil {
		return 0, fmt.Errorf("docstore: qdrant collection info %q: %w: %w", name, rag.ErrStore, err)
	}
	dim = int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
	if dim == 0 {
		return 0, fmt.Errorf("docstore: qdrant collection %q uses named vectors: %w", name, rag.ErrStore)
	}
	s.remember(name, dim)
	return dim, nil
}

func (s *QdrantIndex) remember(name string, dim int) {
	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
}

// DeleteCollection implements Index.
func (s *QdrantIndex) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()

	exists, err := s.client.CollectionExists(ctx, s.physical(name))
	if err != nil {
		return fmt.Errorf("docstore: qdrant collection %q exists: %w: %w", name, rag.ErrStore, err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, s.physical(name)); err != nil {
		return fmt.Errorf("docstore: qdrant delete collection %q: %w: %w", name, rag.ErrStore, err)
	}
	return nil
}

// Collections implements Index. Only collections carrying the prefix are listed.
func (s *QdrantIndex) Collections(ctx context.Context) ([]string, error) {
	all, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("docstore: qdrant list collections: %w: %w", rag.ErrStore, err)
	}
	var names []string
	for _, n := range all {
		if strings.HasPrefix(n, s.prefix) {
			names = append(names, strings.TrimPrefix(n, s.prefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Upsert implements Index.
func (s *QdrantIndex) Upsert(ctx context.Context, name string, docs []rag.Document, vecs [][]float32) error {
	if len(docs) != len(vecs) {
		return fmt.Errorf("docstore: upsert into %q: %d documents, %d vectors: %w", name, len(docs), len(vecs), rag.ErrInvalidInput)
	}
	dim, err := s.Dimension(ctx, name)
	if err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for i, d := range docs {
		if len(vecs[i]) != dim {
			return fmt.Errorf("docstore: document %q has dimension %d, collection %q has %d: %w",
				d.ID, len(vecs[i]), name, dim, rag.ErrDimensionMismatch)
		}
		payload := make(map[string]any, len(d.Metadata)+2)
		for k, v := range d.Metadata {
			payload[k] = v
		}
		payload[payloadID] = d.ID
		payload[payloadText] = d.Text

		points = append(points, &qdrant.PointStruct{
			Id:      pointID(name, d.ID),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	wait := true
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.physical(name),
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("docstore: qdrant upsert into %q: %w: %w", name, rag.ErrStore, err)
	}
	return nil
}

// Search implements Index. Qdrant reports cosine similarity; it is turned
// into a distance so that lower is better, as with every Index.
func (s *QdrantIndex) Search(ctx context.Context, name string, vec []float32, n int) ([]rag.Hit, error) {
	dim, err := s.Dimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vec) != dim {
		return nil, fmt.Errorf("docstore: query has dimension %d, collection %q has %d: %w", len(vec), name, dim, rag.ErrDimensionMismatch)
	}

	limit := uint64(n)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.physical(name),
		Query:          qdrant.NewQuery(vec...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: qdrant search %q: %w: %w", name, rag.ErrStore, err)
	}

	hits := make([]rag.Hit, 0, len(results))
	for _, r := range results {
		h := rag.Hit{Distance: 1 - float64(r.GetScore()), Metadata: make(map[string]string)}
		for k, v := range r.GetPayload() {
			switch k {
			case payloadID:
				h.ID = v.GetStringValue()
			case payloadText:
				h.Text = v.GetStringValue()
			default:
				h.Metadata[k] = v.GetStringValue()
			}
		}
		hits = append(hits, h)
	}
	// Qdrant orders by score already; keep ties deterministic.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// Count implements Index.
func (s *QdrantIndex) Count(ctx context.Context, name string) (int, error) {
	if _, err := s.Dimension(ctx, name); err != nil {
		return 0, err
	}
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: s.physical(name), Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("docstore: qdrant count %q: %w: %w", name, rag.ErrStore, err)
	}
	return int(n), nil
}

// Ping checks that the cluster answers health checks.
func (s *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("docstore: qdrant health check: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}
