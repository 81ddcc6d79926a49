// Package ingestion loads scraped Reachy 2 documentation into the document
// store. Sources are JSON or JSONL files, local or fetched over HTTP(S).
// Long texts can be split into overlapping chunks. Before adding, the target
// collection is checked against the current embedder and recreated when its
// dimensionality no longer matches. This pipeline backs `reachyrag ingest`.
package ingestion

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

// Store is the part of docstore.Store the pipeline writes through.
type Store interface {
	RecreateIfDimensionMismatch(ctx context.Context, collection string) (bool, error)
	AddDocuments(ctx context.Context, collection string, texts []string, metadatas []map[string]string, ids []string) error
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize splits texts longer than this many characters into chunks.
	// Zero keeps records whole; scraped records are usually pre-chunked.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by consecutive chunks.
	// Defaults to ChunkSize/10 when out of range.
	ChunkOverlap int

	// SkipInvalid ingests the well-formed records of a source that also has
	// malformed ones instead of rejecting the whole source.
	SkipInvalid bool

	// HTTPTimeout is the timeout for each remote fetch. Defaults to 30s.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string
}

// Source is a single file to ingest.
type Source struct {
	// Location is a local path or an HTTP(S) URL.
	Location string
	// Collection overrides the collection inferred from the file name.
	Collection string
}

// Summary reports what one source contributed.
type Summary struct {
	Collection string
	Records    int
	Chunks     int
	Skipped    int
	// Recreated is true when the collection was rebuilt for a new
	// embedding dimension.
	Recreated bool
}

// Pipeline orchestrates the load → normalise → chunk → add flow.
type Pipeline struct {
	store      Store
	cfg        Config
	httpClient *http.Client
}

// NewPipeline constructs a Pipeline from the store and config.
func NewPipeline(store Store, cfg *Config) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil: %w", rag.ErrConfiguration)
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.ChunkSize < 0 {
		c.ChunkSize = 0
	}
	if c.ChunkSize > 0 && (c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize) {
		c.ChunkOverlap = c.ChunkSize / 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "reachyrag/1.0 (documentation ingestion)"
	}
	return &Pipeline{
		store:      store,
		cfg:        c,
		httpClient: &http.Client{Timeout: c.HTTPTimeout},
	}, nil
}

// Ingest processes sources sequentially and stops at the first error.
// Progress is reported via the optional progress callback.
func (p *Pipeline) Ingest(ctx context.Context, sources []Source, progress func(msg string)) ([]Summary, error) {
	if progress == nil {
		progress = func(string) {}
	}
	summaries := make([]Summary, 0, len(sources))
	for _, src := range sources {
		s, err := p.ingestOne(ctx, src, progress)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, src Source, progress func(string)) (Summary, error) {
	log := logging.FromContext(ctx)
	inferred := InferMetadata(src.Location)
	collection := src.Collection
	if collection == "" {
		collection = inferred.Collection
	}
	if collection == "" {
		return Summary{}, fmt.Errorf("ingestion: cannot infer a collection for %s, pass one explicitly: %w",
			src.Location, rag.ErrInvalidInput)
	}
	sum := Summary{Collection: collection}

	progress(fmt.Sprintf("loading %s", src.Location))
	rc, err := p.open(ctx, src.Location)
	if err != nil {
		return sum, fmt.Errorf("ingestion: open %s: %w", src.Location, err)
	}
	docs, err := ParseRecords(rc)
	_ = rc.Close()
	if err != nil {
		if !p.cfg.SkipInvalid || !errors.Is(err, rag.ErrInvalidInput) {
			return sum, fmt.Errorf("ingestion: %s: %w", src.Location, err)
		}
		log.Warn("ingestion: skipping malformed records", slog.String("source", src.Location), slog.Any("error", err))
	}
	sum.Records = len(docs)
	if len(docs) == 0 {
		progress(fmt.Sprintf("%s has no records", src.Location))
		return sum, nil
	}

	recreated, err := p.store.RecreateIfDimensionMismatch(ctx, collection)
	if err != nil {
		return sum, fmt.Errorf("ingestion: prepare collection %q: %w", collection, err)
	}
	sum.Recreated = recreated
	if recreated {
		progress(fmt.Sprintf("recreated %s for the current embedding dimension", collection))
	}

	texts, metas, ids := p.expand(src.Location, inferred, docs)
	sum.Chunks = len(texts)
	progress(fmt.Sprintf("adding %d chunks from %d records to %s", len(texts), len(docs), collection))

	if err := p.store.AddDocuments(ctx, collection, texts, metas, ids); err != nil {
		return sum, fmt.Errorf("ingestion: add %s: %w", src.Location, err)
	}
	log.Info("ingestion: source ingested",
		slog.String("source", src.Location),
		slog.String("collection", collection),
		slog.Int("records", sum.Records),
		slog.Int("chunks", sum.Chunks),
	)
	return sum, nil
}

// expand chunks documents and fills in IDs and inferred metadata.
func (p *Pipeline) expand(location string, inferred InferredMetadata, docs []rag.Document) (texts []string, metas []map[string]string, ids []string) {
	for i, d := range docs {
		baseID := d.ID
		if baseID == "" {
			baseID = chunkID(location, i)
		}
		chunks := p.chunk(d.Text)
		for j, c := range chunks {
			meta := make(map[string]string, len(d.Metadata)+4)
			for k, v := range d.Metadata {
				meta[k] = v
			}
			setDefault(meta, "source", location)
			setDefault(meta, "project", inferred.Project)
			setDefault(meta, "doc_type", inferred.DocType)
			id := baseID
			if len(chunks) > 1 {
				id = baseID + "#" + strconv.Itoa(j)
				meta["chunk_index"] = strconv.Itoa(j)
			}
			texts = append(texts, c)
			metas = append(metas, meta)
			ids = append(ids, id)
		}
	}
	return texts, metas, ids
}

func setDefault(m map[string]string, k, v string) {
	if _, ok := m[k]; !ok && v != "" {
		m[k] = v
	}
}

// open returns a reader for a local file or an HTTP(S) URL.
func (p *Pipeline) open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", rag.ErrInvalidInput, err)
		}
		return f, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, application/x-ndjson, text/plain")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, location)
	}
	return resp.Body, nil
}

// chunk splits text into overlapping chunks of cfg.ChunkSize characters.
// Splits fall on rune boundaries.
func (p *Pipeline) chunk(text string) []string {
	size := p.cfg.ChunkSize
	runes := []rune(text)
	if size == 0 || len(runes) <= size {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); start += size - p.cfg.ChunkOverlap {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// chunkID derives a deterministic ID from the source and record index.
func chunkID(source string, index int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s#%d", source, index))
	return fmt.Sprintf("%x", h[:16])
}
