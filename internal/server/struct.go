package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/reachyrag-go/internal/pipeline"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds one /api/chat request from retrieval to the last
	// streamed token. Defaults to 5 minutes.
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on protected
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Querier runs the question answering pipeline in two steps so the chat
// handler can report retrieval problems before the stream starts.
// *pipeline.Pipeline satisfies it; tests inject a fake.
type Querier interface {
	// Retrieve runs every stage before generation.
	Retrieve(ctx context.Context, query string) (*pipeline.Outcome, error)
	// Answer streams the generated answer for out into w.
	Answer(ctx context.Context, out *pipeline.Outcome, query, session string, w io.Writer) error
}

// Classifier labels a query. *retrieval.Orchestrator satisfies it.
type Classifier interface {
	Classify(query string) string
}

// Maintainer exposes the document store's inspection and maintenance
// operations. *docstore.Store satisfies it.
type Maintainer interface {
	Collections(ctx context.Context) ([]string, error)
	Count(ctx context.Context, collection string) (int, error)
	Save(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Server is the HTTP front end of the retrieval pipeline.
type Server struct {
	// querier answers /api/chat and /api/retrieve.
	querier Querier
	// classifier answers /api/classify.
	classifier Classifier
	// store answers /api/collections and the admin routes.
	store Maintainer
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by the server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's question.
	Message string `json:"message"`
	// SessionID selects the conversation history. Empty means stateless.
	SessionID string `json:"session_id,omitempty"`
}

// queryRequest is the JSON body for POST /api/retrieve and POST /api/classify.
type queryRequest struct {
	Query string `json:"query"`
}

// resultJSON is one ranked document in a retrieve response.
type resultJSON struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Score      float64           `json:"score"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// failureJSON is one failed collection in a retrieve response.
type failureJSON struct {
	Collection string `json:"collection"`
	Error      string `json:"error"`
	Transient  bool   `json:"transient"`
}

// retrieveResponse is the JSON response for POST /api/retrieve.
type retrieveResponse struct {
	// Label is the query type used for collection weighting.
	Label string `json:"label"`
	// Reranked is true when scores are re-ranker relevance (higher is
	// better) rather than weighted distances (lower is better).
	Reranked   bool          `json:"reranked"`
	SubQueries []string      `json:"sub_queries,omitempty"`
	Results    []resultJSON  `json:"results"`
	Partial    bool          `json:"partial"`
	Warning    string        `json:"warning,omitempty"`
	Failures   []failureJSON `json:"failures,omitempty"`
}

// collectionJSON is one entry of the GET /api/collections response.
type collectionJSON struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
