// Package server implements the HTTP server that exposes the retrieval
// pipeline via a REST/SSE API. The server is started by the
// `reachyrag serve` CLI command.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/pipeline"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

// New constructs a Server over the pipeline q, the classifier c and the
// document store st.
func New(q Querier, c Classifier, st Maintainer, cfg *Config) (*Server, error) {
	if q == nil || c == nil || st == nil {
		return nil, fmt.Errorf("server: querier, classifier and store must not be nil: %w", rag.ErrConfiguration)
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		querier:    q,
		classifier: c,
		store:      st,
		cfg:        cfg,
		log:        log,
		pingers:    cfg.Pingers,
		metrics:    newServerMetrics(cfg.MetricsRegistry),
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stop

	// protected wraps a handler with auth, then rate limiting, then metrics.
	protected := func(name string, h http.HandlerFunc) http.Handler {
		return s.metrics.instrument(name, authMiddleware(cfg.APIKey, rl.middleware(h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", protected("chat", s.handleChat))
	mux.Handle("POST /api/retrieve", protected("retrieve", s.handleRetrieve))
	mux.Handle("POST /api/classify", protected("classify", s.handleClassify))
	mux.Handle("GET /api/collections", protected("collections", s.handleCollections))
	mux.Handle("POST /api/admin/save", protected("save", s.handleSave))
	mux.Handle("POST /api/admin/cleanup", protected("cleanup", s.handleCleanup))
	mux.Handle("GET /api/health", s.metrics.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.metrics.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	if cfg.APIKey == "" {
		log.Warn("server: REACHYRAG_API_KEY is not set, authentication is disabled")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. Retrieval runs first so its failures
// map to an HTTP status; the answer is then streamed using Server-Sent
// Events. Partial retrieval is announced with a "warning" event, safety
// topics with a "safety" event, generation failures with an "error" event
// after the apology text.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	start := time.Now()
	s.metrics.chatActiveStreams.Inc()
	defer s.metrics.chatActiveStreams.Dec()

	out, err := s.querier.Retrieve(ctx, req.Message)
	if err != nil {
		s.metrics.observeChat(chatOutcome(ctx, err), time.Since(start))
		writeError(w, r, err)
		return
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if warning := out.Warning(); warning != "" {
		writeEvent(w, flusher, "warning", warning)
	}

	sw := &sseWriter{w: w, flusher: flusher}
	err = s.querier.Answer(ctx, out, req.Message, req.SessionID, sw)
	if out.Answer != nil && len(out.Answer.SafetyTopics) > 0 {
		topics := make([]string, len(out.Answer.SafetyTopics))
		for i, t := range out.Answer.SafetyTopics {
			topics[i] = string(t)
		}
		writeEvent(w, flusher, "safety", strings.Join(topics, ","))
	}
	if err != nil {
		outcome := chatOutcome(ctx, err)
		s.metrics.observeChat(outcome, time.Since(start))
		log.Error("chat: answer failed", slog.String("outcome", outcome), slog.Any("error", err))
		writeEvent(w, flusher, "error", err.Error())
		return
	}

	s.metrics.observeChat("ok", time.Since(start))
	// Signal stream completion.
	writeEvent(w, flusher, "done", "[DONE]")
}

// handleRetrieve handles POST /api/retrieve. It runs every stage except
// generation and returns the ranked context as JSON.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := s.querier.Retrieve(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, newRetrieveResponse(out))
}

// handleClassify handles POST /api/classify.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"label": s.classifier.Classify(req.Query)})
}

// handleCollections handles GET /api/collections.
func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.Collections(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]collectionJSON, 0, len(names))
	for _, n := range names {
		c, err := s.store.Count(r.Context(), n)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, collectionJSON{Name: n, Count: c})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// handleSave handles POST /api/admin/save.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Save(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "saved"})
}

// handleCleanup handles POST /api/admin/cleanup.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Cleanup(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "cleaned"})
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func newRetrieveResponse(out *pipeline.Outcome) retrieveResponse {
	resp := retrieveResponse{
		Label:      out.Label,
		Reranked:   out.Reranked,
		SubQueries: out.SubQueries,
		Results:    make([]resultJSON, len(out.Results)),
		Partial:    out.Partial(),
		Warning:    out.Warning(),
	}
	for i, res := range out.Results {
		resp.Results[i] = resultJSON{
			ID:         res.ID,
			Collection: res.Collection,
			Score:      res.Score,
			Text:       res.Text,
			Metadata:   res.Metadata,
		}
	}
	for _, f := range out.Failures {
		resp.Failures = append(resp.Failures, failureJSON{
			Collection: f.Collection,
			Error:      f.Err.Error(),
			Transient:  f.Transient,
		})
	}
	return resp
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rag.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrStoreBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, rag.ErrCollectionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and answers with the mapped status. Busy stores get a
// Retry-After hint.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	} else {
		log.Warn("request rejected", slog.Int("status", status), slog.Any("error", err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("encode response", slog.Any("error", err))
	}
}

// chatOutcome is the metrics label for a failed chat request.
func chatOutcome(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// writeEvent emits a named SSE event. Multi-line data is split into
// several data lines.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	var buf strings.Builder
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\n")
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	_, _ = fmt.Fprint(w, buf.String())
	flusher.Flush()
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one or more SSE data lines and flushes to the client.
// Each newline in p is prefixed with "data: " so multi-line chunks never
// break the SSE frame boundary.
func (s *sseWriter) Write(p []byte) (n int, err error) {
	chunk := strings.TrimRight(string(bytes.Clone(p)), "\n")
	lines := strings.Split(chunk, "\n")
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err = fmt.Fprint(s.w, buf.String()); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}
