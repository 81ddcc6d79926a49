package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/54b3r/reachyrag-go/internal/logging"
	"github.com/54b3r/reachyrag-go/internal/rag"
)

// errMalformed marks embedding output that can never be fixed by retrying.
var errMalformed = errors.New("malformed embedding output")

// statusError is a non-2xx answer from an embedding backend.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string { return e.msg }

// retryable reports whether the backend may succeed on a later attempt.
func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// checkShape validates arity and width of an embedding batch.
func checkShape(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("expected %d embeddings, got %d: %w: %w", want, len(vecs), rag.ErrEmbedding, errMalformed)
	}
	if want == 0 {
		return nil
	}
	width := len(vecs[0])
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty: %w: %w", i, rag.ErrEmbedding, errMalformed)
		}
		if len(v) != width {
			return fmt.Errorf("embedding %d has width %d, want %d: %w: %w", i, len(v), width, rag.ErrEmbedding, errMalformed)
		}
	}
	return nil
}

// ResilientConfig tunes the Resilient wrapper.
type ResilientConfig struct {
	// MaxRetries is the number of retries after the first attempt. Defaults to 3 if zero.
	MaxRetries int
	// InitialInterval is the first backoff delay. Defaults to 500ms if zero.
	InitialInterval time.Duration
	// CallTimeout bounds each attempt. Zero means no per-attempt timeout.
	CallTimeout time.Duration
	// RequestsPerSecond throttles calls into the backend. Zero disables throttling.
	RequestsPerSecond float64
	// Serialize runs one call at a time, for backends that are not safe
	// under concurrent load.
	Serialize bool
}

// Resilient wraps a rag.Embedder with retry, throttling, timeouts, and
// output validation. Every error it returns wraps rag.ErrEmbedding; timeouts
// additionally wrap rag.ErrTransient.
type Resilient struct {
	// inner is the wrapped backend.
	inner rag.Embedder
	// cfg holds the resolved tuning.
	cfg ResilientConfig
	// limiter throttles attempts; nil when throttling is disabled.
	limiter *rate.Limiter
	// mu serializes calls when cfg.Serialize is set.
	mu sync.Mutex
}

// NewResilient wraps inner. A nil cfg uses the defaults.
func NewResilient(inner rag.Embedder, cfg *ResilientConfig) *Resilient {
	var c ResilientConfig
	if cfg != nil {
		c = *cfg
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}

	r := &Resilient{inner: inner, cfg: c}
	if c.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), 1)
	}
	return r
}

// Embed calls the wrapped embedder, retrying transient failures with
// exponential backoff.
func (r *Resilient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log := logging.FromContext(ctx)

	var out [][]float32
	attempt := func() error {
		vecs, err := r.once(ctx, texts)
		if err == nil {
			out = vecs
			return nil
		}
		if !shouldRetry(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), ctx)

	err := backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		log.Warn("embedder: call failed, retrying",
			slog.Int("texts", len(texts)),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedder: embed %d texts: %w: %w: %w", len(texts), rag.ErrEmbedding, rag.ErrTransient, err)
		}
		return nil, fmt.Errorf("embedder: embed %d texts: %w: %w", len(texts), rag.ErrEmbedding, err)
	}
	return out, nil
}

// once performs a single throttled, time-bounded attempt.
func (r *Resilient) once(ctx context.Context, texts []string) ([][]float32, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	if r.cfg.Serialize {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	callCtx := ctx
	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}

	vecs, err := r.inner.Embed(callCtx, texts)
	if err != nil {
		return nil, err
	}
	if err := checkShape(vecs, len(texts)); err != nil {
		return nil, err
	}
	return vecs, nil
}

// shouldRetry classifies an attempt failure.
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, errMalformed) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}
