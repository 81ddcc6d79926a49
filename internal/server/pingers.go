package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// LLMPinger probes a chat model backend. When healthURL is set a plain GET
// is used (Ollama's /api/tags costs nothing); otherwise a single-token
// Generate call is made.
type LLMPinger struct {
	// model is the chat model probed when no health URL is known.
	model model.BaseChatModel
	// healthURL is a free endpoint that answers 2xx when the backend is up.
	healthURL string
	// client performs the health URL request.
	client *http.Client
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewLLMPinger constructs an LLMPinger. healthURL may be empty.
func NewLLMPinger(m model.BaseChatModel, healthURL, name string) *LLMPinger {
	return &LLMPinger{model: m, healthURL: healthURL, client: &http.Client{}, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping probes the LLM backend.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if p.healthURL != "" {
		return getOK(ctx, p.client, p.healthURL)
	}
	if p.model == nil {
		return errors.New("no model configured")
	}
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")}, model.WithMaxTokens(1))
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return errors.New("generate returned nil response")
	}
	return nil
}

// getOK issues a GET and requires a 2xx answer.
func getOK(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}

// pingable is any dependency client with its own reachability check, such
// as the Qdrant index, the Redis lock or the re-ranker endpoint.
type pingable interface {
	Ping(ctx context.Context) error
}

// DependencyPinger adapts a pingable client to the Pinger interface.
type DependencyPinger struct {
	name string
	dep  pingable
}

// NewDependencyPinger labels dep as name in readiness responses.
func NewDependencyPinger(name string, dep pingable) *DependencyPinger {
	return &DependencyPinger{name: name, dep: dep}
}

// Name implements Pinger.
func (p *DependencyPinger) Name() string { return p.name }

// Ping implements Pinger.
func (p *DependencyPinger) Ping(ctx context.Context) error { return p.dep.Ping(ctx) }

// StorePinger reports the document store ready when it can list its
// collections.
type StorePinger struct {
	store interface {
		Collections(ctx context.Context) ([]string, error)
	}
}

// NewStorePinger constructs a StorePinger over st.
func NewStorePinger(st Maintainer) *StorePinger { return &StorePinger{store: st} }

// Name implements Pinger.
func (p *StorePinger) Name() string { return "store" }

// Ping implements Pinger.
func (p *StorePinger) Ping(ctx context.Context) error {
	if _, err := p.store.Collections(ctx); err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	return nil
}
