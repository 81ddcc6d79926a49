// Package tracing forwards eino model callbacks to Langfuse. It is opt-in:
// nothing is registered unless both Langfuse keys are configured.
package tracing

import (
	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// Config holds the Langfuse credentials.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
}

// Enabled reports whether both keys are present.
func (c Config) Enabled() bool { return c.PublicKey != "" && c.SecretKey != "" }

// Setup builds the Langfuse handler. ok is false, and the other results nil,
// when tracing is not configured. flush must run before process exit so
// buffered traces are sent.
func Setup(cfg Config) (handler callbacks.Handler, flush func(), ok bool) {
	if !cfg.Enabled() {
		return nil, nil, false
	}
	host := cfg.Host
	if host == "" {
		host = "https://cloud.langfuse.com"
	}
	handler, flush = langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      "reachyrag",
	})
	return handler, flush, true
}

// Enable registers the Langfuse handler globally so every chat model call
// made through eino is traced. The returned flush is a no-op when tracing is
// off.
func Enable(cfg Config) (flush func(), enabled bool) {
	handler, flush, ok := Setup(cfg)
	if !ok {
		return func() {}, false
	}
	callbacks.AppendGlobalHandlers(handler)
	return flush, true
}
