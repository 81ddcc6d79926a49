package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/reachyrag-go/internal/docstore"
	"github.com/54b3r/reachyrag-go/internal/provider"
	"github.com/54b3r/reachyrag-go/internal/rerank"
	"github.com/54b3r/reachyrag-go/internal/server"
)

// NewServeCmd constructs the `reachyrag serve` command, which exposes the
// pipeline and store maintenance over HTTP.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reachyrag HTTP server",
		Long: `Start the reachyrag HTTP server.

Endpoints:
  POST /api/chat             stream an answer as server-sent events
  POST /api/retrieve         ranked context as JSON
  POST /api/classify         query label
  GET  /api/collections      collections and document counts
  POST /api/admin/save       persist the store
  POST /api/admin/cleanup    delete every collection
  GET  /api/health           liveness
  GET  /api/ready            dependency readiness
  GET  /metrics              Prometheus metrics

Examples:
  reachyrag serve
  reachyrag serve --port 9090
  REACHYRAG_API_KEY=secret reachyrag serve --host 0.0.0.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, needs{model: true, history: true, registerer: prometheus.DefaultRegisterer})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			p, err := a.pipeline()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			s := a.settings
			if !cmd.Flags().Changed("host") {
				host = s.Server.Host
			}
			if !cmd.Flags().Changed("port") {
				port = s.Server.Port
			}

			srv, err := server.New(p, a.orch, a.store, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    a.log,
				Pingers:   a.pingers(),
				RateLimit: s.Server.RateLimitRPS,
				RateBurst: s.Server.RateLimitBurst,
				APIKey:    s.Server.APIKey,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}
			a.log.Info("serve starting",
				slog.String("provider", string(s.Provider.Backend)),
				slog.String("store", s.Store.Backend),
				slog.Bool("auth", s.Server.APIKey != ""),
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// pingers builds the readiness probes for every dependency the app opened.
func (a *app) pingers() []server.Pinger {
	s := a.settings
	var ps []server.Pinger

	healthURL := ""
	if s.Provider.Backend == provider.BackendOllama {
		healthURL = strings.TrimRight(s.Provider.Ollama.Host, "/") + "/api/tags"
	}
	ps = append(ps, server.NewLLMPinger(a.chat, healthURL, string(s.Provider.Backend)))
	ps = append(ps, server.NewStorePinger(a.store))

	if q, ok := a.store.Index().(*docstore.QdrantIndex); ok {
		ps = append(ps, server.NewDependencyPinger("qdrant", q))
	}
	if a.redis != nil {
		ps = append(ps, server.NewDependencyPinger("redis", a.redis))
	}
	if s.Rerank.Endpoint != "" {
		ps = append(ps, server.NewDependencyPinger("reranker", rerank.NewHTTPCrossEncoder(&s.Rerank)))
	}
	return ps
}
