// Package bridge implements the gateway between front ends and the
// orchestration core: an HTTP API for the web chat and poll-based native
// bridges, plus durable delivery cursors. Any number of front ends may
// attach to one user's conversation concurrently; delivery to a
// disconnected front end queues behind its cursor instead of dropping.
// The Discord front end lives in the discord subpackage.
package bridge

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/valet/pkg/valet/agent"
	"github.com/jholhewres/valet/pkg/valet/conversation"
	"github.com/jholhewres/valet/pkg/valet/router"
	"github.com/jholhewres/valet/pkg/valet/trigger"
)

// Config configures the HTTP gateway.
type Config struct {
	// Address is the listen address (default: ":8090").
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a bearer token on every route
	// except /health.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins enables CORS for the listed origins ("*" allows all).
	CORSOrigins []string `yaml:"cors_origins"`
}

// Gateway is the HTTP front door.
type Gateway struct {
	cfg      Config
	router   *router.Router
	log      *conversation.Log
	pool     *agent.Pool
	triggers *trigger.Storage
	cursors  *CursorStore
	logger   *slog.Logger

	server    *http.Server
	startedAt time.Time
}

// New creates a gateway over the orchestration core.
func New(cfg Config, rt *router.Router, log *conversation.Log, pool *agent.Pool, triggers *trigger.Storage, cursors *CursorStore, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8090"
	}
	return &Gateway{
		cfg:      cfg,
		router:   rt,
		log:      log,
		pool:     pool,
		triggers: triggers,
		cursors:  cursors,
		logger:   logger.With("component", "gateway"),
	}
}

// Handler builds the full route table with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/v1/chat", g.handleChat)
	mux.HandleFunc("/api/v1/chat/history", g.handleHistory)
	mux.HandleFunc("/api/v1/bridge/", g.handleBridge)
	mux.HandleFunc("/api/v1/agents", g.handleAgents)
	mux.HandleFunc("/api/v1/agents/", g.handleAgentByID)
	mux.HandleFunc("/api/v1/triggers", g.handleTriggers)
	mux.HandleFunc("/api/v1/triggers/", g.handleTriggerByID)

	return g.securityHeaders(g.cors(g.auth(mux)))
}

// Start begins serving in a background goroutine.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:    g.cfg.Address,
		Handler: g.Handler(),
	}

	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("SECURITY: gateway has no auth token on a non-loopback address",
				"address", g.cfg.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Address)
	return nil
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}
