package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gitguard-io/gitguard/pkg/observability"
)

// ServerConfig tunes the combined HTTP server.
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
	// JWTSecret enables bearer auth on graph routes when non-empty.
	JWTSecret []byte
	// RateRPS and RateBurst bound per-IP request rates on graph routes.
	RateRPS   int
	RateBurst int
	// DisableGraphRoutes keeps /health but drops the /graph surface.
	DisableGraphRoutes bool
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RateRPS <= 0 {
		c.RateRPS = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	return c
}

// NewMux assembles the route table: the webhook ingress plus the graph API,
// each behind its own middleware stack. Ingress skips CORS and rate limiting
// since hosts sign rather than browse.
func NewMux(cfg ServerConfig, webhook *WebhookHandler, graphAPI *GraphAPI, obs *observability.Provider) http.Handler {
	cfg = cfg.withDefaults()
	mux := http.NewServeMux()

	mux.Handle("POST /webhooks/{host}", TimingMiddleware(obs, "/webhooks", webhook))

	limiter := NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	guard := func(route string, h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = TimingMiddleware(obs, route, h)
		wrapped = JWTMiddleware(cfg.JWTSecret)(wrapped)
		wrapped = limiter.Middleware(wrapped)
		return wrapped
	}

	mux.Handle("GET /health", TimingMiddleware(obs, "/health", http.HandlerFunc(graphAPI.HandleHealth)))
	if !cfg.DisableGraphRoutes {
		mux.Handle("GET /graph/pr/{number}", guard("/graph/pr", graphAPI.HandlePR))
		mux.Handle("GET /graph/owners", guard("/graph/owners", graphAPI.HandleOwners))
		mux.Handle("GET /graph/relationships", guard("/graph/relationships", graphAPI.HandleRelationships))
	}

	var root http.Handler = mux
	root = CORSMiddleware(cfg.CORSOrigins)(root)
	root = RequestIDMiddleware(root)
	return root
}

// Server is the HTTP front of the service.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the server with sane timeouts.
func NewServer(cfg ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		logger: logger.With("component", "http"),
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}
