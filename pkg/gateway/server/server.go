// Package server assembles the gateway: config in, one http.Handler out,
// plus the drain hooks the process manager drives during shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voxhall/voxhall/pkg/core"
	"github.com/voxhall/voxhall/pkg/core/call"
	"github.com/voxhall/voxhall/pkg/gateway/admission"
	"github.com/voxhall/voxhall/pkg/gateway/answer"
	"github.com/voxhall/voxhall/pkg/gateway/auth"
	"github.com/voxhall/voxhall/pkg/gateway/config"
	"github.com/voxhall/voxhall/pkg/gateway/handlers"
	"github.com/voxhall/voxhall/pkg/gateway/live/sessions"
	"github.com/voxhall/voxhall/pkg/gateway/memory"
	"github.com/voxhall/voxhall/pkg/gateway/metrics"
	"github.com/voxhall/voxhall/pkg/gateway/mw"
)

type Server struct {
	cfg config.Config
	log *slog.Logger

	verifier  *auth.Verifier
	admission *admission.Controller
	manager   *sessions.Manager
	store     memory.Store
	engine    answer.Engine
	caller    *call.Wrapper
	metrics   *metrics.Metrics
	router    chi.Router
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New("")
	adm := admission.New(admission.Config{MaxConnsPerTenant: cfg.MaxConnsPerTenant})

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       logger,
		verifier:  auth.NewVerifier(cfg.AuthSecret),
		admission: adm,
		manager:   sessions.NewManager(adm, m),
		store:     store,
		engine:    engine,
		caller:    call.New(m),
		metrics:   m,
	}
	s.routes()
	return s, nil
}

func newStore(ctx context.Context, cfg config.Config) (memory.Store, error) {
	switch cfg.MemoryDriver {
	case config.MemoryDriverRedis:
		store, err := memory.NewRedis(ctx, memory.RedisOptions{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			KeyPrefix:    cfg.RedisKeyPrefix,
			TTL:          cfg.SessionTTL,
			MaxTurns:     cfg.MaxTurns,
			MaxTurnBytes: cfg.MaxTurnBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("redis memory store: %w", err)
		}
		return store, nil
	default:
		return memory.NewInProcess(memory.InProcessOptions{
			TTL:          cfg.SessionTTL,
			MaxTurns:     cfg.MaxTurns,
			MaxTurnBytes: cfg.MaxTurnBytes,
		}), nil
	}
}

func newEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (answer.Engine, error) {
	if strings.TrimSpace(cfg.ArkAPIKey) == "" {
		logger.Warn("no ark api key configured, answering with the static engine")
		return answer.NewStaticEngine(), nil
	}
	engine, err := answer.NewEinoEngine(ctx, answer.EinoConfig{
		APIKey:  cfg.ArkAPIKey,
		Model:   cfg.ArkModel,
		BaseURL: cfg.ArkBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("answer engine: %w", err)
	}
	return engine, nil
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)

	r.Get("/healthz", handlers.HealthHandler{}.ServeHTTP)
	r.Get("/readyz", handlers.ReadyHandler{Config: s.cfg, Sessions: s.manager}.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/v1/chat/ws", handlers.ChatWSHandler{
		Config:    s.cfg,
		Log:       s.log,
		Verifier:  s.verifier,
		Admission: s.admission,
		Sessions:  s.manager,
		Memory:    s.store,
		Engine:    s.engine,
		Caller:    s.caller,
		Metrics:   s.metrics,
	}.ServeHTTP)

	r.Get("/v1/chat/sse", handlers.ChatSSEHandler{
		Config:    s.cfg,
		Log:       s.log,
		Verifier:  s.verifier,
		Admission: s.admission,
		Sessions:  s.manager,
		Memory:    s.store,
		Engine:    s.engine,
		Caller:    s.caller,
		Metrics:   s.metrics,
	}.ServeHTTP)

	r.Get("/v1/telephony/stream", handlers.TelephonyHandler{
		Config:    s.cfg,
		Log:       s.log,
		Admission: s.admission,
		Sessions:  s.manager,
		Memory:    s.store,
		Engine:    s.engine,
		Caller:    s.caller,
		Metrics:   s.metrics,
	}.ServeHTTP)

	s.router = r
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.log, h)
	h = mw.AccessLog(s.log, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining stops admitting new connections. Live sessions continue.
func (s *Server) SetDraining() {
	s.manager.SetDraining()
}

// WarnLiveSessions tells every live connection the gateway is going away.
func (s *Server) WarnLiveSessions() int {
	return s.manager.WarnAll(string(core.ErrUnavailable), "gateway is draining")
}

// WaitLiveSessions blocks until every live connection has released or ctx
// expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.manager.Wait(ctx)
}

// CancelLiveSessions force-closes whatever is still connected.
func (s *Server) CancelLiveSessions() int {
	return s.manager.CancelAll()
}

// Close releases backend resources. Call after the HTTP server stopped.
func (s *Server) Close() error {
	return s.store.Close()
}
