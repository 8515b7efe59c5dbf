package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/evalroom/pkg/gateway/config"
	"github.com/vango-go/evalroom/pkg/gateway/events"
	"github.com/vango-go/evalroom/pkg/gateway/handlers"
	"github.com/vango-go/evalroom/pkg/gateway/lifecycle"
	"github.com/vango-go/evalroom/pkg/gateway/live/sessions"
	"github.com/vango-go/evalroom/pkg/gateway/metrics"
	"github.com/vango-go/evalroom/pkg/gateway/mw"
	"github.com/vango-go/evalroom/pkg/gateway/orchestrator"
	"github.com/vango-go/evalroom/pkg/gateway/ratelimit"
)

// Dependencies are the long-lived components the HTTP surface serves.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Store        handlers.Pinger
	Events       *events.Hub
	Metrics      *metrics.Metrics
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router
	deps   Dependencies

	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if deps.Events == nil {
		return nil, errors.New("server: event hub is required")
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.LiveSessions == nil {
		deps.LiveSessions = sessions.NewTracker()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: chi.NewRouter(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			MaxConcurrentLive:     cfg.LimitMaxLiveConnections,
		}),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(mw.Metrics(s.deps.Metrics))
	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)
	r.MethodNotAllowed(handlers.MethodNotAllowedHandler{}.ServeHTTP)

	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Store:     s.deps.Store,
		Lifecycle: s.deps.Lifecycle,
		StoreKind: string(s.cfg.Store),
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	sh := handlers.SessionsHandler{
		Config:   s.cfg,
		Sessions: s.deps.Orchestrator,
		Logger:   s.logger,
	}
	live := handlers.LiveHandler{
		Config:       s.cfg,
		Sessions:     s.deps.Orchestrator,
		Events:       s.deps.Events,
		Logger:       s.logger,
		Lifecycle:    s.deps.Lifecycle,
		LiveSessions: s.deps.LiveSessions,
		Metrics:      s.deps.Metrics,
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", sh.Submit)
		r.Get("/", sh.List)
		r.Route("/{"+handlers.URLParamSessionID+"}", func(r chi.Router) {
			r.Get("/", sh.Get)
			r.Get("/status", sh.Status)
			r.Post("/start", sh.Start)
			r.Post("/audio", sh.Audio)
			r.Post("/slide", sh.Slide)
			r.Post("/complete", sh.Complete)
			r.Method(http.MethodGet, "/live", live)
		})
	})
}

// LiveSessions returns the tracker used for realtime connections, for draining on shutdown.
func (s *Server) LiveSessions() *sessions.Tracker {
	return s.deps.LiveSessions
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.deps.Lifecycle
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.RateLimit(s.cfg.TrustProxyHeaders, s.limiter, h)
	h = mw.CORS(s.cfg.AllowedOrigins(), h)
	h = mw.APIVersion(h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
