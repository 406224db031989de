package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
	"github.com/snarg/scribe-engine/internal/metrics"
	"github.com/snarg/scribe-engine/internal/storage"
)

// Deps are the collaborators the HTTP API serves.
type Deps struct {
	DB        Pinger
	Store     RecordingStore
	Runner    JobRunner
	Audio     storage.AudioStore
	Validator AudioValidator
	Models    ModelCatalog
	Backends  BackendLister
	Events    EventSource // optional
	MQTT      ConnChecker // optional
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, version string, startTime time.Time, log zerolog.Logger) *Server {
	handler, stream := newRouter(cfg, deps, version, startTime, log)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	srv.RegisterOnShutdown(stream.Close)
	return &Server{http: srv, log: log}
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg *config.Config, deps Deps, version string, startTime time.Time, log zerolog.Logger) http.Handler {
	h, _ := newRouter(cfg, deps, version, startTime, log)
	return h
}

func newRouter(cfg *config.Config, deps Deps, version string, startTime time.Time, log zerolog.Logger) (http.Handler, *EventsHandler) {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	if cfg.RateLimitRPS > 0 {
		r.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	storageType := ""
	if deps.Audio != nil {
		storageType = deps.Audio.Type()
	}
	health := NewHealthHandler(deps.DB, deps.MQTT, deps.Runner, deps.Backends, storageType, version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	recordings := NewRecordingsHandler(deps.Store, deps.Runner, deps.Audio, deps.Validator,
		Defaults{Backend: cfg.DefaultBackend, Model: cfg.DefaultModel, Language: cfg.DefaultLanguage},
		cfg.MaxUploadMB<<20, log)
	models := NewModelsHandler(deps.Models, deps.Backends)
	stream := NewEventsHandler(deps.Events)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			recordings.Routes(r)
			models.Routes(r)
			stream.Routes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(cfg.AuthToken))
			models.AdminRoutes(r)
		})
	})

	return r, stream
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
