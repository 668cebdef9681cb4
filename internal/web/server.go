// Package web serves the import JSON API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/web/middleware"
)

// Server is the HTTP front of the import service.
type Server struct {
	service *importer.Service
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server

	// stop ends the rate limiter cleanup loops.
	stop context.CancelFunc
}

func NewServer(service *importer.Service, cfg *config.Config) *Server {
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
		stop:    stop,
	}
	s.setupMiddleware(ctx)
	s.setupRoutes(ctx)
	return s
}

func (s *Server) setupMiddleware(ctx context.Context) {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		limiter := middleware.NewRateLimiter(ctx, s.cfg.Rate.RequestsPerMinute, time.Minute)
		s.router.Use(limiter.Handler)
	}
}

func (s *Server) setupRoutes(ctx context.Context) {
	s.router.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.Security))
		r.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))

		upload := http.HandlerFunc(s.handleUpload)
		if s.cfg.Rate.Enabled && s.cfg.Rate.UploadLimit > 0 {
			uploads := middleware.NewRateLimiter(ctx, s.cfg.Rate.UploadLimit, time.Minute)
			r.Method(http.MethodPost, "/imports", uploads.Handler(upload))
		} else {
			r.Method(http.MethodPost, "/imports", upload)
		}
		r.Get("/imports", s.handleListImports)

		r.Route("/imports/{batchID}", func(r chi.Router) {
			r.Get("/", s.withBatch(s.handleGetImport))
			r.Get("/preview", s.withBatch(s.handlePreview))
			r.Get("/suggestions", s.withBatch(s.handleSuggestions))
			r.Put("/mapping", s.withBatch(s.handleAttachMapping))
			r.Post("/start", s.withBatch(s.handleStart))
			r.Get("/status", s.withBatch(s.handleStatus))
			r.Post("/cancel", s.withBatch(s.handleCancel))
			r.Get("/rows", s.withBatch(s.handleRows))
			r.Get("/logs", s.withBatch(s.handleLogs))
			r.Get("/revert", s.withBatch(s.handleRevertPreview))
			r.Post("/revert", s.withBatch(s.handleRevert))
		})

		r.Get("/mappings", s.handleListMappings)
		r.Post("/mappings", s.handleCreateMapping)
		r.Get("/mappings/{mappingID}", s.handleGetMapping)
		r.Delete("/mappings/{mappingID}", s.handleDeleteMapping)

		r.Get("/fields", s.handleFields)
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
