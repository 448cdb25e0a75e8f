package adminhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturkryukov/xstore/internal/config"
	"github.com/arturkryukov/xstore/internal/metrics"
)

// Engine is the subset of internal/engine.Store the admin surface
// drives. Kept as an interface so tests can substitute a fake without
// mounting a real store.
type Engine interface {
	Flush(ctx context.Context) error
	SyncAndFlush(ctx context.Context) error
	Snapshot(name string) error
	Committed() (uint64, error)
}

// Server is the admin HTTP surface: unauthenticated /healthz and
// /metrics, bearer-JWT-guarded /admin/* mutating endpoints.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New builds a chi router wired against engine and starts JWKS refresh
// if cfg.JWKSUrl is set. With no JWKSUrl (the default), /admin/* is
// left open — only appropriate for local development, never
// production.
func New(cfg *config.Config, logger *slog.Logger, engine Engine) (*Server, error) {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", healthzHandler(engine))
	r.Handle("/metrics", promhttp.Handler())

	admin := chi.NewRouter()
	admin.Post("/flush", flushHandler(engine))
	admin.Post("/sync", syncHandler(engine))
	admin.Post("/snapshot", snapshotHandler(engine))

	if cfg.JWKSUrl != "" {
		auth, err := newJWTAuth(cfg.JWKSUrl, 5*time.Second, logger)
		if err != nil {
			return nil, fmt.Errorf("adminhttp: %w", err)
		}
		r.With(auth.middleware).Mount("/admin", admin)
	} else {
		logger.Warn("XSTORE_JWKS_URL unset; admin endpoints are unauthenticated")
		r.Mount("/admin", admin)
	}

	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.AdminPort),
			Handler:      r,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}, nil
}

func healthzHandler(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		committed, err := engine.Committed()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "committed_seq": committed})
	}
}

func flushHandler(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := engine.Flush(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func syncHandler(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()
		if err := engine.SyncAndFlush(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func snapshotHandler(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "missing required query parameter: name")
			return
		}
		if err := engine.Snapshot(name); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Run starts the server and blocks until SIGINT/SIGTERM, then performs
// a 30-second graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin http server started", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin http server shutdown: %w", err)
	}
	s.logger.Info("admin http server stopped")
	return nil
}

// Shutdown stops the server without waiting on OS signals, for use by
// a caller that owns its own signal handling and unmounts the engine
// after the HTTP surface is down (cmd/xstored uses Run instead).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
