// Package api is the HTTP surface: task submission, task state, event
// streams and process status. It is a thin adapter over the worker; every
// engine interaction goes through dispatch.Worker.Submit.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/dispatch"
	"github.com/seantiz/autopilot/internal/progress"
	"github.com/seantiz/autopilot/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second

	defaultInlineWait  = 30 * time.Second
	defaultMaxBodySize = 1 << 20 // 1 MB
)

// Deps are the components the server adapts.
type Deps struct {
	Worker  *dispatch.Worker
	Broker  *progress.Broker
	History store.Store
	Drivers *backend.Registry
}

// Options tunes request handling.
type Options struct {
	// InlineWait bounds how long a request waits for an inline task.
	InlineWait time.Duration
	// MaxBodySize limits request bodies in bytes.
	MaxBodySize int64
	Logger      *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	worker   *dispatch.Worker
	registry *progress.Registry
	broker   *progress.Broker
	history  store.Store
	drivers  *backend.Registry
	logger   *slog.Logger
	addr     string

	inlineWait  time.Duration
	maxBodySize int64
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InlineWait <= 0 {
		opts.InlineWait = defaultInlineWait
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}

	srv := &Server{
		router:      chi.NewRouter(),
		worker:      deps.Worker,
		registry:    deps.Worker.Registry(),
		broker:      deps.Broker,
		history:     deps.History,
		drivers:     deps.Drivers,
		logger:      opts.Logger.With("component", "api"),
		addr:        addr,
		inlineWait:  opts.InlineWait,
		maxBodySize: opts.MaxBodySize,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/engine", s.handleGetEngine)
	s.router.Get("/v1/engine/drivers", s.handleListDrivers)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleCancelTask)
		r.Get("/{id}/events", s.handleStreamTaskEvents)
		r.Get("/{id}/events/history", s.handleGetEventHistory)
	})

	s.router.Get("/v1/events", s.handleStreamEvents)
	s.router.Get("/v1/events/ws", s.handleWebSocket)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts the server down.
// Open event streams are ended when shutdown begins.
func (s *Server) Run(ctx context.Context) error {
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.inlineWait + readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	httpServer.RegisterOnShutdown(cancelBase)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
