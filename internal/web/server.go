// Package web provides the HTTP adapter for the lightsync daemon: the control
// and status page, the device REST API, live update streams and metrics.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/live"
	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/metrics"
	"github.com/sweeney/lightsync/internal/status"
)

// Engine is the part of the toggle engine the HTTP adapter drives.
type Engine interface {
	Toggle(index int, source logic.Source) (logic.Event, error)
	SetState(index int, on bool, source logic.Source) (logic.Event, error)
	Snapshot() []engine.Status
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithLive mounts the SSE and WebSocket streams of b.
func WithLive(b *live.Broadcaster, keepAlive time.Duration) Option {
	return func(s *Server) {
		s.live = b
		s.keepAlive = keepAlive
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithTimeouts sets the http.Server timeouts. A zero write timeout keeps
// event streams open indefinitely.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// Server serves the control page, API and live streams over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	engine     Engine

	live           *live.Broadcaster
	keepAlive      time.Duration
	metricsHandler http.Handler

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	logger   *slog.Logger
	recorder metrics.Recorder
}

// New creates a Server that reads status from tracker and sends commands to eng.
func New(addr string, tracker *status.Tracker, eng Engine, opts ...Option) *Server {
	s := &Server{
		tracker:  tracker,
		engine:   eng,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	if s.live != nil {
		// Live streams only end when their listener is closed, and Shutdown
		// waits for them.
		s.httpServer.RegisterOnShutdown(s.live.Close)
	}
	return s
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)

	r.Post("/toggle", s.handleToggle)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{channel}", s.handleGetDevice)
		r.Put("/devices/{channel}/state", s.handlePutDeviceState)
		r.Post("/device/toggle", s.handleSetDevice)
	})

	if s.live != nil {
		r.Get("/events", s.live.SSEHandler(s.keepAlive))
		r.Get("/ws", s.live.WebSocketHandler())
	}
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}
	return r
}

// logRequests logs each request at debug level. The chi wrapper keeps the
// Flusher and Hijacker interfaces the live streams need.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server, disconnecting live listeners
// first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap, s.live != nil); err != nil {
		s.logger.Warn("render index", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, _ *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
