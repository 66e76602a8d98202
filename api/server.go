// Package api serves the gateway's HTTP surface under /api/v1: the
// generation endpoints, the backend listings, health, history, metrics
// and the live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"zimage_gateway/core"
	"zimage_gateway/db"
	"zimage_gateway/metrics"
	"zimage_gateway/sdapi"
	"zimage_gateway/shutdown"

	"go.uber.org/zap"
)

// Prefix is the path prefix of every gateway route.
const Prefix = "/api/v1"

// Backend reports the state of the supervised sd-server.
// *sdserver.Supervisor satisfies it.
type Backend interface {
	IsRunning() bool
	PID() int
	Uptime() time.Duration
	Config() core.BackendConfig
}

// Generator forwards requests to sd-server. *proxy.Proxy satisfies it.
type Generator interface {
	Generate(ctx context.Context, endpoint string, payload any) (*sdapi.GenerationResponse, error)
	Samplers(ctx context.Context) ([]sdapi.SamplerInfo, error)
	Schedulers(ctx context.Context) ([]sdapi.SchedulerInfo, error)
	Loras(ctx context.Context) ([]sdapi.LoraInfo, error)
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr           string
	MaxUploadBytes int64

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// LogSkipPaths are not request-logged.
	LogSkipPaths []string
}

// DefaultServerConfig returns a ServerConfig for addr. There is no write
// timeout: a generation may legitimately run for minutes.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		MaxUploadBytes:    32 * core.BytesPerMB,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		LogSkipPaths:      []string{Prefix + "/health"},
	}
}

// ServerConfigFrom builds a ServerConfig from the gateway settings.
func ServerConfigFrom(cfg core.GatewayConfig) ServerConfig {
	sc := DefaultServerConfig(cfg.Addr())
	if cfg.MaxUploadBytes > 0 {
		sc.MaxUploadBytes = cfg.MaxUploadBytes
	}
	if cfg.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.ShutdownTimeout
	}
	return sc
}

// Server is the gateway HTTP server.
type Server struct {
	config     ServerConfig
	mux        *http.ServeMux
	httpServer *http.Server

	backend   Backend
	generator Generator
	history   db.HistoryStore
	validator *sdapi.Validator
	tracker   *shutdown.OperationTracker
	logger    *zap.Logger

	metrics *metrics.Store
	events  http.Handler
}

// Option configures optional Server features.
type Option func(*Server)

// WithMetrics records every generation into store and serves it at
// /api/v1/metrics.
func WithMetrics(store *metrics.Store) Option {
	return func(s *Server) {
		s.metrics = store
	}
}

// WithEvents serves h at /api/v1/events.
func WithEvents(h http.Handler) Option {
	return func(s *Server) {
		s.events = h
	}
}

// NewServer wires the routes and middleware. history and tracker may be nil.
func NewServer(
	config ServerConfig,
	backend Backend,
	generator Generator,
	history db.HistoryStore,
	tracker *shutdown.OperationTracker,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if history == nil {
		history = db.NopHistory{}
	}
	if tracker == nil {
		tracker = shutdown.NewOperationTracker()
	}

	s := &Server{
		config:    config,
		mux:       http.NewServeMux(),
		backend:   backend,
		generator: generator,
		history:   history,
		validator: sdapi.NewValidator(),
		tracker:   tracker,
		logger:    logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("POST "+Prefix+"/txt2img", s.tracked(s.handleTxt2Img))
	s.mux.Handle("POST "+Prefix+"/img2img", s.tracked(s.handleImg2Img))
	s.mux.Handle("POST "+Prefix+"/inpaint", s.tracked(s.handleInpaint))

	s.mux.HandleFunc("GET "+Prefix+"/samplers", listHandler(s, s.generator.Samplers))
	s.mux.HandleFunc("GET "+Prefix+"/schedulers", listHandler(s, s.generator.Schedulers))
	s.mux.HandleFunc("GET "+Prefix+"/loras", listHandler(s, s.generator.Loras))

	s.mux.HandleFunc("GET "+Prefix+"/health", s.handleHealth)
	s.mux.HandleFunc("GET "+Prefix+"/history", s.handleHistory)

	if s.metrics != nil {
		s.mux.HandleFunc("GET "+Prefix+"/metrics", s.handleMetrics)
	}
	if s.events != nil {
		s.mux.Handle("GET "+Prefix+"/events", s.events)
	}
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = newRequestLogger(s.logger, s.config.LogSkipPaths).Handler(h)
	h = s.recoverer(h)
	h = requestID(h)
	return h
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests,
// bounded by ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}

	s.logger.Info("gateway server stopped")
	return nil
}
