package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/telemetry"
)

// Default server tuning values.
const (
	DefaultPort            = 8090
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Config tunes the HTTP server.
type Config struct {
	// Port is the port number to listen on.
	Port int
	// Debug enables Gin debug mode and verbose routing logs.
	Debug bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Server owns the Gin router and the underlying http.Server lifecycle.
type Server struct {
	cfg    Config
	engine Engine
	logger logger.Logger

	router *gin.Engine
	server *http.Server
}

// NewServer builds the router, registers all routes, and prepares the
// http.Server. Nothing listens until Start.
func NewServer(cfg Config, engine Engine, tel *telemetry.Provider, log logger.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if tel == nil {
		return nil, errors.New("api: telemetry provider is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.setDefaults()

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(recoveryMiddleware(log))
	router.Use(requestLogMiddleware(log))

	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: log,
		router: router,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.registerRoutes(tel)
	return s, nil
}

func (s *Server) registerRoutes(tel *telemetry.Provider) {
	status := newStatusHandler(s.engine)
	requests := newRequestsHandler(s.engine)
	jobs := newJobsHandler(s.engine)

	s.router.GET("/health", status.Health)
	s.router.GET("/metrics", gin.WrapH(tel.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.GET("/queue/status", status.QueueStatus)
	v1.GET("/queue/dead-letters", status.DeadLetters)
	v1.GET("/metrics/report", status.MetricsReport)
	v1.GET("/alerts", status.Alerts)
	v1.GET("/results", status.Results)

	v1.POST("/requests", requests.Create)
	v1.GET("/requests/:id", requests.Get)
	v1.DELETE("/requests/:id", requests.Cancel)

	v1.POST("/jobs", jobs.Create)
	v1.GET("/jobs", jobs.List)
	v1.GET("/jobs/:id", jobs.Get)
	v1.POST("/jobs/:id/pause", jobs.Pause)
	v1.POST("/jobs/:id/resume", jobs.Resume)
	v1.DELETE("/jobs/:id", jobs.Cancel)
}

// Router returns the underlying Gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("ops server listening",
		logger.String("address", s.server.Addr),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// StartAsync serves in a goroutine; the returned channel carries a listener
// failure and is closed on clean shutdown.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}
