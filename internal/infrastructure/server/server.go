package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
)

// DefaultRateLimit bounds diagnostics traffic when none is configured.
var DefaultRateLimit = RateLimitConfig{RequestsPerSecond: 20, Burst: 40}

// Options wires the diagnostics server.
type Options struct {
	Addr        string
	Development bool
	Logger      *zap.Logger
	Metrics     *monitoring.Metrics
	RateLimit   RateLimitConfig
	CORS        *CORSConfig
	// Session returns the current session snapshot. Nil disables /session.
	Session func() interface{}
	// Health reports whether the backend is serving. Nil means always healthy.
	Health func(ctx context.Context) error
}

// Server is the local diagnostics HTTP server: Prometheus metrics, a health
// probe and the live session snapshot.
type Server struct {
	router *gin.Engine
	addr   string
	logger *zap.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New builds the router. Nothing listens until Run.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("diagnostics")

	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(opts.Metrics))
	corsCfg := DefaultCORSConfig()
	if opts.CORS != nil {
		corsCfg = *opts.CORS
	}
	router.Use(CORS(corsCfg))
	limit := opts.RateLimit
	if limit.RequestsPerSecond <= 0 {
		limit = DefaultRateLimit
	}
	router.Use(RateLimit(limit))

	router.GET("/healthz", healthHandler(opts.Health))
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{})))
		router.GET("/metrics/json", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"uptime_seconds": opts.Metrics.UptimeDuration().Seconds(),
				"counters":       opts.Metrics.Snapshot(),
			})
		})
	}
	if opts.Session != nil {
		router.GET("/session", func(c *gin.Context) {
			c.JSON(http.StatusOK, opts.Session())
		})
	}

	return &Server{router: router, addr: opts.Addr, logger: logger}
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Listen binds the address. It lets callers learn the port before Serve.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	return ln.Addr(), nil
}

// Run listens if needed and serves until Shutdown.
func (s *Server) Run() error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.logger.Info("Starting diagnostics server", zap.String("addr", addr.String()))

	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Shutting down diagnostics server")
	return srv.Shutdown(ctx)
}
