// Package server exposes the chat hub over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
	"github.com/omochice/toy-broadcast-chat/internal/config"
	"github.com/omochice/toy-broadcast-chat/internal/metrics"
)

// ShutdownReason is the close reason sent to every client on Stop.
const ShutdownReason = "server shutting down"

const shutdownTimeout = 5 * time.Second

// ErrServerStopped is returned by Start once Stop has been called.
var ErrServerStopped = errors.New("server stopped")

// Server represents a WebSocket chat server
type Server struct {
	address   string
	listener  net.Listener
	echo      *echo.Echo
	server    *http.Server
	hub       *chat.Hub
	keepAlive *chat.KeepAlive
	accept    acceptFunc
	logger    *zap.Logger
	registry  *prometheus.Registry
	startTime time.Time

	// sessions is the parent of every connection session; canceled on Stop.
	sessions context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	ready    chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	clock    clockwork.Clock
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistry sets the registry HTTP metrics are registered on and served
// from /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithClock sets the clock driving keep-alive pings.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// New creates a new Server instance serving hub.
func New(cfg *config.Config, hub *chat.Hub, opts ...Option) *Server {
	o := options{
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = metrics.NewRegistry()
	}

	sessions, cancel := context.WithCancel(context.Background())

	s := &Server{
		address:   cfg.Addr,
		hub:       hub,
		keepAlive: chat.NewKeepAlive(hub, o.clock, cfg.KeepAliveInterval, o.logger),
		accept:    newAcceptor(cfg),
		logger:    o.logger,
		registry:  o.registry,
		sessions:  sessions,
		cancel:    cancel,
		ready:     make(chan struct{}),
		quit:      make(chan struct{}),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	e.Use(metrics.NewHTTPMetrics(o.registry).Middleware(chatPath, metricsPath))
	s.echo = e
	s.registerRoutes(cfg.AdminEnabled)

	return s
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		listener.Close()
		return ErrServerStopped
	default:
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.startTime = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.keepAlive.Run(s.sessions)
	}()

	s.logger.Info("server started", zap.String("addr", listener.Addr().String()))
	close(s.ready)

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return ErrServerStopped
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop stops accepting connections, closes every client with
// StatusGoingAway and waits for their receive loops to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		srv := s.server
		s.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := srv.Shutdown(ctx); err != nil {
				s.logger.Warn("http shutdown", zap.Error(err))
			}
			cancel()
		}

		s.hub.CloseAll(ShutdownReason)
		s.cancel()
		s.wg.Wait()

		s.logger.Info("server stopped")
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	select {
	case <-s.ready:
		return s.listener.Addr().String()
	default:
		return ""
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// track registers a connection handler with the server. It reports false
// once Stop has been called.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
		s.wg.Add(1)
		return true
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Debug("request", fields...)
			return nil
		},
	})
}
