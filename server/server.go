// Package server accepts connections and runs a dispatch loop for each one.
// Connections are served strictly one after another: the next connection is
// accepted only once the previous loop has terminated.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cyberinferno/go-dispatch/connection"
	"github.com/cyberinferno/go-dispatch/dispatch"
	"github.com/cyberinferno/go-dispatch/idgenerator"
	"github.com/cyberinferno/go-dispatch/logger"
	"github.com/cyberinferno/go-dispatch/metrics"
	"github.com/cyberinferno/go-dispatch/registry"
)

// ErrRunning is returned by Listen and Serve on a server that is already
// running.
var ErrRunning = errors.New("server: already running")

// ErrStopped is returned by Serve on a server that was stopped. A Server
// cannot be restarted.
var ErrStopped = errors.New("server: stopped")

// Config holds the listener and per-connection settings.
type Config struct {
	// Name identifies the server in logs.
	Name string
	// Network is "tcp" (or tcp4/tcp6) or "unix".
	Network string
	// Address is "host:port" for tcp or a socket path for unix.
	Address string
	// BufferSize is the per-connection read buffer, and so the largest
	// accepted call frame. 0 means connection.DefaultBufferSize.
	BufferSize int
	// ReplyDecodeErrors answers undecodable calls instead of closing the
	// connection.
	ReplyDecodeErrors bool
	// CallsPerSecond limits the call rate across all connections; 0
	// disables the limit.
	CallsPerSecond float64
	// CallBurst is the limiter's bucket size; values below 1 mean 1.
	CallBurst int
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics records connection and loop metrics in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMiddlewares adds middlewares inside the built-in ones.
func WithMiddlewares(mws ...dispatch.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// WithIdGenerator replaces the connection id source.
func WithIdGenerator(g *idgenerator.IdGenerator) Option {
	return func(s *Server) { s.ids = g }
}

// Server serves one dispatch.Service. It is safe to call Stop from any
// goroutine.
type Server struct {
	cfg         Config
	svc         dispatch.Service
	logger      logger.Logger
	metrics     *metrics.Collector
	middlewares []dispatch.Middleware
	ids         *idgenerator.IdGenerator
	routes      *registry.Registry

	mu       sync.Mutex
	listener net.Listener
	running  atomic.Bool
	stopped  chan struct{}
}

// New returns a Server for svc. Nothing is bound until Listen or Serve.
//
// Parameters:
//   - cfg: Listener and connection settings
//   - svc: The application served on every connection
//   - opts: Optional logger, metrics and middlewares
//
// Returns:
//   - A new *Server
func New(cfg Config, svc dispatch.Service, opts ...Option) *Server {
	if cfg.Name == "" {
		cfg.Name = "dispatch"
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = connection.DefaultBufferSize
	}
	if cfg.CallsPerSecond > 0 && cfg.CallBurst <= 0 {
		// a zero burst never grants a token
		cfg.CallBurst = 1
	}

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		logger:  logger.NewNopLogger(),
		ids:     idgenerator.NewIdGenerator(0),
		routes:  registry.New(),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(logger.Field{Key: "server", Value: cfg.Name})
	return s
}

// Registry returns the registry holding the write half of the connection
// being served.
func (s *Server) Registry() *registry.Registry {
	return s.routes
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Listen binds the configured address. For unix sockets a stale socket file
// left by a previous run is removed first.
//
// Returns:
//   - ErrRunning if already listening, or the bind error
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("%w: %s", ErrRunning, s.cfg.Name)
	}

	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("server %s: remove stale socket: %w", s.cfg.Name, err)
		}
	}

	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	s.listener = ln
	s.logger.Info("server listening", logger.Field{Key: "network", Value: s.cfg.Network}, logger.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// Serve listens if Listen was not called yet, then accepts and serves
// connections one at a time until ctx ends or Stop is called.
//
// Returns:
//   - nil after a clean stop, or the error that ended serving
func (s *Server) Serve(ctx context.Context) error {
	select {
	case <-s.stopped:
		return fmt.Errorf("%w: %s", ErrStopped, s.cfg.Name)
	default:
	}

	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrRunning, s.cfg.Name)
	}

	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			s.running.Store(false)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Stop()
		case <-s.stopped:
		}

		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx)
	})

	return g.Wait()
}

// Stop closes the listener and every registered connection. Safe to call
// more than once and from any goroutine.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	closed := s.routes.CloseAll()
	close(s.stopped)

	s.logger.Info("server stopped", logger.Field{Key: "closed_connections", Value: closed})
}

func (s *Server) acceptLoop(ctx context.Context) error {
	opts := s.loopOptions()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return nil
			}

			s.logger.Error("accept error", logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		if err := s.serveConn(ctx, conn, opts); err != nil {
			s.Stop()
			return err
		}
	}

	return nil
}

// serveConn runs one connection to completion. Only failures that make
// further serving impossible are returned.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, opts dispatch.Options) error {
	id, err := s.ids.Next()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("server %s: %w", s.cfg.Name, err)
	}

	r, w := connection.New(id, conn, s.cfg.BufferSize).Split()
	s.routes.Register(id, w)
	s.metrics.ConnectionOpened()

	log := s.logger.With(logger.Field{Key: "conn_id", Value: id})
	log.Info("connection accepted", logger.Field{Key: "remote", Value: remoteAddr(conn)})

	// Stop may have run between Accept and Register
	if !s.running.Load() {
		_ = w.Close()
	}

	loopErr := dispatch.NewLoop(r, s.routes, s.svc, opts).Run(ctx)

	s.routes.Remove(id)
	_ = w.Close()
	s.metrics.ConnectionClosed()

	log.Info("connection finished", logger.Field{Key: "reason", Value: loopErr.Error()})
	return nil
}

func (s *Server) loopOptions() dispatch.Options {
	mws := []dispatch.Middleware{
		dispatch.Recover(s.logger),
		dispatch.Logging(s.logger),
	}
	if s.cfg.CallsPerSecond > 0 {
		mws = append(mws, dispatch.RateLimit(rate.NewLimiter(rate.Limit(s.cfg.CallsPerSecond), s.cfg.CallBurst)))
	}

	return dispatch.Options{
		ReplyDecodeErrors: s.cfg.ReplyDecodeErrors,
		Middlewares:       append(mws, s.middlewares...),
		Logger:            s.logger,
		Metrics:           s.metrics,
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}
