// Package relay accepts chat connections, runs each one through the
// handshake, nickname and chat states, and rebroadcasts chat lines to every
// active session under that session's own key.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"relaychat/pkg/crypto"
	"relaychat/pkg/protocol"
)

// ErrServerClosed is returned by Serve and ServeConn after Shutdown.
var ErrServerClosed = errors.New("relay: server closed")

const (
	DefaultWriteTimeout  = 10 * time.Second
	DefaultSendQueueSize = 64
	DefaultMaxLineBytes  = 64 * 1024

	maxAcceptBackoff = time.Second
)

// Config tunes per-session limits. Zero durations disable the matching
// timeout.
type Config struct {
	// HandshakeTimeout bounds the first line and the nickname line.
	HandshakeTimeout time.Duration
	// IdleTimeout bounds each read once the session is active.
	IdleTimeout time.Duration
	// WriteTimeout bounds each line written to a client.
	WriteTimeout time.Duration
	// SendQueueSize is the number of lines buffered per recipient before
	// it is considered stalled and disconnected.
	SendQueueSize int
	// MaxLineBytes caps the length of an inbound line.
	MaxLineBytes int
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: crypto.HandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		SendQueueSize:    DefaultSendQueueSize,
		MaxLineBytes:     DefaultMaxLineBytes,
	}
}

// Server is the acceptor plus the shared registry and router.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	registry *Registry
	router   *Router

	nextID atomic.Uint64

	mu        sync.Mutex
	closing   bool
	listeners map[net.Listener]struct{}
	wg        sync.WaitGroup
}

type Option func(*Server)

// WithLogger sets the logger. Sessions log through it with their id and
// remote address attached.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the collectors the server records into.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewServer(cfg Config, opts ...Option) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}

	s := &Server{
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry:  NewRegistry(),
		listeners: make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.router = NewRouter(s.registry, s.logger, s.metrics)
	return s
}

func (s *Server) Registry() *Registry { return s.registry }
func (s *Server) Router() *Router     { return s.router }
func (s *Server) Config() Config      { return s.cfg }

// Serve accepts connections on ln until ctx is done or Shutdown is called.
// Each connection gets its own session goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("listening", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptBackoff)
			}
			s.logger.Warn("accept failed, retrying", "error", err, "delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		delay = 0

		sess, err := s.admit(NewStreamConn(conn, s.cfg.MaxLineBytes), "tcp")
		if err != nil {
			conn.Close()
			return err
		}
		go s.runSession(ctx, sess)
	}
}

// ServeConn runs a session over an already established line connection and
// blocks until it closes. It is how non-TCP transports join the relay.
func (s *Server) ServeConn(ctx context.Context, conn LineConn, transport string) error {
	sess, err := s.admit(conn, transport)
	if err != nil {
		conn.Close()
		return err
	}
	s.runSession(ctx, sess)
	return nil
}

// admit registers a new session. It is visible in the registry from here
// until its connection is closed.
func (s *Server) admit(conn LineConn, transport string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, ErrServerClosed
	}

	sess := newSession(s.nextID.Add(1), conn, transport, s)
	if err := s.registry.Add(sess); err != nil {
		return nil, err
	}
	s.wg.Add(1)
	s.metrics.Accepted.WithLabelValues(transport).Inc()
	return sess, nil
}

func (s *Server) runSession(ctx context.Context, sess *Session) {
	defer s.wg.Done()
	sess.run(ctx)
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.closing {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting, tells every session the server is going away,
// and waits for sessions to flush and close. When ctx expires first the
// remaining connections are closed hard and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	notified := s.router.Announce(protocol.ShutdownNotice)
	s.logger.Info("shutting down", "sessions", notified)

	for _, sess := range s.registry.Snapshot() {
		sess.stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, sess := range s.registry.Snapshot() {
			abortConn(sess.conn)
		}
		return ctx.Err()
	}
}
