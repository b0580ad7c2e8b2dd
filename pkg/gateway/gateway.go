// Package gateway exposes a relay over HTTP: health and session status,
// Prometheus metrics, and a WebSocket endpoint that joins the relay as an
// alternative line transport.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaychat/pkg/relay"
)

// SessionsResponse is the body of GET /sessions.
type SessionsResponse struct {
	Count     int      `json:"count"`
	Nicknames []string `json:"nicknames"`
}

// Gateway serves the HTTP surface of one relay server.
type Gateway struct {
	relay    *relay.Server
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGatherer selects the registry served on /metrics. Without it the
// endpoint is not mounted.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(g *Gateway) { g.gatherer = gatherer }
}

// WithCheckOrigin overrides the WebSocket origin check. By default only
// same-origin upgrades are allowed.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(g *Gateway) { g.upgrader.CheckOrigin = check }
}

func New(srv *relay.Server, opts ...Option) *Gateway {
	g := &Gateway{
		relay:  srv,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Routes builds the chi router.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(g.logRequests)

		r.Get("/healthz", g.handleHealth)
		r.Get("/sessions", g.handleSessions)
		if g.gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
		}
	})

	r.Get("/ws", g.handleWebSocket)
	return r
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	names := g.relay.Registry().Nicknames()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SessionsResponse{Count: len(names), Nicknames: names})
}

// handleWebSocket upgrades the request and runs a relay session over it for
// the lifetime of the socket.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	lc := newWSConn(conn, r.RemoteAddr, g.relay.Config().MaxLineBytes)
	if err := g.relay.ServeConn(r.Context(), lc, "websocket"); err != nil && !errors.Is(err, relay.ErrServerClosed) {
		g.logger.Warn("websocket session rejected", "error", err, "remote", r.RemoteAddr)
	}
}
