// Package server exposes the HTTP API and the websocket endpoint observers
// use to follow auctions.
package server

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidsync/internal/auction"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/health"
	"github.com/jensholdgaard/bidsync/internal/room"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/telemetry"
)

const tracerName = "github.com/jensholdgaard/bidsync/internal/server"

// Deps are the collaborators a Server dispatches to.
type Deps struct {
	Engine         *auction.Engine
	Auctions       store.AuctionRepository
	Rooms          *room.Registry
	Clock          *clock.Authority
	Health         *health.Handler
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Metrics        *telemetry.Metrics
}

// Server serves the API and websocket connections.
type Server struct {
	engine   *auction.Engine
	auctions store.AuctionRepository
	rooms    *room.Registry
	clock    *clock.Authority
	health   *health.Handler
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics

	cfg      config.ServerConfig
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Connection
}

// New creates a Server.
func New(cfg config.ServerConfig, wsCfg config.WebSocketConfig, deps Deps) *Server {
	s := &Server{
		engine:   deps.Engine,
		auctions: deps.Auctions,
		rooms:    deps.Rooms,
		clock:    deps.Clock,
		health:   deps.Health,
		logger:   deps.Logger,
		tracer:   deps.TracerProvider.Tracer(tracerName),
		metrics:  deps.Metrics,
		cfg:      cfg,
		wsCfg:    wsCfg,
		conns:    make(map[string]*Connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/time-sync", s.handleTimeSync)
	mux.HandleFunc("GET /api/time-sync", s.handleTimeSyncQuery)
	mux.HandleFunc("POST /api/bids", s.handleSubmitBid)
	mux.HandleFunc("GET /api/auctions", s.handleListAuctions)
	mux.HandleFunc("GET /api/auctions/{id}", s.handleGetAuction)
	mux.HandleFunc("GET /api/auctions/{id}/bids", s.handleBidHistory)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.health.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	})
	return c.Handler(mux)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) track(c *Connection) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// CloseConnections closes every open websocket. http.Server.Shutdown does
// not touch hijacked connections, so call this during shutdown.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeSend()
	}
}
