package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidsync/internal/protocol"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// snapshotAttempts bounds how often a join re-reads the auction when a
// bid overtakes the snapshot.
const snapshotAttempts = 3

// Connection is one websocket session. Outbound frames go through a
// buffered channel drained by writePump.
type Connection struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// TrySend queues frame without blocking. It reports false when the send
// buffer is full or the connection is closing.
func (c *Connection) TrySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.server.logger.Warn("connection send buffer full, dropping frame",
			slog.String("connection_id", c.id),
		)
		return false
	}
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &Connection{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, s.wsCfg.SendBuffer),
		server: s,
	}
	s.track(c)
	s.metrics.ConnectionOpened(r.Context())
	s.logger.InfoContext(r.Context(), "websocket connection established",
		slog.String("connection_id", c.id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	go c.writePump()
	c.readPump(r.Context())
}

// readPump runs in the handler goroutine until the peer goes away.
func (c *Connection) readPump(ctx context.Context) {
	s := c.server
	defer func() {
		s.rooms.Leave(c)
		s.untrack(c)
		c.closeSend()
		_ = c.ws.Close()
		s.metrics.ConnectionClosed(ctx)
		s.logger.InfoContext(ctx, "websocket connection closed", slog.String("connection_id", c.id))
	}()

	c.ws.SetReadLimit(s.wsCfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.wsCfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.wsCfg.ReadTimeout))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.WarnContext(ctx, "unexpected websocket close",
					slog.String("connection_id", c.id),
					slog.Any("error", err),
				)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.wsCfg.ReadTimeout))

		msg, ok := protocol.Decode(frame)
		if !ok {
			s.logger.DebugContext(ctx, "dropping inbound frame", slog.String("connection_id", c.id))
			continue
		}
		s.dispatch(ctx, c, msg)
	}
}

func (c *Connection) writePump() {
	s := c.server
	ticker := time.NewTicker(s.wsCfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.wsCfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("websocket write failed",
					slog.String("connection_id", c.id),
					slog.Any("error", err),
				)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.wsCfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *Connection, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.JoinAuction:
		s.join(ctx, c, m.AuctionID)
	case protocol.LeaveAuction:
		s.rooms.Leave(c)
	case protocol.TimeSyncRequest:
		s.reply(c, protocol.TimeSync(s.clock.Sync(m.ClientTime)))
	}
}

// join subscribes c to auctionID and sends it a snapshot no older than
// anything the room has already delivered to it.
func (s *Server) join(ctx context.Context, c *Connection, auctionID int64) {
	ctx, span := s.tracer.Start(ctx, "Server.join",
		trace.WithAttributes(attribute.Int64("auction.id", auctionID)),
	)
	defer span.End()

	if auctionID <= 0 {
		return
	}
	if _, err := s.auctions.GetByID(ctx, auctionID); err != nil {
		s.joinFailed(ctx, span, c, auctionID, err)
		return
	}
	if !s.rooms.Join(c, auctionID) {
		return
	}

	for attempt := 1; attempt <= snapshotAttempts; attempt++ {
		a, err := s.auctions.GetByID(ctx, auctionID)
		if err != nil {
			s.joinFailed(ctx, span, c, auctionID, err)
			return
		}
		if s.rooms.Snapshot(c, protocol.AuctionData{Auction: a, ServerTime: s.clock.NowMillis()}) {
			return
		}
		span.AddEvent("stale snapshot", trace.WithAttributes(attribute.Int("attempt", attempt)))
	}
	s.logger.WarnContext(ctx, "gave up sending join snapshot",
		slog.String("connection_id", c.id),
		slog.Int64("auction_id", auctionID),
	)
}

func (s *Server) joinFailed(ctx context.Context, span trace.Span, c *Connection, auctionID int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.logger.DebugContext(ctx, "join for unknown auction",
			slog.String("connection_id", c.id),
			slog.Int64("auction_id", auctionID),
		)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.ErrorContext(ctx, "reading auction for join",
		slog.String("connection_id", c.id),
		slog.Int64("auction_id", auctionID),
		slog.Any("error", err),
	)
}

func (s *Server) reply(c *Connection, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encoding reply", slog.String("type", msg.MessageType()), slog.Any("error", err))
		return
	}
	c.TrySend(frame)
}
