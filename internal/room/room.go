// Package room tracks which connections observe which auction and fans
// broadcasts out to them.
package room

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/protocol"
)

// Conn is the registry's view of a transport session. TrySend must not
// block; it reports false when the connection cannot take the frame.
type Conn interface {
	ID() string
	TrySend(frame []byte) bool
}

// member is one connection inside a room plus what it has been told so
// far. A member never receives a bidUpdate at or below price, nor any
// bidUpdate once ended is set.
type member struct {
	conn     Conn
	price    decimal.Decimal
	hasPrice bool
	ended    bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int           `json:"connections"`
	Rooms       int           `json:"rooms"`
	Members     map[int64]int `json:"members"`
}

// Registry maps auction ids to the connections observing them. A
// connection belongs to at most one room and empty rooms are removed.
type Registry struct {
	mu     sync.Mutex
	rooms  map[int64]map[string]*member
	byConn map[string]int64
	logger *slog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[int64]map[string]*member),
		byConn: make(map[string]int64),
		logger: logger,
	}
}

// Join adds conn to the room for auctionID, leaving any other room first.
// Non-positive ids are ignored. Joining the current room again is a no-op.
func (r *Registry) Join(conn Conn, auctionID int64) bool {
	if auctionID <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byConn[conn.ID()]
	if ok && current == auctionID {
		return true
	}
	if ok {
		r.removeLocked(conn.ID(), current)
	}

	room, ok := r.rooms[auctionID]
	if !ok {
		room = make(map[string]*member)
		r.rooms[auctionID] = room
	}
	room[conn.ID()] = &member{conn: conn}
	r.byConn[conn.ID()] = auctionID
	return true
}

// Snapshot enqueues snapshot to conn if conn is in the snapshot's room. It
// reports false when the snapshot is older than what conn was already
// sent (a lower price, or not ended after an end was announced); the
// caller should re-read and try again.
func (r *Registry) Snapshot(conn Conn, snapshot protocol.AuctionData) bool {
	if snapshot.Auction == nil {
		return true
	}
	a := snapshot.Auction

	frame, err := protocol.Encode(snapshot)
	if err != nil {
		r.logger.Error("encoding snapshot",
			slog.Int64("auction_id", a.ID),
			slog.Any("error", err),
		)
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rooms[a.ID][conn.ID()]
	if !ok {
		return true
	}
	if (m.ended && !a.Ended()) || (m.hasPrice && a.CurrentPrice.LessThan(m.price)) {
		return false
	}
	if conn.TrySend(frame) {
		m.observe(a.CurrentPrice)
		if a.Ended() {
			m.ended = true
		}
	}
	return true
}

// Leave removes conn from its room, if any.
func (r *Registry) Leave(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byConn[conn.ID()]; ok {
		r.removeLocked(conn.ID(), current)
	}
}

func (r *Registry) removeLocked(connID string, auctionID int64) {
	delete(r.byConn, connID)
	room, ok := r.rooms[auctionID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, auctionID)
	}
}

// Broadcast encodes msg once and enqueues it to every writable member of
// the room for auctionID. Members that already saw an equal or higher
// price, or the end of the auction, are skipped. It returns the number of
// connections the frame was handed to.
func (r *Registry) Broadcast(auctionID int64, msg protocol.Message) int {
	if auctionID <= 0 {
		return 0
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("encoding broadcast",
			slog.Int64("auction_id", auctionID),
			slog.String("type", msg.MessageType()),
			slog.Any("error", err),
		)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[auctionID]
	if !ok {
		return 0
	}

	delivered := 0
	for _, m := range room {
		switch v := msg.(type) {
		case protocol.BidUpdate:
			if m.ended || (m.hasPrice && !v.NewPrice.GreaterThan(m.price)) {
				continue
			}
			if !m.conn.TrySend(frame) {
				continue
			}
			m.observe(v.NewPrice)
		case protocol.AuctionEnded:
			if m.ended {
				continue
			}
			if !m.conn.TrySend(frame) {
				continue
			}
			m.ended = true
		default:
			if !m.conn.TrySend(frame) {
				continue
			}
		}
		delivered++
	}
	return delivered
}

func (m *member) observe(price decimal.Decimal) {
	if !m.hasPrice || price.GreaterThan(m.price) {
		m.price = price
		m.hasPrice = true
	}
}

// RoomOf returns the auction conn currently observes.
func (r *Registry) RoomOf(conn Conn) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn.ID()]
	return id, ok
}

// Stats returns connection and room counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Connections: len(r.byConn),
		Rooms:       len(r.rooms),
		Members:     make(map[int64]int, len(r.rooms)),
	}
	for id, room := range r.rooms {
		s.Members[id] = len(room)
	}
	return s
}
