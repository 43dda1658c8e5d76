// Package memstore provides the "memory" store.Driver. State lives in the
// process and is lost on restart; every mutation holds the store lock so
// the conditional semantics match the SQL drivers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/event"
	"github.com/jensholdgaard/bidsync/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return &store.Repositories{
		Auctions: NewAuctionRepo(clk),
		Events:   NewEventStore(clk),
		Closer:   store.CloserFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}, nil
}

// AuctionRepo implements store.AuctionRepository in memory.
type AuctionRepo struct {
	mu       sync.Mutex
	auctions map[int64]*store.Auction
	nextID   int64
	clock    clock.Clock
}

// NewAuctionRepo returns an empty AuctionRepo.
func NewAuctionRepo(clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{
		auctions: make(map[int64]*store.Auction),
		clock:    clk,
	}
}

func (r *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	if !a.StartTime.Before(a.EndTime) {
		return fmt.Errorf("creating auction: start time %v is not before end time %v", a.StartTime, a.EndTime)
	}
	if a.CurrentPrice.IsNegative() {
		return fmt.Errorf("creating auction: negative starting price %s", a.CurrentPrice)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()
	r.nextID++
	a.ID = r.nextID
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = store.StatusPending
	}
	stored := *a
	r.auctions[a.ID] = &stored
	return nil
}

func (r *AuctionRepo) GetByID(_ context.Context, id int64) (*store.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[id]
	if !ok {
		return nil, fmt.Errorf("getting auction %d: %w", id, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (r *AuctionRepo) List(_ context.Context) ([]store.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]store.Auction, 0, len(r.auctions))
	for _, a := range r.auctions {
		out = append(out, *a)
	}
	sortByEnd(out)
	return out, nil
}

func (r *AuctionRepo) AdvancePrice(_ context.Context, id int64, expected, amount decimal.Decimal, bidderID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[id]
	if !ok || a.Ended() || !a.CurrentPrice.Equal(expected) || a.EndTime.Before(now) {
		return false, nil
	}
	bidder := bidderID
	a.CurrentPrice = amount
	a.HighestBidder = &bidder
	if a.Status == store.StatusPending {
		a.Status = store.StatusRunning
	}
	a.UpdatedAt = now
	return true, nil
}

func (r *AuctionRepo) ListExpired(_ context.Context, now time.Time) ([]store.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []store.Auction
	for _, a := range r.auctions {
		if !a.Ended() && !a.EndTime.After(now) {
			out = append(out, *a)
		}
	}
	sortByEnd(out)
	return out, nil
}

func (r *AuctionRepo) MarkEnded(_ context.Context, id int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[id]
	if !ok || a.Ended() || a.EndTime.After(now) {
		return false, nil
	}
	a.Status = store.StatusEnded
	a.UpdatedAt = now
	return true, nil
}

func (r *AuctionRepo) ActivateDue(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, a := range r.auctions {
		if a.Status == store.StatusPending && !a.StartTime.After(now) && a.EndTime.After(now) {
			a.Status = store.StatusRunning
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func sortByEnd(auctions []store.Auction) {
	sort.Slice(auctions, func(i, j int) bool {
		if auctions[i].EndTime.Equal(auctions[j].EndTime) {
			return auctions[i].ID < auctions[j].ID
		}
		return auctions[i].EndTime.Before(auctions[j].EndTime)
	})
}

// EventStore implements event.Store in memory.
type EventStore struct {
	mu     sync.Mutex
	events []event.Event
	clock  clock.Clock
}

// NewEventStore returns an empty EventStore.
func NewEventStore(clk clock.Clock) *EventStore {
	return &EventStore{clock: clk}
}

func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	for _, e := range events {
		if strings.TrimSpace(e.AggregateID) == "" {
			return fmt.Errorf("inserting event (type=%s): empty aggregate id", e.Type)
		}
		e.ID = int64(len(s.events) + 1)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		s.events = append(s.events, e)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	return s.filter(func(e event.Event) bool { return e.AggregateID == aggregateID }), nil
}

func (s *EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	return s.filter(func(e event.Event) bool { return e.Type == eventType }), nil
}

func (s *EventStore) filter(keep func(event.Event) bool) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.Event
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
