package auction_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/bidsync/internal/auction"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/event"
	"github.com/jensholdgaard/bidsync/internal/protocol"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/store/memstore"
	"github.com/jensholdgaard/bidsync/internal/telemetry"
)

var base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type published struct {
	auctionID int64
	msg       protocol.Message
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	err    error
	before func(auctionID int64, msg protocol.Message)
}

func (p *fakePublisher) Publish(_ context.Context, auctionID int64, msg protocol.Message) error {
	if p.before != nil {
		p.before(auctionID, msg)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{auctionID: auctionID, msg: msg})
	return p.err
}

func (p *fakePublisher) ofType(typ string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.msg.MessageType() == typ {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	clk       *clockwork.FakeClock
	authority *clock.Authority
	auctions  store.AuctionRepository
	events    event.Store
	pub       *fakePublisher
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clockwork.NewFakeClockAt(base)
	return &fixture{
		clk:       clk,
		authority: clock.NewAuthority(clk),
		auctions:  memstore.NewAuctionRepo(clk),
		events:    memstore.NewEventStore(clk),
		pub:       &fakePublisher{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (f *fixture) engine(maxRetries int) *auction.Engine {
	return auction.NewEngine(f.auctions, f.events, f.pub, f.authority,
		config.BiddingConfig{MaxRetries: maxRetries},
		f.logger, noop.NewTracerProvider(), telemetry.NopMetrics())
}

func (f *fixture) sweeper(interval time.Duration) *auction.Sweeper {
	return auction.NewSweeper(f.auctions, f.events, f.pub, f.authority, f.clk,
		config.SweeperConfig{Interval: interval},
		f.logger, noop.NewTracerProvider(), telemetry.NopMetrics())
}

// create stores an auction open from start to end priced at price.
func (f *fixture) create(t *testing.T, start, end time.Time, price int64) *store.Auction {
	t.Helper()
	a := &store.Auction{
		Title:        "Item",
		StartTime:    start,
		EndTime:      end,
		CurrentPrice: decimal.NewFromInt(price),
	}
	if err := f.auctions.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

// open stores an auction running from base-1m to base+1m at 100.
func (f *fixture) open(t *testing.T) *store.Auction {
	t.Helper()
	return f.create(t, base.Add(-time.Minute), base.Add(time.Minute), 100)
}

func (f *fixture) price(t *testing.T, id int64) decimal.Decimal {
	t.Helper()
	a, err := f.auctions.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return a.CurrentPrice
}

func bid(id int64, amount int64, bidder string) auction.Bid {
	return auction.Bid{AuctionID: id, Amount: decimal.NewFromInt(amount), BidderID: bidder}
}

func auctionEngineWithBus(f *fixture, bus auction.Publisher) *auction.Engine {
	return auction.NewEngine(f.auctions, f.events, bus, f.authority,
		config.BiddingConfig{MaxRetries: 1000},
		f.logger, noop.NewTracerProvider(), telemetry.NopMetrics())
}

// recordingConn is a room.Conn that keeps every frame.
type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) TrySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return true
}

func (c *recordingConn) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		out = append(out, env.Type)
	}
	return out
}

func (c *recordingConn) bidPrices(t *testing.T) []decimal.Decimal {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []decimal.Decimal
	for _, f := range c.frames {
		msg, err := protocol.DecodeOutbound(f)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if bu, ok := msg.(protocol.BidUpdate); ok {
			out = append(out, bu.NewPrice)
		}
	}
	return out
}

func sweeperConfig(interval time.Duration) config.SweeperConfig {
	return config.SweeperConfig{Interval: interval}
}

func tracerProvider() noop.TracerProvider { return noop.NewTracerProvider() }

func nopMetrics() *telemetry.Metrics { return telemetry.NopMetrics() }
