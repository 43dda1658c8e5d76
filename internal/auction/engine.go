// Package auction admits bids with compare-and-advance and ends auctions
// whose time window has elapsed.
package auction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/event"
	"github.com/jensholdgaard/bidsync/internal/protocol"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/telemetry"
)

const (
	tracerName = "github.com/jensholdgaard/bidsync/internal/auction"

	// AnonymousBidder is recorded when a bid carries no bidder id.
	AnonymousBidder = "anonymous"

	maxBidderIDLen = 128
)

// Publisher fans a committed change out to observers.
type Publisher interface {
	Publish(ctx context.Context, auctionID int64, msg protocol.Message) error
}

// Bid is a candidate price advance.
type Bid struct {
	AuctionID int64
	Amount    decimal.Decimal
	BidderID  string
}

// Engine admits bids against the store of record.
type Engine struct {
	auctions   store.AuctionRepository
	events     event.Store
	bus        Publisher
	clock      *clock.Authority
	maxRetries int
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *telemetry.Metrics
}

// NewEngine creates an Engine.
func NewEngine(
	auctions store.AuctionRepository,
	events event.Store,
	bus Publisher,
	authority *clock.Authority,
	cfg config.BiddingConfig,
	logger *slog.Logger,
	tp trace.TracerProvider,
	metrics *telemetry.Metrics,
) *Engine {
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &Engine{
		auctions:   auctions,
		events:     events,
		bus:        bus,
		clock:      authority,
		maxRetries: retries,
		logger:     logger,
		tracer:     tp.Tracer(tracerName),
		metrics:    metrics,
	}
}

// SubmitBid validates bid against the current record and commits it with a
// conditional update, retrying on collisions up to the configured cap. On
// success the update is published to the auction's room after the commit
// and returned to the caller.
func (e *Engine) SubmitBid(ctx context.Context, bid Bid) (protocol.BidUpdate, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SubmitBid",
		trace.WithAttributes(
			attribute.Int64("auction.id", bid.AuctionID),
			attribute.String("bidder.id", bid.BidderID),
		),
	)
	defer span.End()

	if bid.BidderID == "" {
		bid.BidderID = AnonymousBidder
	}

	previous, attempts, err := e.commit(ctx, bid)
	span.SetAttributes(attribute.Int("bid.attempts", attempts))
	if err != nil {
		kind := KindOf(err)
		e.metrics.BidRejected(ctx, string(kind))
		span.SetStatus(codes.Error, string(kind))
		if kind == KindStoreUnavailable {
			span.RecordError(err)
			telemetry.LogWithTrace(ctx, e.logger).ErrorContext(ctx, "bid failed on store error",
				slog.Int64("auction_id", bid.AuctionID),
				slog.Any("error", err),
			)
		}
		return protocol.BidUpdate{}, err
	}
	e.metrics.BidAccepted(ctx)
	span.SetAttributes(attribute.String("bid.amount", bid.Amount.String()))

	update := protocol.BidUpdate{
		AuctionID:  bid.AuctionID,
		NewPrice:   bid.Amount,
		BidderID:   bid.BidderID,
		ServerTime: e.clock.NowMillis(),
	}
	if err := e.bus.Publish(ctx, bid.AuctionID, update); err != nil {
		telemetry.LogWithTrace(ctx, e.logger).ErrorContext(ctx, "failed to publish bid update",
			slog.Int64("auction_id", bid.AuctionID),
			slog.Any("error", err),
		)
	}

	e.record(ctx, bid, previous, attempts)

	telemetry.LogWithTrace(ctx, e.logger).InfoContext(ctx, "bid accepted",
		slog.Int64("auction_id", bid.AuctionID),
		slog.String("bidder_id", bid.BidderID),
		slog.String("amount", bid.Amount.String()),
		slog.Int("attempts", attempts),
	)
	return update, nil
}

// commit runs the validate-then-advance cycle. It returns the price the
// winning attempt replaced and how many attempts were made.
func (e *Engine) commit(ctx context.Context, bid Bid) (decimal.Decimal, int, error) {
	for attempt := 1; ; attempt++ {
		a, err := e.auctions.GetByID(ctx, bid.AuctionID)
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, attempt, newError(KindNotFound, nil, "auction %d not found", bid.AuctionID)
		}
		if err != nil {
			return decimal.Zero, attempt, newError(KindStoreUnavailable, err, "reading auction %d", bid.AuctionID)
		}

		now := e.clock.Now()
		if err := validate(a, bid, now); err != nil {
			return decimal.Zero, attempt, err
		}

		ok, err := e.auctions.AdvancePrice(ctx, a.ID, a.CurrentPrice, bid.Amount, bid.BidderID, now)
		if err != nil {
			return decimal.Zero, attempt, newError(KindStoreUnavailable, err, "updating auction %d", bid.AuctionID)
		}
		if ok {
			return a.CurrentPrice, attempt, nil
		}

		e.metrics.BidCollision(ctx)
		if attempt >= e.maxRetries {
			return decimal.Zero, attempt, newError(KindPriceTooLow, nil,
				"price of auction %d kept moving; gave up after %d attempts", bid.AuctionID, attempt)
		}
	}
}

// validate checks the preconditions after NotFound, in order.
func validate(a *store.Auction, bid Bid, now time.Time) error {
	if err := CheckAmount(bid.Amount); err != nil {
		return err
	}
	if !bid.Amount.IsPositive() {
		return newError(KindInvalidInput, nil, "amount must be positive, got %s", bid.Amount)
	}
	if len(bid.BidderID) > maxBidderIDLen {
		return newError(KindInvalidInput, nil, "bidder id longer than %d characters", maxBidderIDLen)
	}
	if now.Before(a.StartTime) {
		return newError(KindNotStarted, nil, "auction %d starts at %s", a.ID, a.StartTime.UTC().Format(time.RFC3339))
	}
	if a.Ended() || now.After(a.EndTime) {
		return newError(KindClosed, nil, "auction %d ended at %s", a.ID, a.EndTime.UTC().Format(time.RFC3339))
	}
	if !bid.Amount.GreaterThan(a.CurrentPrice) {
		return newError(KindPriceTooLow, nil, "bid %s does not exceed current price %s", bid.Amount, a.CurrentPrice)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, bid Bid, previous decimal.Decimal, attempts int) {
	data, err := json.Marshal(event.BidAcceptedData{
		BidderID:      bid.BidderID,
		Amount:        bid.Amount,
		PreviousPrice: previous,
		Attempts:      attempts,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to encode bid event", slog.Any("error", err))
		return
	}
	ev := event.Event{
		AggregateID: strconv.FormatInt(bid.AuctionID, 10),
		Type:        event.BidAccepted,
		Data:        data,
	}
	if err := e.events.Append(ctx, ev); err != nil {
		telemetry.LogWithTrace(ctx, e.logger).ErrorContext(ctx, "failed to persist bid event",
			slog.Int64("auction_id", bid.AuctionID),
			slog.Any("error", err),
		)
	}
}

// History returns the accepted bids for an auction, oldest first.
func (e *Engine) History(ctx context.Context, auctionID int64) ([]HistoryEntry, error) {
	if _, err := e.auctions.GetByID(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, nil, "auction %d not found", auctionID)
		}
		return nil, newError(KindStoreUnavailable, err, "reading auction %d", auctionID)
	}

	events, err := e.events.Load(ctx, strconv.FormatInt(auctionID, 10))
	if err != nil {
		return nil, newError(KindStoreUnavailable, err, "loading events for auction %d", auctionID)
	}

	history := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		if ev.Type != event.BidAccepted {
			continue
		}
		var d event.BidAcceptedData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			e.logger.WarnContext(ctx, "skipping undecodable bid event",
				slog.Int64("event_id", ev.ID),
				slog.Any("error", err),
			)
			continue
		}
		history = append(history, HistoryEntry{
			BidderID: d.BidderID,
			Amount:   d.Amount,
			Time:     ev.CreatedAt.UnixMilli(),
		})
	}
	return history, nil
}

// HistoryEntry is one accepted bid.
type HistoryEntry struct {
	BidderID string          `json:"bidderId"`
	Amount   decimal.Decimal `json:"amount"`
	Time     int64           `json:"time"`
}
