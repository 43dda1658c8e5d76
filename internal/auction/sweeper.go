package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
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

// Sweeper periodically ends auctions whose end time has passed. Each
// auction is ended and announced at most once, however many sweepers run.
type Sweeper struct {
	auctions store.AuctionRepository
	events   event.Store
	bus      Publisher
	clock    *clock.Authority
	ticker   clockwork.Clock
	interval time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
}

// NewSweeper creates a Sweeper. ticker drives the tick cadence only; all
// comparisons use authority.
func NewSweeper(
	auctions store.AuctionRepository,
	events event.Store,
	bus Publisher,
	authority *clock.Authority,
	ticker clockwork.Clock,
	cfg config.SweeperConfig,
	logger *slog.Logger,
	tp trace.TracerProvider,
	metrics *telemetry.Metrics,
) *Sweeper {
	return &Sweeper{
		auctions: auctions,
		events:   events,
		bus:      bus,
		clock:    authority,
		ticker:   ticker,
		interval: cfg.Interval,
		logger:   logger,
		tracer:   tp.Tracer(tracerName),
		metrics:  metrics,
	}
}

// Run sweeps every interval until ctx is done. A failed sweep is logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	t := s.ticker.NewTicker(s.interval)
	defer t.Stop()

	s.logger.InfoContext(ctx, "expiry sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "expiry sweeper stopped")
			return
		case <-t.Chan():
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep promotes due pending auctions, then ends every expired auction that
// is not ended yet and announces each transition it performed. It returns
// how many auctions this call ended.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "Sweeper.Sweep")
	defer span.End()

	now := s.clock.Now()
	var errs []error

	if n, err := s.auctions.ActivateDue(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("activating due auctions: %w", err))
	} else if n > 0 {
		s.logger.InfoContext(ctx, "auctions started", slog.Int64("count", n))
	}

	expired, err := s.auctions.ListExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing expired auctions: %w", err))
		return 0, s.fail(span, errs)
	}

	ended := 0
	for i := range expired {
		a := &expired[i]
		ok, err := s.auctions.MarkEnded(ctx, a.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("ending auction %d: %w", a.ID, err))
			continue
		}
		if !ok {
			continue
		}
		ended++
		// The price is frozen now; re-read so the event carries the final one.
		if fresh, err := s.auctions.GetByID(ctx, a.ID); err == nil {
			a = fresh
		}
		s.announce(ctx, a)
	}

	span.SetAttributes(
		attribute.Int("sweep.expired", len(expired)),
		attribute.Int("sweep.ended", ended),
	)
	if len(errs) > 0 {
		return ended, s.fail(span, errs)
	}
	return ended, nil
}

func (s *Sweeper) fail(span trace.Span, errs []error) error {
	err := errors.Join(errs...)
	span.RecordError(err)
	span.SetStatus(codes.Error, "sweep failed")
	return err
}

func (s *Sweeper) announce(ctx context.Context, a *store.Auction) {
	s.metrics.AuctionEnded(ctx)

	msg := protocol.AuctionEnded{AuctionID: a.ID, ServerTime: s.clock.NowMillis()}
	if err := s.bus.Publish(ctx, a.ID, msg); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish auction ended",
			slog.Int64("auction_id", a.ID),
			slog.Any("error", err),
		)
	}

	d := event.AuctionEndedData{FinalPrice: a.CurrentPrice}
	if a.HighestBidder != nil {
		d.WinnerID = *a.HighestBidder
	}
	data, err := json.Marshal(d)
	if err == nil {
		err = s.events.Append(ctx, event.Event{
			AggregateID: strconv.FormatInt(a.ID, 10),
			Type:        event.AuctionEnded,
			Data:        data,
		})
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist auction ended event",
			slog.Int64("auction_id", a.ID),
			slog.Any("error", err),
		)
	}

	s.logger.InfoContext(ctx, "auction ended",
		slog.Int64("auction_id", a.ID),
		slog.String("final_price", a.CurrentPrice.String()),
		slog.String("winner_id", d.WinnerID),
	)
}
