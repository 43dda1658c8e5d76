package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/jensholdgaard/bidsync"

// Metrics holds the service's counters.
type Metrics struct {
	bidsAccepted  metric.Int64Counter
	bidsRejected  metric.Int64Counter
	collisions    metric.Int64Counter
	auctionsEnded metric.Int64Counter
	connections   metric.Int64UpDownCounter
}

// NewMetrics registers all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.bidsAccepted, err = meter.Int64Counter("bidsync.bids.accepted",
		metric.WithDescription("Bids that advanced an auction price.")); err != nil {
		return nil, fmt.Errorf("creating bids.accepted counter: %w", err)
	}
	if m.bidsRejected, err = meter.Int64Counter("bidsync.bids.rejected",
		metric.WithDescription("Bids rejected, by error kind.")); err != nil {
		return nil, fmt.Errorf("creating bids.rejected counter: %w", err)
	}
	if m.collisions, err = meter.Int64Counter("bidsync.bids.collisions",
		metric.WithDescription("Compare-and-advance attempts that lost a race.")); err != nil {
		return nil, fmt.Errorf("creating bids.collisions counter: %w", err)
	}
	if m.auctionsEnded, err = meter.Int64Counter("bidsync.auctions.ended",
		metric.WithDescription("Auctions transitioned to ended by the sweeper.")); err != nil {
		return nil, fmt.Errorf("creating auctions.ended counter: %w", err)
	}
	if m.connections, err = meter.Int64UpDownCounter("bidsync.ws.connections",
		metric.WithDescription("Open websocket connections.")); err != nil {
		return nil, fmt.Errorf("creating ws.connections counter: %w", err)
	}
	return &m, nil
}

// NopMetrics returns Metrics backed by a no-op meter.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func (m *Metrics) BidAccepted(ctx context.Context) { m.bidsAccepted.Add(ctx, 1) }

func (m *Metrics) BidRejected(ctx context.Context, kind string) {
	m.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) BidCollision(ctx context.Context) { m.collisions.Add(ctx, 1) }

func (m *Metrics) AuctionEnded(ctx context.Context) { m.auctionsEnded.Add(ctx, 1) }

func (m *Metrics) ConnectionOpened(ctx context.Context) { m.connections.Add(ctx, 1) }

func (m *Metrics) ConnectionClosed(ctx context.Context) { m.connections.Add(ctx, -1) }
