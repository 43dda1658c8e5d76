package pgxstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/event"
)

// EventStore implements event.Store with pgxpool.
type EventStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewEventStore returns a new EventStore.
func NewEventStore(pool *pgxpool.Pool, clk clock.Clock) *EventStore {
	return &EventStore{pool: pool, clock: clk}
}

func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	now := s.clock.Now().UTC()
	batch := &pgx.Batch{}
	for _, e := range events {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		batch.Queue(`INSERT INTO events (aggregate_id, type, data, created_at) VALUES ($1, $2, $3::text::jsonb, $4)`,
			e.AggregateID, string(e.Type), string(e.Data), createdAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting events: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	return s.query(ctx, "loading events",
		`SELECT id, aggregate_id, type, data::text, created_at
		 FROM events WHERE aggregate_id = $1 ORDER BY id ASC`, aggregateID)
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	return s.query(ctx, "loading events by type",
		`SELECT id, aggregate_id, type, data::text, created_at
		 FROM events WHERE type = $1 ORDER BY id ASC`, string(eventType))
}

func (s *EventStore) query(ctx context.Context, op, q string, args ...any) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		var typ, data string
		if err := rows.Scan(&e.ID, &e.AggregateID, &typ, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.Type = event.Type(typ)
		e.Data = []byte(data)
		events = append(events, e)
	}
	return events, rows.Err()
}
