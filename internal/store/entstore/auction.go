package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/store"
)

const selectAuction = `SELECT id, title, description, start_time, end_time, current_price,
	highest_bidder, status, created_at, updated_at FROM auctions`

// AuctionRepo implements store.AuctionRepository using database/sql.
type AuctionRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sql.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuction(row rowScanner) (store.Auction, error) {
	var a store.Auction
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.StartTime, &a.EndTime, &a.CurrentPrice,
		&a.HighestBidder, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	now := r.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = store.StatusPending
	}
	return r.db.QueryRowContext(ctx,
		`INSERT INTO auctions (title, description, start_time, end_time, current_price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		a.Title, a.Description, a.StartTime, a.EndTime, a.CurrentPrice, a.Status, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
}

func (r *AuctionRepo) GetByID(ctx context.Context, id int64) (*store.Auction, error) {
	a, err := scanAuction(r.db.QueryRowContext(ctx, selectAuction+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting auction %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) List(ctx context.Context) ([]store.Auction, error) {
	return r.query(ctx, "listing auctions", selectAuction+` ORDER BY end_time ASC, id ASC`)
}

func (r *AuctionRepo) AdvancePrice(ctx context.Context, id int64, expected, amount decimal.Decimal, bidderID string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions
		 SET current_price = $1, highest_bidder = $2,
		     status = CASE WHEN status = 'pending' THEN 'running' ELSE status END, updated_at = $3
		 WHERE id = $4 AND current_price = $5 AND status <> 'ended' AND end_time >= $3`,
		amount, bidderID, now, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("advancing price: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advancing price: %w", err)
	}
	return n == 1, nil
}

func (r *AuctionRepo) ListExpired(ctx context.Context, now time.Time) ([]store.Auction, error) {
	return r.query(ctx, "listing expired auctions",
		selectAuction+` WHERE status <> 'ended' AND end_time <= $1 ORDER BY end_time ASC`, now)
}

func (r *AuctionRepo) MarkEnded(ctx context.Context, id int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'ended', updated_at = $1
		 WHERE id = $2 AND status <> 'ended' AND end_time <= $1`,
		now, id,
	)
	if err != nil {
		return false, fmt.Errorf("ending auction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ending auction: %w", err)
	}
	return n == 1, nil
}

func (r *AuctionRepo) ActivateDue(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = 'running', updated_at = $1
		 WHERE status = 'pending' AND start_time <= $1 AND end_time > $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("activating due auctions: %w", err)
	}
	return result.RowsAffected()
}

func (r *AuctionRepo) query(ctx context.Context, op, q string, args ...any) ([]store.Auction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var auctions []store.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning auction row: %w", err)
		}
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}
