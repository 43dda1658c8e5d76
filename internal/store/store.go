package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Auction statuses. A status never moves backwards and Ended is absorbing.
const (
	StatusPending       = "pending"
	StatusRunning       = "running"
	StatusActiveBidding = "active-bidding"
	StatusEnded         = "ended"
)

// ErrNotFound is returned (wrapped) when an auction id does not resolve.
var ErrNotFound = errors.New("auction not found")

// Auction represents an auction record.
type Auction struct {
	ID            int64           `db:"id" json:"id"`
	Title         string          `db:"title" json:"title"`
	Description   string          `db:"description" json:"description"`
	StartTime     time.Time       `db:"start_time" json:"startTime"`
	EndTime       time.Time       `db:"end_time" json:"endTime"`
	CurrentPrice  decimal.Decimal `db:"current_price" json:"currentPrice"`
	HighestBidder *string         `db:"highest_bidder" json:"highestBidder,omitempty"`
	Status        string          `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// Ended reports whether the stored status is terminal.
func (a *Auction) Ended() bool { return a.Status == StatusEnded }

// AuctionRepository defines auction persistence operations. Every mutation
// is a single conditional statement so concurrent writers, including other
// replicas, cannot lose updates.
type AuctionRepository interface {
	// Create inserts a new auction and sets its ID. Status defaults to
	// pending.
	Create(ctx context.Context, a *Auction) error
	// GetByID returns the auction or an error wrapping ErrNotFound.
	GetByID(ctx context.Context, id int64) (*Auction, error)
	// List returns all auctions ordered by end time.
	List(ctx context.Context) ([]Auction, error)
	// AdvancePrice sets the price to amount only if the stored price still
	// equals expected, the auction is not ended and its end time is not
	// before now. It reports false when the condition did not hold.
	AdvancePrice(ctx context.Context, id int64, expected, amount decimal.Decimal, bidderID string, now time.Time) (bool, error)
	// ListExpired returns non-ended auctions whose end time is at or
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]Auction, error)
	// MarkEnded moves the auction to ended if it is not already. It
	// reports whether this call performed the transition.
	MarkEnded(ctx context.Context, id int64, now time.Time) (bool, error)
	// ActivateDue promotes pending auctions whose start time has passed to
	// running and returns how many rows changed.
	ActivateDue(ctx context.Context, now time.Time) (int64, error)
}
