package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	BidAccepted  Type = "bid.accepted"
	AuctionEnded Type = "auction.ended"
)

// Event is an append-only audit record. Events are never replayed to
// rebuild auction state; the auctions table stays the source of truth.
type Event struct {
	ID          int64           `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// BidAcceptedData is the payload for BidAccepted events.
type BidAcceptedData struct {
	BidderID      string          `json:"bidder_id"`
	Amount        decimal.Decimal `json:"amount"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
	Attempts      int             `json:"attempts"`
}

// AuctionEndedData is the payload for AuctionEnded events.
type AuctionEndedData struct {
	FinalPrice decimal.Decimal `json:"final_price"`
	WinnerID   string          `json:"winner_id,omitempty"`
}
