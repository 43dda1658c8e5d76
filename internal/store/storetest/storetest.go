// Package storetest holds conformance checks shared by every store driver.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/event"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// Base is the reference instant used by the suite. Stores under test should
// be constructed with a clock returning Base.
var Base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// NewAuction creates an auction open from Base-1m to Base+1m priced at 100.
func NewAuction(t *testing.T, repo store.AuctionRepository, title string) *store.Auction {
	t.Helper()
	a := &store.Auction{
		Title:        title,
		StartTime:    Base.Add(-time.Minute),
		EndTime:      Base.Add(time.Minute),
		CurrentPrice: decimal.NewFromInt(100),
	}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("Create(%s): %v", title, err)
	}
	if a.ID <= 0 {
		t.Fatalf("Create(%s) left ID = %d, want positive", title, a.ID)
	}
	return a
}

// RunAuctionRepository exercises the compare-and-advance and sweep
// contracts of store.AuctionRepository. newRepo must return an empty
// repository per call.
func RunAuctionRepository(t *testing.T, newRepo func(t *testing.T) store.AuctionRepository) {
	t.Run("CreateAndGetByID", func(t *testing.T) {
		repo := newRepo(t)
		a := NewAuction(t, repo, "Camera")
		if a.Status != store.StatusPending {
			t.Errorf("Status = %q, want %q", a.Status, store.StatusPending)
		}

		got, err := repo.GetByID(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Title != "Camera" {
			t.Errorf("Title = %q, want %q", got.Title, "Camera")
		}
		if !got.CurrentPrice.Equal(decimal.NewFromInt(100)) {
			t.Errorf("CurrentPrice = %s, want 100", got.CurrentPrice)
		}
		if !got.EndTime.Equal(a.EndTime) {
			t.Errorf("EndTime = %v, want %v", got.EndTime, a.EndTime)
		}
	})

	t.Run("GetByIDNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetByID(context.Background(), 424242)
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetByID error = %v, want ErrNotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo := newRepo(t)
		NewAuction(t, repo, "One")
		NewAuction(t, repo, "Two")

		all, err := repo.List(context.Background())
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("List returned %d, want 2", len(all))
		}
	})

	t.Run("AdvancePrice", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		a := NewAuction(t, repo, "Lamp")

		ok, err := repo.AdvancePrice(ctx, a.ID, decimal.NewFromInt(100), decimal.NewFromInt(150), "alice", Base)
		if err != nil || !ok {
			t.Fatalf("AdvancePrice = (%v, %v), want (true, nil)", ok, err)
		}

		// Stale expected price must not write.
		ok, err = repo.AdvancePrice(ctx, a.ID, decimal.NewFromInt(100), decimal.NewFromInt(120), "bob", Base)
		if err != nil {
			t.Fatalf("AdvancePrice stale: %v", err)
		}
		if ok {
			t.Fatal("AdvancePrice with stale expected price succeeded")
		}

		got, _ := repo.GetByID(ctx, a.ID)
		if !got.CurrentPrice.Equal(decimal.NewFromInt(150)) {
			t.Errorf("CurrentPrice = %s, want 150", got.CurrentPrice)
		}
		if got.HighestBidder == nil || *got.HighestBidder != "alice" {
			t.Errorf("HighestBidder = %v, want alice", got.HighestBidder)
		}
		if got.Status != store.StatusRunning {
			t.Errorf("Status = %q, want %q", got.Status, store.StatusRunning)
		}
	})

	t.Run("AdvancePriceKeepsLaterStatus", func(t *testing.T) {
		tests := []struct {
			name   string
			status string
			want   string
		}{
			{name: "pending becomes running", status: store.StatusPending, want: store.StatusRunning},
			{name: "running stays running", status: store.StatusRunning, want: store.StatusRunning},
			{name: "active-bidding is not regressed", status: store.StatusActiveBidding, want: store.StatusActiveBidding},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				repo := newRepo(t)
				ctx := context.Background()
				a := &store.Auction{
					Title:        "Clock",
					StartTime:    Base.Add(-time.Minute),
					EndTime:      Base.Add(time.Minute),
					CurrentPrice: decimal.NewFromInt(100),
					Status:       tt.status,
				}
				if err := repo.Create(ctx, a); err != nil {
					t.Fatalf("Create: %v", err)
				}

				ok, err := repo.AdvancePrice(ctx, a.ID, decimal.NewFromInt(100), decimal.NewFromInt(110), "alice", Base)
				if err != nil || !ok {
					t.Fatalf("AdvancePrice = (%v, %v), want (true, nil)", ok, err)
				}

				got, err := repo.GetByID(ctx, a.ID)
				if err != nil {
					t.Fatalf("GetByID: %v", err)
				}
				if got.Status != tt.want {
					t.Errorf("Status = %q, want %q", got.Status, tt.want)
				}
			})
		}
	})

	t.Run("AdvancePriceAfterEndTime", func(t *testing.T) {
		repo := newRepo(t)
		a := NewAuction(t, repo, "Late")

		ok, err := repo.AdvancePrice(context.Background(), a.ID, decimal.NewFromInt(100), decimal.NewFromInt(500), "carol", a.EndTime.Add(time.Millisecond))
		if err != nil {
			t.Fatalf("AdvancePrice: %v", err)
		}
		if ok {
			t.Fatal("AdvancePrice after end time succeeded")
		}
	})

	t.Run("ConcurrentAdvanceSingleWinner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		a := NewAuction(t, repo, "Race")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				amount := decimal.NewFromInt(int64(200 + i))
				ok, err := repo.AdvancePrice(ctx, a.ID, decimal.NewFromInt(100), amount, "bidder-"+strconv.Itoa(i), Base)
				if err != nil {
					t.Errorf("AdvancePrice: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("%d concurrent advances from the same price won, want exactly 1", wins.Load())
		}
	})

	t.Run("ExpireAndMarkEndedOnce", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		a := NewAuction(t, repo, "Expiring")
		NewAuction(t, repo, "StillOpen")
		after := a.EndTime.Add(time.Second)

		// End time is inclusive.
		expired, err := repo.ListExpired(ctx, a.EndTime)
		if err != nil {
			t.Fatalf("ListExpired: %v", err)
		}
		if len(expired) != 2 {
			t.Fatalf("ListExpired at end time returned %d, want 2", len(expired))
		}

		none, err := repo.ListExpired(ctx, Base)
		if err != nil {
			t.Fatalf("ListExpired: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("ListExpired before end returned %d, want 0", len(none))
		}

		ok, err := repo.MarkEnded(ctx, a.ID, after)
		if err != nil || !ok {
			t.Fatalf("MarkEnded = (%v, %v), want (true, nil)", ok, err)
		}
		ok, err = repo.MarkEnded(ctx, a.ID, after)
		if err != nil {
			t.Fatalf("second MarkEnded: %v", err)
		}
		if ok {
			t.Fatal("second MarkEnded reported a transition")
		}

		got, _ := repo.GetByID(ctx, a.ID)
		if got.Status != store.StatusEnded {
			t.Errorf("Status = %q, want %q", got.Status, store.StatusEnded)
		}

		// Ended auctions never accept a price advance, even inside the window.
		ok, err = repo.AdvancePrice(ctx, a.ID, decimal.NewFromInt(100), decimal.NewFromInt(900), "dave", Base)
		if err != nil {
			t.Fatalf("AdvancePrice: %v", err)
		}
		if ok {
			t.Fatal("AdvancePrice on ended auction succeeded")
		}

		remaining, _ := repo.ListExpired(ctx, after)
		if len(remaining) != 1 {
			t.Errorf("ListExpired after ending one returned %d, want 1", len(remaining))
		}
	})

	t.Run("MarkEndedBeforeEndTime", func(t *testing.T) {
		repo := newRepo(t)
		a := NewAuction(t, repo, "Early")

		ok, err := repo.MarkEnded(context.Background(), a.ID, Base)
		if err != nil {
			t.Fatalf("MarkEnded: %v", err)
		}
		if ok {
			t.Fatal("MarkEnded before end time succeeded")
		}
	})

	t.Run("ActivateDue", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		due := NewAuction(t, repo, "Due")
		future := &store.Auction{
			Title:        "Future",
			StartTime:    Base.Add(time.Hour),
			EndTime:      Base.Add(2 * time.Hour),
			CurrentPrice: decimal.Zero,
		}
		if err := repo.Create(ctx, future); err != nil {
			t.Fatalf("Create: %v", err)
		}

		n, err := repo.ActivateDue(ctx, Base)
		if err != nil {
			t.Fatalf("ActivateDue: %v", err)
		}
		if n != 1 {
			t.Errorf("ActivateDue changed %d rows, want 1", n)
		}

		got, _ := repo.GetByID(ctx, due.ID)
		if got.Status != store.StatusRunning {
			t.Errorf("due Status = %q, want %q", got.Status, store.StatusRunning)
		}
		got, _ = repo.GetByID(ctx, future.ID)
		if got.Status != store.StatusPending {
			t.Errorf("future Status = %q, want %q", got.Status, store.StatusPending)
		}

		n, _ = repo.ActivateDue(ctx, Base)
		if n != 0 {
			t.Errorf("second ActivateDue changed %d rows, want 0", n)
		}
	})
}

// RunEventStore exercises event.Store.
func RunEventStore(t *testing.T, newStore func(t *testing.T) event.Store) {
	t.Run("AppendAndLoad", func(t *testing.T) {
		es := newStore(t)
		ctx := context.Background()

		events := []event.Event{
			{AggregateID: "1", Type: event.BidAccepted, Data: json.RawMessage(`{"bidder_id":"alice","amount":"150"}`)},
			{AggregateID: "1", Type: event.BidAccepted, Data: json.RawMessage(`{"bidder_id":"bob","amount":"175"}`)},
			{AggregateID: "2", Type: event.AuctionEnded, Data: json.RawMessage(`{"final_price":"0"}`)},
		}
		if err := es.Append(ctx, events...); err != nil {
			t.Fatalf("Append: %v", err)
		}

		loaded, err := es.Load(ctx, "1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(loaded) != 2 {
			t.Fatalf("Load returned %d events, want 2", len(loaded))
		}
		var first event.BidAcceptedData
		if err := json.Unmarshal(loaded[0].Data, &first); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if first.BidderID != "alice" {
			t.Errorf("first event bidder = %q, want alice (oldest first)", first.BidderID)
		}
		if loaded[0].CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be set")
		}
	})

	t.Run("LoadByType", func(t *testing.T) {
		es := newStore(t)
		ctx := context.Background()

		if err := es.Append(ctx,
			event.Event{AggregateID: "1", Type: event.BidAccepted, Data: json.RawMessage(`{}`)},
			event.Event{AggregateID: "1", Type: event.AuctionEnded, Data: json.RawMessage(`{}`)},
			event.Event{AggregateID: "2", Type: event.AuctionEnded, Data: json.RawMessage(`{}`)},
		); err != nil {
			t.Fatalf("Append: %v", err)
		}

		ended, err := es.LoadByType(ctx, event.AuctionEnded)
		if err != nil {
			t.Fatalf("LoadByType: %v", err)
		}
		if len(ended) != 2 {
			t.Errorf("LoadByType returned %d, want 2", len(ended))
		}
	})

	t.Run("LoadUnknownAggregate", func(t *testing.T) {
		es := newStore(t)
		loaded, err := es.Load(context.Background(), "missing")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(loaded) != 0 {
			t.Errorf("Load returned %d events, want 0", len(loaded))
		}
	})
}
