package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/store/memstore"
)

func TestSeedAuctions(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name    string
		seeds   []config.SeedAuction
		wantErr bool
		want    int
	}{
		{name: "none", want: 0},
		{
			name: "two auctions",
			seeds: []config.SeedAuction{
				{Title: "Camera", StartingPrice: "100.50", Duration: 10 * time.Minute},
				{Title: "Lamp", StartsIn: time.Hour, Duration: time.Minute},
			},
			want: 2,
		},
		{
			name:    "bad price",
			seeds:   []config.SeedAuction{{Title: "Broken", StartingPrice: "cheap", Duration: time.Minute}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memstore.NewAuctionRepo(clock.Mock{T: now})
			err := seedAuctions(context.Background(), repo, now, tt.seeds, logger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("seedAuctions() error = %v, wantErr %v", err, tt.wantErr)
			}
			all, _ := repo.List(context.Background())
			if len(all) != tt.want {
				t.Fatalf("got %d auctions, want %d", len(all), tt.want)
			}
		})
	}
}

func TestSeedAuctions_Window(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	repo := memstore.NewAuctionRepo(clock.Mock{T: now})
	seeds := []config.SeedAuction{{Title: "Later", StartingPrice: "5", StartsIn: time.Hour, Duration: 30 * time.Minute}}

	if err := seedAuctions(context.Background(), repo, now, seeds, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatal(err)
	}
	all, _ := repo.List(context.Background())
	a := all[0]
	if !a.StartTime.Equal(now.Add(time.Hour)) || !a.EndTime.Equal(now.Add(90*time.Minute)) {
		t.Errorf("window = [%v, %v]", a.StartTime, a.EndTime)
	}
	if !a.CurrentPrice.Equal(decimal.NewFromInt(5)) {
		t.Errorf("price = %s, want 5", a.CurrentPrice)
	}
}
