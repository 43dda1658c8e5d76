package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/store"
)

// seedAuctions creates the configured auctions with windows relative to now.
func seedAuctions(ctx context.Context, repo store.AuctionRepository, now time.Time, seeds []config.SeedAuction, logger *slog.Logger) error {
	for i, s := range seeds {
		price := decimal.Zero
		if p := strings.TrimSpace(s.StartingPrice); p != "" {
			var err error
			if price, err = decimal.NewFromString(p); err != nil {
				return fmt.Errorf("seed[%d]: starting price %q: %w", i, s.StartingPrice, err)
			}
		}

		start := now.Add(s.StartsIn)
		a := &store.Auction{
			Title:        s.Title,
			Description:  s.Description,
			StartTime:    start,
			EndTime:      start.Add(s.Duration),
			CurrentPrice: price,
		}
		if err := repo.Create(ctx, a); err != nil {
			return fmt.Errorf("seed[%d]: creating auction %q: %w", i, s.Title, err)
		}
		logger.InfoContext(ctx, "seeded auction",
			slog.Int64("auction_id", a.ID),
			slog.String("title", a.Title),
			slog.Time("end_time", a.EndTime),
		)
	}
	return nil
}
