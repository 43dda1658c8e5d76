package migrations_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jensholdgaard/bidsync/internal/store/migrations"
)

func TestApply(t *testing.T) {
	var scripts []string
	err := migrations.Apply(context.Background(), func(_ context.Context, script string) error {
		scripts = append(scripts, script)
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(scripts) == 0 {
		t.Fatal("no migrations applied")
	}
	for _, table := range []string{"auctions", "events"} {
		if !strings.Contains(scripts[0], "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("first migration does not create %s", table)
		}
	}
}

func TestApply_StopsOnError(t *testing.T) {
	calls := 0
	err := migrations.Apply(context.Background(), func(context.Context, string) error {
		calls++
		return errors.New("permission denied")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("exec called %d times, want 1", calls)
	}
}
