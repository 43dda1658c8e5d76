package storetest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jensholdgaard/bidsync/internal/store/migrations"
)

// Postgres is a throwaway database with the schema applied.
type Postgres struct {
	DSN string
	db  *sql.DB
}

// StartPostgres starts a Postgres container that lives for the rest of t.
// It skips t in short mode.
func StartPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("bidsync_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := migrations.Apply(ctx, migrations.SQL(db)); err != nil {
		t.Fatal(err)
	}
	return &Postgres{DSN: dsn, db: db}
}

// Reset empties every table so each subtest starts from a clean schema.
func (p *Postgres) Reset(t *testing.T) {
	t.Helper()
	if _, err := p.db.Exec(`TRUNCATE auctions, events RESTART IDENTITY`); err != nil {
		t.Fatalf("resetting database: %v", err)
	}
}
