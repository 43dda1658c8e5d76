package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/jensholdgaard/bidsync/internal/auction"
	"github.com/jensholdgaard/bidsync/internal/broadcast"
	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/health"
	"github.com/jensholdgaard/bidsync/internal/leader"
	"github.com/jensholdgaard/bidsync/internal/room"
	"github.com/jensholdgaard/bidsync/internal/server"
	"github.com/jensholdgaard/bidsync/internal/store"
	"github.com/jensholdgaard/bidsync/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/bidsync/internal/store/entstore"
	_ "github.com/jensholdgaard/bidsync/internal/store/memstore"
	_ "github.com/jensholdgaard/bidsync/internal/store/pgxstore"
	_ "github.com/jensholdgaard/bidsync/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", slog.Any("error", err))
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	metrics, err := telemetry.NewMetrics(tp.MeterProvider)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	authority := clock.NewAuthority(clock.Real{})

	repos, err := store.Open(ctx, cfg.Database, authority)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "opened store", slog.String("driver", cfg.Database.Driver))

	if err := seedAuctions(ctx, repos.Auctions, authority.Now(), cfg.Seed, logger); err != nil {
		return err
	}

	healthHandler := health.NewHandler(authority,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	rooms := room.NewRegistry(logger)
	bus, err := openBus(cfg.Broker, rooms, healthHandler, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			logger.Error("closing broadcast bus", slog.Any("error", closeErr))
		}
	}()

	engine := auction.NewEngine(repos.Auctions, repos.Events, bus, authority,
		cfg.Bidding, logger, tp.TracerProvider, metrics)
	sweeper := auction.NewSweeper(repos.Auctions, repos.Events, bus, authority,
		clockwork.NewRealClock(), cfg.Sweeper, logger, tp.TracerProvider, metrics)

	srv := server.New(cfg.Server, cfg.WebSocket, server.Deps{
		Engine:         engine,
		Auctions:       repos.Auctions,
		Rooms:          rooms,
		Clock:          authority,
		Health:         healthHandler,
		Logger:         logger,
		TracerProvider: tp.TracerProvider,
		Metrics:        metrics,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "bidsync is running", slog.String("version", version))

	// Every replica serves bids and observers; only the sweep is gated on
	// leadership when election is enabled.
	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, sweeper waits for leadership")
		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, sweeper.Run); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		sweeper.Run(ctx)
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	srv.CloseConnections()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openBus returns the in-process bus, or a NATS-backed one shared by every
// replica when the broker driver is "nats".
func openBus(cfg config.BrokerConfig, rooms *room.Registry, h *health.Handler, logger *slog.Logger) (broadcast.Bus, error) {
	if cfg.Driver != "nats" {
		return broadcast.NewLocalBus(rooms), nil
	}

	nc, err := broadcast.ConnectNATS(broadcast.NATSConfig{URL: cfg.URL}, logger)
	if err != nil {
		return nil, err
	}
	bus, err := broadcast.NewNATSBus(nc, cfg.SubjectPrefix, rooms, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}

	h.Add(health.Checker{
		Name: "broker",
		Check: func(context.Context) error {
			if s := nc.Status(); s != nats.CONNECTED {
				return fmt.Errorf("nats connection %s", s)
			}
			return nil
		},
	})
	logger.Info("connected to NATS", slog.String("url", nc.ConnectedUrl()), slog.String("prefix", cfg.SubjectPrefix))
	return bus, nil
}
