// Package broadcast publishes committed auction changes to observers,
// either directly through the local room registry or through NATS so that
// every replica's registry receives them.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jensholdgaard/bidsync/internal/protocol"
)

// Broadcaster delivers a message to one auction's room. *room.Registry
// satisfies it.
type Broadcaster interface {
	Broadcast(auctionID int64, msg protocol.Message) int
}

// Bus publishes messages for an auction.
type Bus interface {
	Publish(ctx context.Context, auctionID int64, msg protocol.Message) error
	Close() error
}

// LocalBus delivers straight into the in-process registry.
type LocalBus struct {
	rooms Broadcaster
}

// NewLocalBus returns a LocalBus over rooms.
func NewLocalBus(rooms Broadcaster) *LocalBus {
	return &LocalBus{rooms: rooms}
}

// Publish broadcasts msg to the room. It never fails.
func (b *LocalBus) Publish(_ context.Context, auctionID int64, msg protocol.Message) error {
	b.rooms.Broadcast(auctionID, msg)
	return nil
}

// Close is a no-op.
func (b *LocalBus) Close() error { return nil }

// NATSConfig holds connection settings for NATSBus.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSBus publishes each message on <prefix>.<auctionID> and feeds every
// message received on <prefix>.> into the local registry. Local observers
// are reached through the subscription only, so each replica delivers a
// message exactly once.
type NATSBus struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	rooms  Broadcaster
	logger *slog.Logger
}

// ConnectNATS dials NATS with reconnect and logging handlers.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("bidsync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Error("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.Any("error", err))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}

// NewNATSBus subscribes to prefix.> on nc and returns the bus. The bus
// owns nc from here on and drains it on Close.
func NewNATSBus(nc *nats.Conn, prefix string, rooms Broadcaster, logger *slog.Logger) (*NATSBus, error) {
	b := &NATSBus{
		nc:     nc,
		prefix: prefix,
		rooms:  rooms,
		logger: logger,
	}
	sub, err := nc.Subscribe(prefix+".>", b.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s.>: %w", prefix, err)
	}
	b.sub = sub
	return b, nil
}

// Publish encodes msg and publishes it on the auction's subject.
func (b *NATSBus) Publish(_ context.Context, auctionID int64, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(Subject(b.prefix, auctionID), frame); err != nil {
		return fmt.Errorf("publishing %s for auction %d: %w", msg.MessageType(), auctionID, err)
	}
	return nil
}

func (b *NATSBus) handle(m *nats.Msg) {
	auctionID, ok := ParseSubject(b.prefix, m.Subject)
	if !ok {
		b.logger.Warn("dropping message on unexpected subject", slog.String("subject", m.Subject))
		return
	}
	msg, err := protocol.DecodeOutbound(m.Data)
	if err != nil {
		b.logger.Warn("dropping undecodable broadcast",
			slog.String("subject", m.Subject),
			slog.Any("error", err),
		)
		return
	}
	b.rooms.Broadcast(auctionID, msg)
}

// Close unsubscribes and drains the connection.
func (b *NATSBus) Close() error {
	if err := b.sub.Unsubscribe(); err != nil {
		b.logger.Warn("unsubscribing", slog.Any("error", err))
	}
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	return nil
}

// Subject returns the NATS subject for an auction.
func Subject(prefix string, auctionID int64) string {
	return prefix + "." + strconv.FormatInt(auctionID, 10)
}

// ParseSubject extracts the auction id from a subject built by Subject.
func ParseSubject(prefix, subject string) (int64, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
