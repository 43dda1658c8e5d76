// Package protocol defines the JSON envelope exchanged with observers over
// the websocket and between replicas over the broker.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/bidsync/internal/store"
)

// Message types carried in Envelope.Type.
const (
	TypeJoinAuction  = "joinAuction"
	TypeLeaveAuction = "leaveAuction"
	TypeTimeSync     = "timeSync"
	TypeAuctionData  = "auctionData"
	TypeBidUpdate    = "bidUpdate"
	TypeAuctionEnded = "auctionEnded"
)

// ErrInvalidClientTime is returned when a client time is absent or of an
// unsupported shape.
var ErrInvalidClientTime = errors.New("clientTime must be epoch milliseconds or an RFC 3339 timestamp")

// Envelope is the wire frame for every message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is implemented by every inbound and outbound variant.
type Message interface {
	MessageType() string
}

// JoinAuction asks to observe one auction. A non-positive AuctionID is
// ignored by the registry.
type JoinAuction struct {
	AuctionID int64 `json:"auctionId"`
}

// LeaveAuction leaves the current room.
type LeaveAuction struct{}

// TimeSyncRequest carries the observer's clock reading in epoch ms.
type TimeSyncRequest struct {
	ClientTime int64 `json:"clientTime"`
}

// TimeSync is the reply to a TimeSyncRequest. The observer derives its
// offset as ServerTime - ClientTime.
type TimeSync struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime"`
}

// AuctionData is the snapshot sent to a connection when it joins.
type AuctionData struct {
	Auction    *store.Auction `json:"auction"`
	ServerTime int64          `json:"serverTime"`
}

// BidUpdate announces an accepted price advance.
type BidUpdate struct {
	AuctionID  int64           `json:"auctionId"`
	NewPrice   decimal.Decimal `json:"newPrice"`
	BidderID   string          `json:"bidderId"`
	ServerTime int64           `json:"serverTime"`
}

// AuctionEnded announces that an auction reached its end time.
type AuctionEnded struct {
	AuctionID  int64 `json:"auctionId"`
	ServerTime int64 `json:"serverTime"`
}

func (JoinAuction) MessageType() string     { return TypeJoinAuction }
func (LeaveAuction) MessageType() string    { return TypeLeaveAuction }
func (TimeSyncRequest) MessageType() string { return TypeTimeSync }
func (TimeSync) MessageType() string        { return TypeTimeSync }
func (AuctionData) MessageType() string     { return TypeAuctionData }
func (BidUpdate) MessageType() string       { return TypeBidUpdate }
func (AuctionEnded) MessageType() string    { return TypeAuctionEnded }

// Encode wraps msg in an Envelope and marshals it.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", msg.MessageType(), err)
	}
	out, err := json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}
	return out, nil
}

// Decode parses an inbound frame from an observer. It reports false for
// anything malformed or of an unknown type; such frames are dropped.
func Decode(frame []byte) (Message, bool) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, false
	}

	switch env.Type {
	case TypeJoinAuction:
		var raw struct {
			AuctionID json.RawMessage `json:"auctionId"`
		}
		if err := unmarshalData(env.Data, &raw); err != nil {
			return nil, false
		}
		// Unparseable ids become 0, which the registry ignores.
		id, _ := ParseAuctionID(raw.AuctionID)
		return JoinAuction{AuctionID: id}, true
	case TypeLeaveAuction:
		return LeaveAuction{}, true
	case TypeTimeSync:
		var raw struct {
			ClientTime json.RawMessage `json:"clientTime"`
		}
		if err := unmarshalData(env.Data, &raw); err != nil {
			return nil, false
		}
		ms, err := ParseClientTime(raw.ClientTime)
		if err != nil {
			return nil, false
		}
		return TimeSyncRequest{ClientTime: ms}, true
	default:
		return nil, false
	}
}

// DecodeOutbound parses a frame produced by Encode for one of the
// broadcast variants.
func DecodeOutbound(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("unmarshalling envelope: %w", err)
	}

	var msg Message
	var err error
	switch env.Type {
	case TypeBidUpdate:
		var m BidUpdate
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case TypeAuctionEnded:
		var m AuctionEnded
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case TypeAuctionData:
		var m AuctionData
		err = json.Unmarshal(env.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown outbound message type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshalling %s: %w", env.Type, err)
	}
	return msg, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, v)
}

// ParseClientTime normalizes a JSON number (epoch ms), a numeric string or
// an RFC 3339 string to epoch milliseconds.
func ParseClientTime(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, ErrInvalidClientTime
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, ErrInvalidClientTime
		}
		return parseClientTimeString(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, ErrInvalidClientTime
	}
	return numberToMillis(n.String())
}

func parseClientTimeString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidClientTime
	}
	if ms, err := numberToMillis(s); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, ErrInvalidClientTime
	}
	return t.UnixMilli(), nil
}

func numberToMillis(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > 1<<62 {
		return 0, ErrInvalidClientTime
	}
	return int64(f), nil
}

// ParseAuctionID accepts a JSON number or a numeric string.
func ParseAuctionID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, errors.New("missing auction id")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("parsing auction id: %w", err)
		}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing auction id %q: %w", s, err)
	}
	return id, nil
}
