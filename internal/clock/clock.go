package clock

import (
	"sync/atomic"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Mock is a Clock that always returns a fixed time.
type Mock struct {
	T time.Time
}

// Now returns the fixed time.
func (m Mock) Now() time.Time { return m.T }

// Authority is the single source of "now" for bid admission, expiry sweeps
// and every outbound stamp. It has millisecond resolution and never hands
// out an instant earlier than one it already issued, even when the
// underlying clock steps backwards.
type Authority struct {
	clk  Clock
	last atomic.Int64 // unix ms
}

// NewAuthority returns an Authority reading from clk.
func NewAuthority(clk Clock) *Authority {
	return &Authority{clk: clk}
}

// Now returns the authoritative instant in UTC, truncated to milliseconds.
func (a *Authority) Now() time.Time {
	return time.UnixMilli(a.NowMillis()).UTC()
}

// NowMillis returns the authoritative instant as unix milliseconds.
func (a *Authority) NowMillis() int64 {
	ms := a.clk.Now().UnixMilli()
	for {
		last := a.last.Load()
		if ms <= last {
			return last
		}
		if a.last.CompareAndSwap(last, ms) {
			return ms
		}
	}
}

// SyncResult is the reply to a time-sync request. Observers compute their
// offset as ServerTime - ClientTime.
type SyncResult struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime"`
}

// Sync stamps the current authoritative time and echoes clientTime back.
// clientTime plays no part in any server-side decision.
func (a *Authority) Sync(clientTime int64) SyncResult {
	return SyncResult{
		ServerTime: a.NowMillis(),
		ClientTime: clientTime,
	}
}
