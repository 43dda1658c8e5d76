package auction_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jensholdgaard/bidsync/internal/auction"
)

func TestError_IsMatchesByKind(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("submitting: %w", &auction.Error{
		Kind:    auction.KindStoreUnavailable,
		Message: "reading auction 4",
		Err:     cause,
	})

	if !errors.Is(err, auction.ErrStoreUnavailable) {
		t.Error("errors.Is(err, ErrStoreUnavailable) = false")
	}
	if errors.Is(err, auction.ErrNotFound) {
		t.Error("errors.Is(err, ErrNotFound) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if got := auction.KindOf(err); got != auction.KindStoreUnavailable {
		t.Errorf("KindOf() = %q", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want auction.Kind
	}{
		{err: nil, want: ""},
		{err: errors.New("plain"), want: ""},
		{err: auction.ErrClosed, want: auction.KindClosed},
		{err: auction.InvalidInput("bad %s", "amount"), want: auction.KindInvalidInput},
	}
	for _, tt := range tests {
		if got := auction.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestError_Message(t *testing.T) {
	err := auction.InvalidInput("amount %q is not a number", "abc")
	if err.Message != `amount "abc" is not a number` {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Error() != `InvalidInput: amount "abc" is not a number` {
		t.Errorf("Error() = %q", err.Error())
	}
	if auction.Retryable(err) {
		t.Error("InvalidInput should not be retryable")
	}
}
