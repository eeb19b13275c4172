package idempotency

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("ledger-audit", "0b5f8a52-5d0e-4a41-9d59-1f7f3c1a9e10")
	b := GenerateKey("ledger-audit", "0b5f8a52-5d0e-4a41-9d59-1f7f3c1a9e10")
	c := GenerateKey("other-consumer", "0b5f8a52-5d0e-4a41-9d59-1f7f3c1a9e10")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	// parts are delimited
	assert.NotEqual(t, GenerateKey("ab", "c"), GenerateKey("a", "bc"))
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"explicit", Terminal(errors.New("bad json")), true},
		{"wrapped explicit", fmt.Errorf("decode: %w", Terminal(errors.New("bad json"))), true},
		{"validation", ledger.NewValidationError("quantity", "must be greater than zero"), true},
		{"consistency", &ledger.ConsistencyError{Requested: 2, Remaining: 1}, true},
		{"not found", fmt.Errorf("item 4: %w", ledger.ErrNotFound), true},
		{"previously failed", fmt.Errorf("%w: k", ErrPreviouslyFailed), true},
		{"in progress", ErrMessageInProgress, false},
		{"connection", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTerminal(tt.err))
		})
	}
}

func TestTerminal_Nil(t *testing.T) {
	assert.NoError(t, Terminal(nil))
}

func TestNewInbox_Defaults(t *testing.T) {
	i := NewInbox(nil, InboxConfig{}, nil)
	assert.Equal(t, 7*24*time.Hour, i.config.DefaultTTL)
	assert.Equal(t, 5*time.Minute, i.config.RecoveryTimeout)
}
