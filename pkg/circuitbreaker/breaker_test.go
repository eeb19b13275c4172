package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDown    = errors.New("connection refused")
	errMissing = errors.New("missing row")
)

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("db")
	cfg.FailureThreshold = 3
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, func() (interface{}, error) { return nil, errDown })
		assert.ErrorIs(t, err, errDown)
	}

	assert.True(t, cb.IsOpen())
	_, err = cb.Execute(ctx, func() (interface{}, error) { return "unreachable", nil })
	assert.True(t, IsRejected(err))
}

func TestCircuitBreaker_IsSuccessfulClassifier(t *testing.T) {
	cfg := DefaultConfig("db")
	cfg.FailureThreshold = 2
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errMissing) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, errMissing })
		assert.ErrorIs(t, err, errMissing)
	}
	assert.True(t, cb.IsClosed())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}

func TestCircuitBreaker_OutcomeFollowsClassifier(t *testing.T) {
	cfg := DefaultConfig("db")
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errMissing) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
		want outcome
	}{
		{"nil", nil, outcomeSuccess},
		{"accepted domain error", errMissing, outcomeSuccess},
		{"operational error", errDown, outcomeFailure},
		{"open", gobreaker.ErrOpenState, outcomeRejected},
		{"too many requests", gobreaker.ErrTooManyRequests, outcomeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cb.outcome(tt.err))
		})
	}

	// the accepted error still reaches the caller
	_, err = cb.Execute(context.Background(), func() (interface{}, error) { return nil, errMissing })
	assert.ErrorIs(t, err, errMissing)
}

func TestCircuitBreaker_DefaultClassifierCountsEveryError(t *testing.T) {
	cb, err := New(DefaultConfig("db"), nil)
	require.NoError(t, err)

	assert.Equal(t, outcomeFailure, cb.outcome(errMissing))
	assert.Equal(t, outcomeSuccess, cb.outcome(nil))
}

func TestDo(t *testing.T) {
	cb, err := New(DefaultConfig("typed"), nil)
	require.NoError(t, err)

	ids, err := Do(context.Background(), cb, func() ([]int64, error) { return []int64{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	var empty []int64
	ids, err = Do(context.Background(), cb, func() ([]int64, error) { return empty, nil })
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = Do(context.Background(), cb, func() (map[int64]string, error) { return nil, errDown })
	assert.ErrorIs(t, err, errDown)
}

func TestManager(t *testing.T) {
	m := NewManager(nil)

	a, err := m.GetOrCreate("ledger", DefaultConfig("ignored"))
	require.NoError(t, err)
	b, err := m.GetOrCreate("ledger", DefaultConfig("ignored"))
	require.NoError(t, err)
	assert.Same(t, a, b)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, "ledger", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
}
