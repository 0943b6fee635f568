package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error { return nil }

func TestBreaker_TripsAndRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New("clob", 2, time.Minute)
	b.SetClock(func() time.Time { return now })

	var changes []string
	b.OnStateChange(func(_ string, from, to State) { changes = append(changes, from.String()+">"+to.String()) })

	ctx := context.Background()
	assert.ErrorIs(t, b.Do(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Do(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(ctx, ok)
	require.ErrorIs(t, err, ErrOpen)
	assert.Contains(t, err.Error(), "clob")

	now = now.Add(time.Minute)
	require.True(t, b.Allow(), "first trial call after cooldown")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial call in half-open")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF-OPEN", "HALF-OPEN>CLOSED"}, changes)
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New("gamma", 1, 10*time.Second)
	b.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.Error(t, b.Do(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	require.ErrorIs(t, b.Do(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(ctx, ok), ErrOpen, "cooldown restarts from the failed trial call")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("x", 2, time.Minute)
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, ok))
	_ = b.Do(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b := New("x", 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}
