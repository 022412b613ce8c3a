package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky upstream")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return !errors.Is(err, errFlaky) }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errFlaky)
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestDo_RespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}
	err := p.Do(ctx, func(ctx context.Context) error { return errFlaky })
	assert.Error(t, err)
}

func TestDo_CallsOnRetry(t *testing.T) {
	p := fastPolicy(3)
	var waits []time.Duration
	p.OnRetry = func(err error, wait time.Duration) { waits = append(waits, wait) }

	_ = p.Do(context.Background(), func(ctx context.Context) error { return errFlaky })
	assert.Len(t, waits, 2)
}

func TestDelay_GrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(8))
}

func TestDelay_JitterStaysInBand(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestExhausted(t *testing.T) {
	p := fastPolicy(3)
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}
