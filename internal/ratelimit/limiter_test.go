package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalationIsMultiplicativeAndCapped(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	previous := l.Delay()
	require.Equal(t, time.Second, previous)

	// Three consecutive rate-limit signals: strictly increasing until the cap.
	l.ReportRateLimited()
	assert.Equal(t, 2*time.Second, l.Delay())
	assert.Greater(t, l.Delay(), previous)

	previous = l.Delay()
	l.ReportRateLimited()
	assert.Equal(t, 4*time.Second, l.Delay())
	assert.Greater(t, l.Delay(), previous)

	l.ReportRateLimited()
	assert.Equal(t, 5*time.Second, l.Delay())

	// Already at the ceiling: stays there.
	l.ReportRateLimited()
	assert.Equal(t, 5*time.Second, l.Delay())
}

func TestRecoveryDecaysTowardBase(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, RecoverySuccesses: 3})
	l.ReportRateLimited()
	l.ReportRateLimited()
	require.Equal(t, 4*time.Second, l.Delay())

	l.ReportSuccess()
	l.ReportSuccess()
	assert.Equal(t, 4*time.Second, l.Delay(), "decay requires a full recovery run")

	l.ReportSuccess()
	assert.Equal(t, 3*time.Second, l.Delay())

	for i := 0; i < 9; i++ {
		l.ReportSuccess()
	}
	assert.Equal(t, time.Second, l.Delay(), "decay never undershoots the base delay")
}

func TestRateLimitResetsRecoveryRun(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, RecoverySuccesses: 3})
	l.ReportRateLimited()
	l.ReportSuccess()
	l.ReportSuccess()
	l.ReportRateLimited()

	l.ReportSuccess()
	l.ReportSuccess()
	assert.Equal(t, 4*time.Second, l.Delay(), "successes before the signal must not count")
}

func TestAcquireFirstGrantIsImmediate(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// First grant consumes the burst token; the second must wait a minute and
	// should instead fail when the context expires.
	require.NoError(t, l.Acquire(ctx))
	err := l.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHoldUntilBlocksAcquire(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Millisecond})
	l.HoldUntil(time.Now().Add(100 * time.Millisecond))

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestHoldUntilIgnoresEarlierDeadline(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Millisecond})
	later := time.Now().Add(time.Hour)
	l.HoldUntil(later)
	l.HoldUntil(time.Now().Add(time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, later, l.holdUntil)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()

	l := New(Config{BaseDelay: time.Second, Jitter: 0.2})
	for i := 0; i < 100; i++ {
		d := l.jittered(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
