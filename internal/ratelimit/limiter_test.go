package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noJitter pins the jitter factor so delay arithmetic is deterministic.
func noJitter(l *Limiter) {
	l.jitter = func() float64 { return 1.0 }
}

func TestLimiter_DelayStaysInBounds(t *testing.T) {
	l := New(Config{
		BaseDelay: 500 * time.Millisecond,
		MinDelay:  200 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Window:    5,
	})

	outcomes := []bool{false, false, false, true, false, true, true, false, false, false}
	for _, ok := range outcomes {
		l.Update(ok)
		d := l.Delay()
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestLimiter_FailureBacksOff(t *testing.T) {
	l := New(Config{
		BaseDelay:     500 * time.Millisecond,
		MinDelay:      100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Window:        10,
	})
	noJitter(l)

	l.Update(false)
	assert.Equal(t, time.Second, l.Delay())
	assert.Equal(t, 1, l.ConsecutiveErrors())

	l.Update(false)
	assert.Equal(t, 2*time.Second, l.Delay())
	assert.Equal(t, 2, l.ConsecutiveErrors())
}

func TestLimiter_FullSuccessWindowEasesDelay(t *testing.T) {
	l := New(Config{
		BaseDelay: 1200 * time.Millisecond,
		MinDelay:  100 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Window:    5,
	})
	noJitter(l)

	before := l.Delay()
	for i := 0; i < 5; i++ {
		l.Update(true)
	}
	assert.Less(t, l.Delay(), before)
	assert.Equal(t, 0, l.ConsecutiveErrors())
}

func TestLimiter_DegradedWindowTightensDelay(t *testing.T) {
	l := New(Config{
		BaseDelay:      time.Second,
		MinDelay:       100 * time.Millisecond,
		MaxDelay:       100 * time.Second,
		BackoffFactor:  1.5,
		Window:         10,
		ErrorThreshold: 0.2,
	})
	noJitter(l)

	// Fill the window with one success and nine failures, then land one
	// more success so the success-rate branch runs on a full window.
	for i := 0; i < 9; i++ {
		l.Update(false)
	}
	before := l.Delay()
	l.Update(true)
	assert.Greater(t, l.Delay(), before)
}

func TestLimiter_FailurePaysFullBackoffDespiteHealthyWindow(t *testing.T) {
	l := New(Config{
		BaseDelay:     time.Second,
		MinDelay:      100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Window:        4,
	})
	noJitter(l)

	// A fully healthy window eases the delay once it fills.
	for i := 0; i < 4; i++ {
		l.Update(true)
	}
	eased := l.Delay()
	require.Less(t, eased, time.Second)

	// The next failure multiplies by the backoff factor alone; the window
	// rate must not soften it.
	l.Update(false)
	assert.Equal(t, scale(eased, 2.0), l.Delay())
}

func TestLimiter_FailureAgainstDegradedWindowIsNotDoublePenalized(t *testing.T) {
	l := New(Config{
		BaseDelay:      time.Second,
		MinDelay:       100 * time.Millisecond,
		MaxDelay:       100 * time.Second,
		BackoffFactor:  2.0,
		Window:         4,
		ErrorThreshold: 0.3,
	})
	noJitter(l)

	for i := 0; i < 4; i++ {
		l.Update(false)
	}
	before := l.Delay()

	// Window is full and fully degraded; a further failure still pays
	// exactly one backoff factor, not backoff times the degraded-window
	// tightening.
	l.Update(false)
	assert.Equal(t, scale(before, 2.0), l.Delay())
}

func TestLimiter_WaitEnforcesSpacing(t *testing.T) {
	l := New(Config{
		BaseDelay: 100 * time.Millisecond,
		MinDelay:  100 * time.Millisecond,
		MaxDelay:  time.Second,
		Window:    5,
	})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(Config{
		BaseDelay: 5 * time.Second,
		MinDelay:  time.Second,
		MaxDelay:  10 * time.Second,
		Window:    5,
	})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Wait(cancelCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
