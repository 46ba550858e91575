package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.IsOpen())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsFromAnyState(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, Cooldown: time.Minute}, nil)

	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.RecordSuccess()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())

	// The failure count was cleared too.
	b.RecordFailure()
	assert.False(t, b.IsOpen())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil)

	b.RecordFailure()
	require.True(t, b.IsOpen())

	time.Sleep(30 * time.Millisecond)

	// The first check after cooldown admits a probe.
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.False(t, b.IsOpen())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.False(t, b.IsOpen())
}

func TestBreaker_FailureWhileOpenExtendsCooldown(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Cooldown: 60 * time.Millisecond}, nil)

	b.RecordFailure()
	require.True(t, b.IsOpen())

	// A fault landing while open restarts the cooldown clock.
	time.Sleep(40 * time.Millisecond)
	b.RecordFailure()

	time.Sleep(40 * time.Millisecond)
	assert.True(t, b.IsOpen(), "cooldown counts from the most recent failure")

	time.Sleep(80 * time.Millisecond)
	assert.False(t, b.IsOpen())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, Cooldown: time.Minute}, nil)

	b.RecordFailure()
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}
