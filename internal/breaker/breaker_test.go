package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		require.True(t, b.CanExecute())
		b.RecordFailure()
		assert.Equal(t, Closed, b.State())
	}

	require.True(t, b.CanExecute())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreaker_HalfOpenRecoversAfterConsecutiveSuccesses(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxAttempts: 2})

	require.True(t, b.CanExecute())
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(5 * time.Millisecond)

	require.True(t, b.CanExecute())
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())

	require.True(t, b.CanExecute())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxAttempts: 2})

	require.True(t, b.CanExecute())
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	require.True(t, b.CanExecute())
	require.Equal(t, HalfOpen, b.State())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_HalfOpenBoundsConcurrentProbes(t *testing.T) {
	b := New("upstream", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxAttempts: 2})
	require.True(t, b.CanExecute())
	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	require.True(t, b.CanExecute())
	require.True(t, b.CanExecute())
	assert.False(t, b.CanExecute())
}

func TestBreaker_DoDropsWhenOpen(t *testing.T) {
	b := New("bus", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	require.Error(t, b.Do(func() error { return errors.New("boom") }))
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrOpen)
}
