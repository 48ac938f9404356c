package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/dtransport/transport"
)

func TestExponentialBackoffGrowsAndClamps(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(10*time.Millisecond, 100*time.Millisecond, 2, 0)
	err := transport.NewTransportError(assertErr, true)

	d1 := b.Decide(1, err)
	assert.True(t, d1.ShouldRetry)
	assert.Equal(t, uint64(10), d1.DelayMs)

	d2 := b.Decide(2, err)
	assert.Equal(t, uint64(20), d2.DelayMs)

	d3 := b.Decide(3, err)
	assert.Equal(t, uint64(40), d3.DelayMs)

	d4 := b.Decide(4, err)
	assert.Equal(t, uint64(80), d4.DelayMs)

	d5 := b.Decide(5, err)
	assert.Equal(t, uint64(100), d5.DelayMs, "clamped to Max")
}

func TestExponentialBackoffStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(time.Millisecond, time.Second, 2, 2)
	err := transport.NewTransportError(assertErr, true)

	assert.True(t, b.Decide(1, err).ShouldRetry)
	assert.True(t, b.Decide(2, err).ShouldRetry)
	assert.False(t, b.Decide(3, err).ShouldRetry)
}

func TestExponentialBackoffNeverRetriesNonRetryableError(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(time.Millisecond, time.Second, 2, 0)
	err := transport.NewTransportError(assertErr, false)
	assert.False(t, b.Decide(1, err).ShouldRetry)
}

var assertErr = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }
