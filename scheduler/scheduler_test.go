package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAfterFiresOnce(t *testing.T) {
	t.Parallel()

	s := New()
	defer s.Stop()

	done := make(chan struct{}, 1)
	s.After(10*time.Millisecond, func() { done <- struct{}{} })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for After to fire")
	}
}

func TestStopPreventsPendingFire(t *testing.T) {
	t.Parallel()

	s := New()
	fired := make(chan struct{}, 1)
	s.After(time.Hour, func() { fired <- struct{}{} })
	s.Stop()

	select {
	case <-fired:
		t.Fatal("After fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSleepReturnsStoppedWhenSchedulerStops(t *testing.T) {
	t.Parallel()

	s := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Stop()
	}()
	stopped := s.Sleep(time.Hour)
	assert.True(t, stopped)
}

func TestSleepReturnsFalseWhenDelayElapses(t *testing.T) {
	t.Parallel()

	s := New()
	defer s.Stop()
	stopped := s.Sleep(5 * time.Millisecond)
	assert.False(t, stopped)
}
