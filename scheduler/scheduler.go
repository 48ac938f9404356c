// Package scheduler provides deferred execution for the transport
// engine's retry delays (C8), built the way the teacher manages
// goroutine lifecycle elsewhere (github.com/temoto/alive/v2) rather than
// leaving timers to fire into a stopped engine.
package scheduler

import (
	"time"

	"github.com/temoto/alive/v2"
)

// Scheduler runs a function once after a delay, and guarantees no
// function fires after Stop returns.
type Scheduler interface {
	After(delay time.Duration, fn func())
	// Sleep blocks the calling goroutine for delay, or until the
	// scheduler is stopped, whichever comes first. Used by the
	// reconnect loop, which needs to wait in-line rather than schedule
	// a callback.
	Sleep(delay time.Duration) (stopped bool)
	Stop()
}

// aliveScheduler wraps github.com/temoto/alive/v2 so every deferred task is
// tracked and Stop() blocks until in-flight tasks finish or notice the
// stop signal, the same discipline tele/mqtt/client.go applies to its
// own worker/reader/pinger goroutines.
type aliveScheduler struct {
	a *alive.Alive
}

func New() Scheduler {
	return &aliveScheduler{a: alive.NewAlive()}
}

func (s *aliveScheduler) After(delay time.Duration, fn func()) {
	if !s.a.Add(1) {
		return
	}
	go func() {
		defer s.a.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			fn()
		case <-s.a.StopChan():
		}
	}()
}

func (s *aliveScheduler) Sleep(delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-s.a.StopChan():
		return true
	}
}

func (s *aliveScheduler) Stop() {
	s.a.Stop()
	s.a.Wait()
}
