package transport

import (
	"time"

	"github.com/juju/errors"
)

func msToDuration(ms uint64) time.Duration { return time.Duration(ms) * time.Millisecond }

// SendMessages is one send-pump tick (§4.1): it dispatches up to
// maxPacketsPerTick waiting packets over the current connection. A no-op
// when the engine is not Connected, so a caller can drive this on a fixed
// schedule without checking status itself.
func (e *TransportEngine) SendMessages() {
	e.mu.Lock()
	status := e.status
	conn := e.connection
	e.mu.Unlock()
	if status != Connected || conn == nil {
		return
	}

	for _, p := range e.waiting.PopUpToFront(maxPacketsPerTick) {
		e.sendPacket(p, conn)
	}
}

// sendPacket dispatches one packet. Packets whose protocol expects an ack
// move into inFlight before the wire call so a reply racing the call
// still finds its packet; the entry is removed again if the call itself
// failed outright.
func (e *TransportEngine) sendPacket(p *Packet, conn TransportConnection) {
	if !e.isMessageValid(p) {
		return
	}

	expectsAck := p.Message().AckNeeded(conn.GetProtocol())
	if expectsAck {
		e.inFlight.Store(p.Message().ID(), p)
	}

	status, err := conn.SendMessage(p.Message())
	if err != nil {
		if expectsAck {
			e.inFlight.Delete(p.Message().ID())
		}
		e.handleMessageException(p, ToTransportError(err))
		return
	}

	switch {
	case isSendOK(status) && !expectsAck:
		p.SetStatus(status)
		e.callbacks.PushBack(p)
	case isSendOK(status) && expectsAck:
		// left in inFlight; the ack (or disconnect) resolves it later.
	default:
		if expectsAck {
			e.inFlight.Delete(p.Message().ID())
		}
		e.handleMessageException(p, NewTransportError(errors.Errorf("send: service returned %s", status), false).WithServiceStatus(status))
	}
}

func isSendOK(s StatusCode) bool { return s == StatusOK || s == StatusOKEmpty }

// isMessageValid runs the two checks §4.2 requires before a packet is
// allowed onto the wire: the message must not have expired, and the
// credential backing this engine must not have expired either. Both
// failures resolve the packet with a callback instead of sending it.
func (e *TransportEngine) isMessageValid(p *Packet) bool {
	if p.Message().IsExpired() {
		p.SetStatus(StatusMessageExpired)
		e.callbacks.PushBack(p)
		return false
	}
	if e.defaultConfig.isCredentialExpired() {
		p.SetStatus(StatusUnauthorized)
		e.callbacks.PushBack(p)
		e.updateStatus(Disconnected, ExpiredSASToken, NewAuthenticationError(errors.New("credential expired"), true))
		return false
	}
	return true
}

// handleMessageException resolves a single failed send: either it is
// requeued for another attempt, or it is moved to callbacks with a
// terminal status. The retry policy is consulted exactly once per
// failure so a stateful policy (ExponentialBackoff) advances its backoff
// clock only once per packet attempt. Unlike handleDisconnection, this
// path never runs checkForUnauthorizedException: that relabeling is
// scoped to the reconnect decision, not to a single packet's send
// outcome.
func (e *TransportEngine) handleMessageException(p *Packet, err *TransportError) {
	p.IncrementRetry()

	decision := e.defaultConfig.RetryPolicy.Decide(p.RetryCount(), err)
	retryable := err.Retryable && !e.hasOperationTimedOut(p.EnqueuedAtMs()) && decision.ShouldRetry

	if retryable {
		packet := p
		key := packet.Message().ID()
		e.scheduledRetries.Store(key, packet)
		e.scheduler.After(msToDuration(decision.DelayMs), func() {
			// Absent means Close drained this packet out from under us
			// while the retry delay was still running; nothing left to do.
			if _, ok := e.scheduledRetries.Delete(key); ok {
				e.waiting.PushBack(packet)
			}
		})
		return
	}

	if err.ServiceStatus != StatusUnset {
		p.SetStatus(err.ServiceStatus)
	} else {
		p.SetStatus(StatusError)
	}
	e.callbacks.PushBack(p)
}
