package transport

import "time"

// handleDisconnection (§4.4) is invoked once, from OnConnectionLost, when
// an established connection drops. In-flight packets could not be
// confirmed delivered, so they are returned to the front of waiting
// ahead of anything queued after the disconnect, then status moves to
// DisconnectedRetrying and a dedicated reconnect goroutine takes over.
func (e *TransportEngine) handleDisconnection(err *TransportError) {
	for _, p := range e.inFlight.DrainAll() {
		e.waiting.PushFront(p)
	}

	e.updateStatus(DisconnectedRetrying, e.exceptionToReason(err), err)
	err = e.checkForUnauthorizedException(err)

	go e.reconnect(err)
}

// reconnect (§4.4) repeatedly attempts to re-establish the connection,
// sleeping between attempts according to the configured RetryPolicy,
// until it succeeds, the error stops being retryable, the reconnect
// attempt's own operation timeout elapses, or the retry policy gives up.
// reconnectMu ensures at most one reconnect loop runs at a time: a second
// disconnection reported while one is already in flight just returns.
func (e *TransportEngine) reconnect(firstErr *TransportError) {
	if !e.reconnectMu.TryLock() {
		return
	}
	defer e.reconnectMu.Unlock()

	e.mu.Lock()
	if e.reconnectStartedMs == 0 {
		e.reconnectStartedMs = time.Now().UnixMilli()
	}
	startedMs := e.reconnectStartedMs
	e.mu.Unlock()

	lastErr := firstErr
	for {
		e.mu.Lock()
		status := e.status
		attempt := e.currentAttempt
		e.mu.Unlock()
		if status != DisconnectedRetrying {
			return
		}

		if !lastErr.Retryable {
			e.Close(e.exceptionToReason(lastErr), lastErr)
			return
		}
		if e.hasOperationTimedOut(startedMs) {
			e.Close(RetryExpired, NewOperationTimeoutError(lastErr))
			return
		}

		decision := e.defaultConfig.RetryPolicy.Decide(attempt, lastErr)
		if !decision.ShouldRetry {
			e.Close(RetryExpired, lastErr)
			return
		}
		if stopped := e.scheduler.Sleep(msToDuration(decision.DelayMs)); stopped {
			return
		}

		e.mu.Lock()
		e.currentAttempt++
		e.mu.Unlock()

		if err := e.singleReconnectAttempt(); err != nil {
			lastErr = e.checkForUnauthorizedException(ToTransportError(err))
			continue
		}
		return // openConnection already drove status to Connected.
	}
}

// singleReconnectAttempt closes whatever connection handle is still
// around (it already dropped, but protocol adapters may hold resources
// worth releasing explicitly) and opens a fresh one against the same
// configs Open was originally called with.
func (e *TransportEngine) singleReconnectAttempt() error {
	e.mu.Lock()
	conn := e.connection
	configs := e.configs
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return e.openConnection(configs)
}

// checkForUnauthorizedException (§4.4) upgrades an unauthorized response
// to retryable when the credential is not itself the problem: brokers
// occasionally return a transient unauthorized during a reconnect storm
// even though the SAS token or certificate backing the connection is
// still valid.
func (e *TransportEngine) checkForUnauthorizedException(err *TransportError) *TransportError {
	if err.Unauthorized != NotUnauthorized && !e.defaultConfig.isCredentialExpired() {
		err.Retryable = true
	}
	return err
}

// exceptionToReason classifies a TransportError into the
// ConnectionStatusChangeReason the status-change notifier reports. It
// also backs reason_of in handleDisconnection, which the spec leaves
// otherwise unspecified beyond "derive a reason from the error".
func (e *TransportEngine) exceptionToReason(err *TransportError) ConnectionStatusChangeReason {
	if err == nil {
		return CommunicationError
	}
	if err.Retryable {
		return NoNetwork
	}
	if ae, ok := err.Cause().(*AuthenticationError); (ok && ae.Expired) || e.defaultConfig.isCredentialExpired() {
		return ExpiredSASToken
	}
	return BadCredential
}
