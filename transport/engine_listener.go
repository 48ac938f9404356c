package transport

// This file implements EngineListener on *TransportEngine: the four
// upward calls a TransportConnection makes into the engine. The two
// connection-state methods first check connID against the engine's current
// connection id and silently drop callbacks from a connection the engine
// has already replaced or torn down (SPEC_FULL.md §4.1, OnConnectionLost).

// OnMessageSent resolves the packet sendPacket left sitting in inFlight
// once the wire-level acknowledgement for msg arrives: on success it
// moves to callbacks with StatusOKEmpty (the ack itself carries no
// payload), on failure it goes through the same handleMessageException
// path a synchronous send failure would. A report for a message-id not
// found in inFlight is logged and dropped — either it was already
// resolved (e.g. cancelled on Close) or it belongs to a connection
// generation this engine has since replaced.
func (e *TransportEngine) OnMessageSent(msg *Message, err error) {
	p, ok := e.inFlight.Delete(msg.ID())
	if !ok {
		e.log.Debugf("message sent report for unknown packet %s", msg.ID())
		return
	}
	if err != nil {
		e.handleMessageException(p, ToTransportError(err))
		return
	}
	p.SetStatus(StatusOKEmpty)
	e.callbacks.PushBack(p)
}

// OnMessageReceived delivers one inbound message (or a receive-path
// error) from a pub/sub or queue connection. Request/response connections
// never call this; they return inbound messages synchronously from
// ReceiveMessage instead.
func (e *TransportEngine) OnMessageReceived(msg *Message, err error) {
	if err != nil {
		e.log.Errorf("receive: %v", err)
		return
	}
	if msg != nil {
		e.received.PushBack(msg)
	}
}

// OnConnectionLost reports that connID's connection dropped. If an Open
// call is still waiting on this exact connection, its failure resolves
// the open instead of starting a reconnect loop — there is nothing to
// recover from yet. Otherwise, once the connection was actually
// established, this starts disconnection handling.
func (e *TransportEngine) OnConnectionLost(err error, connID string) {
	e.mu.Lock()
	cur := e.connID
	pending := e.pendingOpen
	status := e.status
	e.mu.Unlock()

	if connID != cur {
		return
	}
	te := ToTransportError(err)

	if pending != nil && pending.connID == connID {
		e.clearPendingOpen(pending)
		select {
		case pending.done <- te:
		default:
		}
		return
	}

	if status == Disconnected {
		return
	}
	e.handleDisconnection(te)
}

// OnConnectionEstablished reports that connID finished its open sequence.
// It always records CONNECTED; if an Open call is waiting on this
// connection it is also released.
func (e *TransportEngine) OnConnectionEstablished(connID string) {
	e.mu.Lock()
	cur := e.connID
	pending := e.pendingOpen
	e.mu.Unlock()

	if connID != cur {
		return
	}
	e.updateStatus(Connected, ConnectionOK, nil)

	if pending != nil && pending.connID == connID {
		e.clearPendingOpen(pending)
		select {
		case pending.done <- nil:
		default:
		}
	}
}
