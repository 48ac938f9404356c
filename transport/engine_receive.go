package transport

// HandleMessage is one receive-pump tick (§4.5). For request/response
// connections, which have no async delivery channel, it first polls the
// connection directly; for pub/sub and queue connections, inbound
// messages already arrived via OnMessageReceived and sit in received.
// Either way it then acknowledges at most one message per call.
func (e *TransportEngine) HandleMessage() {
	e.mu.Lock()
	status := e.status
	conn := e.connection
	e.mu.Unlock()
	if status != Connected || conn == nil {
		return
	}

	if conn.GetProtocol() == ProtocolReqResp {
		e.drainInboundHTTP(conn)
	}

	msg, ok := e.received.PopFront()
	if !ok {
		return
	}
	e.acknowledgeReceivedMessage(msg, conn)
}

func (e *TransportEngine) drainInboundHTTP(conn TransportConnection) {
	msg, err := conn.ReceiveMessage()
	if err != nil {
		e.log.Errorf("receive: %v", err)
		return
	}
	if msg != nil {
		e.received.PushBack(msg)
	}
}

// acknowledgeReceivedMessage runs the application's message callback and
// relays its disposition to the wire. A failed ack send puts the message
// back at the tail of received rather than dropping it, preserving the
// wire-observed order of everything already queued ahead of it instead
// of letting a retried ack jump back to the front.
func (e *TransportEngine) acknowledgeReceivedMessage(msg *Message, conn TransportConnection) {
	e.mu.Lock()
	cb, ctx := e.msgCB, e.msgCBCtx
	e.mu.Unlock()

	result := Complete
	if cb != nil {
		result = cb(msg, ctx)
	}

	if err := conn.SendMessageResult(msg, result); err != nil {
		e.log.Errorf("ack: %v", err)
		e.received.PushBack(msg)
	}
}
