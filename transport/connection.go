package transport

// EngineListener is the narrow capability a TransportConnection is handed
// so it can call back up into the engine without holding a reference to
// the engine itself (see SPEC_FULL.md §4.1, "Listener callbacks").
type EngineListener interface {
	// OnMessageSent reports the outcome of a previously dispatched
	// SendMessage call keyed by msg.ID(). err is nil on success.
	OnMessageSent(msg *Message, err error)

	// OnMessageReceived delivers an inbound message, or an error from
	// the connection's receive path. Exactly one of msg/err is non-nil.
	OnMessageReceived(msg *Message, err error)

	// OnConnectionLost reports that connID's connection dropped.
	OnConnectionLost(err error, connID string)

	// OnConnectionEstablished reports that connID finished its open
	// handshake (CONNACK, subscribe-ack, HTTP auth probe, ...).
	OnConnectionEstablished(connID string)
}

// TransportConnection is the uniform façade the engine drives; concrete
// implementations live under protocol/ and each wraps exactly one wire
// protocol (pub/sub, queue, request/response), all out of scope for this
// module per SPEC_FULL.md §1.
type TransportConnection interface {
	Open(configs []*Config) error
	Close() error

	// SendMessage dispatches msg and returns either a synchronous status
	// code or an error. A StatusOK/StatusOKEmpty result whose protocol
	// expects an ack does not mean the message is acknowledged yet — the
	// ack (or its absence) arrives later via EngineListener.OnMessageSent.
	SendMessage(msg *Message) (StatusCode, error)

	// SendMessageResult delivers the wire-level ack for a previously
	// received inbound message.
	SendMessageResult(msg *Message, result CallbackResult) error

	// ReceiveMessage polls for one inbound message. Only the
	// request/response variant is expected to return a non-nil message;
	// pub/sub and queue variants deliver inbound messages exclusively
	// through EngineListener.OnMessageReceived and this always returns
	// (nil, nil) for them.
	ReceiveMessage() (*Message, error)

	SetListener(l EngineListener)
	GetConnectionID() string
	GetProtocol() Protocol
}

// AckNeeded reports whether protocol expects a wire-level acknowledgement
// before a sent message is considered delivered. Request/response carries
// its own outcome synchronously in the HTTP response and never leaves a
// packet in-flight; the other protocols ack asynchronously.
func (m *Message) AckNeeded(protocol Protocol) bool {
	return protocol != ProtocolReqResp
}
