package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnection is a hand-rolled TransportConnection test double, in the
// spirit of the teacher's fake MQTT client used in its own transport
// tests: no network, every behavior driven directly by the test.
type fakeConnection struct {
	mu sync.Mutex

	id       string
	protocol Protocol
	listener EngineListener

	openErr        error
	establishOnOpen bool
	lostOnOpen     error

	closed     bool
	closeCount int

	sendFunc func(msg *Message) (StatusCode, error)
	sent     []*Message

	receiveFunc func() (*Message, error)
	acked       []ackRecord
	ackErr      error
}

type ackRecord struct {
	msg    *Message
	result CallbackResult
}

func newFakeConnection(id string, protocol Protocol) *fakeConnection {
	return &fakeConnection{id: id, protocol: protocol, establishOnOpen: true}
}

func (f *fakeConnection) Open(configs []*Config) error {
	if f.openErr != nil {
		return f.openErr
	}
	if f.lostOnOpen != nil {
		f.listener.OnConnectionLost(f.lostOnOpen, f.id)
		return nil
	}
	if f.establishOnOpen {
		f.listener.OnConnectionEstablished(f.id)
	}
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCount++
	return nil
}

func (f *fakeConnection) SendMessage(msg *Message) (StatusCode, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(msg)
	}
	return StatusOK, nil
}

func (f *fakeConnection) SendMessageResult(msg *Message, result CallbackResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ackRecord{msg, result})
	return f.ackErr
}

func (f *fakeConnection) ReceiveMessage() (*Message, error) {
	if f.receiveFunc != nil {
		return f.receiveFunc()
	}
	return nil, nil
}

func (f *fakeConnection) SetListener(l EngineListener) { f.listener = l }
func (f *fakeConnection) GetConnectionID() string      { return f.id }
func (f *fakeConnection) GetProtocol() Protocol        { return f.protocol }

func (f *fakeConnection) reportSent(msg *Message, err error) { f.listener.OnMessageSent(msg, err) }
func (f *fakeConnection) deliver(msg *Message)                { f.listener.OnMessageReceived(msg, nil) }
func (f *fakeConnection) drop(err error)                       { f.listener.OnConnectionLost(err, f.id) }

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		ProtocolName:       "pubsub",
		OperationTimeoutMs: 5000,
		NetworkTimeoutSec:  1,
		RetryPolicy:        NoRetry{},
	}
}

func newTestEngine(t *testing.T, conn *fakeConnection) *TransportEngine {
	t.Helper()
	e, err := NewTransportEngine(testConfig(t), WithConnectionFactory(func(Protocol) (TransportConnection, error) {
		return conn, nil
	}))
	require.NoError(t, err)
	return e
}

func TestOpenEstablishesConnection(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)

	require.NoError(t, e.Open([]*Config{testConfig(t)}))
	assert.Equal(t, Connected, e.Status())
}

func TestOpenIsIdempotentWhenAlreadyConnected(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	cfgs := []*Config{testConfig(t)}
	require.NoError(t, e.Open(cfgs))
	require.NoError(t, e.Open(cfgs))
}

func TestOpenPropagatesSynchronousFailure(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	conn.openErr = errors.New("dial refused")
	e := newTestEngine(t, conn)

	err := e.Open([]*Config{testConfig(t)})
	require.Error(t, err)
	assert.Equal(t, Disconnected, e.Status())
}

func TestOpenPropagatesAsyncLostBeforeEstablished(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	conn.establishOnOpen = false
	conn.lostOnOpen = errors.New("tcp reset")
	e := newTestEngine(t, conn)

	err := e.Open([]*Config{testConfig(t)})
	require.Error(t, err)
	assert.Equal(t, Disconnected, e.Status())
}

func TestAddMessageRejectedWhenDisconnected(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeConnection("c1", ProtocolPubSub))
	msg, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	err = e.AddMessage(msg, nil, nil)
	assert.Error(t, err)
}

func TestSendMessagesDispatchesWaitingPackets(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	msg, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, e.AddMessage(msg, nil, nil))

	e.SendMessages()

	assert.Len(t, conn.sent, 1)
	assert.Equal(t, 1, e.inFlight.Len(), "pubsub expects an ack before the packet resolves")
}

func TestSendMessageResolvesOnAck(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	msg, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	var gotStatus StatusCode
	require.NoError(t, e.AddMessage(msg, func(status StatusCode, ctx interface{}) { gotStatus = status }, nil))

	e.SendMessages()
	require.Equal(t, 1, e.inFlight.Len())

	conn.reportSent(msg, nil)
	assert.Equal(t, 0, e.inFlight.Len())

	e.InvokeCallbacks()
	assert.Equal(t, StatusOKEmpty, gotStatus)
}

func TestReqRespDoesNotExpectAck(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolReqResp)
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	msg, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	var gotStatus StatusCode
	require.NoError(t, e.AddMessage(msg, func(status StatusCode, ctx interface{}) { gotStatus = status }, nil))

	e.SendMessages()
	assert.Equal(t, 0, e.inFlight.Len(), "reqresp resolves synchronously, never sits in-flight")

	e.InvokeCallbacks()
	assert.Equal(t, StatusOK, gotStatus)
}

func TestExpiredMessageNeverSent(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	msg, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	msg.SetExpiryRelative(-time.Second)

	var gotStatus StatusCode
	require.NoError(t, e.AddMessage(msg, func(status StatusCode, ctx interface{}) { gotStatus = status }, nil))
	e.SendMessages()

	assert.Empty(t, conn.sent)
	e.InvokeCallbacks()
	assert.Equal(t, StatusMessageExpired, gotStatus)
}

// alwaysRetryPolicy always asks to retry after a long delay, used to hold
// the reconnect goroutine parked in its sleep so a test can inspect
// engine state right after a disconnection without racing Close.
type alwaysRetryPolicy struct{}

func (alwaysRetryPolicy) Decide(attempt uint32, err error) RetryDecision {
	return RetryDecision{ShouldRetry: true, DelayMs: 60_000}
}

func TestDisconnectionRequeuesInFlightAheadOfWaiting(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	e.defaultConfig.RetryPolicy = alwaysRetryPolicy{}
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	inFlightMsg, err := NewMessage([]byte("in-flight"))
	require.NoError(t, err)
	require.NoError(t, e.AddMessage(inFlightMsg, nil, nil))
	e.SendMessages() // moves inFlightMsg's packet into inFlight

	waitingMsg, err := NewMessage([]byte("waiting"))
	require.NoError(t, err)
	require.NoError(t, e.AddMessage(waitingMsg, nil, nil)) // stays in waiting

	conn.drop(NewTransportError(errors.New("connection reset"), true))

	assert.Equal(t, DisconnectedRetrying, e.Status())
	assert.Equal(t, 0, e.inFlight.Len())
	front := e.waiting.PopUpToFront(2)
	require.Len(t, front, 2)
	assert.Equal(t, "in-flight", string(front[0].Message().Body()), "in-flight packet requeued ahead of waiting")
	assert.Equal(t, "waiting", string(front[1].Message().Body()))
}

func TestCloseCancelsEverythingAndIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	msg, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	var gotStatus StatusCode
	require.NoError(t, e.AddMessage(msg, func(status StatusCode, ctx interface{}) { gotStatus = status }, nil))

	require.NoError(t, e.Close(ClientClose, nil))
	assert.Equal(t, StatusMessageCancelledOnClose, gotStatus)
	assert.Equal(t, Disconnected, e.Status())
	assert.True(t, conn.closed)
	assert.True(t, e.IsEmpty())

	require.NoError(t, e.Close(ClientClose, nil)) // second call is a no-op
	assert.Equal(t, 1, conn.closeCount)
}

func TestHandleMessageAcknowledgesReceivedMessage(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	require.NoError(t, e.RegisterMessageCallback(func(msg *Message, ctx interface{}) CallbackResult {
		return Reject
	}, nil))

	msg, err := NewMessage([]byte("inbound"))
	require.NoError(t, err)
	conn.deliver(msg)

	e.HandleMessage()

	require.Len(t, conn.acked, 1)
	assert.Equal(t, Reject, conn.acked[0].result)
}

func TestAcknowledgeFailureRequeuesToTailOfReceived(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	conn.ackErr = errors.New("ack failed")
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	first, err := NewMessage([]byte("first"))
	require.NoError(t, err)
	second, err := NewMessage([]byte("second"))
	require.NoError(t, err)
	conn.deliver(first)
	conn.deliver(second)

	e.HandleMessage() // pops "first", fails to ack, requeues it

	require.Len(t, conn.acked, 1)
	assert.Equal(t, "first", string(conn.acked[0].msg.Body()))

	remaining := e.received.DrainAll()
	require.Len(t, remaining, 2)
	assert.Equal(t, "second", string(remaining[0].Body()), "second message keeps its place ahead of the retried ack")
	assert.Equal(t, "first", string(remaining[1].Body()), "failed ack goes to the tail, not back to the front")
}

func TestCloseCancelsScheduledRetry(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)
	e.defaultConfig.RetryPolicy = alwaysRetryPolicy{}
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	msg, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	var gotStatus StatusCode
	p := NewPacket(msg, func(status StatusCode, ctx interface{}) { gotStatus = status }, nil)

	e.handleMessageException(p, NewTransportError(errors.New("send failed"), true))
	assert.Equal(t, 1, e.scheduledRetries.Len())
	assert.True(t, e.waiting.Empty(), "packet is parked in scheduledRetries, not back in waiting yet")

	require.NoError(t, e.Close(ClientClose, nil))
	assert.Equal(t, StatusMessageCancelledOnClose, gotStatus, "Close must cancel a packet still waiting out its retry delay")
	assert.Equal(t, 0, e.scheduledRetries.Len())
}

func TestReqRespHandleMessagePollsConnection(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolReqResp)
	polled := false
	conn.receiveFunc = func() (*Message, error) {
		if polled {
			return nil, nil
		}
		polled = true
		m, _ := NewMessage([]byte("polled"))
		return m, nil
	}
	e := newTestEngine(t, conn)
	require.NoError(t, e.Open([]*Config{testConfig(t)}))

	e.HandleMessage()

	require.Len(t, conn.acked, 1)
	assert.Equal(t, "polled", string(conn.acked[0].msg.Body()))
}

func TestStatusChangeCallbackFiresOnTransitions(t *testing.T) {
	t.Parallel()

	conn := newFakeConnection("c1", ProtocolPubSub)
	e := newTestEngine(t, conn)

	var statuses []ConnectionStatus
	var mu sync.Mutex
	require.NoError(t, e.RegisterConnectionStatusChangeCallback(func(status ConnectionStatus, reason ConnectionStatusChangeReason, cause error, ctx interface{}) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	}, nil))

	require.NoError(t, e.Open([]*Config{testConfig(t)}))
	require.NoError(t, e.Close(ClientClose, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionStatus{Connected, Disconnected}, statuses)
}
