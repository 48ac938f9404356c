package transport

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/dtransport/helpers"
	"github.com/temoto/dtransport/log2"
	"github.com/temoto/dtransport/scheduler"
)

// maxPacketsPerTick bounds how many waiting packets a single SendMessages
// call will dispatch, keeping one pump tick from monopolizing the
// connection when a burst of messages is queued at once.
const maxPacketsPerTick = 10

// ConnectionFactory builds one fresh TransportConnection for protocol. The
// engine never imports a concrete wire-protocol adapter itself, so this is
// supplied by whoever assembles the engine (see WithConnectionFactory).
type ConnectionFactory func(protocol Protocol) (TransportConnection, error)

// StatusChangeCallback receives every ConnectionStatus transition.
type StatusChangeCallback func(status ConnectionStatus, reason ConnectionStatusChangeReason, cause error, ctx interface{})

// ConnectionStateCallback is the coarser connected/disconnected signal kept
// alongside StatusChangeCallback; some callers only care about the boolean.
type ConnectionStateCallback func(connected bool, ctx interface{})

// MessageCallback is the application's handler for one inbound message; it
// returns the disposition that acknowledgeReceivedMessage relays to the
// wire as an ack/abandon/reject.
type MessageCallback func(msg *Message, ctx interface{}) CallbackResult

// openWaiter lets openConnection block until the listener confirms the
// connection it just opened, or the wait times out.
type openWaiter struct {
	connID string
	done   chan error
}

// TransportEngine is C6: the device-side state machine that owns the
// waiting/inFlight/callbacks/received containers, the current connection
// and ConnectionStatus, and drives reconnection on failure. It implements
// EngineListener so a TransportConnection can report outcomes upward
// without holding a reference back to the engine's concrete type.
//
// Concurrency follows SPEC_FULL.md §5: each container guards itself, and a
// single mu protects the small bundle of status/connection fields that
// must change atomically together. No global engine lock exists.
type TransportEngine struct {
	defaultConfig *Config
	newConnection ConnectionFactory
	scheduler     scheduler.Scheduler
	log           *log2.Log

	waiting          fifoQueue[*Packet]
	inFlight         *keyedMap[string, *Packet]
	callbacks        fifoQueue[*Packet]
	received         fifoQueue[*Message]
	scheduledRetries *keyedMap[string, *Packet]

	mu                 sync.Mutex
	status             ConnectionStatus
	currentAttempt     uint32
	reconnectStartedMs int64
	connection         TransportConnection
	connID             string
	configs            []*Config
	pendingOpen        *openWaiter
	newScheduler       func() scheduler.Scheduler

	reconnectMu sync.Mutex

	statusCB    StatusChangeCallback
	statusCBCtx interface{}
	stateCB     ConnectionStateCallback
	stateCBCtx  interface{}
	msgCB       MessageCallback
	msgCBCtx    interface{}
}

// Option configures a TransportEngine at construction time.
type Option func(*TransportEngine)

func WithLog(l *log2.Log) Option { return func(e *TransportEngine) { e.log = l } }

func WithScheduler(s scheduler.Scheduler) Option {
	return func(e *TransportEngine) { e.scheduler = s }
}

// WithConnectionFactory wires in the protocol adapter constructor. Without
// one, Open always fails with an illegal-state error, so the engine stays
// Disconnected and AddMessage rejects every message.
func WithConnectionFactory(f ConnectionFactory) Option {
	return func(e *TransportEngine) { e.newConnection = f }
}

// NewTransportEngine builds an idle, disconnected engine around
// defaultConfig, which supplies the retry policy, credential and operation
// timeout for every connection this engine ever opens.
func NewTransportEngine(defaultConfig *Config, opts ...Option) (*TransportEngine, error) {
	if defaultConfig == nil {
		return nil, ErrInvalidArgument("default config required")
	}
	e := &TransportEngine{
		defaultConfig:    defaultConfig,
		inFlight:         newKeyedMap[string, *Packet](),
		scheduledRetries: newKeyedMap[string, *Packet](),
		scheduler:        scheduler.New(),
		newScheduler:     scheduler.New,
		log:              log2.NewStderr(log2.LError),
		status:           Disconnected,
	}
	for _, opt := range opts {
		opt(e)
	}
	if defaultConfig.RetryPolicy == nil {
		defaultConfig.RetryPolicy = NoRetry{}
	}
	return e, nil
}

// Status returns the engine's current ConnectionStatus.
func (e *TransportEngine) Status() ConnectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// RegisterConnectionStateCallback saves the coarse connected/disconnected
// notifier, fired alongside the status-change notifier on every transition.
func (e *TransportEngine) RegisterConnectionStateCallback(cb ConnectionStateCallback, ctx interface{}) error {
	if cb == nil {
		return ErrInvalidArgument("connection state callback is nil")
	}
	e.mu.Lock()
	e.stateCB, e.stateCBCtx = cb, ctx
	e.mu.Unlock()
	return nil
}

// RegisterConnectionStatusChangeCallback saves the status-change notifier
// (C7): invoked with the full status/reason/cause on every transition.
func (e *TransportEngine) RegisterConnectionStatusChangeCallback(cb StatusChangeCallback, ctx interface{}) error {
	if cb == nil {
		return ErrInvalidArgument("status change callback is nil")
	}
	e.mu.Lock()
	e.statusCB, e.statusCBCtx = cb, ctx
	e.mu.Unlock()
	return nil
}

// RegisterMessageCallback saves the application handler acknowledge
// messages are delivered to. Not part of the notifier pair above: this is
// the callback handle_message (§4.5) consults for every inbound message.
func (e *TransportEngine) RegisterMessageCallback(cb MessageCallback, ctx interface{}) error {
	if cb == nil {
		return ErrInvalidArgument("message callback is nil")
	}
	e.mu.Lock()
	e.msgCB, e.msgCBCtx = cb, ctx
	e.mu.Unlock()
	return nil
}

// Open establishes the connection described by configs. It is idempotent
// when already Connected, and rejected outright while a reconnect loop is
// in progress. It blocks until the connection is established or fails.
func (e *TransportEngine) Open(configs []*Config) error {
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()

	switch status {
	case Connected:
		return nil
	case DisconnectedRetrying:
		return NewTransportError(errors.New("open: a reconnect attempt is already in progress"), false)
	}

	if len(configs) == 0 {
		return ErrInvalidArgument("open: configs must be non-empty")
	}
	if e.defaultConfig.isCredentialExpired() {
		return NewAuthenticationError(errors.New("credential expired"), true)
	}
	return e.openConnection(configs)
}

// openConnection builds a fresh TransportConnection for configs' primary
// protocol, opens it, and waits for the listener to confirm establishment
// (or report failure) before returning. Used both by Open and by the
// reconnect loop's singleReconnectAttempt.
func (e *TransportEngine) openConnection(configs []*Config) error {
	if e.newConnection == nil {
		return ErrIllegalState("open: no connection factory configured")
	}
	protocol := configs[0].Protocol()
	conn, err := e.newConnection(protocol)
	if err != nil {
		return errors.Annotate(err, "open: building connection")
	}
	connID := conn.GetConnectionID()
	waiter := &openWaiter{connID: connID, done: make(chan error, 1)}

	e.mu.Lock()
	e.configs = configs
	e.connection = conn
	e.connID = connID
	e.pendingOpen = waiter
	e.mu.Unlock()

	conn.SetListener(e)

	if err := conn.Open(configs); err != nil {
		e.clearPendingOpen(waiter)
		e.mu.Lock()
		e.connection, e.connID = nil, ""
		e.mu.Unlock()
		return ToTransportError(err)
	}

	select {
	case err := <-waiter.done:
		if err != nil {
			return err
		}
		return nil
	case <-time.After(configs[0].NetworkTimeout()):
		e.clearPendingOpen(waiter)
		return NewOperationTimeoutError(errors.New("open: timed out waiting for connection establishment"))
	}
}

func (e *TransportEngine) clearPendingOpen(w *openWaiter) {
	e.mu.Lock()
	if e.pendingOpen == w {
		e.pendingOpen = nil
	}
	e.mu.Unlock()
}

// Close tears the connection down, cancels every queued, in-flight or
// scheduled-retry packet with StatusMessageCancelledOnClose, and moves
// status to Disconnected. Calling Close twice in a row is safe: the
// second call finds status already Disconnected and returns at once.
func (e *TransportEngine) Close(reason ConnectionStatusChangeReason, cause error) error {
	e.mu.Lock()
	alreadyClosed := e.status == Disconnected
	e.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	// Stop the scheduler before draining waiting: any retry task still
	// mid-delay either fires its PushBack(waiting) before Stop returns, or
	// observes the stop signal and leaves its packet in scheduledRetries
	// for us to cancel explicitly below. Either way no packet scheduled for
	// retry escapes this Close uncancelled.
	e.scheduler.Stop()
	for _, p := range e.scheduledRetries.DrainAll() {
		p.SetStatus(StatusMessageCancelledOnClose)
		e.callbacks.PushBack(p)
	}

	for _, p := range e.waiting.DrainAll() {
		p.SetStatus(StatusMessageCancelledOnClose)
		e.callbacks.PushBack(p)
	}
	for _, p := range e.inFlight.DrainAll() {
		p.SetStatus(StatusMessageCancelledOnClose)
		e.callbacks.PushBack(p)
	}
	e.InvokeCallbacks()

	e.mu.Lock()
	conn := e.connection
	e.connection, e.connID = nil, ""
	e.scheduler = e.newScheduler()
	e.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			e.log.Errorf("close: connection close: %v", err)
		}
	}

	e.updateStatus(Disconnected, reason, cause)
	return nil
}

// AddMessage enqueues msg for delivery. It is rejected outright while the
// engine has never been opened or has since been closed; during a
// reconnect the message queues normally and is sent once reconnected.
func (e *TransportEngine) AddMessage(msg *Message, cb PacketCallback, ctx interface{}) error {
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if status == Disconnected {
		return ErrIllegalState("add message: transport is disconnected")
	}
	e.waiting.PushBack(NewPacket(msg, cb, ctx))
	return nil
}

// IsEmpty reports whether every container the engine owns is empty: no
// packet waiting, in flight, or pending a callback.
func (e *TransportEngine) IsEmpty() bool {
	return e.waiting.Empty() && e.inFlight.Len() == 0 && e.callbacks.Empty()
}

// InvokeCallbacks drains the callbacks queue and runs every packet's saved
// callback exactly once. A panicking callback is recovered and logged so
// one bad application handler cannot take down the pump goroutine driving
// this call.
func (e *TransportEngine) InvokeCallbacks() {
	for _, p := range e.callbacks.DrainAll() {
		e.invokeOne(p)
	}
}

func (e *TransportEngine) invokeOne(p *Packet) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("packet callback panicked: %v", r)
		}
	}()
	p.invokeCallback()
}

// operationTimeout is the engine-wide bound hasOperationTimedOut checks
// packets and reconnect attempts against.
func (e *TransportEngine) operationTimeout() time.Duration {
	return helpers.MillisOrDefault(e.defaultConfig.OperationTimeoutMs, 60*time.Second)
}

// hasOperationTimedOut implements the spec's boundary rule literally:
// startMs == 0 means "no clock running yet", never timed out.
func (e *TransportEngine) hasOperationTimedOut(startMs int64) bool {
	if startMs == 0 {
		return false
	}
	return time.Now().UnixMilli()-startMs > e.operationTimeout().Milliseconds()
}

// updateStatus is the single place status changes; it is a no-op when
// newStatus equals the current status, which is what makes Close and
// handleDisconnection safe to call more than once.
func (e *TransportEngine) updateStatus(newStatus ConnectionStatus, reason ConnectionStatusChangeReason, cause error) {
	e.mu.Lock()
	if e.status == newStatus {
		e.mu.Unlock()
		return
	}
	e.status = newStatus
	if newStatus == Connected {
		e.currentAttempt = 0
		e.reconnectStartedMs = 0
	}
	statusCB, statusCtx := e.statusCB, e.statusCBCtx
	stateCB, stateCtx := e.stateCB, e.stateCBCtx
	e.mu.Unlock()

	if statusCB != nil {
		statusCB(newStatus, reason, cause, statusCtx)
	}
	if stateCB != nil {
		stateCB(newStatus == Connected, stateCtx)
	}
}
