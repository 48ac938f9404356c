package transport

import "time"

// PacketCallback is the application callback saved on a Packet at
// AddMessage time and invoked exactly once by InvokeCallbacks.
type PacketCallback func(status StatusCode, ctx interface{})

// Packet wraps a Message with the bookkeeping the engine needs to move it
// through waiting -> inFlight -> callbacks: the saved user callback and
// its opaque context, a retry counter, and the instant it was first
// enqueued (used by hasOperationTimedOut). A Packet belongs to exactly one
// queue/map at a time; see SPEC_FULL.md §3 invariant 1.
type Packet struct {
	msg          *Message
	callback     PacketCallback
	ctx          interface{}
	status       StatusCode
	retryCount   uint32
	enqueuedAtMs int64 // unix ms; 0 would mean "no timeout", never produced by NewPacket
}

// NewPacket wraps msg for submission to the engine. enqueuedAtMs is
// stamped at construction time and never changes across retries, matching
// the spec's per-packet operation-timeout semantics ("measured from first
// enqueue").
func NewPacket(msg *Message, cb PacketCallback, ctx interface{}) *Packet {
	return &Packet{
		msg:          msg,
		callback:     cb,
		ctx:          ctx,
		status:       StatusUnset,
		enqueuedAtMs: time.Now().UnixMilli(),
	}
}

func (p *Packet) Message() *Message      { return p.msg }
func (p *Packet) Status() StatusCode     { return p.status }
func (p *Packet) SetStatus(s StatusCode) { p.status = s }
func (p *Packet) RetryCount() uint32     { return p.retryCount }
func (p *Packet) IncrementRetry()        { p.retryCount++ }
func (p *Packet) EnqueuedAtMs() int64    { return p.enqueuedAtMs }

// invokeCallback runs the saved callback exactly once. A second call is a
// programmer error within this package and is guarded by the callback
// queue never holding a reference to a packet it already drained, not by
// a runtime check here.
func (p *Packet) invokeCallback() {
	if p.callback != nil {
		p.callback(p.status, p.ctx)
	}
}
