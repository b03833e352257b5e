// Package rpc implements the streaming bidirectional RPC core: calls,
// signals, and responses over an ordered message transport, any of which may
// carry a streamed tail of chunks. It wires sender-side backpressure,
// per-call cancellation, and disconnect propagation.
package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/seuros/gridstream/src/stream"
	"github.com/seuros/gridstream/src/transport"
	"github.com/seuros/gridstream/src/wire"
)

// Outgoing is streaming data to send: an initial value plus an optional
// chunk tail. A nil Chunks sends a single frame.
type Outgoing struct {
	Value  []byte
	Chunks stream.Source[[]byte]
}

// Incoming is streaming data received: the initial value plus, when the
// peer streams, the chunk iterator. Consumers own the iterator and must
// drain or close it. For a streamed call response, Abort asks the peer to
// stop producing the tail; the stream then ends with the peer's abort
// error.
type Incoming struct {
	Value  []byte
	Chunks *stream.Iterator[[]byte]
	Abort  func()
}

// CallHandler serves one incoming call. The context is canceled when the
// peer aborts the call or the connection drops; its cause carries the
// reason. The returned error is encoded onto the wire for the caller.
type CallHandler func(ctx context.Context, in Incoming) (Outgoing, error)

// SignalHandler consumes one incoming signal. It runs on the receive loop,
// so it must not block on this channel; a handler that needs the signal's
// chunk tail has to consume it from another goroutine.
type SignalHandler func(ctx context.Context, in Incoming)

// Options configure a channel.
type Options struct {
	Logger        Logger
	CallHandler   CallHandler
	SignalHandler SignalHandler
}

type streamKey struct {
	mtype wire.MType
	reqID uint64
}

type pendingCall struct {
	once sync.Once
	done chan struct{}
	in   Incoming
	err  error
}

func (pc *pendingCall) resolve(in Incoming, err error) {
	pc.once.Do(func() {
		pc.in, pc.err = in, err
		close(pc.done)
	})
}

// Channel multiplexes calls, signals, and their streaming tails over one
// transport. Request ids are scoped per direction, so both peers may issue
// calls concurrently without coordination.
type Channel struct {
	t             transport.Transport
	log           Logger
	callHandler   CallHandler
	signalHandler SignalHandler

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu             sync.Mutex
	nextReqID      uint64
	pendingCalls   map[uint64]*pendingCall
	pendingStreams map[streamKey]*stream.Iterator[[]byte]
	callHandlers   map[uint64]context.CancelCauseFunc
}

// NewChannel wires a channel onto t and starts dispatching inbound frames.
func NewChannel(t transport.Transport, opts Options) *Channel {
	log := opts.Logger
	if log == nil {
		log = &NoOpLogger{}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Channel{
		t:              t,
		log:            log,
		callHandler:    opts.CallHandler,
		signalHandler:  opts.SignalHandler,
		ctx:            ctx,
		cancel:         cancel,
		pendingCalls:   make(map[uint64]*pendingCall),
		pendingStreams: make(map[streamKey]*stream.Iterator[[]byte]),
		callHandlers:   make(map[uint64]context.CancelCauseFunc),
	}
	t.Receive(c.onFrame)
	go func() {
		<-t.Done()
		c.onDisconnect(t.Err())
	}()
	return c
}

// Context is canceled when the connection drops; its cause carries the
// disconnect reason. Per-connection resources hang their lifetime off it.
func (c *Channel) Context() context.Context { return c.ctx }

// Close tears the transport down, which in turn fails all pending work with
// the disconnect reason.
func (c *Channel) Close() error { return c.t.Close() }

// Call sends data as a call and waits for the matching response. If ctx is
// canceled while waiting, an abort frame is sent and the wait continues
// until the peer answers (normally with an error) or the connection drops.
func (c *Channel) Call(ctx context.Context, out Outgoing) (Incoming, error) {
	pc := &pendingCall{done: make(chan struct{})}
	c.mu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	c.pendingCalls[reqID] = pc
	c.mu.Unlock()

	if err := c.sendStreamingData(ctx, wire.Call, reqID, out); err != nil {
		c.mu.Lock()
		if c.pendingCalls[reqID] == pc {
			delete(c.pendingCalls, reqID)
		}
		c.mu.Unlock()
		return Incoming{}, err
	}

	select {
	case <-pc.done:
		return pc.in, pc.err
	case <-ctx.Done():
		c.sendAbort(reqID)
		<-pc.done
		return pc.in, pc.err
	}
}

// Signal sends fire-and-forget data; no response is expected.
func (c *Channel) Signal(ctx context.Context, out Outgoing) error {
	c.mu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	c.mu.Unlock()
	return c.sendStreamingData(ctx, wire.Signal, reqID, out)
}

func (c *Channel) sendAbort(reqID uint64) {
	if err := c.send(c.ctx, wire.Message{MType: wire.Call, ReqID: reqID, Abort: true}); err != nil {
		c.log.Debug("abort frame not sent", "reqId", reqID, "error", err)
	}
}

// send encodes and writes one frame, wrapping transport failures so callers
// can tell them apart from handler errors.
func (c *Channel) send(ctx context.Context, m wire.Message) error {
	data, err := wire.EncodeMessage(m)
	if err != nil {
		return err
	}
	if c.log.IsDebugEnabled() {
		c.log.Debug("send frame", "type", m.MType.String(), "reqId", m.ReqID,
			"more", m.More, "error", m.Error, "abort", m.Abort, "bytes", len(data))
	}
	if err := c.t.SendMessage(ctx, data); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// sendStreamingData writes a value frame and, when out has a chunk tail,
// streams it: each chunk waits for the transport to drain, a producer
// failure is encoded as a terminal error frame, and a clean end is marked by
// a bare frame. Only transport failures propagate to the caller.
func (c *Channel) sendStreamingData(ctx context.Context, mtype wire.MType, reqID uint64, out Outgoing) error {
	if out.Chunks == nil {
		return c.send(ctx, wire.Message{MType: mtype, ReqID: reqID, Payload: out.Value})
	}
	if err := c.send(ctx, wire.Message{MType: mtype, ReqID: reqID, More: true, Payload: out.Value}); err != nil {
		_ = out.Chunks.Close()
		return err
	}
	defer func() { _ = out.Chunks.Close() }()
	for {
		select {
		case <-c.ctx.Done():
			return &SendError{Err: context.Cause(c.ctx)}
		default:
		}
		if drain := c.t.WaitToDrain(); drain != nil {
			select {
			case <-drain:
			case <-c.ctx.Done():
				return &SendError{Err: context.Cause(c.ctx)}
			}
		}
		chunk, ok, err := out.Chunks.Next(ctx)
		if err != nil {
			// The producer failed; the stream ends with its error. Sent on
			// the connection context in case the caller's is already gone.
			return c.send(c.ctx, wire.Message{
				MType: mtype, ReqID: reqID, Error: true, Payload: wire.EncodeError(err),
			})
		}
		if !ok {
			return c.send(ctx, wire.Message{MType: mtype, ReqID: reqID})
		}
		if err := c.send(ctx, wire.Message{MType: mtype, ReqID: reqID, More: true, Payload: chunk}); err != nil {
			if c.ctx.Err() == nil && ctx.Err() != nil {
				// The consumer aborted mid-send; end the tail with the
				// reason so the peer's iterator still resolves.
				_ = c.send(c.ctx, wire.Message{
					MType: mtype, ReqID: reqID, Error: true, Payload: wire.EncodeError(context.Cause(ctx)),
				})
			}
			return err
		}
	}
}

func (c *Channel) onFrame(data []byte) {
	m, err := wire.DecodeMessage(data)
	if err != nil {
		c.log.Warn("dropping malformed frame", "error", err)
		return
	}
	if c.log.IsDebugEnabled() {
		c.log.Debug("recv frame", "type", m.MType.String(), "reqId", m.ReqID,
			"more", m.More, "error", m.Error, "abort", m.Abort, "bytes", len(data))
	}
	c.dispatch(m)
}

// dispatch routes one inbound message. Stream frames are matched first so a
// tail cannot be misread as a fresh request; the return value reports
// whether the message found a home.
func (c *Channel) dispatch(m wire.Message) bool {
	key := streamKey{mtype: m.MType, reqID: m.ReqID}
	c.mu.Lock()
	it, open := c.pendingStreams[key]
	c.mu.Unlock()
	if open {
		switch {
		case m.Error:
			it.Fail(wire.DecodeError(m.Payload))
		case !m.More:
			it.Finish()
		default:
			it.Supply(m.Payload)
		}
		return true
	}

	switch m.MType {
	case wire.Call:
		return c.dispatchCall(m)
	case wire.Signal:
		return c.dispatchSignal(m)
	case wire.Resp:
		return c.dispatchResp(m)
	default:
		return false
	}
}

func (c *Channel) dispatchCall(m wire.Message) bool {
	if m.Abort {
		c.mu.Lock()
		cancel, ok := c.callHandlers[m.ReqID]
		c.mu.Unlock()
		if ok {
			cancel(&AbortError{Reason: "aborted by peer"})
		}
		// An abort racing the handler's completion is benign.
		return true
	}
	if c.callHandler == nil {
		c.log.Warn("call received but no handler registered", "reqId", m.ReqID)
		c.respondError(m.ReqID, errors.New("no call handler registered"))
		return false
	}

	in := Incoming{Value: m.Payload}
	if m.More {
		it := stream.NewIterator[[]byte]()
		c.registerStream(streamKey{mtype: wire.Call, reqID: m.ReqID}, it)
		in.Chunks = it
	}
	ctx, cancel := context.WithCancelCause(c.ctx)
	c.mu.Lock()
	c.callHandlers[m.ReqID] = cancel
	c.mu.Unlock()
	go c.serveCall(ctx, cancel, m.ReqID, in)
	return true
}

func (c *Channel) serveCall(ctx context.Context, cancel context.CancelCauseFunc, reqID uint64, in Incoming) {
	defer func() {
		c.mu.Lock()
		delete(c.callHandlers, reqID)
		c.mu.Unlock()
		cancel(nil)
		if in.Chunks != nil {
			_ = in.Chunks.Close()
		}
	}()
	out, err := c.callHandler(ctx, in)
	if err != nil {
		c.respondError(reqID, err)
		return
	}
	if err := c.sendStreamingData(ctx, wire.Resp, reqID, out); err != nil {
		c.log.Warn("response not sent", "reqId", reqID, "error", err)
	}
}

func (c *Channel) respondError(reqID uint64, err error) {
	m := wire.Message{MType: wire.Resp, ReqID: reqID, Error: true, Payload: wire.EncodeError(err)}
	if serr := c.send(c.ctx, m); serr != nil {
		c.log.Warn("error response not sent", "reqId", reqID, "error", serr)
	}
}

func (c *Channel) dispatchSignal(m wire.Message) bool {
	if m.Abort {
		c.log.Warn("abort flag on a signal frame", "reqId", m.ReqID)
		return false
	}
	if c.signalHandler == nil {
		c.log.Debug("signal dropped, no handler registered", "reqId", m.ReqID)
		return false
	}
	in := Incoming{Value: m.Payload}
	if m.More {
		it := stream.NewIterator[[]byte]()
		c.registerStream(streamKey{mtype: wire.Signal, reqID: m.ReqID}, it)
		in.Chunks = it
	}
	// Runs inline so signals are observed in arrival order.
	c.signalHandler(c.ctx, in)
	return true
}

func (c *Channel) dispatchResp(m wire.Message) bool {
	c.mu.Lock()
	pc, ok := c.pendingCalls[m.ReqID]
	if ok {
		delete(c.pendingCalls, m.ReqID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response for unknown request", "reqId", m.ReqID)
		return false
	}
	if m.Error {
		pc.resolve(Incoming{}, wire.DecodeError(m.Payload))
		return true
	}
	in := Incoming{Value: m.Payload}
	if m.More {
		// The iterator must be registered before the caller wakes so the
		// following frames route into it.
		it := stream.NewIterator[[]byte]()
		c.registerStream(streamKey{mtype: wire.Resp, reqID: m.ReqID}, it)
		in.Chunks = it
		reqID := m.ReqID
		in.Abort = func() { c.sendAbort(reqID) }
	}
	pc.resolve(in, nil)
	return true
}

func (c *Channel) registerStream(key streamKey, it *stream.Iterator[[]byte]) {
	c.mu.Lock()
	c.pendingStreams[key] = it
	c.mu.Unlock()
	it.OnCleanup(func() {
		c.mu.Lock()
		if c.pendingStreams[key] == it {
			delete(c.pendingStreams, key)
		}
		c.mu.Unlock()
	})
}

func (c *Channel) onDisconnect(reason error) {
	if reason == nil {
		reason = transport.ErrClosed
	}
	c.cancel(reason)

	c.mu.Lock()
	calls := c.pendingCalls
	streams := c.pendingStreams
	c.pendingCalls = make(map[uint64]*pendingCall)
	c.pendingStreams = make(map[streamKey]*stream.Iterator[[]byte])
	c.mu.Unlock()

	if len(calls) > 0 || len(streams) > 0 {
		c.log.Info("connection dropped with pending work",
			"pendingCalls", len(calls), "openStreams", len(streams), "reason", reason)
	}
	for _, pc := range calls {
		pc.resolve(Incoming{}, reason)
	}
	for _, it := range streams {
		it.Fail(reason)
	}
}
