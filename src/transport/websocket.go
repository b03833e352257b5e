package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendBufFrames = 512

	// DefaultHighWaterMark is the queued-byte threshold above which
	// WaitToDrain starts gating streaming sends.
	DefaultHighWaterMark = 512 * 1024

	// DefaultBufferTimeout is the granularity at which an armed drain
	// re-checks the queued-byte count.
	DefaultBufferTimeout = 250 * time.Millisecond

	// DefaultMaxMessageSize bounds one inbound frame.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// WebSocketOptions tunes the drain bookkeeping of a websocket endpoint.
// Zero values take the defaults above.
type WebSocketOptions struct {
	HighWaterMark  int
	BufferTimeout  time.Duration
	MaxMessageSize int64
}

// WebSocket adapts a gorilla connection to the Transport contract. A single
// write pump owns the socket; SendMessage queues frames and accounts their
// bytes so WaitToDrain can gate fast producers.
type WebSocket struct {
	ID string

	conn *websocket.Conn
	opts WebSocketOptions
	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	queued  int
	drain   chan struct{}
	recv    func([]byte)
	reading bool
	err     error

	closeOnce sync.Once
}

// NewWebSocket wraps an upgraded or dialed connection. The write pump starts
// immediately; reads start when Receive registers a callback.
func NewWebSocket(conn *websocket.Conn, opts WebSocketOptions) *WebSocket {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = DefaultHighWaterMark
	}
	if opts.BufferTimeout <= 0 {
		opts.BufferTimeout = DefaultBufferTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	w := &WebSocket{
		ID:   uuid.NewString(),
		conn: conn,
		opts: opts,
		send: make(chan []byte, sendBufFrames),
		done: make(chan struct{}),
	}
	go w.writePump()
	return w
}

// SendMessage queues one frame for ordered delivery.
func (w *WebSocket) SendMessage(ctx context.Context, data []byte) error {
	select {
	case <-w.done:
		return w.Err()
	default:
	}

	w.mu.Lock()
	w.queued += len(data)
	w.mu.Unlock()

	select {
	case w.send <- data:
		return nil
	case <-w.done:
		w.unaccount(len(data))
		return w.Err()
	case <-ctx.Done():
		w.unaccount(len(data))
		return context.Cause(ctx)
	}
}

func (w *WebSocket) unaccount(n int) {
	w.mu.Lock()
	w.queued -= n
	w.signalDrainLocked()
	w.mu.Unlock()
}

// WaitToDrain returns nil while queued bytes sit below the high-water mark.
// Otherwise it returns a channel closed once the queue drops back below;
// the check re-runs every BufferTimeout in case the pump stalls.
func (w *WebSocket) WaitToDrain() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queued < w.opts.HighWaterMark {
		return nil
	}
	if w.drain == nil {
		w.drain = make(chan struct{})
		go w.watchDrain(w.drain)
	}
	return w.drain
}

func (w *WebSocket) watchDrain(drain chan struct{}) {
	ticker := time.NewTicker(w.opts.BufferTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.signalDrainLocked()
			closed := w.drain != drain
			w.mu.Unlock()
			if closed {
				return
			}
		case <-drain:
			return
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) signalDrainLocked() {
	if w.drain != nil && w.queued < w.opts.HighWaterMark {
		close(w.drain)
		w.drain = nil
	}
}

// Receive registers the inbound callback and starts the read pump.
func (w *WebSocket) Receive(fn func(data []byte)) {
	w.mu.Lock()
	w.recv = fn
	start := !w.reading
	w.reading = true
	w.mu.Unlock()
	if start {
		go w.readPump()
	}
}

func (w *WebSocket) readPump() {
	w.conn.SetReadLimit(w.opts.MaxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closeWith(err)
			return
		}
		w.mu.Lock()
		fn := w.recv
		w.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (w *WebSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case data := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.unaccount(len(data))
				w.closeWith(err)
				return
			}
			w.unaccount(len(data))
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.closeWith(err)
				return
			}
		case <-w.done:
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Done closes when the socket disconnects.
func (w *WebSocket) Done() <-chan struct{} { return w.done }

// Err returns the disconnect reason once Done has fired.
func (w *WebSocket) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close tears the connection down with ErrClosed as the reason.
func (w *WebSocket) Close() error {
	w.closeWith(ErrClosed)
	return nil
}

func (w *WebSocket) closeWith(reason error) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.err = reason
		w.mu.Unlock()
		close(w.done)
	})
}
