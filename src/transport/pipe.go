package transport

import (
	"context"
	"sync"
)

// Pipe is an in-memory transport endpoint. NewPipe returns two connected
// endpoints; messages sent on one are delivered, in order, to the receive
// callback of the other. Closing either endpoint disconnects both with the
// same reason.
type Pipe struct {
	peer *Pipe

	in   chan []byte
	done chan struct{}

	mu      sync.Mutex
	recv    func([]byte)
	pumping bool
	err     error

	closeOnce sync.Once
}

// NewPipe returns two connected in-memory endpoints.
func NewPipe() (*Pipe, *Pipe) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd() *Pipe {
	return &Pipe{
		in:   make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// SendMessage delivers data to the peer endpoint in order.
func (p *Pipe) SendMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return p.Err()
	case <-p.peer.done:
		return p.peer.Err()
	default:
	}
	select {
	case p.peer.in <- data:
		return nil
	case <-p.done:
		return p.Err()
	case <-p.peer.done:
		return p.peer.Err()
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// WaitToDrain always reports below the high-water mark: the pipe has no
// flush latency to wait out.
func (p *Pipe) WaitToDrain() <-chan struct{} { return nil }

// Receive registers the inbound callback and starts delivery.
func (p *Pipe) Receive(fn func(data []byte)) {
	p.mu.Lock()
	p.recv = fn
	start := !p.pumping
	p.pumping = true
	p.mu.Unlock()
	if start {
		go p.pump()
	}
}

func (p *Pipe) pump() {
	for {
		select {
		case data := <-p.in:
			p.mu.Lock()
			fn := p.recv
			p.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		case <-p.done:
			return
		}
	}
}

// Done closes when the pipe disconnects.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Err returns the disconnect reason once Done has fired.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close disconnects both endpoints with ErrClosed.
func (p *Pipe) Close() error {
	return p.CloseWithError(ErrClosed)
}

// CloseWithError disconnects both endpoints with the given reason.
func (p *Pipe) CloseWithError(reason error) error {
	if reason == nil {
		reason = ErrClosed
	}
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = reason
		p.mu.Unlock()
		close(p.done)
		p.peer.closeFromPeer(reason)
	})
	return nil
}

func (p *Pipe) closeFromPeer(reason error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.err = reason
		p.mu.Unlock()
		close(p.done)
	})
}
