// Package transport defines the ordered message channel the RPC core rides
// on, plus two concrete adapters: an in-memory pipe and a websocket binding.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is the disconnect reason when the local side closed the
// transport deliberately.
var ErrClosed = errors.New("transport: closed")

// Transport is an ordered, reliable channel of opaque messages.
//
// Implementations fire Done at most once; Err holds the disconnect reason
// afterwards. Receive must be registered before the first message arrives.
// WaitToDrain returns nil while the local send buffer sits below the
// high-water mark, otherwise a channel that closes once it drains; only
// streaming tails consult it.
type Transport interface {
	SendMessage(ctx context.Context, data []byte) error
	WaitToDrain() <-chan struct{}
	Receive(fn func(data []byte))
	Done() <-chan struct{}
	Err() error
	Close() error
}
