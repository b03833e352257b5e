package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/rpc"
	"github.com/seuros/gridstream/src/stream"
	"github.com/seuros/gridstream/src/transport"
	"github.com/seuros/gridstream/src/wire"
)

// ClientOptions configure a document client.
type ClientOptions struct {
	Logger rpc.Logger
}

// Client is the typed peer of a document server.
type Client struct {
	ch  *rpc.Channel
	log rpc.Logger

	mu       sync.Mutex
	onAction []func(doc.ActionSet)
}

// NewClient wraps a connected transport in a document client.
func NewClient(t transport.Transport, opts ClientOptions) *Client {
	log := opts.Logger
	if log == nil {
		log = &rpc.NoOpLogger{}
	}
	c := &Client{log: log}
	c.ch = rpc.NewChannel(t, rpc.Options{
		Logger:        log,
		SignalHandler: c.onSignal,
	})
	return c
}

// Context ends when the connection does; its cause is the disconnect
// reason.
func (c *Client) Context() context.Context { return c.ch.Context() }

// Close tears the connection down.
func (c *Client) Close() error { return c.ch.Close() }

// OnAction registers fn for document action broadcasts. Handlers run on the
// receive loop in arrival order and must not block.
func (c *Client) OnAction(fn func(doc.ActionSet)) {
	c.mu.Lock()
	c.onAction = append(c.onAction, fn)
	c.mu.Unlock()
}

func (c *Client) onSignal(ctx context.Context, in rpc.Incoming) {
	if in.Chunks != nil {
		_ = in.Chunks.Close()
	}
	v, err := wire.UnmarshalPayload(in.Value)
	if err != nil {
		c.log.Warn("signal payload not decodable", "error", err)
		return
	}
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		c.log.Warn("signal payload shape", "payload", v)
		return
	}
	name, _ := arr[0].(string)
	switch name {
	case "action":
		if len(arr) != 2 {
			c.log.Warn("action signal wants 2 elements", "got", len(arr))
			return
		}
		set, err := doc.ParseActionSet(arr[1])
		if err != nil {
			c.log.Warn("action set not decodable", "error", err)
			return
		}
		c.mu.Lock()
		fns := append([]func(doc.ActionSet){}, c.onAction...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(set)
		}
	default:
		c.log.Warn("unknown signal", "name", name)
	}
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) (rpc.Incoming, error) {
	payload, err := wire.MarshalPayload(append([]interface{}{method}, args...))
	if err != nil {
		return rpc.Incoming{}, err
	}
	return c.ch.Call(ctx, rpc.Outgoing{Value: payload})
}

// FetchQuery runs a buffered read against the served document.
func (c *Client) FetchQuery(ctx context.Context, q doc.Query) (doc.QueryResult, error) {
	in, err := c.call(ctx, "fetchQuery", q)
	if err != nil {
		return doc.QueryResult{}, err
	}
	if in.Chunks != nil {
		_ = in.Chunks.Close()
	}
	v, err := wire.UnmarshalPayload(in.Value)
	if err != nil {
		return doc.QueryResult{}, err
	}
	return doc.ParseQueryResult(v)
}

// ApplyActions applies a batch of actions atomically.
func (c *Client) ApplyActions(ctx context.Context, actions []doc.Action) (doc.ApplyResultSet, error) {
	in, err := c.call(ctx, "applyActions", actions)
	if err != nil {
		return doc.ApplyResultSet{}, err
	}
	if in.Chunks != nil {
		_ = in.Chunks.Close()
	}
	v, err := wire.UnmarshalPayload(in.Value)
	if err != nil {
		return doc.ApplyResultSet{}, err
	}
	return doc.ParseApplyResultSet(v)
}

// FetchQueryStreaming starts a streaming read. The returned stream owns the
// chunk tail; the caller must drain it or Close it.
func (c *Client) FetchQueryStreaming(ctx context.Context, q doc.Query, opts doc.StreamingOptions) (*QueryStream, error) {
	in, err := c.call(ctx, "fetchQueryStreaming", q, opts)
	if err != nil {
		return nil, err
	}
	v, err := wire.UnmarshalPayload(in.Value)
	if err != nil {
		if in.Chunks != nil {
			_ = in.Chunks.Close()
		}
		return nil, err
	}
	value, err := doc.ParseStreamingValue(v)
	if err != nil {
		if in.Chunks != nil {
			_ = in.Chunks.Close()
		}
		return nil, err
	}
	it := in.Chunks
	if it == nil {
		// Tolerate a peer that answers without a tail.
		it = stream.NewIterator[[]byte]()
		it.Finish()
	}
	return &QueryStream{Value: value, it: it, abort: in.Abort}, nil
}

// QueryStream is a streaming read in flight: the header frame plus row
// chunks still arriving. Single consumer.
type QueryStream struct {
	Value doc.StreamingValue

	it    *stream.Iterator[[]byte]
	abort func()
	chunk []doc.Row
	ended bool
	err   error
}

// Next blocks for the next chunk, returning false when the stream ends.
// After a false return, Err distinguishes a clean end from a failure.
func (qs *QueryStream) Next(ctx context.Context) bool {
	if qs.ended || qs.err != nil {
		return false
	}
	if !qs.it.Next(ctx) {
		qs.ended = true
		qs.err = qs.it.Err()
		return false
	}
	v, err := wire.UnmarshalPayload(qs.it.Chunk())
	if err == nil {
		qs.chunk, err = doc.ParseRows(v)
	}
	if err != nil {
		qs.err = fmt.Errorf("row chunk: %w", err)
		_ = qs.it.Close()
		return false
	}
	return true
}

// Rows returns the chunk produced by the last successful Next.
func (qs *QueryStream) Rows() []doc.Row { return qs.chunk }

// Err returns the terminal error, nil after a clean end.
func (qs *QueryStream) Err() error { return qs.err }

// Collect drains the remaining chunks into one slice.
func (qs *QueryStream) Collect(ctx context.Context) ([]doc.Row, error) {
	var rows []doc.Row
	for qs.Next(ctx) {
		rows = append(rows, qs.Rows()...)
	}
	return rows, qs.Err()
}

// Close abandons the stream. If the tail is still flowing, the server is
// asked to stop producing it.
func (qs *QueryStream) Close() error {
	if !qs.ended && qs.err == nil && qs.abort != nil {
		qs.abort()
	}
	return qs.it.Close()
}
