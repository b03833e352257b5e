// Package session exposes the query engine over the streaming RPC channel.
// The server side serves one document to any number of connections, turning
// calls shaped [methodName, ...args] into engine operations and fanning
// action broadcasts out as ("action", actionSet) signals. The client side
// wraps the same wire surface in typed methods.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/engine"
	"github.com/seuros/gridstream/src/rpc"
	"github.com/seuros/gridstream/src/stream"
	"github.com/seuros/gridstream/src/transport"
	"github.com/seuros/gridstream/src/wire"
)

// actionFeedBuffer bounds the per-connection queue of pending action
// signals. A connection that cannot drain this many broadcasts is dropped
// rather than allowed to stall appliers.
const actionFeedBuffer = 256

// ServerOptions configure a document server.
type ServerOptions struct {
	Logger rpc.Logger
}

// Server serves one document engine to connected peers.
type Server struct {
	engine *engine.Engine
	log    rpc.Logger
}

// NewServer creates a server over eng.
func NewServer(eng *engine.Engine, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = &rpc.NoOpLogger{}
	}
	return &Server{engine: eng, log: log}
}

// Serve attaches one connection to the document and blocks until the
// connection ends. It returns nil on a locally-initiated close and the
// disconnect reason otherwise.
func (s *Server) Serve(t transport.Transport) error {
	conn := &serverConn{
		id:     uuid.NewString(),
		engine: s.engine,
		log:    s.log,
	}
	ch := rpc.NewChannel(t, rpc.Options{
		Logger:      s.log,
		CallHandler: conn.handleCall,
	})
	conn.ch = ch
	ctx := ch.Context()

	feed := make(chan doc.ActionSet, actionFeedBuffer)
	removeListener := s.engine.AddActionListener(ctx, func(set doc.ActionSet) {
		select {
		case feed <- set:
		default:
			s.log.Warn("action feed overflow, dropping connection", "conn", conn.id)
			_ = t.Close()
		}
	})
	defer removeListener()
	go conn.pumpActions(ctx, feed)

	s.log.Info("session opened", "conn", conn.id)
	<-ctx.Done()

	err := t.Err()
	if errors.Is(err, transport.ErrClosed) {
		s.log.Info("session closed", "conn", conn.id)
		return nil
	}
	s.log.Info("session ended", "conn", conn.id, "reason", err)
	return err
}

// serverConn is the per-connection state of a served document.
type serverConn struct {
	id     string
	engine *engine.Engine
	ch     *rpc.Channel
	log    rpc.Logger
}

// handleCall decodes [methodName, ...args] and dispatches to the method
// allow-list. Anything outside the list is an error, never a reflection
// lookup.
func (c *serverConn) handleCall(ctx context.Context, in rpc.Incoming) (rpc.Outgoing, error) {
	if in.Chunks != nil {
		// Method calls carry no tails.
		_ = in.Chunks.Close()
	}
	v, err := wire.UnmarshalPayload(in.Value)
	if err != nil {
		return rpc.Outgoing{}, fmt.Errorf("call payload: %w", err)
	}
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return rpc.Outgoing{}, fmt.Errorf("call payload: want [method, ...args]")
	}
	method, ok := arr[0].(string)
	if !ok {
		return rpc.Outgoing{}, fmt.Errorf("call payload: method name must be a string")
	}
	args := arr[1:]

	if c.log.IsDebugEnabled() {
		c.log.Debug("call", "conn", c.id, "method", method, "args", len(args))
	}

	switch method {
	case "fetchQuery":
		return c.fetchQuery(ctx, args)
	case "fetchQueryStreaming":
		return c.fetchQueryStreaming(ctx, args)
	case "applyActions":
		return c.applyActions(ctx, args)
	default:
		return rpc.Outgoing{}, fmt.Errorf("unknown method %q", method)
	}
}

func (c *serverConn) fetchQuery(ctx context.Context, args []interface{}) (rpc.Outgoing, error) {
	if len(args) != 1 {
		return rpc.Outgoing{}, fmt.Errorf("fetchQuery wants 1 argument, got %d", len(args))
	}
	q, err := doc.ParseQuery(args[0])
	if err != nil {
		return rpc.Outgoing{}, err
	}
	res, err := c.engine.FetchQuery(ctx, q)
	if err != nil {
		return rpc.Outgoing{}, err
	}
	payload, err := wire.MarshalPayload(res)
	if err != nil {
		return rpc.Outgoing{}, err
	}
	return rpc.Outgoing{Value: payload}, nil
}

func (c *serverConn) fetchQueryStreaming(ctx context.Context, args []interface{}) (rpc.Outgoing, error) {
	if len(args) < 1 || len(args) > 2 {
		return rpc.Outgoing{}, fmt.Errorf("fetchQueryStreaming wants 1 or 2 arguments, got %d", len(args))
	}
	q, err := doc.ParseQuery(args[0])
	if err != nil {
		return rpc.Outgoing{}, err
	}
	var opts doc.StreamingOptions
	if len(args) == 2 {
		if opts, err = doc.ParseStreamingOptions(args[1]); err != nil {
			return rpc.Outgoing{}, err
		}
	}
	sr, err := c.engine.FetchQueryStreaming(ctx, q, opts)
	if err != nil {
		return rpc.Outgoing{}, err
	}
	value, err := wire.MarshalPayload(sr.Value)
	if err != nil {
		_ = sr.Chunks.Close()
		return rpc.Outgoing{}, err
	}
	// The response streams: the value frame carries the header, then each
	// chunk goes out as one frame of JSON rows. An abort from the peer
	// cancels the call context, which fails the source and ends the tail
	// with the abort error.
	chunks := stream.Map(sr.Chunks, func(rows []doc.Row) ([]byte, error) {
		return wire.MarshalPayload(rows)
	})
	return rpc.Outgoing{Value: value, Chunks: chunks}, nil
}

func (c *serverConn) applyActions(ctx context.Context, args []interface{}) (rpc.Outgoing, error) {
	if len(args) != 1 {
		return rpc.Outgoing{}, fmt.Errorf("applyActions wants 1 argument, got %d", len(args))
	}
	actions, err := doc.ParseActions(args[0])
	if err != nil {
		return rpc.Outgoing{}, err
	}
	res, err := c.engine.ApplyActions(ctx, actions)
	if err != nil {
		return rpc.Outgoing{}, err
	}
	payload, err := wire.MarshalPayload(res)
	if err != nil {
		return rpc.Outgoing{}, err
	}
	return rpc.Outgoing{Value: payload}, nil
}

// pumpActions forwards queued broadcasts to the peer as signals, in commit
// order, off the applier's goroutine.
func (c *serverConn) pumpActions(ctx context.Context, feed <-chan doc.ActionSet) {
	for {
		select {
		case <-ctx.Done():
			return
		case set := <-feed:
			payload, err := wire.MarshalPayload([]interface{}{"action", set})
			if err != nil {
				c.log.Error("action set not encodable", "conn", c.id, "error", err)
				continue
			}
			if err := c.ch.Signal(ctx, rpc.Outgoing{Value: payload}); err != nil {
				if rpc.IsSendError(err) {
					return
				}
				c.log.Warn("action signal not sent", "conn", c.id, "error", err)
			}
		}
	}
}
