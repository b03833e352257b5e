// Package store wraps the embedded SQLite document file behind a pool of
// pinned connections with manual transaction control.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrPoolClosed reports an acquire on a closed pool.
var ErrPoolClosed = errors.New("store: pool closed")

// Options configure a pool.
type Options struct {
	// MaxHandles bounds the number of concurrently acquired handles; zero
	// means unbounded. When the bound is reached, Acquire blocks until a
	// handle comes back or the context is canceled.
	MaxHandles int
}

// DSN renders the SQLite connection string for a document path. WAL keeps
// streamed reads running alongside a writer; the busy timeout covers the
// write-lock handoff between handles.
func DSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Pool hands out store handles stack-wise: a released handle is the next one
// acquired, keeping its page cache warm.
type Pool struct {
	db  *sql.DB
	sem chan struct{}

	mu     sync.Mutex
	free   []*Handle
	total  int
	inUse  int
	closed bool
}

// Stats is a point-in-time pool gauge for logging and metrics.
type Stats struct {
	TotalConnections int
	InUseConnections int
}

// Open opens the document at path and verifies it is reachable.
func Open(ctx context.Context, path string, opts Options) (*Pool, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store %q: %w", path, err)
	}
	p := &Pool{db: db}
	if opts.MaxHandles > 0 {
		p.sem = make(chan struct{}, opts.MaxHandles)
	}
	return p, nil
}

// Acquire returns a free handle, creating one when the stack is empty.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.releaseSlot()
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		p.mu.Unlock()
		return h, nil
	}
	p.total++
	p.inUse++
	p.mu.Unlock()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.inUse--
		p.mu.Unlock()
		p.releaseSlot()
		return nil, fmt.Errorf("open store handle: %w", err)
	}
	return &Handle{conn: conn}, nil
}

// Release returns a handle to the pool. A transaction left open on it is
// rolled back first.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	h.forceClean(context.Background())

	p.mu.Lock()
	if p.closed {
		p.total--
		p.inUse--
		p.mu.Unlock()
		_ = h.conn.Close()
	} else {
		p.free = append(p.free, h)
		p.inUse--
		p.mu.Unlock()
	}
	p.releaseSlot()
}

func (p *Pool) releaseSlot() {
	if p.sem != nil {
		<-p.sem
	}
}

// WithDB acquires a handle for the duration of fn. Streaming work must
// manage Acquire and Release itself: holding a handle across a long wait
// starves the pool.
func (p *Pool) WithDB(ctx context.Context, fn func(h *Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// Stats reports the current connection gauges.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{TotalConnections: p.total, InUseConnections: p.inUse}
}

// Ping verifies the underlying store is reachable.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases all free handles and the underlying store. Handles still
// acquired are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.total -= len(free)
	p.mu.Unlock()

	for _, h := range free {
		_ = h.conn.Close()
	}
	return p.db.Close()
}
