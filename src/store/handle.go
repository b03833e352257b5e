package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type busyError struct{}

func (busyError) Error() string {
	return "store busy: a transaction is already open on this handle"
}

// ErrorKind tags the error for wire encoding.
func (busyError) ErrorKind() string { return "store-busy" }

// ErrStoreBusy reports a transaction attempted on a handle that already has
// one open. Callers get it instead of queueing; they may retry on another
// handle or after closing the running read.
var ErrStoreBusy error = busyError{}

// Handle is one pinned connection to the store, used by a single task at a
// time. Transactions are managed with explicit BEGIN statements so reads can
// hold a deferred transaction open across a streamed result while writes
// take the write lock up front.
type Handle struct {
	conn *sql.Conn

	mu   sync.Mutex
	busy bool
}

// Begin opens a deferred read transaction.
func (h *Handle) Begin(ctx context.Context) (*Tx, error) {
	return h.begin(ctx, "BEGIN")
}

// BeginImmediate opens a write transaction that acquires the write lock up
// front, so concurrent readers never observe a half-applied change.
func (h *Handle) BeginImmediate(ctx context.Context) (*Tx, error) {
	return h.begin(ctx, "BEGIN IMMEDIATE")
}

func (h *Handle) begin(ctx context.Context, stmt string) (*Tx, error) {
	h.mu.Lock()
	if h.busy {
		h.mu.Unlock()
		return nil, ErrStoreBusy
	}
	h.busy = true
	h.mu.Unlock()

	if _, err := h.conn.ExecContext(ctx, stmt); err != nil {
		h.clearBusy()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{h: h}, nil
}

func (h *Handle) clearBusy() {
	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()
}

// InTransaction reports whether a transaction is currently open.
func (h *Handle) InTransaction() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

// ExecContext runs a statement outside any managed transaction.
func (h *Handle) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return h.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside any managed transaction.
func (h *Handle) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return h.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside any managed transaction.
func (h *Handle) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return h.conn.QueryRowContext(ctx, query, args...)
}

// forceClean rolls back a transaction someone forgot to finish. Returning a
// dirty handle to the pool must not leak the write lock.
func (h *Handle) forceClean(ctx context.Context) {
	h.mu.Lock()
	busy := h.busy
	h.mu.Unlock()
	if busy {
		_, _ = h.conn.ExecContext(ctx, "ROLLBACK")
		h.clearBusy()
	}
}

// Tx is a manually-managed transaction on one handle. Exactly one of Commit
// or Rollback finishes it; Rollback afterwards is a no-op so cleanup paths
// can call it unconditionally.
type Tx struct {
	h    *Handle
	mu   sync.Mutex
	done bool
}

// ExecContext runs a statement inside the transaction.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return tx.h.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return tx.h.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return tx.h.conn.QueryRowContext(ctx, query, args...)
}

// PrepareContext compiles a statement for repeated execution inside the
// transaction. The caller must close it before the transaction finishes.
func (tx *Tx) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return tx.h.conn.PrepareContext(ctx, query)
}

// Commit makes the transaction's effects durable.
func (tx *Tx) Commit(ctx context.Context) error {
	return tx.finish(ctx, "COMMIT")
}

// Rollback discards the transaction. It returns nil when the transaction
// already finished.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil
	}
	tx.mu.Unlock()
	return tx.finish(ctx, "ROLLBACK")
}

func (tx *Tx) finish(ctx context.Context, stmt string) error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	tx.mu.Unlock()

	_, err := tx.h.conn.ExecContext(ctx, stmt)
	if err != nil && stmt == "COMMIT" {
		// A failed COMMIT can leave the transaction open; make sure it is
		// gone before the handle is reused.
		tx.h.conn.ExecContext(context.Background(), "ROLLBACK")
	}
	tx.h.clearBusy()
	if err != nil {
		return fmt.Errorf("%s: %w", stmt, err)
	}
	return nil
}
