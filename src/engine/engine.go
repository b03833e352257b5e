// Package engine executes structured queries and document actions against an
// embedded SQLite document. Reads come in two shapes: a fully-buffered fetch
// and a streaming fetch that walks a raw row cursor inside a long-lived read
// transaction. Writes are batches of actions applied atomically, each
// successful batch advancing the document's action number and fanning out to
// registered listeners.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/rpc"
	"github.com/seuros/gridstream/src/sqlgen"
	"github.com/seuros/gridstream/src/store"
	"github.com/seuros/gridstream/src/stream"
)

// metaTable holds engine bookkeeping, currently just the action number.
const metaTable = `"_gridstream_meta"`

// ActionListener receives the broadcast emitted after each successful apply.
type ActionListener func(set doc.ActionSet)

// Engine coordinates reads and writes against one document.
type Engine struct {
	pool *store.Pool
	cfg  *Config
	log  rpc.Logger
	obs  *observabilityInstruments

	// notifyMu orders broadcasts: it is held across commit and delivery so
	// listeners see action sets in commit order.
	notifyMu sync.Mutex

	lmu          sync.Mutex
	nextListener int
	listeners    map[int]ActionListener
}

// New creates an engine over the given pool and makes sure the bookkeeping
// schema exists. A nil or sparse cfg is filled with defaults.
func New(ctx context.Context, pool *store.Pool, cfg *Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		pool:      pool,
		cfg:       cfg,
		log:       cfg.Logger,
		obs:       initObservability(),
		listeners: make(map[int]ActionListener),
	}
	e.obs.registerPoolObserver(pool.Stats, cfg.Observability)
	if err := e.ensureMetaSchema(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) ensureMetaSchema(ctx context.Context) error {
	return e.pool.WithDB(ctx, func(h *store.Handle) error {
		if _, err := h.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+metaTable+` ("id" INTEGER PRIMARY KEY CHECK ("id" = 1), "action_num" INTEGER NOT NULL DEFAULT 0)`); err != nil {
			return fmt.Errorf("create meta table: %w", err)
		}
		if _, err := h.ExecContext(ctx, `INSERT OR IGNORE INTO `+metaTable+` ("id", "action_num") VALUES (1, 0)`); err != nil {
			return fmt.Errorf("seed meta table: %w", err)
		}
		return nil
	})
}

// Stats reports pool usage.
func (e *Engine) Stats() store.Stats {
	return e.pool.Stats()
}

// readActionNum reads the document version inside the given transaction.
// A document created outside the engine reports 0 until its first apply.
func readActionNum(ctx context.Context, tx *store.Tx) int64 {
	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT "action_num" FROM `+metaTable+` WHERE "id" = 1`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// withIDColumn keeps the id column in explicit projections, since results
// always carry it.
func withIDColumn(q doc.Query) doc.Query {
	if len(q.Columns) == 0 {
		return q
	}
	for _, col := range q.Columns {
		if col == "id" {
			return q
		}
	}
	cols := make([]string, 0, len(q.Columns)+1)
	cols = append(cols, "id")
	cols = append(cols, q.Columns...)
	q.Columns = cols
	return q
}

// normalizeValue maps driver scan values onto the cell value domain.
func normalizeValue(v interface{}) doc.CellValue {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.Unix()
	default:
		return x
	}
}

// FetchQuery runs a buffered read: the whole result is materialized in
// columnar form together with the action number it is consistent with.
func (e *Engine) FetchQuery(ctx context.Context, q doc.Query) (res doc.QueryResult, err error) {
	q = withIDColumn(q)
	st, err := sqlgen.Build(q)
	if err != nil {
		return doc.QueryResult{}, err
	}

	ctx, span := e.obs.startSpan(ctx, "doc.fetchQuery", q.TableID, e.cfg.Observability)
	defer func() {
		e.obs.finishQuerySpan(span, int64(len(res.TableData["id"])), err, e.cfg.Observability)
	}()

	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return doc.QueryResult{}, err
	}
	defer e.pool.Release(h)

	tx, err := h.Begin(ctx)
	if err != nil {
		return doc.QueryResult{}, err
	}
	defer tx.Rollback(context.Background())

	actionNum := readActionNum(ctx, tx)

	rows, err := tx.QueryContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return doc.QueryResult{}, err
	}
	defer rows.Close()

	colIDs, err := rows.Columns()
	if err != nil {
		return doc.QueryResult{}, err
	}

	tableData := make(doc.BulkColValues, len(colIDs))
	for _, colID := range colIDs {
		tableData[colID] = []doc.CellValue{}
	}
	scan := make([]interface{}, len(colIDs))
	ptrs := make([]interface{}, len(colIDs))
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for rows.Next() {
		if err = rows.Scan(ptrs...); err != nil {
			return doc.QueryResult{}, err
		}
		for i, colID := range colIDs {
			tableData[colID] = append(tableData[colID], normalizeValue(scan[i]))
		}
	}
	if err = rows.Err(); err != nil {
		return doc.QueryResult{}, err
	}

	if e.log.IsDebugEnabled() {
		e.log.Debug("fetchQuery", "table", q.TableID, "rows", len(tableData["id"]), "actionNum", actionNum)
	}

	return doc.QueryResult{
		TableID:   q.TableID,
		ActionNum: actionNum,
		ColIDs:    colIDs,
		TableData: tableData,
	}, nil
}

// StreamingResult pairs the immediate value of a streaming read with its
// lazily-produced row chunks. The consumer owns the chunks: draining them
// to the end, hitting an error, or calling Close all release the read
// transaction exactly once.
type StreamingResult struct {
	Value  doc.StreamingValue
	Chunks stream.Source[[]doc.Row]
}

// FetchQueryStreaming runs a streaming read on a pooled handle. The handle
// stays pinned to the stream and returns to the pool on cleanup.
func (e *Engine) FetchQueryStreaming(ctx context.Context, q doc.Query, opts doc.StreamingOptions) (*StreamingResult, error) {
	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := e.streamOnHandle(ctx, h, q, opts, true)
	if err != nil {
		e.pool.Release(h)
		return nil, err
	}
	return res, nil
}

// FetchQueryStreamingWithHandle runs a streaming read on a caller-held
// handle. Cleanup closes the read transaction but leaves the handle with
// the caller. A second streaming read while one is open on the same handle
// fails with store.ErrStoreBusy.
func (e *Engine) FetchQueryStreamingWithHandle(ctx context.Context, h *store.Handle, q doc.Query, opts doc.StreamingOptions) (*StreamingResult, error) {
	return e.streamOnHandle(ctx, h, q, opts, false)
}

func (e *Engine) streamOnHandle(ctx context.Context, h *store.Handle, q doc.Query, opts doc.StreamingOptions, releaseHandle bool) (*StreamingResult, error) {
	q = withIDColumn(q)
	st, err := sqlgen.Build(q)
	if err != nil {
		return nil, err
	}

	timeout := e.cfg.Streaming.DefaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	chunkRows := e.cfg.Streaming.DefaultChunkRows
	if opts.ChunkRows > 0 {
		chunkRows = int(opts.ChunkRows)
	}

	tx, err := h.Begin(ctx)
	if err != nil {
		return nil, err
	}

	actionNum := readActionNum(ctx, tx)

	colIDs, err := e.streamColIDs(ctx, tx, q)
	if err != nil {
		tx.Rollback(context.Background())
		return nil, err
	}

	sctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() {
		cancel(&rpc.AbortError{Reason: fmt.Sprintf("streaming read timed out after %s", timeout)})
	})

	src := &chunkSource{
		engine:        e,
		sctx:          sctx,
		cancel:        cancel,
		timer:         timer,
		tx:            tx,
		handle:        h,
		releaseHandle: releaseHandle,
		stmt:          st,
		chunkRows:     chunkRows,
		numCols:       len(colIDs),
	}
	e.obs.recordStreamEvent("open", 0, e.cfg.Observability)

	if e.log.IsDebugEnabled() {
		e.log.Debug("fetchQueryStreaming", "table", q.TableID, "actionNum", actionNum, "chunkRows", chunkRows, "timeout", timeout.String())
	}

	return &StreamingResult{
		Value: doc.StreamingValue{
			TableID:   q.TableID,
			ActionNum: actionNum,
			ColIDs:    colIDs,
		},
		Chunks: src,
	}, nil
}

// streamColIDs resolves the column ids announced before any chunk flows.
// Explicit projections are used as-is; otherwise the table's declared
// column order is read inside the same transaction the rows will use.
func (e *Engine) streamColIDs(ctx context.Context, tx *store.Tx, q doc.Query) ([]string, error) {
	var colIDs []string
	if len(q.Columns) > 0 {
		colIDs = append(colIDs, q.Columns...)
	} else {
		rows, err := tx.QueryContext(ctx, `SELECT "name" FROM pragma_table_info(?) ORDER BY "cid"`, q.TableID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			colIDs = append(colIDs, name)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(colIDs) == 0 {
			return nil, fmt.Errorf("no such table: %s", q.TableID)
		}
	}
	if q.IncludePrevious {
		colIDs = append(colIDs, sqlgen.PreviousColumnID)
	}
	return colIDs, nil
}

// chunkSource walks a raw row cursor, yielding fixed-size positional row
// chunks. It is single-consumer: Next and Close must come from the same
// goroutine. The cursor opens on the first Next, and every exit path funnels
// through cleanup exactly once.
type chunkSource struct {
	engine        *Engine
	sctx          context.Context
	cancel        context.CancelCauseFunc
	timer         *time.Timer
	tx            *store.Tx
	handle        *store.Handle
	releaseHandle bool
	stmt          sqlgen.Statement
	chunkRows     int
	numCols       int

	rows   *sql.Rows
	chunks int64
	done   bool
	closed sync.Once
}

func (s *chunkSource) Next(ctx context.Context) ([]doc.Row, bool, error) {
	if s.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return s.fail(context.Cause(ctx))
	}
	if err := s.sctx.Err(); err != nil {
		return s.fail(context.Cause(s.sctx))
	}
	if s.rows == nil {
		rows, err := s.tx.QueryContext(s.sctx, s.stmt.SQL, s.stmt.Args...)
		if err != nil {
			return s.fail(err)
		}
		s.rows = rows
	}

	chunk := make([]doc.Row, 0, s.chunkRows)
	scan := make([]interface{}, s.numCols)
	ptrs := make([]interface{}, s.numCols)
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for len(chunk) < s.chunkRows && s.rows.Next() {
		if err := s.rows.Scan(ptrs...); err != nil {
			return s.fail(err)
		}
		row := make(doc.Row, s.numCols)
		for i := range scan {
			row[i] = normalizeValue(scan[i])
		}
		chunk = append(chunk, row)
	}
	if err := s.rows.Err(); err != nil {
		// Cancellation closes the cursor from underneath; report the cause
		// rather than the driver's wrapping of it.
		if cause := context.Cause(s.sctx); s.sctx.Err() != nil && cause != nil {
			return s.fail(cause)
		}
		return s.fail(err)
	}
	if len(chunk) < s.chunkRows {
		// Cursor exhausted.
		s.done = true
		s.cleanup()
		if len(chunk) == 0 {
			return nil, false, nil
		}
		s.chunks++
		return chunk, true, nil
	}
	s.chunks++
	return chunk, true, nil
}

func (s *chunkSource) fail(err error) ([]doc.Row, bool, error) {
	s.done = true
	s.cleanup()
	return nil, false, err
}

// Close abandons the stream and releases the read transaction.
func (s *chunkSource) Close() error {
	s.done = true
	s.cleanup()
	return nil
}

func (s *chunkSource) cleanup() {
	s.closed.Do(func() {
		s.timer.Stop()
		if s.rows != nil {
			s.rows.Close()
		}
		s.tx.Rollback(context.Background())
		if s.releaseHandle {
			s.engine.pool.Release(s.handle)
		}
		s.cancel(nil)
		s.engine.obs.recordStreamEvent("close", s.chunks, s.engine.cfg.Observability)
	})
}

// ApplyActions applies a batch of actions in one immediate transaction.
// Either every action lands or none does; on success the document's action
// number advances by one and the batch is broadcast to listeners.
func (e *Engine) ApplyActions(ctx context.Context, actions []doc.Action) (res doc.ApplyResultSet, err error) {
	ctx, span := e.obs.startSpan(ctx, "doc.applyActions", "", e.cfg.Observability)
	defer func() {
		e.obs.finishApplySpan(span, int64(len(actions)), err, e.cfg.Observability)
	}()

	h, err := e.pool.Acquire(ctx)
	if err != nil {
		return doc.ApplyResultSet{}, err
	}

	tx, err := h.BeginImmediate(ctx)
	if err != nil {
		e.pool.Release(h)
		return doc.ApplyResultSet{}, err
	}

	ap := &applier{tx: tx}
	for i, action := range actions {
		if aerr := ap.apply(ctx, action); aerr != nil {
			tx.Rollback(context.Background())
			e.pool.Release(h)
			return doc.ApplyResultSet{}, fmt.Errorf("action %d (%s): %w", i, action.Name(), aerr)
		}
	}

	var actionNum int64
	if err = tx.QueryRowContext(ctx, `UPDATE `+metaTable+` SET "action_num" = "action_num" + 1 WHERE "id" = 1 RETURNING "action_num"`).Scan(&actionNum); err != nil {
		tx.Rollback(context.Background())
		e.pool.Release(h)
		return doc.ApplyResultSet{}, fmt.Errorf("advance action number: %w", err)
	}

	e.notifyMu.Lock()
	if err = tx.Commit(ctx); err != nil {
		e.notifyMu.Unlock()
		e.pool.Release(h)
		return doc.ApplyResultSet{}, err
	}
	e.pool.Release(h)

	if e.log.IsDebugEnabled() {
		e.log.Debug("applyActions", "count", len(actions), "actionNum", actionNum)
	}

	e.broadcast(actionNum, actions)
	e.notifyMu.Unlock()

	return doc.ApplyResultSet{
		ActionNum: actionNum,
		Results:   make([]doc.CellValue, len(actions)),
	}, nil
}

// AddActionListener registers fn for action broadcasts. Listeners run on
// the applying goroutine in commit order; they must hand work off rather
// than block, and must not call back into the engine synchronously. The
// returned function unregisters; when ctx is non-nil the listener is also
// removed once ctx ends.
func (e *Engine) AddActionListener(ctx context.Context, fn ActionListener) (remove func()) {
	e.lmu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.lmu.Unlock()

	remove = func() {
		e.lmu.Lock()
		delete(e.listeners, id)
		e.lmu.Unlock()
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			remove()
		}()
	}
	return remove
}

func (e *Engine) listenerCount() int {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	return len(e.listeners)
}

// broadcast delivers one action set to every listener, stripping data
// actions larger than the configured threshold so listeners refetch
// instead of replaying them.
func (e *Engine) broadcast(actionNum int64, actions []doc.Action) {
	e.lmu.Lock()
	fns := make([]ActionListener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.lmu.Unlock()
	if len(fns) == 0 {
		return
	}

	stripped := make([]doc.Action, len(actions))
	for i, action := range actions {
		stripped[i] = doc.StripOversized(action, e.cfg.Broadcast.MaxSmallActionRowIDs)
	}
	set := doc.ActionSet{ActionNum: actionNum, Actions: stripped}
	for _, fn := range fns {
		fn(set)
	}
}
