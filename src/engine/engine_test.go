package engine

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/rpc"
	"github.com/seuros/gridstream/src/sqlgen"
	"github.com/seuros/gridstream/src/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	p, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "doc.grist"), store.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	e, err := New(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustApply(t *testing.T, e *Engine, actions ...doc.Action) doc.ApplyResultSet {
	t.Helper()
	res, err := e.ApplyActions(context.Background(), actions)
	if err != nil {
		t.Fatalf("ApplyActions: %v", err)
	}
	return res
}

func seedPeople(t *testing.T, e *Engine) {
	t.Helper()
	mustApply(t, e,
		&doc.AddTable{TableID: "People", Columns: []doc.ColInfo{
			{ID: "Name", Type: "Text"},
			{ID: "Age", Type: "Int"},
		}},
		&doc.BulkAddRecord{
			TableID: "People",
			RowIDs:  []int64{1, 2, 3},
			Columns: doc.BulkColValues{
				"Name": {"Ada", "Brin", "Cody"},
				"Age":  {int64(10), int64(20), int64(30)},
			},
		},
	)
}

// seedNumbers creates table Nums with rows 1..n carrying Val = 2*id.
func seedNumbers(t *testing.T, e *Engine, n int) {
	t.Helper()
	rowIDs := make([]int64, n)
	vals := make([]doc.CellValue, n)
	for i := 0; i < n; i++ {
		rowIDs[i] = int64(i + 1)
		vals[i] = int64(2 * (i + 1))
	}
	mustApply(t, e,
		&doc.AddTable{TableID: "Nums", Columns: []doc.ColInfo{{ID: "Val", Type: "Int"}}},
		&doc.BulkAddRecord{TableID: "Nums", RowIDs: rowIDs, Columns: doc.BulkColValues{"Val": vals}},
	)
}

func wantIDs(t *testing.T, res doc.QueryResult, want ...int64) {
	t.Helper()
	got := res.TableData["id"]
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d (ids %v)", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("row %d id = %v, want %d", i, got[i], id)
		}
	}
}

func TestApplyAndFetchLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res := mustApply(t, e, &doc.AddTable{TableID: "People", Columns: []doc.ColInfo{
		{ID: "Name", Type: "Text"},
		{ID: "Age", Type: "Int"},
	}})
	if res.ActionNum != 1 {
		t.Fatalf("first apply actionNum = %d, want 1", res.ActionNum)
	}
	if len(res.Results) != 1 || res.Results[0] != nil {
		t.Fatalf("results = %v, want one nil entry", res.Results)
	}

	res = mustApply(t, e, &doc.BulkAddRecord{
		TableID: "People",
		RowIDs:  []int64{1, 2, 3},
		Columns: doc.BulkColValues{
			"Name": {"Ada", "Brin", "Cody"},
			"Age":  {int64(10), int64(20), int64(30)},
		},
	})
	if res.ActionNum != 2 {
		t.Fatalf("second apply actionNum = %d, want 2", res.ActionNum)
	}

	out, err := e.FetchQuery(ctx, doc.Query{TableID: "People"})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	if out.TableID != "People" || out.ActionNum != 2 {
		t.Fatalf("result header = %q/%d", out.TableID, out.ActionNum)
	}
	if !reflect.DeepEqual(out.ColIDs, []string{"id", "Name", "Age"}) {
		t.Fatalf("colIds = %v", out.ColIDs)
	}
	wantIDs(t, out, 1, 2, 3)
	if !reflect.DeepEqual(out.TableData["Name"], []doc.CellValue{"Ada", "Brin", "Cody"}) {
		t.Fatalf("Name = %v", out.TableData["Name"])
	}
	if !reflect.DeepEqual(out.TableData["Age"], []doc.CellValue{int64(10), int64(20), int64(30)}) {
		t.Fatalf("Age = %v", out.TableData["Age"])
	}
}

func TestFetchQueryFilterAndSort(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	out, err := e.FetchQuery(context.Background(), doc.Query{
		TableID: "People",
		Filters: []interface{}{"Gt", []interface{}{"Name", "Age"}, []interface{}{"Const", int64(15)}},
		Sort:    []string{"-Age"},
	})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	wantIDs(t, out, 3, 2)
}

func TestFetchQueryProjectionKeepsID(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	out, err := e.FetchQuery(context.Background(), doc.Query{TableID: "People", Columns: []string{"Name"}})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	if !reflect.DeepEqual(out.ColIDs, []string{"id", "Name"}) {
		t.Fatalf("colIds = %v", out.ColIDs)
	}
	if len(out.TableData) != 2 {
		t.Fatalf("tableData holds %d columns, want 2", len(out.TableData))
	}
}

func TestFetchQueryRowIDs(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)
	ctx := context.Background()

	out, err := e.FetchQuery(ctx, doc.Query{TableID: "People", RowIDs: []interface{}{int64(1), int64(3)}})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	wantIDs(t, out, 1, 3)

	out, err = e.FetchQuery(ctx, doc.Query{TableID: "People", RowIDs: []interface{}{}})
	if err != nil {
		t.Fatalf("FetchQuery empty rowIds: %v", err)
	}
	wantIDs(t, out)
}

func TestFetchQueryBuilderErrors(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	_, err := e.FetchQuery(context.Background(), doc.Query{
		TableID: "People",
		Filters: []interface{}{"Glitter", []interface{}{"Const", int64(1)}},
	})
	var be *sqlgen.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BuildError", err)
	}
}

func TestFetchQueryCursorPagination(t *testing.T) {
	e := newTestEngine(t)
	seedNumbers(t, e, 3000)
	ctx := context.Background()

	var seen []int64
	var cursor *doc.Cursor
	for page := 0; ; page++ {
		out, err := e.FetchQuery(ctx, doc.Query{
			TableID: "Nums",
			Sort:    []string{"id"},
			Limit:   1000,
			Cursor:  cursor,
		})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		n := len(out.TableData["id"])
		if n == 0 {
			break
		}
		if n != 1000 {
			t.Fatalf("page %d holds %d rows, want 1000", page, n)
		}
		for _, v := range out.TableData["id"] {
			seen = append(seen, v.(int64))
		}
		last := out.TableData["id"][n-1]
		cursor = &doc.Cursor{Kind: doc.CursorAfter, Values: []interface{}{last}}
		if page > 4 {
			t.Fatalf("pagination did not terminate")
		}
	}

	if len(seen) != 3000 {
		t.Fatalf("saw %d rows, want 3000", len(seen))
	}
	for i, id := range seen {
		if id != int64(i+1) {
			t.Fatalf("position %d holds id %d", i, id)
		}
	}
}

func TestFetchQueryIncludePrevious(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	out, err := e.FetchQuery(context.Background(), doc.Query{
		TableID:         "People",
		Sort:            []string{"-Age"},
		IncludePrevious: true,
	})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	if got := out.ColIDs[len(out.ColIDs)-1]; got != sqlgen.PreviousColumnID {
		t.Fatalf("last column = %q", got)
	}
	wantIDs(t, out, 3, 2, 1)
	prev := out.TableData[sqlgen.PreviousColumnID]
	if !reflect.DeepEqual(prev, []doc.CellValue{nil, int64(3), int64(2)}) {
		t.Fatalf("previous ids = %v", prev)
	}
}

func collectStream(t *testing.T, sr *StreamingResult) (chunks int, rows []doc.Row) {
	t.Helper()
	defer sr.Chunks.Close()
	ctx := context.Background()
	for {
		chunk, ok, err := sr.Chunks.Next(ctx)
		if err != nil {
			t.Fatalf("chunk %d: %v", chunks, err)
		}
		if !ok {
			return chunks, rows
		}
		chunks++
		rows = append(rows, chunk...)
	}
}

func TestStreamingMatchesBuffered(t *testing.T) {
	e := newTestEngine(t)
	seedNumbers(t, e, 1234)
	ctx := context.Background()
	q := doc.Query{TableID: "Nums", Sort: []string{"id"}}

	buffered, err := e.FetchQuery(ctx, q)
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}

	sr, err := e.FetchQueryStreaming(ctx, q, doc.StreamingOptions{ChunkRows: 100})
	if err != nil {
		t.Fatalf("FetchQueryStreaming: %v", err)
	}
	if sr.Value.TableID != "Nums" || sr.Value.ActionNum != buffered.ActionNum {
		t.Fatalf("streaming header = %+v", sr.Value)
	}
	if !reflect.DeepEqual(sr.Value.ColIDs, buffered.ColIDs) {
		t.Fatalf("colIds = %v, want %v", sr.Value.ColIDs, buffered.ColIDs)
	}

	chunks, rows := collectStream(t, sr)
	if chunks != 13 {
		t.Fatalf("got %d chunks, want 13", chunks)
	}
	if len(rows) != 1234 {
		t.Fatalf("got %d rows, want 1234", len(rows))
	}

	streamed := make(doc.BulkColValues, len(sr.Value.ColIDs))
	for _, colID := range sr.Value.ColIDs {
		streamed[colID] = []doc.CellValue{}
	}
	for _, row := range rows {
		for i, colID := range sr.Value.ColIDs {
			streamed[colID] = append(streamed[colID], row[i])
		}
	}
	if !reflect.DeepEqual(streamed, buffered.TableData) {
		t.Fatalf("streamed data diverges from buffered data")
	}
}

func TestStreamingLargeSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 200k-row sweep in short mode")
	}
	e := newTestEngine(t)
	seedNumbers(t, e, 200000)
	ctx := context.Background()

	sr, err := e.FetchQueryStreaming(ctx, doc.Query{TableID: "Nums", Sort: []string{"id"}},
		doc.StreamingOptions{ChunkRows: 500})
	if err != nil {
		t.Fatalf("FetchQueryStreaming: %v", err)
	}
	defer sr.Chunks.Close()

	var total, chunks int
	var sum int64
	for {
		chunk, ok, err := sr.Chunks.Next(ctx)
		if err != nil {
			t.Fatalf("chunk %d: %v", chunks, err)
		}
		if !ok {
			break
		}
		if len(chunk) > 500 {
			t.Fatalf("chunk %d holds %d rows", chunks, len(chunk))
		}
		chunks++
		total += len(chunk)
		for _, row := range chunk {
			sum += row[0].(int64)
		}
	}
	if total != 200000 || chunks != 400 {
		t.Fatalf("total = %d in %d chunks", total, chunks)
	}
	if want := int64(200000) * 200001 / 2; sum != want {
		t.Fatalf("id sum = %d, want %d", sum, want)
	}
}

func TestStreamingCancelBetweenChunks(t *testing.T) {
	e := newTestEngine(t)
	seedNumbers(t, e, 50)
	ctx := context.Background()

	h, err := e.pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer e.pool.Release(h)

	cctx, cancel := context.WithCancel(ctx)
	sr, err := e.FetchQueryStreamingWithHandle(cctx, h, doc.Query{TableID: "Nums", Sort: []string{"id"}},
		doc.StreamingOptions{ChunkRows: 10})
	if err != nil {
		t.Fatalf("FetchQueryStreamingWithHandle: %v", err)
	}

	chunk, ok, err := sr.Chunks.Next(cctx)
	if err != nil || !ok || len(chunk) != 10 {
		t.Fatalf("first chunk: ok=%v len=%d err=%v", ok, len(chunk), err)
	}

	cancel()
	if _, _, err := sr.Chunks.Next(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("after cancel err = %v, want context.Canceled", err)
	}

	// The cancelled stream released its transaction, so the same handle
	// serves a fresh stream.
	sr2, err := e.FetchQueryStreamingWithHandle(ctx, h, doc.Query{TableID: "Nums", Sort: []string{"id"}},
		doc.StreamingOptions{ChunkRows: 25})
	if err != nil {
		t.Fatalf("fresh stream: %v", err)
	}
	chunks, rows := collectStream(t, sr2)
	if chunks != 2 || len(rows) != 50 {
		t.Fatalf("fresh stream yielded %d rows in %d chunks", len(rows), chunks)
	}
}

func TestStreamingOverlapOnHandleIsBusy(t *testing.T) {
	e := newTestEngine(t)
	seedNumbers(t, e, 20)
	ctx := context.Background()

	h, err := e.pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer e.pool.Release(h)

	sr1, err := e.FetchQueryStreamingWithHandle(ctx, h, doc.Query{TableID: "Nums"}, doc.StreamingOptions{})
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}

	_, err = e.FetchQueryStreamingWithHandle(ctx, h, doc.Query{TableID: "Nums"}, doc.StreamingOptions{})
	if !errors.Is(err, store.ErrStoreBusy) {
		t.Fatalf("overlapping stream err = %v, want ErrStoreBusy", err)
	}
	var kinder interface{ ErrorKind() string }
	if !errors.As(err, &kinder) || kinder.ErrorKind() != "store-busy" {
		t.Fatalf("err kind missing on %v", err)
	}

	sr1.Chunks.Close()

	sr3, err := e.FetchQueryStreamingWithHandle(ctx, h, doc.Query{TableID: "Nums"}, doc.StreamingOptions{})
	if err != nil {
		t.Fatalf("stream after close: %v", err)
	}
	sr3.Chunks.Close()
}

func TestStreamingTimeout(t *testing.T) {
	e := newTestEngine(t)
	seedNumbers(t, e, 50)
	ctx := context.Background()

	sr, err := e.FetchQueryStreaming(ctx, doc.Query{TableID: "Nums", Sort: []string{"id"}},
		doc.StreamingOptions{TimeoutMs: 40, ChunkRows: 10})
	if err != nil {
		t.Fatalf("FetchQueryStreaming: %v", err)
	}
	defer sr.Chunks.Close()

	if _, ok, err := sr.Chunks.Next(ctx); !ok || err != nil {
		t.Fatalf("first chunk: ok=%v err=%v", ok, err)
	}

	time.Sleep(80 * time.Millisecond)

	_, _, err = sr.Chunks.Next(ctx)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !rpc.IsAborted(err) {
		t.Fatalf("timeout err = %v, want abort", err)
	}
}

func TestApplyAtomicity(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)
	ctx := context.Background()

	var notified int
	remove := e.AddActionListener(nil, func(doc.ActionSet) { notified++ })
	defer remove()

	_, err := e.ApplyActions(ctx, []doc.Action{
		&doc.BulkAddRecord{TableID: "People", RowIDs: []int64{100}, Columns: doc.BulkColValues{
			"Name": {"Zed"}, "Age": {int64(99)},
		}},
		&doc.BulkAddRecord{TableID: "Missing", RowIDs: []int64{1}, Columns: doc.BulkColValues{}},
	})
	if err == nil {
		t.Fatalf("expected apply failure")
	}

	out, ferr := e.FetchQuery(ctx, doc.Query{TableID: "People"})
	if ferr != nil {
		t.Fatalf("FetchQuery: %v", ferr)
	}
	wantIDs(t, out, 1, 2, 3)
	if out.ActionNum != 2 {
		t.Fatalf("actionNum moved to %d after failed apply", out.ActionNum)
	}
	if notified != 0 {
		t.Fatalf("failed apply reached %d listeners", notified)
	}
}

func TestBroadcastStripsOversized(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	var sets []doc.ActionSet
	remove := e.AddActionListener(nil, func(set doc.ActionSet) { sets = append(sets, set) })
	defer remove()

	small := mustApply(t, e, &doc.BulkUpdateRecord{
		TableID: "People",
		RowIDs:  []int64{1, 2},
		Columns: doc.BulkColValues{"Age": {int64(11), int64(21)}},
	})

	n := 150
	rowIDs := make([]int64, n)
	vals := make([]doc.CellValue, n)
	for i := 0; i < n; i++ {
		rowIDs[i] = int64(1000 + i)
		vals[i] = int64(i)
	}
	big := mustApply(t, e, &doc.BulkAddRecord{
		TableID: "People",
		RowIDs:  rowIDs,
		Columns: doc.BulkColValues{"Age": vals},
	})

	if len(sets) != 2 {
		t.Fatalf("got %d broadcasts, want 2", len(sets))
	}

	if sets[0].ActionNum != small.ActionNum {
		t.Fatalf("first broadcast actionNum = %d, want %d", sets[0].ActionNum, small.ActionNum)
	}
	upd, ok := sets[0].Actions[0].(*doc.BulkUpdateRecord)
	if !ok || len(upd.RowIDs) != 2 || len(upd.Columns["Age"]) != 2 {
		t.Fatalf("small action arrived stripped: %+v", sets[0].Actions[0])
	}

	if sets[1].ActionNum != big.ActionNum {
		t.Fatalf("second broadcast actionNum = %d, want %d", sets[1].ActionNum, big.ActionNum)
	}
	add, ok := sets[1].Actions[0].(*doc.BulkAddRecord)
	if !ok {
		t.Fatalf("second broadcast holds %T", sets[1].Actions[0])
	}
	if len(add.RowIDs) != 0 {
		t.Fatalf("oversized action kept %d row ids", len(add.RowIDs))
	}
	if vals, exists := add.Columns["Age"]; !exists || len(vals) != 0 {
		t.Fatalf("oversized action kept column data: %v", add.Columns)
	}
}

func TestListenerRemoval(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	var manual, scoped int
	remove := e.AddActionListener(nil, func(doc.ActionSet) { manual++ })
	lctx, lcancel := context.WithCancel(context.Background())
	e.AddActionListener(lctx, func(doc.ActionSet) { scoped++ })

	mustApply(t, e, &doc.BulkRemoveRecord{TableID: "People", RowIDs: []int64{1}})
	if manual != 1 || scoped != 1 {
		t.Fatalf("counts = %d/%d after first apply", manual, scoped)
	}

	remove()
	lcancel()
	deadline := time.Now().Add(2 * time.Second)
	for e.listenerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("listeners not removed: %d left", e.listenerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mustApply(t, e, &doc.BulkRemoveRecord{TableID: "People", RowIDs: []int64{2}})
	if manual != 1 || scoped != 1 {
		t.Fatalf("removed listeners still ran: %d/%d", manual, scoped)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Streaming.DefaultTimeout != 60*time.Second {
		t.Fatalf("DefaultTimeout = %v", cfg.Streaming.DefaultTimeout)
	}
	if cfg.Streaming.DefaultChunkRows != 100 {
		t.Fatalf("DefaultChunkRows = %d", cfg.Streaming.DefaultChunkRows)
	}
	if cfg.Broadcast.MaxSmallActionRowIDs != 100 {
		t.Fatalf("MaxSmallActionRowIDs = %d", cfg.Broadcast.MaxSmallActionRowIDs)
	}
	if !cfg.Observability.EnableTracing || !cfg.Observability.EnableMetrics {
		t.Fatalf("observability defaults off")
	}
}
