package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/seuros/gridstream/src/doc"
)

func TestSchemaActions(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)
	ctx := context.Background()

	mustApply(t, e, &doc.AddColumn{TableID: "People", ColID: "City", Info: doc.ColInfo{Type: "Text"}})
	mustApply(t, e, &doc.BulkUpdateRecord{
		TableID: "People",
		RowIDs:  []int64{1},
		Columns: doc.BulkColValues{"City": {"Rabat"}},
	})

	out, err := e.FetchQuery(ctx, doc.Query{TableID: "People", Sort: []string{"id"}})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	if !reflect.DeepEqual(out.TableData["City"], []doc.CellValue{"Rabat", "", ""}) {
		t.Fatalf("City = %v", out.TableData["City"])
	}

	mustApply(t, e, &doc.RenameColumn{TableID: "People", OldColID: "City", NewColID: "Town"})
	out, err = e.FetchQuery(ctx, doc.Query{TableID: "People", Columns: []string{"Town"}})
	if err != nil {
		t.Fatalf("FetchQuery after rename: %v", err)
	}
	if !reflect.DeepEqual(out.ColIDs, []string{"id", "Town"}) {
		t.Fatalf("colIds = %v", out.ColIDs)
	}

	mustApply(t, e, &doc.RemoveColumn{TableID: "People", ColID: "Town"})
	if _, err := e.FetchQuery(ctx, doc.Query{TableID: "People", Columns: []string{"Town"}}); err == nil {
		t.Fatalf("dropped column still queryable")
	}

	mustApply(t, e, &doc.RenameTable{OldTableID: "People", NewTableID: "Crew"})
	out, err = e.FetchQuery(ctx, doc.Query{TableID: "Crew"})
	if err != nil {
		t.Fatalf("FetchQuery renamed table: %v", err)
	}
	wantIDs(t, out, 1, 2, 3)

	mustApply(t, e, &doc.RemoveTable{TableID: "Crew"})
	if _, err := e.FetchQuery(ctx, doc.Query{TableID: "Crew"}); err == nil {
		t.Fatalf("dropped table still queryable")
	}
}

func TestReplaceTableData(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	mustApply(t, e, &doc.ReplaceTableData{
		TableID: "People",
		RowIDs:  []int64{7, 8},
		Columns: doc.BulkColValues{
			"Name": {"Xel", "Yara"},
			"Age":  {int64(70), int64(80)},
		},
	})

	out, err := e.FetchQuery(context.Background(), doc.Query{TableID: "People", Sort: []string{"id"}})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	wantIDs(t, out, 7, 8)
}

func TestEmptyDataActionsAreNoOps(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	res := mustApply(t, e,
		&doc.BulkAddRecord{TableID: "People", RowIDs: []int64{}, Columns: doc.BulkColValues{}},
		&doc.BulkUpdateRecord{TableID: "People", RowIDs: []int64{}, Columns: doc.BulkColValues{}},
		&doc.BulkRemoveRecord{TableID: "People", RowIDs: []int64{}},
	)
	if res.ActionNum != 3 {
		t.Fatalf("actionNum = %d, want 3", res.ActionNum)
	}

	out, err := e.FetchQuery(context.Background(), doc.Query{TableID: "People"})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	wantIDs(t, out, 1, 2, 3)
}

func TestModifyColumnNotImplemented(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	_, err := e.ApplyActions(context.Background(), []doc.Action{
		&doc.ModifyColumn{TableID: "People", ColID: "Age", Info: doc.ColInfo{Type: "Numeric"}},
	})
	var nie *NotImplementedError
	if !errors.As(err, &nie) {
		t.Fatalf("err = %v, want NotImplementedError", err)
	}
	if nie.ActionName != "ModifyColumn" {
		t.Fatalf("action name = %q", nie.ActionName)
	}
}

func TestLargeRemoveSpansBatches(t *testing.T) {
	e := newTestEngine(t)
	seedNumbers(t, e, 2500)

	rowIDs := make([]int64, 2400)
	for i := range rowIDs {
		rowIDs[i] = int64(i + 1)
	}
	mustApply(t, e, &doc.BulkRemoveRecord{TableID: "Nums", RowIDs: rowIDs})

	out, err := e.FetchQuery(context.Background(), doc.Query{TableID: "Nums", Sort: []string{"id"}})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	if n := len(out.TableData["id"]); n != 100 {
		t.Fatalf("%d rows left, want 100", n)
	}
	if out.TableData["id"][0] != int64(2401) {
		t.Fatalf("first surviving id = %v", out.TableData["id"][0])
	}
}

func TestStructuredCellRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustApply(t, e,
		&doc.AddTable{TableID: "Mixed", Columns: []doc.ColInfo{{ID: "Payload", Type: "Any"}}},
		&doc.BulkAddRecord{
			TableID: "Mixed",
			RowIDs:  []int64{1},
			Columns: doc.BulkColValues{"Payload": {[]interface{}{"L", int64(1), int64(2)}}},
		},
	)

	out, err := e.FetchQuery(ctx, doc.Query{TableID: "Mixed"})
	if err != nil {
		t.Fatalf("FetchQuery: %v", err)
	}
	got, ok := out.TableData["Payload"][0].(string)
	if !ok {
		t.Fatalf("payload cell = %T", out.TableData["Payload"][0])
	}
	if got != `["L",1,2]` {
		t.Fatalf("payload text = %s", got)
	}
}

func TestRaggedColumnsRejected(t *testing.T) {
	e := newTestEngine(t)
	seedPeople(t, e)

	_, err := e.ApplyActions(context.Background(), []doc.Action{
		&doc.BulkAddRecord{
			TableID: "People",
			RowIDs:  []int64{10, 11},
			Columns: doc.BulkColValues{"Name": {"only one"}},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "holds 1 values") {
		t.Fatalf("err = %v", err)
	}
}

func TestStoreTypeMapping(t *testing.T) {
	cases := []struct {
		logical    string
		sqlType    string
		sqlDefault string
	}{
		{"Text", "TEXT", "''"},
		{"Int", "INTEGER", "0"},
		{"Bool", "BOOLEAN", "0"},
		{"Numeric", "NUMERIC", "0"},
		{"ManualSortPos", "NUMERIC", "1e999"},
		{"Ref:Orders", "INTEGER", "0"},
		{"RefList:Orders", "TEXT", "NULL"},
		{"DateTime:America/Casablanca", "DATETIME", "NULL"},
		{"Any", "BLOB", "NULL"},
		{"SomethingNew", "BLOB", "NULL"},
		{"", "BLOB", "NULL"},
	}
	for _, c := range cases {
		info := storeType(c.logical)
		if info.sqlType != c.sqlType || info.sqlDefault != c.sqlDefault {
			t.Errorf("storeType(%q) = %s/%s, want %s/%s",
				c.logical, info.sqlType, info.sqlDefault, c.sqlType, c.sqlDefault)
		}
	}
}

func TestBindArg(t *testing.T) {
	if v, err := bindArg(int64(7)); err != nil || v != int64(7) {
		t.Fatalf("int64: %v/%v", v, err)
	}
	if v, err := bindArg(nil); err != nil || v != nil {
		t.Fatalf("nil: %v/%v", v, err)
	}
	v, err := bindArg([]interface{}{"d", float64(1.5)})
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	if v != `["d",1.5]` {
		t.Fatalf("structured = %v", v)
	}
}
