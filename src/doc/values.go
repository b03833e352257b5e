// Package doc defines the tabular data model shared by the SQL builder, the
// query engine, and the session layer: cell values, columnar bulk data, the
// structured query description, and the tagged actions that mutate a
// document.
package doc

import "fmt"

// CellValue is one table cell: nil, bool, int64, float64, string, or a
// []interface{} holding a typed structured value [code, ...payload]. Values
// arriving off the wire go through the payload codec, so integers are always
// int64 rather than float64.
type CellValue = interface{}

// Row is one positional row, aligned with a column id list.
type Row = []CellValue

// BulkColValues maps column ids to value sequences. All sequences in one
// bulk value share the same length (the row count).
type BulkColValues map[string][]CellValue

// CheckRowCount verifies that every column holds exactly n values.
func (b BulkColValues) CheckRowCount(n int) error {
	for colID, values := range b {
		if len(values) != n {
			return fmt.Errorf("column %q holds %d values, want %d", colID, len(values), n)
		}
	}
	return nil
}

// ColIDs returns the column ids in unspecified order.
func (b BulkColValues) ColIDs() []string {
	ids := make([]string, 0, len(b))
	for colID := range b {
		ids = append(ids, colID)
	}
	return ids
}

// AsRowID reports v as a row id. Row ids are integers, but JSON clients may
// deliver them as floats with no fractional part; both are accepted.
func AsRowID(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}
