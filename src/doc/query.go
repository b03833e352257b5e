package doc

import "fmt"

// Cursor kinds. "after" resumes strictly past the boundary in sort order,
// "before" strictly ahead of it.
const (
	CursorAfter  = "after"
	CursorBefore = "before"
)

// Cursor marks a resume boundary aligned with a query's sort columns. The
// wire form is a [kind, values] pair.
type Cursor struct {
	Kind   string
	Values []interface{}
}

// MarshalJSON renders the [kind, values] pair.
func (c Cursor) MarshalJSON() ([]byte, error) {
	values := c.Values
	if values == nil {
		values = []interface{}{}
	}
	return jsonAPI.Marshal([]interface{}{c.Kind, values})
}

// Query describes one structured read against a single table.
type Query struct {
	TableID string `json:"tableId"`
	// Filters is a single condition tree in tagged-array form, e.g.
	// ["Gt", ["Name", "total"], ["Const", 10]]. Empty means no filter.
	Filters []interface{} `json:"filters,omitempty"`
	// Sort lists column ids, each optionally prefixed with "-" for
	// descending order.
	Sort   []string `json:"sort,omitempty"`
	Limit  int64    `json:"limit,omitempty"`
	Cursor *Cursor  `json:"cursor,omitempty"`
	// Columns restricts the projection; empty means all columns.
	Columns []string `json:"columns,omitempty"`
	// RowIDs restricts the result to the given ids. Entries stay untyped
	// until the SQL builder verifies they are integers.
	RowIDs []interface{} `json:"rowIds,omitempty"`
	// IncludePrevious adds a synthetic column carrying, per row, the id of
	// the row immediately before it in sort order.
	IncludePrevious bool `json:"includePrevious,omitempty"`
}

// StreamingOptions tune a streaming read. Zero fields fall back to the
// engine defaults.
type StreamingOptions struct {
	// TimeoutMs bounds how long the read transaction may stay open.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
	// ChunkRows caps the number of rows per streamed chunk.
	ChunkRows int64 `json:"chunkRows,omitempty"`
}

// ParseCursor decodes a [kind, values] pair from a payload value tree.
func ParseCursor(v interface{}) (*Cursor, error) {
	arr, err := asArray(v, "cursor")
	if err != nil {
		return nil, err
	}
	if len(arr) != 2 {
		return nil, fmt.Errorf("cursor: want [kind, values], got %d elements", len(arr))
	}
	kind, err := asString(arr[0], "cursor kind")
	if err != nil {
		return nil, err
	}
	if kind != CursorAfter && kind != CursorBefore {
		return nil, fmt.Errorf("cursor: unknown kind %q", kind)
	}
	values, err := asArray(arr[1], "cursor values")
	if err != nil {
		return nil, err
	}
	return &Cursor{Kind: kind, Values: values}, nil
}

// ParseQuery decodes a structured query from a payload value tree.
func ParseQuery(v interface{}) (Query, error) {
	obj, err := asObject(v, "query")
	if err != nil {
		return Query{}, err
	}
	q := Query{}
	if raw, ok := obj["tableId"]; ok {
		if q.TableID, err = asString(raw, "query tableId"); err != nil {
			return Query{}, err
		}
	}
	if q.TableID == "" {
		return Query{}, fmt.Errorf("query: missing tableId")
	}
	if raw, ok := obj["filters"]; ok && raw != nil {
		if q.Filters, err = asArray(raw, "query filters"); err != nil {
			return Query{}, err
		}
	}
	if raw, ok := obj["sort"]; ok && raw != nil {
		if q.Sort, err = asStringSlice(raw, "query sort"); err != nil {
			return Query{}, err
		}
	}
	if raw, ok := obj["limit"]; ok && raw != nil {
		if q.Limit, err = asInt(raw, "query limit"); err != nil {
			return Query{}, err
		}
		if q.Limit < 0 {
			return Query{}, fmt.Errorf("query limit: must not be negative, got %d", q.Limit)
		}
	}
	if raw, ok := obj["cursor"]; ok && raw != nil {
		if q.Cursor, err = ParseCursor(raw); err != nil {
			return Query{}, err
		}
	}
	if raw, ok := obj["columns"]; ok && raw != nil {
		if q.Columns, err = asStringSlice(raw, "query columns"); err != nil {
			return Query{}, err
		}
	}
	if raw, ok := obj["rowIds"]; ok && raw != nil {
		if q.RowIDs, err = asArray(raw, "query rowIds"); err != nil {
			return Query{}, err
		}
	}
	if raw, ok := obj["includePrevious"]; ok && raw != nil {
		if q.IncludePrevious, err = asBool(raw, "query includePrevious"); err != nil {
			return Query{}, err
		}
	}
	return q, nil
}

// ParseStreamingOptions decodes streaming options from a payload value tree.
// A nil value yields the zero options.
func ParseStreamingOptions(v interface{}) (StreamingOptions, error) {
	if v == nil {
		return StreamingOptions{}, nil
	}
	obj, err := asObject(v, "streaming options")
	if err != nil {
		return StreamingOptions{}, err
	}
	opts := StreamingOptions{}
	if raw, ok := obj["timeoutMs"]; ok && raw != nil {
		if opts.TimeoutMs, err = asInt(raw, "streaming options timeoutMs"); err != nil {
			return StreamingOptions{}, err
		}
	}
	if raw, ok := obj["chunkRows"]; ok && raw != nil {
		if opts.ChunkRows, err = asInt(raw, "streaming options chunkRows"); err != nil {
			return StreamingOptions{}, err
		}
	}
	return opts, nil
}
