package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"

	"github.com/seuros/gridstream/src/doc"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// rowSource yields positional row chunks until exhausted, matching the
// chunk iterator shape of a streaming read.
type rowSource func(ctx context.Context) ([]doc.Row, bool, error)

// bufferedSource wraps an in-memory row slice as a single-chunk source.
func bufferedSource(rows []doc.Row) rowSource {
	done := false
	return func(ctx context.Context) ([]doc.Row, bool, error) {
		if done {
			return nil, false, nil
		}
		done = true
		return rows, true, nil
	}
}

// rowsOf flattens a buffered result into positional rows aligned with its
// column order.
func rowsOf(res doc.QueryResult) []doc.Row {
	if len(res.ColIDs) == 0 {
		return nil
	}
	n := len(res.TableData[res.ColIDs[0]])
	rows := make([]doc.Row, n)
	for i := range rows {
		row := make(doc.Row, len(res.ColIDs))
		for j, colID := range res.ColIDs {
			row[j] = res.TableData[colID][i]
		}
		rows[i] = row
	}
	return rows
}

func writeTable(ctx context.Context, w io.Writer, colIDs []string, next rowSource) (int64, error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	if len(colIDs) > 0 {
		_, _ = fmt.Fprintln(tw, strings.Join(colIDs, "\t"))
	}

	var rows int64
	for {
		chunk, ok, err := next(ctx)
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		for _, row := range chunk {
			rows++
			line := make([]string, 0, len(row))
			for _, v := range row {
				line = append(line, stringifyValue(v))
			}
			_, _ = fmt.Fprintln(tw, strings.Join(line, "\t"))
		}
	}
}

func writeJSONLines(ctx context.Context, w io.Writer, colIDs []string, next rowSource) (int64, error) {
	enc := jsonAPI.NewEncoder(w)
	var rows int64
	for {
		chunk, ok, err := next(ctx)
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		for _, row := range chunk {
			rows++
			if err := enc.Encode(rowObject(colIDs, row)); err != nil {
				return rows, err
			}
		}
	}
}

func writeJSONArray(ctx context.Context, w io.Writer, colIDs []string, next rowSource) (int64, error) {
	var rows int64
	first := true

	if _, err := io.WriteString(w, "["); err != nil {
		return 0, err
	}

	for {
		chunk, ok, err := next(ctx)
		if err != nil {
			return rows, err
		}
		if !ok {
			break
		}
		for _, row := range chunk {
			rows++
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return rows, err
				}
			}
			first = false

			b, err := jsonAPI.Marshal(rowObject(colIDs, row))
			if err != nil {
				return rows, err
			}
			if _, err := w.Write(b); err != nil {
				return rows, err
			}
		}
	}

	if _, err := io.WriteString(w, "]\n"); err != nil {
		return rows, err
	}
	return rows, nil
}

// rowObject rebuilds a keyed record from a positional row. Ragged rows keep
// whatever columns they have.
func rowObject(colIDs []string, row doc.Row) map[string]interface{} {
	obj := make(map[string]interface{}, len(colIDs))
	for i, colID := range colIDs {
		if i < len(row) {
			obj[colID] = row[i]
		}
	}
	return obj
}

func stringifyValue(v interface{}) string {
	if v == nil {
		return "null"
	}

	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, err := jsonAPI.Marshal(v)
		if err == nil {
			return string(b)
		}
		return fmt.Sprint(v)
	}
}
