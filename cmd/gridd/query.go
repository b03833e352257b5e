package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/engine"
	"github.com/seuros/gridstream/src/filter"
	"github.com/seuros/gridstream/src/store"
)

func queryCommand(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	docFlag := fs.String("doc", os.Getenv("GRIDD_DOC"), "Document file (or set GRIDD_DOC)")
	tableFlag := fs.String("table", "", "Table id to read")
	filterFlag := fs.String("filter", "", `Row filter, e.g. 'total > 100 and status = "open"'`)
	columnsFlag := fs.String("columns", "", "Comma-separated column ids (default: all)")
	sortFlag := fs.String("sort", "", "Comma-separated sort columns, prefix with - for descending")
	limitFlag := fs.Int64("limit", 0, "Row limit (0 = no limit)")
	formatFlag := fs.String("format", "table", "Output format: table|json|jsonl")
	streamFlag := fs.Bool("stream", false, "Stream rows in chunks instead of buffering")
	chunkRowsFlag := fs.Int64("chunk-rows", 0, "Rows per streamed chunk (with --stream, 0 = default)")
	timeoutFlag := fs.Duration("timeout", 0, "Optional context timeout (e.g. 10s, 1m). 0 disables.")
	noSummaryFlag := fs.Bool("no-summary", false, "Do not print summary to stderr")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	if *docFlag == "" {
		return usageErrorf(2, "Missing --doc (or set GRIDD_DOC)")
	}
	if *tableFlag == "" {
		return usageErrorf(2, "Missing --table")
	}

	q := doc.Query{TableID: *tableFlag, Limit: *limitFlag}
	if *columnsFlag != "" {
		q.Columns = splitList(*columnsFlag)
	}
	if *sortFlag != "" {
		q.Sort = splitList(*sortFlag)
	}
	if *filterFlag != "" {
		p, err := filter.New()
		if err != nil {
			return err
		}
		if q.Filters, err = p.Parse(*filterFlag); err != nil {
			return usageErrorf(2, "Invalid --filter: %v", err)
		}
	}

	ctx := context.Background()
	if *timeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
	}

	pool, err := store.Open(ctx, *docFlag, store.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	eng, err := engine.New(ctx, pool, nil)
	if err != nil {
		return err
	}

	started := time.Now()
	var (
		colIDs    []string
		actionNum int64
		next      rowSource
	)
	if *streamFlag {
		res, err := eng.FetchQueryStreaming(ctx, q, doc.StreamingOptions{ChunkRows: *chunkRowsFlag})
		if err != nil {
			return err
		}
		defer func() { _ = res.Chunks.Close() }()
		colIDs = res.Value.ColIDs
		actionNum = res.Value.ActionNum
		next = res.Chunks.Next
	} else {
		res, err := eng.FetchQuery(ctx, q)
		if err != nil {
			return err
		}
		colIDs = res.ColIDs
		actionNum = res.ActionNum
		next = bufferedSource(rowsOf(res))
	}

	var rows int64
	switch strings.ToLower(*formatFlag) {
	case "table":
		rows, err = writeTable(ctx, os.Stdout, colIDs, next)
	case "json":
		rows, err = writeJSONArray(ctx, os.Stdout, colIDs, next)
	case "jsonl":
		rows, err = writeJSONLines(ctx, os.Stdout, colIDs, next)
	default:
		return usageErrorf(2, "Unknown --format %q (expected table|json|jsonl)", *formatFlag)
	}
	if err != nil {
		return err
	}

	if !*noSummaryFlag {
		fmt.Fprintf(os.Stderr, "rows=%d actionNum=%d time=%s\n",
			rows, actionNum, time.Since(started).Truncate(time.Microsecond))
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
