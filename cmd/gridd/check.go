package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/seuros/gridstream/src/store"
)

func checkCommand(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	docFlag := fs.String("doc", os.Getenv("GRIDD_DOC"), "Document file (or set GRIDD_DOC)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	if *docFlag == "" {
		return usageErrorf(2, "Missing --doc (or set GRIDD_DOC)")
	}

	ctx := context.Background()
	pool, err := store.Open(ctx, *docFlag, store.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	if err := pool.Ping(ctx); err != nil {
		return err
	}

	// Count user tables, skipping internal ones (sqlite_* and _*).
	var tables int64
	err = pool.WithDB(ctx, func(h *store.Handle) error {
		row := h.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM "sqlite_master" WHERE "type" = 'table' AND "name" NOT LIKE 'sqlite\_%' ESCAPE '\' AND "name" NOT LIKE '\_%' ESCAPE '\'`)
		return row.Scan(&tables)
	})
	if err != nil {
		return err
	}

	fmt.Printf("OK (%d tables)\n", tables)
	return nil
}
