package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/engine"
	"github.com/seuros/gridstream/src/store"
	"github.com/seuros/gridstream/src/wire"
)

func applyCommand(args []string) error {
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	docFlag := fs.String("doc", os.Getenv("GRIDD_DOC"), "Document file (or set GRIDD_DOC)")
	timeoutFlag := fs.Duration("timeout", 0, "Optional context timeout (e.g. 10s, 1m). 0 disables.")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	if *docFlag == "" {
		return usageErrorf(2, "Missing --doc (or set GRIDD_DOC)")
	}
	if len(fs.Args()) > 1 {
		return usageErrorf(2, "Usage: gridd apply [flags] [file|-]")
	}

	filename := "-"
	if len(fs.Args()) == 1 {
		filename = fs.Args()[0]
	}

	var content []byte
	var err error
	if filename == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(filename)
	}
	if err != nil {
		return err
	}

	// Decode through the payload codec so row ids and cell integers come
	// out as int64, exactly as they would off the wire.
	v, err := wire.UnmarshalPayload(content)
	if err != nil {
		return usageErrorf(2, "Invalid action JSON: %v", err)
	}
	actions, err := doc.ParseActions(v)
	if err != nil {
		return usageErrorf(2, "Invalid action list: %v", err)
	}
	if len(actions) == 0 {
		return usageErrorf(2, "Action list is empty")
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

	res, err := eng.ApplyActions(ctx, actions)
	if err != nil {
		return err
	}

	fmt.Printf("applied %d action(s), document at actionNum=%d\n", len(actions), res.ActionNum)
	return nil
}
