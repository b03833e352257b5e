package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seuros/gridstream/src/doc"
	"github.com/seuros/gridstream/src/session"
	"github.com/seuros/gridstream/src/transport"
)

// watchCommand tails a served document: it connects over websocket, prints
// every broadcast action set as a JSON line, and runs until interrupted or
// disconnected.
func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	urlFlag := fs.String("url", os.Getenv("GRIDD_URL"), "Server address (or set GRIDD_URL)")
	retriesFlag := fs.Int("retries", 5, "Dial attempts before giving up")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	if *urlFlag == "" {
		return usageErrorf(2, "Missing --url (or set GRIDD_URL)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := transport.DefaultRetryPolicy()
	policy.MaxAttempts = *retriesFlag
	policy.OnRetry = func(attempt int, err error, next time.Duration) {
		fmt.Fprintf(os.Stderr, "dial attempt %d failed (%v), retrying in %s\n", attempt, err, next.Truncate(time.Millisecond))
	}

	ws, err := transport.Dial(ctx, *urlFlag, policy, transport.WebSocketOptions{})
	if err != nil {
		return err
	}

	client := session.NewClient(ws, session.ClientOptions{})
	defer func() { _ = client.Close() }()

	enc := jsonAPI.NewEncoder(os.Stdout)
	client.OnAction(func(set doc.ActionSet) {
		if err := enc.Encode(set); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})

	fmt.Fprintf(os.Stderr, "watching %s\n", *urlFlag)

	select {
	case <-ctx.Done():
		// Interrupted locally; a clean exit.
		return nil
	case <-client.Context().Done():
		if err := ws.Err(); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		return nil
	}
}
