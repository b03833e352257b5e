package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/seuros/gridstream/src/engine"
	"github.com/seuros/gridstream/src/rpc"
	"github.com/seuros/gridstream/src/session"
	"github.com/seuros/gridstream/src/store"
	"github.com/seuros/gridstream/src/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	docFlag := fs.String("doc", os.Getenv("GRIDD_DOC"), "Document file (or set GRIDD_DOC)")
	addrFlag := fs.String("addr", envOr("GRIDD_ADDR", ":8484"), "Listen address (or set GRIDD_ADDR)")
	logLevelFlag := fs.String("log-level", envOr("GRIDD_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")
	maxHandlesFlag := fs.Int("max-handles", 0, "Bound on concurrent store handles (0 = unbounded)")
	telemetryFlag := fs.Bool("telemetry", false, "Emit traces and metrics to stdout")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	if *docFlag == "" {
		return usageErrorf(2, "Missing --doc (or set GRIDD_DOC)")
	}

	logger := newLogger(*logLevelFlag)
	log := rpc.NewZerologLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *telemetryFlag {
		shutdown, err := setupTelemetry()
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown")
			}
		}()
	}

	pool, err := store.Open(ctx, *docFlag, store.Options{MaxHandles: *maxHandlesFlag})
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	eng, err := engine.New(ctx, pool, &engine.Config{Logger: log})
	if err != nil {
		return err
	}

	srv := session.NewServer(eng, session.ServerOptions{Logger: log})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		ws := transport.NewWebSocket(conn, transport.WebSocketOptions{})
		logger.Info().Str("conn", ws.ID).Str("remote", r.RemoteAddr).Msg("connection accepted")
		go func() {
			if err := srv.Serve(ws); err != nil {
				logger.Warn().Err(err).Str("conn", ws.ID).Msg("session ended")
			}
		}()
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	httpSrv := &http.Server{Addr: *addrFlag, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addrFlag).Str("doc", *docFlag).Str("version", engine.Version()).Msg("gridd listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(drainCtx)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).With().Timestamp().Logger().Level(lvl)
}
