package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/seuros/gridstream/src/engine"
)

func main() {
	// A .env file is optional; explicit environment and flags win over it.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "serve":
		err = serveCommand(args)
	case "query":
		err = queryCommand(args)
	case "apply":
		err = applyCommand(args)
	case "watch":
		err = watchCommand(args)
	case "check":
		err = checkCommand(args)
	case "version", "--version", "-v":
		err = versionCommand()
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.Error() != "" {
				fmt.Fprintln(os.Stderr, exitErr.Error())
			}
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gridd - document grid server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  gridd serve [flags]            - Serve a document over websocket")
	fmt.Println("  gridd query [flags]            - Read a table from a document file")
	fmt.Println("  gridd apply [flags] [file|-]   - Apply a JSON action list to a document file")
	fmt.Println("  gridd watch [flags]            - Tail action broadcasts from a served document")
	fmt.Println("  gridd check [flags]            - Verify a document file is readable")
	fmt.Println("  gridd version                  - Show version information")
	fmt.Println()
	fmt.Println("Serve flags:")
	fmt.Println("  --doc <path>                   - Document file (or set GRIDD_DOC)")
	fmt.Println("  --addr <host:port>             - Listen address (or set GRIDD_ADDR, default :8484)")
	fmt.Println("  --log-level debug|info|warn|error - Log verbosity (default: info)")
	fmt.Println("  --max-handles <n>              - Bound concurrent store handles (0 = unbounded)")
	fmt.Println("  --telemetry                    - Emit traces and metrics to stdout")
	fmt.Println()
	fmt.Println("Query flags:")
	fmt.Println("  --doc <path>                   - Document file (or set GRIDD_DOC)")
	fmt.Println("  --table <id>                   - Table to read")
	fmt.Println("  --filter <expr>                - Row filter, e.g. 'total > 100 and status = \"open\"'")
	fmt.Println("  --format table|json|jsonl      - Output format (default: table)")
	fmt.Println("  --stream                       - Stream rows in chunks instead of buffering")
	fmt.Println("  --timeout 10s                  - Optional context timeout (default: none)")
}

func versionCommand() error {
	fmt.Printf("gridd version %s\n", engine.Version())
	fmt.Printf("User agent: %s\n", engine.UserAgent())
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
