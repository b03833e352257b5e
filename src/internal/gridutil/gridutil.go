package gridutil

import (
	"fmt"
	"runtime"
	"time"
)

// DefaultTimeout is the default timeout for connection-level operations
const DefaultTimeout = 30 * time.Second

// LibraryVersion is injected at build time via -ldflags
var LibraryVersion = "dev"

// UserAgent returns the agent string reported by both peers during
// connection setup and in server logs.
func UserAgent() string {
	return fmt.Sprintf("gridstream/%s (Go/%s)", LibraryVersion, runtime.Version()[2:]) // Remove "go" prefix
}

// Platform describes the runtime for diagnostics and telemetry.
func Platform() string {
	return fmt.Sprintf("go %s [%s-%s]", runtime.Version()[2:], runtime.GOARCH, runtime.GOOS)
}
