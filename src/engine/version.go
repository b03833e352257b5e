package engine

import "github.com/seuros/gridstream/src/internal/gridutil"

// LibraryVersion is the fallback release version when no build-time value
// is injected.
const LibraryVersion = "0.1.0"

// Version returns the current version of the gridstream engine
func Version() string {
	if gridutil.LibraryVersion != "dev" {
		return gridutil.LibraryVersion
	}
	return LibraryVersion
}

// UserAgent returns the agent string used in connection banners
func UserAgent() string {
	return gridutil.UserAgent()
}
