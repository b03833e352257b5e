package engine

import (
	"time"

	"github.com/seuros/gridstream/src/rpc"
)

// Config holds configuration options for the engine
type Config struct {
	// Streaming holds defaults for streaming reads
	Streaming *StreamingConfig

	// Broadcast holds action broadcast tuning
	Broadcast *BroadcastConfig

	// Observability holds telemetry configuration
	Observability *ObservabilityConfig

	// Logger is the pluggable logger implementation; nil means silent
	Logger rpc.Logger
}

// StreamingConfig provides defaults applied when a streaming read arrives
// without explicit options
type StreamingConfig struct {
	// DefaultTimeout bounds how long a read transaction may stay open when
	// the caller sends no timeout.
	// Default: 60 seconds
	DefaultTimeout time.Duration

	// DefaultChunkRows caps the rows per streamed chunk when the caller
	// sends no chunk size.
	// Default: 100
	DefaultChunkRows int
}

// BroadcastConfig tunes the action notifications emitted after applies
type BroadcastConfig struct {
	// MaxSmallActionRowIDs is the row count above which a broadcast action
	// is stripped to empty sequences, telling listeners to refetch.
	// Default: 100
	MaxSmallActionRowIDs int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Streaming: &StreamingConfig{
			DefaultTimeout:   60 * time.Second,
			DefaultChunkRows: 100,
		},
		Broadcast: &BroadcastConfig{
			MaxSmallActionRowIDs: 100,
		},
		Observability: DefaultObservabilityConfig(),
		Logger:        &rpc.NoOpLogger{},
	}
}

// withDefaults fills any nil sections so callers can pass a sparse config.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Streaming == nil {
		out.Streaming = def.Streaming
	}
	if out.Streaming.DefaultTimeout <= 0 {
		out.Streaming.DefaultTimeout = def.Streaming.DefaultTimeout
	}
	if out.Streaming.DefaultChunkRows <= 0 {
		out.Streaming.DefaultChunkRows = def.Streaming.DefaultChunkRows
	}
	if out.Broadcast == nil {
		out.Broadcast = def.Broadcast
	}
	if out.Broadcast.MaxSmallActionRowIDs <= 0 {
		out.Broadcast.MaxSmallActionRowIDs = def.Broadcast.MaxSmallActionRowIDs
	}
	if out.Observability == nil {
		out.Observability = def.Observability
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	return &out
}
