package rpc

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LogLevelDebug logs everything including per-frame wire traffic
	LogLevelDebug LogLevel = iota
	// LogLevelInfo logs general channel and engine operations
	LogLevelInfo
	// LogLevelWarn logs conditions that do not stop execution
	LogLevelWarn
	// LogLevelError logs only error conditions
	LogLevelError
	// LogLevelOff disables all logging
	LogLevelOff
)

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "OFF", "NONE":
		return LogLevelOff
	default:
		return LogLevelInfo
	}
}

// Logger is the pluggable logging interface used across the channel, the
// engine, and the session layer.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...interface{})
	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...interface{})
	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, keysAndValues ...interface{})
	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...interface{})
	// IsDebugEnabled returns true if debug logging is enabled
	IsDebugEnabled() bool
	// IsInfoEnabled returns true if info logging is enabled
	IsInfoEnabled() bool
}

// NoOpLogger is a logger that does nothing (default behavior)
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Error(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) IsDebugEnabled() bool                           { return false }
func (l *NoOpLogger) IsInfoEnabled() bool                            { return false }

// ConsoleLogger logs to stdout/stderr with a configurable level.
type ConsoleLogger struct {
	level      LogLevel
	outLog     *log.Logger
	errLog     *log.Logger
	mu         sync.RWMutex
	timeFormat string
}

// NewConsoleLogger creates a console logger with the specified level
func NewConsoleLogger(level LogLevel) *ConsoleLogger {
	return NewConsoleLoggerWithOutput(level, os.Stdout, os.Stderr)
}

// NewConsoleLoggerWithOutput creates a console logger with custom writers
func NewConsoleLoggerWithOutput(level LogLevel, stdout, stderr io.Writer) *ConsoleLogger {
	return &ConsoleLogger{
		level:      level,
		outLog:     log.New(stdout, "", 0),
		errLog:     log.New(stderr, "", 0),
		timeFormat: "2006-01-02 15:04:05.000",
	}
}

// SetLevel updates the log level
func (c *ConsoleLogger) SetLevel(level LogLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
}

func (c *ConsoleLogger) formatMessage(level LogLevel, msg string, keysAndValues ...interface{}) string {
	c.mu.RLock()
	timeFormat := c.timeFormat
	c.mu.RUnlock()

	timestamp := time.Now().Format(timeFormat)
	formatted := fmt.Sprintf("[%s] %s [gridstream] %s", timestamp, level.String(), msg)

	if len(keysAndValues) > 0 {
		var pairs []string
		for i := 0; i+1 < len(keysAndValues); i += 2 {
			pairs = append(pairs, fmt.Sprintf("%v=%v", keysAndValues[i], keysAndValues[i+1]))
		}
		if len(pairs) > 0 {
			formatted += " | " + strings.Join(pairs, " ")
		}
	}
	return formatted
}

func (c *ConsoleLogger) enabled(level LogLevel) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level <= level
}

func (c *ConsoleLogger) Debug(msg string, keysAndValues ...interface{}) {
	if c.enabled(LogLevelDebug) {
		c.outLog.Println(c.formatMessage(LogLevelDebug, msg, keysAndValues...))
	}
}

func (c *ConsoleLogger) Info(msg string, keysAndValues ...interface{}) {
	if c.enabled(LogLevelInfo) {
		c.outLog.Println(c.formatMessage(LogLevelInfo, msg, keysAndValues...))
	}
}

func (c *ConsoleLogger) Warn(msg string, keysAndValues ...interface{}) {
	if c.enabled(LogLevelWarn) {
		c.errLog.Println(c.formatMessage(LogLevelWarn, msg, keysAndValues...))
	}
}

func (c *ConsoleLogger) Error(msg string, keysAndValues ...interface{}) {
	if c.enabled(LogLevelError) {
		c.errLog.Println(c.formatMessage(LogLevelError, msg, keysAndValues...))
	}
}

func (c *ConsoleLogger) IsDebugEnabled() bool { return c.enabled(LogLevelDebug) }
func (c *ConsoleLogger) IsInfoEnabled() bool  { return c.enabled(LogLevelInfo) }

// ZerologLogger adapts a zerolog.Logger to the Logger interface so callers
// can plug structured logging in without the channel knowing about it.
type ZerologLogger struct {
	L zerolog.Logger
}

// NewZerologLogger wraps a zerolog logger.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{L: l}
}

func (z *ZerologLogger) emit(ev *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1])
	}
	ev.Msg(msg)
}

func (z *ZerologLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.emit(z.L.Debug(), msg, keysAndValues)
}

func (z *ZerologLogger) Info(msg string, keysAndValues ...interface{}) {
	z.emit(z.L.Info(), msg, keysAndValues)
}

func (z *ZerologLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.emit(z.L.Warn(), msg, keysAndValues)
}

func (z *ZerologLogger) Error(msg string, keysAndValues ...interface{}) {
	z.emit(z.L.Error(), msg, keysAndValues)
}

func (z *ZerologLogger) IsDebugEnabled() bool {
	return z.L.GetLevel() <= zerolog.DebugLevel
}

func (z *ZerologLogger) IsInfoEnabled() bool {
	return z.L.GetLevel() <= zerolog.InfoLevel
}
