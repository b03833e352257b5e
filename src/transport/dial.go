package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// RetryPolicy shapes dial retries: exponential backoff with full jitter,
// capped per attempt and bounded in attempt count.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 = no jitter, 1.0 = full jitter

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error, nextDelay time.Duration)
}

// DefaultRetryPolicy covers transient startup races: five attempts over
// roughly a second and a half of cumulative backoff.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 1.0,
	}
}

// NoRetryPolicy dials exactly once.
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// delay computes the backoff before attempt+1 using full jitter to avoid
// synchronized reconnect storms.
func (p *RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	exponent := float64(attempt - 1)
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, exponent)
	capped := math.Min(base, float64(p.MaxDelay))

	jitter := math.Max(0, math.Min(1, p.JitterFactor))
	blend := 1.0 - jitter + rand.Float64()*jitter
	return time.Duration(capped * blend)
}

// DialError wraps the final error after exhausted retries.
type DialError struct {
	URL             string
	Attempts        int
	CumulativeDelay time.Duration
	Err             error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: giving up after %d attempt(s) over %v: %v",
		e.URL, e.Attempts, e.CumulativeDelay, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// ResolveURL normalizes a server address into a websocket URL.
//
// Accepted forms:
//   - host or host:port        -> ws://host[:port]/ws
//   - ws:// and wss://         -> passed through, path defaults to /ws
//   - http:// and https://     -> scheme swapped to ws:// and wss://
func ResolveURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("dial: empty address")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("dial: invalid address %q: %w", raw, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("dial: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("dial: missing host in %q", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Dial resolves rawURL and connects, retrying per policy. A nil policy
// means DefaultRetryPolicy. Context cancellation stops retries immediately;
// every other dial error counts as transient.
func Dial(ctx context.Context, rawURL string, policy *RetryPolicy, opts WebSocketOptions) (*WebSocket, error) {
	resolved, err := ResolveURL(rawURL)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	var cumulativeDelay time.Duration

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, resolved, nil)
		if err == nil {
			return NewWebSocket(conn, opts), nil
		}
		lastErr = err

		if attempt >= policy.MaxAttempts {
			break
		}

		delay := policy.delay(attempt)
		cumulativeDelay += delay
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(delay):
		}
	}

	return nil, &DialError{
		URL:             resolved,
		Attempts:        policy.MaxAttempts,
		CumulativeDelay: cumulativeDelay,
		Err:             lastErr,
	}
}
