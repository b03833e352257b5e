package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{name: "bare host", in: "example.com", want: "ws://example.com/ws", valid: true},
		{name: "host and port", in: "localhost:8484", want: "ws://localhost:8484/ws", valid: true},
		{name: "ws passthrough", in: "ws://host:9000/custom", want: "ws://host:9000/custom", valid: true},
		{name: "ws default path", in: "ws://host:9000", want: "ws://host:9000/ws", valid: true},
		{name: "http swapped", in: "http://host:8080", want: "ws://host:8080/ws", valid: true},
		{name: "https swapped", in: "https://host", want: "wss://host/ws", valid: true},
		{name: "wss passthrough", in: "wss://host/ws", want: "wss://host/ws", valid: true},
		{name: "empty", in: "", valid: false},
		{name: "bad scheme", in: "ftp://host", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveURL(tt.in)
			if tt.valid && err != nil {
				t.Fatalf("ResolveURL(%q) failed: %v", tt.in, err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatalf("ResolveURL(%q) should fail, got %q", tt.in, got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ResolveURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRetryPolicyDelayBounds(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0, // deterministic
	}

	wants := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second, // capped
	}
	for i, want := range wants {
		if got := p.delay(i + 1); got != want {
			t.Errorf("delay(%d) = %v, want %v", i+1, got, want)
		}
	}

	// Full jitter stays within (0, cap].
	p.JitterFactor = 1.0
	for i := 0; i < 50; i++ {
		d := p.delay(4)
		if d < 0 || d > 800*time.Millisecond {
			t.Fatalf("jittered delay %v outside [0, 800ms]", d)
		}
	}
}

func TestDialRetriesThenGivesUp(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2.0,
	}
	retries := 0
	policy.OnRetry = func(attempt int, err error, next time.Duration) { retries++ }

	// Nothing listens on this port.
	_, err := Dial(context.Background(), "localhost:1", policy, WebSocketOptions{})
	if err == nil {
		t.Fatal("Dial should fail with no listener")
	}
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("want DialError, got %T: %v", err, err)
	}
	if dialErr.Attempts != 3 {
		t.Errorf("want 3 attempts, got %d", dialErr.Attempts)
	}
	if retries != 2 {
		t.Errorf("want 2 retry callbacks, got %d", retries)
	}
}

func TestDialStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "localhost:1", DefaultRetryPolicy(), WebSocketOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestDialConnects(t *testing.T) {
	url := startEchoServer(t)

	ws, err := Dial(context.Background(), url, NoRetryPolicy(), WebSocketOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	got := make(chan string, 1)
	ws.Receive(func(data []byte) { got <- string(data) })
	if err := ws.SendMessage(context.Background(), []byte("S1")); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	select {
	case m := <-got:
		if m != "S1" {
			t.Errorf("echo mismatch: got %q", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}
}
