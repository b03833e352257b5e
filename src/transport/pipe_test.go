package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	got := make(chan string, 10)
	b.Receive(func(data []byte) { got <- string(data) })

	ctx := context.Background()
	for _, m := range []string{"one", "two", "three"} {
		if err := a.SendMessage(ctx, []byte(m)); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case m := <-got:
			if m != want {
				t.Errorf("Expected %q, got %q", want, m)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Message never delivered")
		}
	}
}

func TestPipeCloseDisconnectsBothEnds(t *testing.T) {
	a, b := NewPipe()
	reason := errors.New("socket torn")
	_ = a.CloseWithError(reason)

	for name, end := range map[string]*Pipe{"local": a, "peer": b} {
		select {
		case <-end.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s endpoint never disconnected", name)
		}
		if !errors.Is(end.Err(), reason) {
			t.Errorf("%s endpoint reason = %v, want %v", name, end.Err(), reason)
		}
	}

	if err := a.SendMessage(context.Background(), []byte("late")); !errors.Is(err, reason) {
		t.Errorf("Send after close should fail with the reason, got %v", err)
	}
}

func TestPipeSendHonorsContext(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()

	// Peer never receives, so the buffer eventually fills.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var err error
	for i := 0; i < 10000; i++ {
		if err = a.SendMessage(ctx, []byte("x")); err != nil {
			break
		}
	}
	if err == nil {
		t.Skip("pipe buffer never filled")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestPipeDrainIsAlwaysReady(t *testing.T) {
	a, _ := NewPipe()
	defer a.Close()
	if a.WaitToDrain() != nil {
		t.Error("Pipe should never gate on drain")
	}
}
