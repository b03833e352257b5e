package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIteratorDeliversQueuedChunksBeforeEnd(t *testing.T) {
	it := NewIterator[int]()
	it.Supply(1)
	it.Supply(2)
	it.Finish()

	ctx := context.Background()
	for want := 1; want <= 2; want++ {
		if !it.Next(ctx) {
			t.Fatalf("Next returned false before chunk %d", want)
		}
		if got := it.Chunk(); got != want {
			t.Errorf("Expected chunk %d, got %d", want, got)
		}
	}
	if it.Next(ctx) {
		t.Fatal("Next returned a chunk after the end")
	}
	if err := it.Err(); err != nil {
		t.Errorf("Clean end should report nil, got %v", err)
	}
	// Neutral done on further calls.
	if it.Next(ctx) {
		t.Error("Next after consumed end should stay false")
	}
}

func TestIteratorWakesPendingAwaiter(t *testing.T) {
	it := NewIterator[string]()
	got := make(chan string, 1)
	go func() {
		if it.Next(context.Background()) {
			got <- it.Chunk()
		} else {
			got <- "<end>"
		}
	}()

	it.Supply("hello")
	select {
	case v := <-got:
		if v != "hello" {
			t.Errorf("Expected hello, got %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pending Next never woke")
	}
}

func TestIteratorFailDeliversErrorOnce(t *testing.T) {
	boom := errors.New("boom")
	it := NewIterator[int]()
	it.Supply(1)
	it.Fail(boom)
	it.Supply(2) // dropped: terminal state reached

	ctx := context.Background()
	if !it.Next(ctx) || it.Chunk() != 1 {
		t.Fatal("Queued chunk should be delivered before the error")
	}
	if it.Next(ctx) {
		t.Fatal("Next should report the end")
	}
	if !errors.Is(it.Err(), boom) {
		t.Errorf("Expected boom, got %v", it.Err())
	}
	if it.Next(ctx) {
		t.Error("Next after error should stay false")
	}
}

func TestIteratorFirstTerminalWins(t *testing.T) {
	it := NewIterator[int]()
	it.Finish()
	it.Fail(errors.New("late"))

	if it.Next(context.Background()) {
		t.Fatal("Expected immediate end")
	}
	if err := it.Err(); err != nil {
		t.Errorf("Finish came first, Err should be nil, got %v", err)
	}
}

func TestIteratorCleanupWaitsForProducer(t *testing.T) {
	it := NewIterator[int]()
	runs := 0
	it.OnCleanup(func() { runs++ })

	if err := it.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if runs != 0 {
		t.Fatal("Cleanup must not run while the producer is still open")
	}
	it.Supply(5) // discarded after Close
	it.Finish()
	if runs != 1 {
		t.Fatalf("Cleanup should have run once after Finish, ran %d times", runs)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
	it.Finish()
	if runs != 1 {
		t.Errorf("Cleanup ran %d times, want exactly once", runs)
	}
}

func TestIteratorCleanupOnEndConsumption(t *testing.T) {
	it := NewIterator[int]()
	runs := 0
	it.OnCleanup(func() { runs++ })

	it.Supply(1)
	it.Finish()
	if runs != 0 {
		t.Fatal("Cleanup must wait for the consumer")
	}

	ctx := context.Background()
	if !it.Next(ctx) {
		t.Fatal("Expected the queued chunk")
	}
	if runs != 0 {
		t.Fatal("Cleanup must wait for the end to be consumed")
	}
	if it.Next(ctx) {
		t.Fatal("Expected the end")
	}
	if runs != 1 {
		t.Errorf("Cleanup ran %d times, want once", runs)
	}
}

func TestIteratorCloseWakesPendingNext(t *testing.T) {
	it := NewIterator[int]()
	done := make(chan bool, 1)
	go func() { done <- it.Next(context.Background()) }()

	waitParked(t, it)
	_ = it.Close()
	select {
	case ok := <-done:
		if ok {
			t.Error("Next after Close should return false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the pending Next")
	}
	if err := it.Err(); err != nil {
		t.Errorf("Close should not surface an error, got %v", err)
	}
}

func TestIteratorConcurrentNextRejected(t *testing.T) {
	it := NewIterator[int]()
	first := make(chan bool, 1)
	go func() { first <- it.Next(context.Background()) }()

	waitParked(t, it)
	if it.Next(context.Background()) {
		t.Fatal("Second Next should not yield a chunk")
	}
	if !errors.Is(it.Err(), ErrConcurrentNext) {
		t.Errorf("Expected ErrConcurrentNext, got %v", it.Err())
	}

	it.Finish()
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("Parked Next never returned")
	}
}

func TestIteratorNextHonorsContext(t *testing.T) {
	it := NewIterator[int]()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if it.Next(ctx) {
		t.Fatal("Next should fail on ctx cancellation")
	}
	if !errors.Is(it.Err(), context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", it.Err())
	}
}

func TestIteratorCollect(t *testing.T) {
	it := NewIterator[int]()
	it.Supply(1)
	it.Supply(2)
	it.Supply(3)
	it.Finish()

	got, err := it.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Unexpected chunks %v", got)
	}
}

func TestSliceSource(t *testing.T) {
	src := SliceSource([]string{"a", "b"})
	ctx := context.Background()

	c, ok, err := src.Next(ctx)
	if err != nil || !ok || c != "a" {
		t.Fatalf("Unexpected first pull: %v %v %v", c, ok, err)
	}
	c, ok, err = src.Next(ctx)
	if err != nil || !ok || c != "b" {
		t.Fatalf("Unexpected second pull: %v %v %v", c, ok, err)
	}
	if _, ok, err = src.Next(ctx); ok || err != nil {
		t.Fatalf("Expected clean end, got ok=%v err=%v", ok, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err = SliceSource([]int{1}).Next(cancelled); err == nil {
		t.Error("Expected ctx error from cancelled source")
	}
}

// waitParked polls until a Next call is blocked waiting for input.
func waitParked[T any](t *testing.T, it *Iterator[T]) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		it.mu.Lock()
		parked := it.waiter != nil
		it.mu.Unlock()
		if parked {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Next never parked")
		}
		time.Sleep(time.Millisecond)
	}
}
