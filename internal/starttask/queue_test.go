package starttask

import (
	"context"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d items", q.Len())
	}
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	done := make(chan string, 1)
	go func() {
		id, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue failed: %v", err)
		}
		done <- id
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue("task-1")

	select {
	case id := <-done:
		if id != "task-1" {
			t.Errorf("expected task-1, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake up after Enqueue")
	}
}

func TestQueue_DequeueHonorsCancellation(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after cancellation")
	}
}
