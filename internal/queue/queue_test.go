package queue

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := New[int](10)
	for i := 0; i < 5; i++ {
		if err := q.Push(i); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		got, ok := q.Pop()
		if !ok {
			t.Fatal("queue unexpectedly closed")
		}
		if got != i {
			t.Fatalf("Pop: got %d, want %d", got, i)
		}
	}
}

func TestBackpressureResumesBelowHalf(t *testing.T) {
	const bound = 10
	q := New[int](bound)
	for i := 0; i < bound; i++ {
		if err := q.Push(i); err != nil {
			t.Fatal(err)
		}
	}

	pushed := make(chan struct{})
	go func() {
		// The queue is at its bound: this producer must stall.
		if err := q.Push(bound); err != nil {
			t.Error(err)
		}
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push succeeded at the bound")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one item is not enough: the producer resumes only
	// below half the bound.
	q.Pop()
	select {
	case <-pushed:
		t.Fatal("Push resumed above the low watermark")
	case <-time.After(50 * time.Millisecond):
	}

	for q.Len() >= bound/2 {
		q.Pop()
	}
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push did not resume below the low watermark")
	}
}

func TestPushTimeout(t *testing.T) {
	q := New[int](2)
	q.Push(1)
	q.Push(2)
	start := time.Now()
	err := q.PushTimeout(3, 100*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("PushTimeout: got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("PushTimeout returned after %v, before the deadline", elapsed)
	}
}

func TestCloseWakesBlockedProducer(t *testing.T) {
	q := New[int](2)
	q.Push(1)
	q.Push(2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := q.Push(3); err != ErrClosed {
			t.Errorf("blocked Push: got %v, want ErrClosed", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()

	// Items queued before the close still drain, then Pop reports the
	// close.
	for i := 0; i < 2; i++ {
		if _, ok := q.Pop(); !ok {
			t.Fatal("Pop: queue closed before drained")
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop: got item after close and drain")
	}
}

func TestCloseWakesBlockedConsumer(t *testing.T) {
	q := New[int](2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := q.Pop(); ok {
			t.Error("Pop on empty closed queue returned an item")
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the blocked consumer")
	}
}

func TestPushAfterClose(t *testing.T) {
	q := New[int](2)
	q.Close()
	if err := q.Push(1); err != ErrClosed {
		t.Fatalf("Push after Close: got %v, want ErrClosed", err)
	}
}
