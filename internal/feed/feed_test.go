package feed

import (
	"testing"
	"time"
)

func TestFeedDeliversInOrder(t *testing.T) {
	f := New[int]()
	defer f.Close()

	// Push far more than any channel buffer would hold without a reader.
	for i := 0; i < 1000; i++ {
		f.Push(i)
	}

	for want := 0; want < 1000; want++ {
		select {
		case got := <-f.C():
			if got != want {
				t.Fatalf("expected %d, got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for value %d", want)
		}
	}
}

func TestFeedCloseClosesChannel(t *testing.T) {
	f := New[string]()
	f.Push("a")
	f.Close()
	f.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-f.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Close")
		}
	}
}

func TestFeedPushAfterCloseIsDiscarded(t *testing.T) {
	f := New[int]()
	f.Close()
	f.Push(1)

	if n := f.Len(); n != 0 {
		t.Fatalf("expected empty queue after close, got %d", n)
	}
}
