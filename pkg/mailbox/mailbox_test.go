package mailbox

import (
	"sync"
	"testing"
	"time"
)

func TestCapacity(t *testing.T) {
	tests := []struct {
		input    uint64
		expected int
	}{
		{0, 1},
		{2, 1},
		{3, 3},
		{8, 7},
		{100, 127},
	}

	for _, tt := range tests {
		m := New[int](tt.input)
		if m.Cap() != tt.expected {
			t.Errorf("New(%d): got cap %d, want %d", tt.input, m.Cap(), tt.expected)
		}
	}
}

func TestPushPopOrder(t *testing.T) {
	m := New[string](4)
	for _, s := range []string{"a", "b", "c"} {
		if !m.Push(s) {
			t.Fatalf("Push(%q) failed", s)
		}
	}
	if m.Push("d") {
		t.Errorf("Push into full mailbox succeeded")
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok := m.Pop()
		if !ok || got != want {
			t.Errorf("Pop: got %q %v, want %q", got, ok, want)
		}
	}
	if _, ok := m.Pop(); ok {
		t.Errorf("Pop from empty mailbox succeeded")
	}
}

func TestReceiveTimesOut(t *testing.T) {
	m := New[int](4)
	start := time.Now()
	if _, ok := m.Receive(20 * time.Millisecond); ok {
		t.Fatalf("Receive on empty mailbox returned a value")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Receive returned after %v, before the timeout", elapsed)
	}
}

func TestReceiveWakesOnPush(t *testing.T) {
	m := New[int](4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Push(42)
	}()

	v, ok := m.Receive(2 * time.Second)
	if !ok || v != 42 {
		t.Fatalf("Receive: got %d %v, want 42 true", v, ok)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	m := New[int](16)
	const total = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if m.Push(i) {
				i++
			}
		}
	}()

	for want := 0; want < total; want++ {
		got, ok := m.Receive(time.Second)
		if !ok {
			t.Fatalf("timed out waiting for %d", want)
		}
		if got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}
	wg.Wait()
}
