package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestConsumerFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	c := NewConsumer(b, 16, "task.failed")

	// published before Run: still delivered
	b.Publish(Event{Type: "task.finished"})
	b.Publish(Event{Type: "task.failed", Data: 1})
	b.Publish(Event{Type: "task.failed", Data: 2})

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []any
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, func(e Event) {
			mu.Lock()
			got = append(got, e.Data)
			mu.Unlock()
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
}

func TestDroppedCountsFullSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x"})
	}
	if got := Dropped(b); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}
