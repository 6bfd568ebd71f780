package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries b discarded because a subscriber was
// full. It is zero for Bus implementations other than New's.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// Consumer is a filtered subscription. It buffers from the moment it is
// created, so events published before Run starts are not lost.
type Consumer struct {
	ch    <-chan Event
	unsub func()
	want  map[string]struct{}
}

// NewConsumer subscribes to b for the given event types (all types when
// empty).
func NewConsumer(b Bus, buffer int, types ...string) *Consumer {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	ch, unsub := b.Subscribe(buffer)
	return &Consumer{ch: ch, unsub: unsub, want: want}
}

// Run calls fn for every matching event until ctx is done, then
// unsubscribes. It blocks.
func (c *Consumer) Run(ctx context.Context, fn func(Event)) {
	defer c.unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-c.ch:
			if !ok {
				return
			}
			if len(c.want) > 0 {
				if _, hit := c.want[e.Type]; !hit {
					continue
				}
			}
			fn(e)
		}
	}
}

// Close unsubscribes a Consumer that will never Run.
func (c *Consumer) Close() { c.unsub() }
