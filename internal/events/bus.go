package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Golden-forest/cardall-sync/internal/model"
	"go.uber.org/zap"
)

// Bus is a typed publish/subscribe stream for engine notifications.
// Subscribers pull model.Event values from their own buffered channel.
// Publishing never blocks the engine: events for a slow subscriber are
// dropped and counted rather than stalling a sync cycle.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan model.Event
	nextID  int
	buffer  int
	dropped uint64
	closed  bool
	logger  *zap.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]chan model.Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber is done; the channel is closed afterwards.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(ev model.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
			b.logger.Warn("Dropped event for slow subscriber",
				zap.String("type", string(ev.Type)))
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Dropped returns the number of events dropped due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
