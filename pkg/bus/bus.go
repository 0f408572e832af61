// Package bus is the in-process event fabric verified emissions are
// published on. Subscribers get a bounded buffer; one that stops draining
// is evicted rather than allowed to stall producers.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aegnix/abi/pkg/envelope"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// ErrSubscriptionClosed is returned by Next after Close, including the
// forced close applied to slow subscribers.
var ErrSubscriptionClosed = errors.New("bus: subscription closed")

// Event is one delivered emission.
type Event struct {
	Subject  string
	Envelope *envelope.Envelope
}

// Bus fans verified envelopes out to matching subscribers. Publish never
// blocks on a subscriber.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*Subscription
	bufSize int
	log     *slog.Logger
}

// New creates a bus. bufSize <= 0 means DefaultBufferSize.
func New(bufSize int, log *slog.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		log:     log,
	}
}

// Subscription is one consumer's handle. Close is idempotent and safe to
// call concurrently with Next.
type Subscription struct {
	id      uint64
	subject string
	aeID    string
	ch      chan Event
	bus     *Bus

	closeOnce sync.Once
	closed    chan struct{}
	// forced records whether the bus evicted this subscriber.
	forced atomic.Bool
}

// Subscribe registers a consumer for subject. The subject may use the
// same trailing-* wildcard as policy grants.
func (b *Bus) Subscribe(aeID, subject string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		subject: subject,
		aeID:    aeID,
		ch:      make(chan Event, b.bufSize),
		bus:     b,
		closed:  make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers env to every subscription matching subject. A full
// subscriber is evicted: its subscription is closed and the event is not
// delivered to it. Returns the number of deliveries.
func (b *Bus) Publish(subject string, env *envelope.Envelope) int {
	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if subjectMatches(sub.subject, subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	ev := Event{Subject: subject, Envelope: env}
	for _, sub := range matched {
		select {
		case sub.ch <- ev:
			delivered++
		case <-sub.closed:
		default:
			b.log.Warn("evicting slow subscriber", "ae_id", sub.aeID, "subject", sub.subject)
			sub.forceClose()
		}
	}
	return delivered
}

// SubscriberCount reports active subscriptions, for the runtime view.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Next blocks until an event arrives, the subscription closes, or ctx is
// done. Buffered events are drained even after a close.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	// Prefer buffered events over the closed signal.
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.closed:
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return Event{}, ErrSubscriptionClosed
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close deregisters the subscription. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.closed)
	})
}

// Evicted reports whether the bus force-closed this subscription for
// falling behind.
func (s *Subscription) Evicted() bool {
	return s.forced.Load()
}

func (s *Subscription) forceClose() {
	s.forced.Store(true)
	s.Close()
}

func subjectMatches(pattern, subject string) bool {
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(subject) >= len(prefix) && subject[:len(prefix)] == prefix
	}
	return pattern == subject
}
