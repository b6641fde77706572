package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/orchflow/internal/shared/id"
)

// ErrClosed is returned by Recv after the subscription was closed
var ErrClosed = errors.New("subscription closed")

// Delivery is one item handed to a subscriber. Lagged counts the events
// dropped for this subscriber immediately before Event because its buffer
// was full.
type Delivery struct {
	Event  Event
	Lagged uint64
}

// Observer is told about subscription churn and dropped deliveries
type Observer interface {
	SubscriberOpened()
	SubscriberClosed()
	EventLagged()
}

// Bus fans events out to subscribers through bounded per-subscriber
// buffers. Publish never blocks: a full buffer drops the event and the
// subscriber learns how many it missed on its next delivery.
type Bus struct {
	mu       sync.RWMutex
	subs     map[id.SubscriptionID]*Subscription
	seq      atomic.Uint64
	capacity int
	observer Observer
	now      func() time.Time
}

// NewBus creates a bus whose subscribers buffer up to capacity events
func NewBus(capacity int, observer Observer) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subs:     make(map[id.SubscriptionID]*Subscription),
		capacity: capacity,
		observer: observer,
		now:      time.Now,
	}
}

// Publish stamps ev with a sequence number and time, then offers it to
// every matching subscriber. Subscriptions whose filter ends on ev are
// closed after it is offered.
func (b *Bus) Publish(ev Event) {
	ev.Seq = b.seq.Add(1)
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	var ended []*Subscription
	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.filter.Match(ev) {
			sub.offer(ev, b.observer)
			if sub.filter.ends(ev) {
				ended = append(ended, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range ended {
		b.remove(sub)
	}
}

// Subscribe registers a subscriber that sees events published from now on
func (b *Bus) Subscribe(filter Filter) *Subscription {
	return b.SubscribeWithBuffer(filter, b.capacity)
}

// SubscribeWithBuffer is Subscribe with an explicit buffer size
func (b *Bus) SubscribeWithBuffer(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.capacity
	}
	sub := &Subscription{
		id:     id.NewSubscriptionID(),
		filter: filter,
		ch:     make(chan Delivery, buffer),
		bus:    b,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.SubscriberOpened()
	}
	return sub
}

// Len returns the number of open subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[id.SubscriptionID]*Subscription)
	for _, sub := range subs {
		sub.closeLocked()
	}
	b.mu.Unlock()

	if b.observer != nil {
		for range subs {
			b.observer.SubscriberClosed()
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
		sub.closeLocked()
	}
	b.mu.Unlock()

	if ok && b.observer != nil {
		b.observer.SubscriberClosed()
	}
}

// Subscription is one subscriber's view of the bus
type Subscription struct {
	id     id.SubscriptionID
	filter Filter
	ch     chan Delivery
	bus    *Bus

	// dropped is written by publishers holding the bus read lock
	dropped atomic.Uint64
	closed  bool
}

// ID returns the subscription ID
func (s *Subscription) ID() id.SubscriptionID { return s.id }

// Filter returns the filter the subscription was created with
func (s *Subscription) Filter() Filter { return s.filter }

// C returns the delivery channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Recv waits for the next delivery
func (s *Subscription) Recv(ctx context.Context) (Delivery, error) {
	select {
	case d, ok := <-s.ch:
		if !ok {
			return Delivery{}, ErrClosed
		}
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Close detaches the subscription from the bus. Safe to call twice.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// offer runs under the bus read lock, so closeLocked cannot race it
func (s *Subscription) offer(ev Event, observer Observer) {
	lagged := s.dropped.Swap(0)
	select {
	case s.ch <- Delivery{Event: ev, Lagged: lagged}:
	default:
		s.dropped.Add(lagged + 1)
		if observer != nil {
			observer.EventLagged()
		}
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
