// Package notify is the progress and domain event channel shared by the
// worker pool and the reconciler.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindProgress Kind = "progress"
	KindJobError Kind = "error"
	KindDomain   Kind = "domain"
)

// Event is a message on the channel. SubjectID is the routing key.
type Event struct {
	Kind      Kind
	SubjectID string
	Payload   any
	At        time.Time
}

// Publisher is the producer side of the channel. Publish never blocks on slow
// subscribers and never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

// Multi fans out to every publisher in order.
func Multi(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) {
		for _, p := range pubs {
			if p != nil {
				p.Publish(ctx, ev)
			}
		}
	})
}

// Hub is an in-process topic keyed by subject with bounded per-subscriber
// buffers. Subscribers that fall behind lose events instead of stalling
// publishers.
type Hub struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscription receives events for one subject, or all subjects when the
// subject is empty.
type Subscription struct {
	hub       *Hub
	subjectID string
	kinds     map[Kind]bool
	ch        chan Event
	once      sync.Once
}

// C is closed when the subscription or the hub is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.hub.subs, s)
		close(s.ch)
	})
}

func (s *Subscription) wants(ev Event) bool {
	if s.subjectID != "" && s.subjectID != ev.SubjectID {
		return false
	}
	if len(s.kinds) > 0 && !s.kinds[ev.Kind] {
		return false
	}
	return true
}

// Subscribe registers a subscriber. Passing kinds narrows delivery to those
// kinds. Subscribing to a closed hub returns an already closed subscription.
func (h *Hub) Subscribe(subjectID string, kinds ...Kind) *Subscription {
	sub := &Subscription{hub: h, subjectID: subjectID, ch: make(chan Event, h.buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.closeLocked()
	}
}
