package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/tendant/simple-prover/pkg/schema"
)

var ErrClosed = errors.New("ledger feed closed")

// Memory is an in-process feed. Emit records an event in history and hands
// it to every live subscriber whose filter matches.
type Memory struct {
	mu      sync.Mutex
	history []schema.LedgerEvent
	subs    map[*memSub]struct{}
	closed  bool
}

type memSub struct {
	types []schema.LedgerEventType
	ch    chan Delivery
	quit  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	closed bool
}

// close unblocks any pending send before closing ch, so a send never races
// the close.
func (s *memSub) close() {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		close(s.ch)
	})
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[*memSub]struct{})}
}

func (m *Memory) Subscribe(ctx context.Context, types ...schema.LedgerEventType) (<-chan Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memSub{types: types, ch: make(chan Delivery, 64), quit: make(chan struct{})}
	m.subs[sub] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.quit:
		}
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Emit blocks until every matching subscriber has room for ev.
func (m *Memory) Emit(ctx context.Context, ev schema.LedgerEvent) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.history = append(m.history, ev)
	targets := make([]*memSub, 0, len(m.subs))
	for sub := range m.subs {
		if matches(sub.types, ev.Type) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		if err := m.deliver(ctx, sub, ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, sub *memSub, ev schema.LedgerEvent) error {
	d := Delivery{Event: ev, Ack: func() error { return nil }}
	d.Nak = func() error {
		go func() { _ = m.deliver(context.Background(), sub, ev) }()
		return nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	select {
	case sub.ch <- d:
		return nil
	case <-sub.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) QueryRange(_ context.Context, t schema.LedgerEventType, from, to uint64) ([]schema.LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.LedgerEvent
	for _, ev := range m.history {
		if ev.Type == t && ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	Sort(out)
	return out, nil
}

// Close ends every subscription.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for sub := range m.subs {
		delete(m.subs, sub)
		sub.close()
	}
}
