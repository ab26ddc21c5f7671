// Package ledger delivers on-chain events to the reconciler. The chain wire
// protocol lives behind Client; this package only moves normalized events.
package ledger

import (
	"context"
	"sort"

	"github.com/tendant/simple-prover/pkg/schema"
)

// Delivery is one event handed to a consumer. Ack confirms it was applied;
// Nak asks for redelivery.
type Delivery struct {
	Event schema.LedgerEvent
	Ack   func() error
	Nak   func() error
}

type Client interface {
	// Subscribe streams live events of the given types until ctx is done,
	// then closes the channel.
	Subscribe(ctx context.Context, types ...schema.LedgerEventType) (<-chan Delivery, error)
	// QueryRange returns historical events of one type with from <= block <= to,
	// sorted by ordering key.
	QueryRange(ctx context.Context, t schema.LedgerEventType, from, to uint64) ([]schema.LedgerEvent, error)
}

// Sort orders events by (block, tx hash).
func Sort(events []schema.LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
}

func matches(types []schema.LedgerEventType, t schema.LedgerEventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
