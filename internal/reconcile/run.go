package reconcile

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/tendant/simple-prover/internal/ledger"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/pkg/schema"
)

// EntityKey names the entity an event mutates. Events with the same key are
// applied one at a time in arrival order.
func EntityKey(ev schema.LedgerEvent) string {
	switch ev.Type {
	case schema.EventAccessGranted, schema.EventAccessRevoked:
		return "grant:" + ev.SubjectRef + ":" + ev.CounterpartyRef
	case schema.EventArtifactSubmitted:
		return "trait:" + ev.TraitType
	default:
		return "subject:" + ev.SubjectRef
	}
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Run consumes the live feed until ctx is done. A failed event is nacked for
// redelivery; a malformed one is acked and dropped. Per-event errors never
// stop the loop.
func (r *Reconciler) Run(ctx context.Context, client ledger.Client, types ...schema.LedgerEventType) error {
	if len(types) == 0 {
		types = schema.LedgerEventTypes()
	}
	deliveries, err := client.Subscribe(ctx, types...)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.logger.Info("reconciler started", "types", types, "shards", r.cfg.Shards)

	shards := make([]chan ledger.Delivery, r.cfg.Shards)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan ledger.Delivery, 16)
		wg.Add(1)
		go func(in <-chan ledger.Delivery) {
			defer wg.Done()
			for d := range in {
				r.handle(ctx, d)
			}
		}(shards[i])
	}

	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
		r.logger.Info("reconciler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			select {
			case shards[shardOf(EntityKey(d.Event), len(shards))] <- d:
			case <-ctx.Done():
				_ = d.Nak()
				return nil
			}
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, d ledger.Delivery) {
	logger := r.logger.With("tx_hash", d.Event.TxHash, "type", d.Event.Type)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic applying ledger event", "panic", p)
			_ = d.Nak()
		}
	}()

	err := r.Apply(ctx, d.Event)
	switch {
	case err == nil:
		if aerr := d.Ack(); aerr != nil {
			logger.Warn("ack failed", "err", aerr)
		}
	case errors.Is(err, process.ErrValidation):
		logger.Error("dropping malformed ledger event", "err", err)
		_ = d.Ack()
	default:
		logger.Error("ledger event failed, requesting redelivery", "err", err)
		if nerr := d.Nak(); nerr != nil {
			logger.Warn("nak failed", "err", nerr)
		}
	}
}

type BackfillResult struct {
	Fetched int
	Applied int
	Failed  int
	Errors  []error
}

// Backfill replays every event type in [from, to] merged by ordering key.
// Events are applied sequentially; a failed event is counted and skipped.
func (r *Reconciler) Backfill(ctx context.Context, client ledger.Client, from, to uint64, types ...schema.LedgerEventType) (BackfillResult, error) {
	var res BackfillResult
	if to < from {
		return res, process.Validation("reconcile.backfill", "to block %d before from block %d", to, from)
	}
	if len(types) == 0 {
		types = schema.LedgerEventTypes()
	}

	var events []schema.LedgerEvent
	for _, t := range types {
		batch, err := client.QueryRange(ctx, t, from, to)
		if err != nil {
			return res, fmt.Errorf("query %s [%d,%d]: %w", t, from, to, err)
		}
		events = append(events, batch...)
	}
	ledger.Sort(events)
	res.Fetched = len(events)

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.Apply(ctx, ev); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", ev.TxHash, err))
			r.logger.Error("backfill event failed", "tx_hash", ev.TxHash, "type", ev.Type, "err", err)
			continue
		}
		res.Applied++
	}
	r.logger.Info("backfill complete", "from", from, "to", to,
		"fetched", res.Fetched, "applied", res.Applied, "failed", res.Failed)
	return res, nil
}
