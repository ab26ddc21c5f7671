package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tendant/simple-prover/pkg/schema"
)

func ev(t schema.LedgerEventType, block uint64, tx string) schema.LedgerEvent {
	return schema.LedgerEvent{Type: t, BlockNumber: block, TxHash: tx, SubjectRef: "s1"}
}

func recv(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestMemorySubscribeFiltersTypes(t *testing.T) {
	feed := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := feed.Subscribe(ctx, schema.EventAccessGranted)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := feed.Emit(ctx, ev(schema.EventArtifactSubmitted, 1, "0x1")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := feed.Emit(ctx, ev(schema.EventAccessGranted, 2, "0x2")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	d := recv(t, ch)
	if d.Event.TxHash != "0x2" {
		t.Fatalf("unexpected event %+v", d.Event)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestMemoryNakRedelivers(t *testing.T) {
	feed := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := feed.Subscribe(ctx)
	_ = feed.Emit(ctx, ev(schema.EventAccessRevoked, 5, "0x5"))

	first := recv(t, ch)
	if err := first.Nak(); err != nil {
		t.Fatalf("Nak: %v", err)
	}
	again := recv(t, ch)
	if again.Event.TxHash != "0x5" {
		t.Fatalf("redelivered %+v", again.Event)
	}
}

func TestMemorySubscriptionClosesWithContext(t *testing.T) {
	feed := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := feed.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	if err := feed.Emit(context.Background(), ev(schema.EventAccessGranted, 1, "0x1")); err != nil {
		t.Fatalf("Emit with no subscribers: %v", err)
	}
}

func TestMemoryQueryRangeSortedAndBounded(t *testing.T) {
	feed := NewMemory()
	ctx := context.Background()
	for _, e := range []schema.LedgerEvent{
		ev(schema.EventAccessGranted, 9, "0xb"),
		ev(schema.EventAccessGranted, 3, "0xa"),
		ev(schema.EventAccessGranted, 9, "0xa"),
		ev(schema.EventAccessRevoked, 4, "0xc"),
		ev(schema.EventAccessGranted, 20, "0xd"),
	} {
		_ = feed.Emit(ctx, e)
	}

	got, err := feed.QueryRange(ctx, schema.EventAccessGranted, 3, 10)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	want := []string{"3/0xa", "9/0xa", "9/0xb"}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, e := range got {
		if key := blockTx(e); key != want[i] {
			t.Fatalf("event %d = %s, want %s", i, key, want[i])
		}
	}
}

func blockTx(e schema.LedgerEvent) string {
	return fmt.Sprintf("%d/%s", e.BlockNumber, e.TxHash)
}
