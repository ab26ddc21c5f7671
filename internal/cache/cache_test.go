package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tendant/simple-prover/internal/kvtest"
	"github.com/tendant/simple-prover/internal/process"
)

func TestMemoryGetPut(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()
	fp := process.NewFingerprint("u1", "BRCA1", nil)

	if a, err := c.Get(ctx, fp); err != nil || a != nil {
		t.Fatalf("expected miss, got %v %v", a, err)
	}
	if err := c.Put(ctx, fp, &process.Artifact{ContentHash: "0x1"}, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	a, err := c.Get(ctx, fp)
	if err != nil || a == nil || a.ContentHash != "0x1" {
		t.Fatalf("expected hit, got %v %v", a, err)
	}

	threshold := 0.3
	if a, _ := c.Get(ctx, process.NewFingerprint("u1", "BRCA1", &threshold)); a != nil {
		t.Fatal("a different threshold must miss")
	}
}

func TestMemoryTTLNotRefreshedOnRead(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()
	fp := process.NewFingerprint("u1", "CYP2D6", nil)

	_ = c.Put(ctx, fp, &process.Artifact{ContentHash: "0x2"}, 10*time.Second)

	now = now.Add(9 * time.Second)
	if a, _ := c.Get(ctx, fp); a == nil {
		t.Fatal("entry should still be live")
	}
	now = now.Add(time.Second)
	if a, _ := c.Get(ctx, fp); a != nil {
		t.Fatal("entry should expire at write time + ttl despite the read")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be evicted, len=%d", c.Len())
	}
}

func TestMemoryReturnsCopy(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	fp := process.NewFingerprint("u1", "BRCA2", nil)
	_ = c.Put(ctx, fp, &process.Artifact{ContentHash: "0x3"}, time.Minute)

	a, _ := c.Get(ctx, fp)
	a.ContentHash = "mutated"
	b, _ := c.Get(ctx, fp)
	if b.ContentHash != "0x3" {
		t.Fatalf("cache entry mutated through returned pointer: %s", b.ContentHash)
	}
}

func TestKVKey(t *testing.T) {
	got := KVKey("artifact:user 1:BRCA1:0.5")
	if got != "artifact.user_1.BRCA1.0.5" {
		t.Fatalf("unexpected kv key: %s", got)
	}
}

func TestKVDistinctSubjectsNeverShareEntries(t *testing.T) {
	store := kvtest.New()
	c := &KV{kv: store, now: time.Now}
	ctx := context.Background()

	subjects := []string{"alice@lab", "alice#lab", "alice:lab", "alice.lab"}
	for i, s := range subjects {
		fp := process.NewFingerprint(s, "BRCA1", nil)
		a := &process.Artifact{SubjectID: s, TraitType: "BRCA1", ContentHash: fmt.Sprintf("0x%d", i)}
		if err := c.Put(ctx, fp, a, time.Minute); err != nil {
			t.Fatalf("Put(%s): %v", s, err)
		}
	}
	if n := len(store.LiveKeys()); n != len(subjects) {
		t.Fatalf("expected %d entries, got %d", len(subjects), n)
	}
	for i, s := range subjects {
		a, err := c.Get(ctx, process.NewFingerprint(s, "BRCA1", nil))
		if err != nil || a == nil {
			t.Fatalf("Get(%s): %v %v", s, a, err)
		}
		if a.SubjectID != s || a.ContentHash != fmt.Sprintf("0x%d", i) {
			t.Fatalf("Get(%s) returned %+v", s, a)
		}
	}
}

func TestKVIgnoresEntryForAnotherSubject(t *testing.T) {
	store := kvtest.New()
	c := &KV{kv: store, now: time.Now}
	ctx := context.Background()

	fp := process.NewFingerprint("bob", "BRCA1", nil)
	if err := c.Put(ctx, fp, &process.Artifact{SubjectID: "mallory", TraitType: "BRCA1", ContentHash: "0x9"}, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a, err := c.Get(ctx, fp); err != nil || a != nil {
		t.Fatalf("expected miss for mismatched subject, got %v %v", a, err)
	}
}

func TestKVExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	c := &KV{kv: kvtest.New(), now: func() time.Time { return now }}
	ctx := context.Background()
	fp := process.NewFingerprint("u1", "CYP2D6", nil)

	_ = c.Put(ctx, fp, &process.Artifact{SubjectID: "u1", TraitType: "CYP2D6", ContentHash: "0x1"}, time.Minute)
	if a, _ := c.Get(ctx, fp); a == nil {
		t.Fatal("expected hit before expiry")
	}
	now = now.Add(time.Minute)
	if a, _ := c.Get(ctx, fp); a != nil {
		t.Fatal("expected miss at expiry")
	}
}
