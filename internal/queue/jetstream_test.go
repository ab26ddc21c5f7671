package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// TestJetStreamPosition runs against a live JetStream server named by NATS_URL.
func TestJetStreamPosition(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	suffix := time.Now().Format("150405")
	cfg := JetStreamConfig{
		Stream:  "TEST_JOBS_" + suffix,
		Subject: "test.jobs." + suffix,
		Durable: "test-workers",
	}
	q, err := OpenJetStream(ctx, js, cfg)
	if err != nil {
		t.Fatalf("OpenJetStream: %v", err)
	}
	defer js.DeleteStream(context.Background(), cfg.Stream)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if got, err := q.Position(ctx, "c"); err != nil || got != 3 {
		t.Fatalf("Position(c) = %d, %v", got, err)
	}

	d, err := q.Dequeue(ctx)
	if err != nil || d.JobID != "a" {
		t.Fatalf("Dequeue: %+v %v", d, err)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := q.Position(ctx, "c")
		if err == nil && got == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Position(c) after ack = %d, %v", got, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got, _ := q.Position(ctx, "a"); got != 0 {
		t.Fatalf("acked job still positioned at %d", got)
	}
}
