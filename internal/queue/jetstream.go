package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultStream  = "PROOF_JOBS"
	DefaultSubject = "proof.jobs"
	defaultDurable = "proof-workers"

	// maxPositionScan bounds the messages read by Position.
	maxPositionScan = 1000
)

// JetStream is a work-queue stream: each message is removed once acked, and
// a durable pull consumer shares messages among all workers of the pool.
type JetStream struct {
	js       jetstream.JetStream
	subject  string
	stream   jetstream.Stream
	consumer jetstream.Consumer
}

type JetStreamConfig struct {
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
}

func OpenJetStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (*JetStream, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Durable == "" {
		cfg.Durable = defaultDurable
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 5 * time.Minute
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 5
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    cfg.Durable,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}
	return &JetStream{js: js, subject: cfg.Subject, stream: stream, consumer: consumer}, nil
}

func (q *JetStream) Enqueue(ctx context.Context, jobID string) error {
	// Msg id lets the stream drop duplicate publishes of the same job.
	_, err := q.js.Publish(ctx, q.subject, []byte(jobID), jetstream.WithMsgID(jobID))
	return err
}

func (q *JetStream) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return Delivery{}, err
		}
		for msg := range batch.Messages() {
			m := msg
			return Delivery{
				JobID: string(m.Data()),
				Ack:   m.Ack,
				Nak:   func() error { return m.NakWithDelay(time.Second) },
			}, nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
			return Delivery{}, err
		}
	}
}

// Position walks the stream from its first sequence. Acked messages are gone
// from a work-queue stream, so every message still readable is either
// waiting or being worked on.
func (q *JetStream) Position(ctx context.Context, jobID string) (int, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	first, last := info.State.FirstSeq, info.State.LastSeq
	if info.State.Msgs == 0 || first == 0 {
		return 0, nil
	}
	if last-first >= maxPositionScan {
		last = first + maxPositionScan - 1
	}

	pos := 0
	for seq := first; seq <= last; seq++ {
		msg, err := q.stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read seq %d: %w", seq, err)
		}
		pos++
		if string(msg.Data) == jobID {
			return pos, nil
		}
	}
	return 0, nil
}
