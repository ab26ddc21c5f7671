package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-prover/pkg/schema"
)

const (
	DefaultStream        = "LEDGER_EVENTS"
	DefaultSubjectPrefix = "chain.events"
	defaultDurable       = "reconciler"
)

// JetStream reads chain events from a stream that an indexer publishes to,
// one subject per event type: <prefix>.<type>.
type JetStream struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    JetStreamConfig
	logger *slog.Logger
}

type JetStreamConfig struct {
	Stream        string
	SubjectPrefix string
	Durable       string
	AckWait       time.Duration
	MaxDeliver    int
}

func OpenJetStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Durable == "" {
		cfg.Durable = defaultDurable
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = -1
	}
	if logger == nil {
		logger = slog.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return &JetStream{js: js, stream: stream, cfg: cfg, logger: logger}, nil
}

func (j *JetStream) subject(t schema.LedgerEventType) string {
	return j.cfg.SubjectPrefix + "." + string(t)
}

func (j *JetStream) subjects(types []schema.LedgerEventType) []string {
	if len(types) == 0 {
		types = schema.LedgerEventTypes()
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, j.subject(t))
	}
	return out
}

// Publish appends ev to the stream. The tx hash doubles as the message id so
// an indexer replaying a block does not duplicate events.
func (j *JetStream) Publish(ctx context.Context, ev schema.LedgerEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = j.js.Publish(ctx, j.subject(ev.Type), b, jetstream.WithMsgID(string(ev.Type)+":"+ev.TxHash))
	return err
}

// Subscribe binds the durable consumer, so a restart resumes after the last
// acked event.
func (j *JetStream) Subscribe(ctx context.Context, types ...schema.LedgerEventType) (<-chan Delivery, error) {
	consumer, err := j.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        j.cfg.Durable,
		FilterSubjects: j.subjects(types),
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        j.cfg.AckWait,
		MaxDeliver:     j.cfg.MaxDeliver,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", j.cfg.Durable, err)
	}
	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", j.cfg.Durable, err)
	}

	out := make(chan Delivery)
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()
	go func() {
		defer close(out)
		for {
			msg, err := iter.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					j.logger.Error("ledger subscription ended", "err", err)
				}
				return
			}
			ev, err := decode(msg)
			if err != nil {
				j.logger.Warn("dropping malformed ledger event", "subject", msg.Subject(), "err", err)
				_ = msg.Term()
				continue
			}
			m := msg
			d := Delivery{
				Event: ev,
				Ack:   m.Ack,
				Nak:   func() error { return m.NakWithDelay(time.Second) },
			}
			select {
			case out <- d:
			case <-ctx.Done():
				_ = m.Nak()
				return
			}
		}
	}()
	return out, nil
}

// QueryRange replays the stream with an ordered consumer and keeps the events
// that fall in the block range.
func (j *JetStream) QueryRange(ctx context.Context, t schema.LedgerEventType, from, to uint64) ([]schema.LedgerEvent, error) {
	consumer, err := j.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{j.subject(t)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ordered consumer: %w", err)
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer info: %w", err)
	}

	var out []schema.LedgerEvent
	pending := info.NumPending
	for pending > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := consumer.Fetch(256, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			got++
			if meta, err := msg.Metadata(); err == nil {
				pending = meta.NumPending
			}
			ev, err := decode(msg)
			if err != nil {
				j.logger.Warn("skipping malformed ledger event", "subject", msg.Subject(), "err", err)
				continue
			}
			if ev.BlockNumber >= from && ev.BlockNumber <= to {
				out = append(out, ev)
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if got == 0 {
			break
		}
	}
	Sort(out)
	return out, nil
}

func decode(msg jetstream.Msg) (schema.LedgerEvent, error) {
	var ev schema.LedgerEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		return ev, err
	}
	if ev.TxHash == "" {
		return ev, errors.New("missing tx hash")
	}
	return ev, nil
}
