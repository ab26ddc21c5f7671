package bus

import (
	"context"
	"log/slog"

	"github.com/tendant/simple-prover/internal/notify"
)

// Publisher forwards notification events to NATS:
//
//	<prefix>.progress.<subject>
//	<prefix>.error.<subject>
//	<prefix>.domain.<subject>
type Publisher struct {
	client *Client
	prefix string
	logger *slog.Logger
}

func NewPublisher(client *Client, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "proof"
	}
	return &Publisher{client: client, prefix: prefix, logger: logger}
}

// Subject is the NATS subject an event is published on.
func (p *Publisher) Subject(ev notify.Event) string {
	return p.prefix + "." + string(ev.Kind) + "." + Token(ev.SubjectID)
}

func (p *Publisher) Publish(_ context.Context, ev notify.Event) {
	subject := p.Subject(ev)
	if err := p.client.PublishJSON(subject, ev.Payload); err != nil {
		p.logger.Error("publish event failed", "subject", subject, "kind", ev.Kind, "err", err)
	}
}
