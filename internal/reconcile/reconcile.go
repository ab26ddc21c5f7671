// Package reconcile applies ledger events to the transactional store. Every
// handler is safe under redelivery: replays either change nothing or converge
// on the same state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tendant/simple-prover/internal/metrics"
	"github.com/tendant/simple-prover/internal/notify"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/retry"
	"github.com/tendant/simple-prover/internal/store"
	"github.com/tendant/simple-prover/pkg/schema"
)

const DefaultConsumer = "reconciler"

type Config struct {
	// Consumer names the cursor row advanced by every applied event.
	Consumer  string
	TxTimeout time.Duration
	// Shards is the number of parallel appliers in Run.
	Shards int
	// Retry covers transient store errors within one delivery.
	Retry retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Consumer == "" {
		c.Consumer = DefaultConsumer
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 10 * time.Second
	}
	if c.Shards <= 0 {
		c.Shards = 4
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = retry.Policy{Attempts: 3, Initial: 100 * time.Millisecond, Multiplier: 2, Max: 2 * time.Second}
	}
	return c
}

type Reconciler struct {
	store   *store.Store
	pub     notify.Publisher
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	sleep   retry.SleepFunc
}

func New(st *store.Store, pub notify.Publisher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if pub == nil {
		pub = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   st,
		pub:     pub,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		sleep:   retry.Sleep,
	}
}

// Apply commits ev in one transaction together with the cursor, then publishes
// the resulting domain event. Nothing is published when the transaction fails
// or when the event changed nothing.
func (r *Reconciler) Apply(ctx context.Context, ev schema.LedgerEvent) error {
	if err := validate(ev); err != nil {
		r.metrics.LedgerEvent(string(ev.Type), "invalid")
		return err
	}
	logger := r.logger.With("tx_hash", ev.TxHash, "type", ev.Type, "block", ev.BlockNumber)

	var out *schema.DomainEvent
	runner := retry.Runner{
		Policy:    r.cfg.Retry,
		Sleep:     r.sleep,
		Retryable: process.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("ledger event apply failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		},
	}
	_, err := runner.Do(ctx, func(ctx context.Context, _ int) error {
		txCtx, cancel := context.WithTimeout(ctx, r.cfg.TxTimeout)
		defer cancel()
		out = nil
		return r.store.WithTx(txCtx, func(tx *store.Tx) error {
			var err error
			out, err = r.applyTx(txCtx, tx, ev)
			if err != nil {
				return err
			}
			return tx.AdvanceCursor(txCtx, r.cfg.Consumer, position(ev), r.now())
		})
	})
	if err != nil {
		r.metrics.LedgerEvent(string(ev.Type), metrics.StatusFailure)
		return process.Reconciliation("reconcile."+string(ev.Type), err)
	}

	if out == nil {
		logger.Debug("ledger event replay, no change")
		r.metrics.LedgerEvent(string(ev.Type), "noop")
		return nil
	}
	r.metrics.LedgerEvent(string(ev.Type), metrics.StatusSuccess)
	logger.Info("ledger event applied", "subject_id", ev.SubjectRef)
	r.pub.Publish(ctx, notify.Event{
		Kind:      notify.KindDomain,
		SubjectID: out.SubjectID,
		Payload:   *out,
		At:        time.UnixMilli(out.HappenedAt),
	})
	return nil
}

func (r *Reconciler) applyTx(ctx context.Context, tx *store.Tx, ev schema.LedgerEvent) (*schema.DomainEvent, error) {
	at := r.eventTime(ev)
	switch ev.Type {
	case schema.EventVerificationComplete:
		return r.verificationComplete(ctx, tx, ev, at)
	case schema.EventAccessGranted:
		return r.accessGranted(ctx, tx, ev, at)
	case schema.EventAccessRevoked:
		return r.accessRevoked(ctx, tx, ev, at)
	case schema.EventArtifactSubmitted:
		return r.artifactSubmitted(ctx, tx, ev, at)
	}
	return nil, fmt.Errorf("unsupported event type %q", ev.Type)
}

func (r *Reconciler) verificationComplete(ctx context.Context, tx *store.Tx, ev schema.LedgerEvent, at time.Time) (*schema.DomainEvent, error) {
	inserted, err := tx.InsertAudit(ctx, record(ev, at))
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	if err := tx.IncrementSubjectVerifications(ctx, ev.SubjectRef, at); err != nil {
		return nil, err
	}
	if ev.ContentHash != "" {
		// The artifact may belong to another deployment; a miss is not an error.
		if _, err := tx.MarkArtifactVerified(ctx, ev.ContentHash, ev.TxHash, at); err != nil {
			return nil, err
		}
	}
	d := domainEvent(ev, schema.DomainVerification, "verified", at)
	return &d, nil
}

func (r *Reconciler) accessGranted(ctx context.Context, tx *store.Tx, ev schema.LedgerEvent, at time.Time) (*schema.DomainEvent, error) {
	applied, err := tx.UpsertGrant(ctx, store.AccessGrant{
		SubjectID: ev.SubjectRef,
		GranteeID: ev.CounterpartyRef,
		Scopes:    ev.Scopes,
		ExpiresAt: ev.ExpiresAt,
		At:        position(ev),
		UpdatedAt: at,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}
	// Only a grant that won the ordering check resolves pending requests.
	if _, err := tx.ApprovePendingRequests(ctx, ev.SubjectRef, ev.CounterpartyRef, ev.TxHash, at); err != nil {
		return nil, err
	}
	d := domainEvent(ev, schema.DomainAccess, "granted", at)
	return &d, nil
}

func (r *Reconciler) accessRevoked(ctx context.Context, tx *store.Tx, ev schema.LedgerEvent, at time.Time) (*schema.DomainEvent, error) {
	revoked, err := tx.RevokeGrant(ctx, ev.SubjectRef, ev.CounterpartyRef, position(ev), at)
	if err != nil {
		return nil, err
	}
	if !revoked {
		return nil, nil
	}
	d := domainEvent(ev, schema.DomainAccess, "revoked", at)
	return &d, nil
}

func (r *Reconciler) artifactSubmitted(ctx context.Context, tx *store.Tx, ev schema.LedgerEvent, at time.Time) (*schema.DomainEvent, error) {
	inserted, err := tx.InsertSubmission(ctx, record(ev, at))
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}
	if err := tx.IncrementTraitSubmissions(ctx, ev.TraitType, at); err != nil {
		return nil, err
	}
	d := domainEvent(ev, schema.DomainArtifact, "submitted", at)
	return &d, nil
}

// eventTime is the chain timestamp (unix seconds), or now when absent.
func (r *Reconciler) eventTime(ev schema.LedgerEvent) time.Time {
	if ev.Timestamp > 0 {
		return time.Unix(ev.Timestamp, 0).UTC()
	}
	return r.now()
}

func validate(ev schema.LedgerEvent) error {
	op := "reconcile.validate"
	if strings.TrimSpace(ev.TxHash) == "" {
		return process.Validation(op, "%s: missing tx hash", ev.Type)
	}
	if strings.TrimSpace(ev.SubjectRef) == "" {
		return process.Validation(op, "%s %s: missing subject", ev.Type, ev.TxHash)
	}
	switch ev.Type {
	case schema.EventAccessGranted, schema.EventAccessRevoked:
		if strings.TrimSpace(ev.CounterpartyRef) == "" {
			return process.Validation(op, "%s %s: missing counterparty", ev.Type, ev.TxHash)
		}
	case schema.EventArtifactSubmitted:
		if strings.TrimSpace(ev.TraitType) == "" {
			return process.Validation(op, "%s %s: missing trait type", ev.Type, ev.TxHash)
		}
	case schema.EventVerificationComplete:
	default:
		return process.Validation(op, "unknown event type %q", ev.Type)
	}
	return nil
}

func position(ev schema.LedgerEvent) store.Position {
	return store.Position{Block: ev.BlockNumber, TxHash: ev.TxHash}
}

func record(ev schema.LedgerEvent, at time.Time) store.LedgerRecord {
	return store.LedgerRecord{
		TxHash:      ev.TxHash,
		SubjectID:   ev.SubjectRef,
		TraitType:   ev.TraitType,
		ContentHash: ev.ContentHash,
		Block:       ev.BlockNumber,
		CreatedAt:   at,
	}
}

func domainEvent(ev schema.LedgerEvent, kind schema.DomainEventKind, action string, at time.Time) schema.DomainEvent {
	return schema.DomainEvent{
		Kind:        kind,
		Action:      action,
		SubjectID:   ev.SubjectRef,
		GranteeID:   ev.CounterpartyRef,
		TraitType:   ev.TraitType,
		ContentHash: ev.ContentHash,
		Scopes:      ev.Scopes,
		ExpiresAt:   ev.ExpiresAt,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
		HappenedAt:  at.UnixMilli(),
	}
}
