package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

// LedgerRecord is one ledger event kept for audit, keyed by tx hash.
type LedgerRecord struct {
	TxHash      string
	SubjectID   string
	TraitType   string
	ContentHash string
	Block       uint64
	CreatedAt   time.Time
}

func (c conn) insertRecord(ctx context.Context, op, table string, r LedgerRecord) (bool, error) {
	res, err := c.exec(ctx, `
		INSERT INTO `+table+` (tx_hash, subject_id, trait_type, content_hash, block_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO NOTHING`,
		r.TxHash, r.SubjectID, r.TraitType, r.ContentHash, int64(r.Block), toMillis(r.CreatedAt),
	)
	if err != nil {
		return false, process.Transient(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, process.Transient(op, err)
	}
	return n > 0, nil
}

// InsertAudit records a verification. inserted is false on replay.
func (c conn) InsertAudit(ctx context.Context, r LedgerRecord) (inserted bool, err error) {
	return c.insertRecord(ctx, "store.insert_audit", "verification_audit", r)
}

// InsertSubmission records an artifact submission. inserted is false on replay.
func (c conn) InsertSubmission(ctx context.Context, r LedgerRecord) (inserted bool, err error) {
	return c.insertRecord(ctx, "store.insert_submission", "artifact_submissions", r)
}

func (c conn) IncrementSubjectVerifications(ctx context.Context, subjectID string, at time.Time) error {
	_, err := c.exec(ctx, `
		INSERT INTO subject_stats (subject_id, verifications, updated_at) VALUES (?, 1, ?)
		ON CONFLICT (subject_id) DO UPDATE SET
			verifications = subject_stats.verifications + 1,
			updated_at = excluded.updated_at`,
		subjectID, at.UnixMilli(),
	)
	if err != nil {
		return process.Transient("store.increment_verifications", err)
	}
	return nil
}

func (c conn) IncrementTraitSubmissions(ctx context.Context, traitType string, at time.Time) error {
	_, err := c.exec(ctx, `
		INSERT INTO trait_aggregates (trait_type, submissions, updated_at) VALUES (?, 1, ?)
		ON CONFLICT (trait_type) DO UPDATE SET
			submissions = trait_aggregates.submissions + 1,
			updated_at = excluded.updated_at`,
		traitType, at.UnixMilli(),
	)
	if err != nil {
		return process.Transient("store.increment_submissions", err)
	}
	return nil
}

func (c conn) countOf(ctx context.Context, op, query string, key string) (int64, error) {
	var n int64
	err := c.queryRow(ctx, query, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, process.Transient(op, err)
	}
	return n, nil
}

func (c conn) SubjectVerifications(ctx context.Context, subjectID string) (int64, error) {
	return c.countOf(ctx, "store.subject_verifications",
		`SELECT verifications FROM subject_stats WHERE subject_id = ?`, subjectID)
}

func (c conn) TraitSubmissions(ctx context.Context, traitType string) (int64, error) {
	return c.countOf(ctx, "store.trait_submissions",
		`SELECT submissions FROM trait_aggregates WHERE trait_type = ?`, traitType)
}

func (c conn) CountAudit(ctx context.Context, subjectID string) (int64, error) {
	return c.countOf(ctx, "store.count_audit",
		`SELECT COUNT(*) FROM verification_audit WHERE subject_id = ?`, subjectID)
}

// AdvanceCursor moves the consumer cursor forward to at. Positions at or
// before the stored one leave it unchanged.
func (c conn) AdvanceCursor(ctx context.Context, consumer string, at Position, now time.Time) error {
	_, err := c.exec(ctx, `
		INSERT INTO ledger_cursors (consumer, block_number, tx_hash, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (consumer) DO UPDATE SET
			block_number = excluded.block_number,
			tx_hash = excluded.tx_hash,
			updated_at = excluded.updated_at
		WHERE (excluded.block_number, excluded.tx_hash) > (ledger_cursors.block_number, ledger_cursors.tx_hash)`,
		consumer, int64(at.Block), at.TxHash, toMillis(now),
	)
	if err != nil {
		return process.Transient("store.advance_cursor", err)
	}
	return nil
}

// Cursor returns the consumer position, or the zero Position if none is stored.
func (c conn) Cursor(ctx context.Context, consumer string) (Position, error) {
	var (
		p     Position
		block int64
	)
	err := c.queryRow(ctx, `SELECT block_number, tx_hash FROM ledger_cursors WHERE consumer = ?`, consumer).
		Scan(&block, &p.TxHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, nil
	}
	if err != nil {
		return Position{}, process.Transient("store.cursor", err)
	}
	p.Block = uint64(block)
	return p, nil
}
