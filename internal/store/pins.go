package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

// SavePin upserts a pin record. A durable record is never downgraded.
func (c conn) SavePin(ctx context.Context, rec process.PinRecord) error {
	_, err := c.exec(ctx, `
		INSERT INTO pin_records (content_id, owner_id, commitment_hash, durable, verified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, content_id) DO UPDATE SET
			commitment_hash = excluded.commitment_hash,
			durable = excluded.durable OR pin_records.durable,
			verified_at = COALESCE(excluded.verified_at, pin_records.verified_at)`,
		rec.ContentID, rec.OwnerID, rec.CommitmentHash, rec.Durable, nullMillis(rec.VerifiedAt), toMillis(rec.CreatedAt),
	)
	if err != nil {
		return process.Transient("store.save_pin", err)
	}
	return nil
}

// LatestPin returns the owner's most recent pin record.
func (c conn) LatestPin(ctx context.Context, ownerID string) (process.PinRecord, error) {
	var (
		rec        process.PinRecord
		verifiedAt sql.NullInt64
		createdAt  int64
	)
	err := c.queryRow(ctx, `
		SELECT content_id, owner_id, commitment_hash, durable, verified_at, created_at
		FROM pin_records WHERE owner_id = ?
		ORDER BY created_at DESC, content_id DESC
		LIMIT 1`, ownerID,
	).Scan(&rec.ContentID, &rec.OwnerID, &rec.CommitmentHash, &rec.Durable, &verifiedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return process.PinRecord{}, process.NotFound("store.latest_pin", "pin record for "+ownerID)
	}
	if err != nil {
		return process.PinRecord{}, process.Transient("store.latest_pin", err)
	}
	rec.VerifiedAt = fromNullMillis(verifiedAt)
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}

func (c conn) MarkPinVerified(ctx context.Context, contentID string, at time.Time) error {
	_, err := c.exec(ctx, `UPDATE pin_records SET verified_at = ? WHERE content_id = ?`, at.UnixMilli(), contentID)
	if err != nil {
		return process.Transient("store.mark_pin_verified", err)
	}
	return nil
}
