package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

const artifactColumns = `id, content_hash, subject_id, trait_type, public_inputs, verification_key,
	chain_ref, commitment_hash, status, chain_verified, verified_at, created_at, expires_at`

// InsertArtifact stores a. Artifacts are content-addressed, so inserting the
// same content hash twice is a no-op and reports inserted == false.
func (c conn) InsertArtifact(ctx context.Context, a *process.Artifact) (inserted bool, err error) {
	inputs, err := json.Marshal(a.PublicInputs)
	if err != nil {
		return false, fmt.Errorf("encode public inputs: %w", err)
	}
	res, err := c.exec(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING`,
		a.ID, a.ContentHash, a.SubjectID, a.TraitType, string(inputs), a.VerificationKey,
		a.ChainRef, a.CommitmentHash, a.Status, a.ChainVerified, sql.NullInt64{},
		toMillis(a.CreatedAt), toMillis(a.ExpiresAt),
	)
	if err != nil {
		return false, process.Transient("store.insert_artifact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, process.Transient("store.insert_artifact", err)
	}
	return n > 0, nil
}

func (c conn) GetArtifact(ctx context.Context, id string) (*process.Artifact, error) {
	row := c.queryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	return scanArtifact(row, "store.get_artifact")
}

func (c conn) GetArtifactByHash(ctx context.Context, contentHash string) (*process.Artifact, error) {
	row := c.queryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE content_hash = ?`, contentHash)
	return scanArtifact(row, "store.get_artifact")
}

// MarkArtifactVerified sets the chain verification columns. It reports false
// when no artifact has the content hash.
func (c conn) MarkArtifactVerified(ctx context.Context, contentHash, chainRef string, at time.Time) (bool, error) {
	res, err := c.exec(ctx, `
		UPDATE artifacts
		SET chain_verified = ?, verified_at = ?,
		    chain_ref = CASE WHEN ? <> '' THEN ? ELSE chain_ref END
		WHERE content_hash = ?`,
		true, at.UnixMilli(), chainRef, chainRef, contentHash,
	)
	if err != nil {
		return false, process.Transient("store.mark_artifact_verified", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, process.Transient("store.mark_artifact_verified", err)
	}
	return n > 0, nil
}

func scanArtifact(row *sql.Row, op string) (*process.Artifact, error) {
	var (
		a          process.Artifact
		inputs     string
		verifiedAt sql.NullInt64
		createdAt  int64
		expiresAt  int64
	)
	err := row.Scan(&a.ID, &a.ContentHash, &a.SubjectID, &a.TraitType, &inputs, &a.VerificationKey,
		&a.ChainRef, &a.CommitmentHash, &a.Status, &a.ChainVerified, &verifiedAt, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, process.NotFound(op, "artifact")
	}
	if err != nil {
		return nil, process.Transient(op, err)
	}
	if err := json.Unmarshal([]byte(inputs), &a.PublicInputs); err != nil {
		return nil, fmt.Errorf("%s: decode public inputs: %w", op, err)
	}
	a.CreatedAt = fromMillis(createdAt)
	a.ExpiresAt = fromMillis(expiresAt)
	return &a, nil
}
