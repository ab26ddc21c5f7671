package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

// Position is a ledger ordering key.
type Position struct {
	Block  uint64
	TxHash string
}

// AccessGrant is the current access state for one (subject, grantee) pair.
// At is the position of the last ledger event applied to it.
type AccessGrant struct {
	SubjectID string
	GranteeID string
	Scopes    []string
	ExpiresAt int64
	Revoked   bool
	At        Position
	UpdatedAt time.Time
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

type AccessRequest struct {
	ID          string
	SubjectID   string
	GranteeID   string
	TraitType   string
	Status      RequestStatus
	CreatedAt   time.Time
	RespondedAt *time.Time
	TxHash      string
}

// joinScopes stores scopes as a sorted comma list so the set compares equal
// regardless of input order.
func joinScopes(scopes []string) string {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// UpsertGrant writes g unless the stored grant was last changed by an event
// at the same or a later position. applied reports whether the row changed.
func (c conn) UpsertGrant(ctx context.Context, g AccessGrant) (applied bool, err error) {
	res, err := c.exec(ctx, `
		INSERT INTO access_grants (subject_id, grantee_id, scopes, expires_at, revoked, last_block, last_tx, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, grantee_id) DO UPDATE SET
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			revoked = excluded.revoked,
			last_block = excluded.last_block,
			last_tx = excluded.last_tx,
			updated_at = excluded.updated_at
		WHERE (excluded.last_block, excluded.last_tx) > (access_grants.last_block, access_grants.last_tx)`,
		g.SubjectID, g.GranteeID, joinScopes(g.Scopes), g.ExpiresAt, g.Revoked,
		int64(g.At.Block), g.At.TxHash, toMillis(g.UpdatedAt),
	)
	if err != nil {
		return false, process.Transient("store.upsert_grant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, process.Transient("store.upsert_grant", err)
	}
	return n > 0, nil
}

// RevokeGrant revokes the active grant for the pair. It is a no-op, reported
// as false, when there is no grant, it is already revoked, or it was last
// changed at a later position.
func (c conn) RevokeGrant(ctx context.Context, subjectID, granteeID string, at Position, now time.Time) (bool, error) {
	res, err := c.exec(ctx, `
		UPDATE access_grants
		SET revoked = ?, last_block = ?, last_tx = ?, updated_at = ?
		WHERE subject_id = ? AND grantee_id = ? AND revoked = ?
		  AND (last_block, last_tx) <= (?, ?)`,
		true, int64(at.Block), at.TxHash, toMillis(now),
		subjectID, granteeID, false,
		int64(at.Block), at.TxHash,
	)
	if err != nil {
		return false, process.Transient("store.revoke_grant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, process.Transient("store.revoke_grant", err)
	}
	return n > 0, nil
}

func (c conn) GetGrant(ctx context.Context, subjectID, granteeID string) (AccessGrant, error) {
	var (
		g         AccessGrant
		scopes    string
		block     int64
		updatedAt int64
	)
	err := c.queryRow(ctx, `
		SELECT subject_id, grantee_id, scopes, expires_at, revoked, last_block, last_tx, updated_at
		FROM access_grants WHERE subject_id = ? AND grantee_id = ?`, subjectID, granteeID,
	).Scan(&g.SubjectID, &g.GranteeID, &scopes, &g.ExpiresAt, &g.Revoked, &block, &g.At.TxHash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AccessGrant{}, process.NotFound("store.get_grant", "grant")
	}
	if err != nil {
		return AccessGrant{}, process.Transient("store.get_grant", err)
	}
	g.Scopes = splitScopes(scopes)
	g.At.Block = uint64(block)
	g.UpdatedAt = fromMillis(updatedAt)
	return g, nil
}

func (c conn) CreateAccessRequest(ctx context.Context, r AccessRequest) error {
	if r.Status == "" {
		r.Status = RequestPending
	}
	_, err := c.exec(ctx, `
		INSERT INTO access_requests (id, subject_id, grantee_id, trait_type, status, created_at, responded_at, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubjectID, r.GranteeID, r.TraitType, string(r.Status), toMillis(r.CreatedAt),
		nullMillis(r.RespondedAt), r.TxHash,
	)
	if err != nil {
		return process.Transient("store.create_access_request", err)
	}
	return nil
}

// ApprovePendingRequests moves pending requests for the pair to approved and
// returns how many changed.
func (c conn) ApprovePendingRequests(ctx context.Context, subjectID, granteeID, txHash string, at time.Time) (int64, error) {
	res, err := c.exec(ctx, `
		UPDATE access_requests
		SET status = ?, responded_at = ?, tx_hash = ?
		WHERE subject_id = ? AND grantee_id = ? AND status = ?`,
		string(RequestApproved), at.UnixMilli(), txHash,
		subjectID, granteeID, string(RequestPending),
	)
	if err != nil {
		return 0, process.Transient("store.approve_requests", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, process.Transient("store.approve_requests", err)
	}
	return n, nil
}

func (c conn) GetAccessRequest(ctx context.Context, id string) (AccessRequest, error) {
	var (
		r           AccessRequest
		status      string
		createdAt   int64
		respondedAt sql.NullInt64
	)
	err := c.queryRow(ctx, `
		SELECT id, subject_id, grantee_id, trait_type, status, created_at, responded_at, tx_hash
		FROM access_requests WHERE id = ?`, id,
	).Scan(&r.ID, &r.SubjectID, &r.GranteeID, &r.TraitType, &status, &createdAt, &respondedAt, &r.TxHash)
	if errors.Is(err, sql.ErrNoRows) {
		return AccessRequest{}, process.NotFound("store.get_access_request", "access request "+id)
	}
	if err != nil {
		return AccessRequest{}, process.Transient("store.get_access_request", err)
	}
	r.Status = RequestStatus(status)
	r.CreatedAt = fromMillis(createdAt)
	r.RespondedAt = fromNullMillis(respondedAt)
	return r, nil
}
