package process

import "time"

// PinRecord ties an owner to pinned content. Durable is false for content
// that only lives in the local ephemeral store.
type PinRecord struct {
	ContentID      string     `json:"content_id"`
	OwnerID        string     `json:"owner_id"`
	CommitmentHash string     `json:"commitment_hash"`
	Durable        bool       `json:"durable"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
