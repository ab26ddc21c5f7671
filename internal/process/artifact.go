package process

import "time"

// Artifact is a produced proof. It is content-addressed by ContentHash and
// never mutated after insert, except for the chain verification fields set
// by the reconciler.
type Artifact struct {
	ID              string         `json:"id"`
	SubjectID       string         `json:"subject_id"`
	TraitType       string         `json:"trait_type"`
	ContentHash     string         `json:"content_hash"`
	PublicInputs    map[string]any `json:"public_inputs"`
	VerificationKey string         `json:"verification_key"`
	ChainRef        string         `json:"chain_ref,omitempty"`
	CommitmentHash  string         `json:"commitment_hash"`
	Status          string         `json:"status"`
	ChainVerified   bool           `json:"chain_verified"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
}
