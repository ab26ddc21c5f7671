// pkg/schema/events.go
package schema

import "encoding/json"

type ProcessingStage string

const (
	StageQueued     ProcessingStage = "queued"
	StageRetrieving ProcessingStage = "retrieving_input"
	StageValidation ProcessingStage = "validation"
	StageProving    ProcessingStage = "proving"
	StageVerifying  ProcessingStage = "verifying"
	StagePersisting ProcessingStage = "persisting"
	StageCompleted  ProcessingStage = "completed"
	StageFailed     ProcessingStage = "failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

// Error codes carried on the progress stream when a job fails.
const (
	CodeProofGenerationFailed = "PROOF_GENERATION_FAILED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodePersistenceFailed     = "PERSISTENCE_FAILED"
	CodeInputUnavailable      = "INPUT_UNAVAILABLE"
	CodeInternal              = "INTERNAL_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeRateLimited           = "RATE_LIMITED"
	CodeBadRequest            = "BAD_REQUEST"
)

// ProgressUpdate is pushed to subscribers of a subject while a job runs.
type ProgressUpdate struct {
	JobID      string          `json:"job_id"`
	SubjectID  string          `json:"subject_id"`
	Progress   int             `json:"progress"`
	Stage      ProcessingStage `json:"stage,omitempty"`
	HappenedAt int64           `json:"happened_at"`
}

// JobError is pushed to subscribers of a subject when a job fails.
type JobError struct {
	JobID       string      `json:"job_id"`
	SubjectID   string      `json:"subject_id"`
	Error       string      `json:"error"`
	Code        string      `json:"code"`
	FailureType FailureType `json:"failure_type,omitempty"`
	HappenedAt  int64       `json:"happened_at"`
}

type LedgerEventType string

const (
	EventVerificationComplete LedgerEventType = "VerificationComplete"
	EventAccessGranted        LedgerEventType = "AccessGranted"
	EventAccessRevoked        LedgerEventType = "AccessRevoked"
	EventArtifactSubmitted    LedgerEventType = "ArtifactSubmitted"
)

// LedgerEventTypes lists every event type the reconciler consumes.
func LedgerEventTypes() []LedgerEventType {
	return []LedgerEventType{
		EventVerificationComplete,
		EventAccessGranted,
		EventAccessRevoked,
		EventArtifactSubmitted,
	}
}

// LedgerEvent is the normalized shape of an on-chain event as delivered by the
// ledger client. Events are ordered by (BlockNumber, TxHash).
type LedgerEvent struct {
	Type            LedgerEventType `json:"type"`
	BlockNumber     uint64          `json:"block_number"`
	TxHash          string          `json:"tx_hash"`
	SubjectRef      string          `json:"subject_ref"`
	CounterpartyRef string          `json:"counterparty_ref,omitempty"`
	TraitType       string          `json:"trait_type,omitempty"`
	ContentHash     string          `json:"content_hash,omitempty"`
	Scopes          []string        `json:"scopes,omitempty"`
	ExpiresAt       int64           `json:"expires_at,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// Before reports whether e sorts strictly before other by ordering key.
func (e LedgerEvent) Before(other LedgerEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.TxHash < other.TxHash
}

type DomainEventKind string

const (
	DomainVerification DomainEventKind = "verification"
	DomainAccess       DomainEventKind = "access"
	DomainArtifact     DomainEventKind = "artifact"
	DomainAggregate    DomainEventKind = "aggregate"
)

// DomainEvent is republished after a ledger event has been committed locally.
type DomainEvent struct {
	Kind        DomainEventKind `json:"kind"`
	Action      string          `json:"action,omitempty"`
	SubjectID   string          `json:"subject_id"`
	GranteeID   string          `json:"grantee_id,omitempty"`
	TraitType   string          `json:"trait_type,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Scopes      []string        `json:"scopes,omitempty"`
	ExpiresAt   int64           `json:"expires_at,omitempty"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	HappenedAt  int64           `json:"happened_at"`
}

// SubmitRequest is the request body of the proof.submit endpoint.
type SubmitRequest struct {
	SubjectID string   `json:"subject_id"`
	TraitType string   `json:"trait_type"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// StatusRequest is the request body of the proof.status endpoint.
type StatusRequest struct {
	JobID string `json:"job_id"`
}

// Reply wraps every request/reply response.
type Reply struct {
	Job              any `json:"job,omitempty"`
	EstimatedSeconds int `json:"estimated_seconds,omitempty"`
	// QueuePosition is the job's 1-based place among running and waiting
	// jobs; omitted once the job has left the queue.
	QueuePosition int    `json:"queue_position,omitempty"`
	Error         string `json:"error,omitempty"`
	Code          string `json:"code,omitempty"`
}

// UploadRequest is the request body of the genome.upload endpoint.
type UploadRequest struct {
	SubjectID string          `json:"subject_id"`
	Genome    json.RawMessage `json:"genome"`
}

// UploadReply reports where an uploaded genome was pinned.
type UploadReply struct {
	ContentID      string `json:"content_id,omitempty"`
	CommitmentHash string `json:"commitment_hash,omitempty"`
	Durable        bool   `json:"durable"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
}
