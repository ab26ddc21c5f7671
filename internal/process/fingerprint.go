package process

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint identifies equivalent proof requests.
type Fingerprint struct {
	SubjectID string
	TraitType string
	Threshold *float64
}

func NewFingerprint(subjectID, traitType string, threshold *float64) Fingerprint {
	return Fingerprint{
		SubjectID: strings.TrimSpace(subjectID),
		TraitType: strings.ToUpper(strings.TrimSpace(traitType)),
		Threshold: threshold,
	}
}

func (f Fingerprint) thresholdString() string {
	if f.Threshold == nil {
		return "none"
	}
	return strconv.FormatFloat(*f.Threshold, 'g', -1, 64)
}

// Hash is the hex sha256 of (subject, trait, threshold).
func (f Fingerprint) Hash() string {
	sum := sha256.Sum256([]byte(f.SubjectID + "\x00" + f.TraitType + "\x00" + f.thresholdString()))
	return hex.EncodeToString(sum[:])
}

// CacheKey is the result cache key: artifact:<subject>:<trait>, with the
// threshold appended when one was requested.
func (f Fingerprint) CacheKey() string {
	key := "artifact:" + f.SubjectID + ":" + f.TraitType
	if f.Threshold != nil {
		key += ":" + f.thresholdString()
	}
	return key
}

// JobKey is the job store key for id.
func JobKey(id string) string { return "job:" + id }

// InflightKey is the job store index key pointing at the live job for f.
func (f Fingerprint) InflightKey() string { return "inflight:" + f.Hash() }
