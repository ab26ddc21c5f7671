package pinning

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

// MemoryRecords is an in-process RecordStore.
type MemoryRecords struct {
	mu   sync.Mutex
	recs []process.PinRecord
}

func NewMemoryRecords() *MemoryRecords { return &MemoryRecords{} }

func (m *MemoryRecords) SavePin(_ context.Context, rec process.PinRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.recs {
		if r.OwnerID == rec.OwnerID && r.ContentID == rec.ContentID {
			rec.Durable = rec.Durable || r.Durable
			m.recs[i] = rec
			return nil
		}
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *MemoryRecords) LatestPin(_ context.Context, ownerID string) (process.PinRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest process.PinRecord
		found  bool
	)
	for _, r := range m.recs {
		if r.OwnerID != ownerID {
			continue
		}
		if !found || !r.CreatedAt.Before(latest.CreatedAt) {
			latest, found = r, true
		}
	}
	if !found {
		return process.PinRecord{}, process.NotFound("pinning.latest", "pin record for "+ownerID)
	}
	return latest, nil
}

func (m *MemoryRecords) MarkPinVerified(_ context.Context, contentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ContentID == contentID {
			t := at
			m.recs[i].VerifiedAt = &t
		}
	}
	return nil
}
