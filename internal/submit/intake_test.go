package submit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tendant/simple-prover/internal/pinning"
	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/pkg/schema"
)

func newIntake(t *testing.T) (*Intake, *pinning.Service) {
	t.Helper()
	svc := pinning.New(nil, pinning.NewMemoryRecords(), pinning.Config{Gateways: []string{}}, nil)
	return NewIntake(svc, nil), svc
}

func TestIntakeUploadThenRead(t *testing.T) {
	in, svc := newIntake(t)
	ctx := context.Background()
	genome := []byte(`{"patientId":"u1","markers":{"BRCA1_185delAG":true}}`)

	rec, err := in.Upload(ctx, "u1", genome)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.Durable {
		t.Fatal("no remote configured, pin must be non-durable")
	}
	if rec.ContentID == "" || rec.CommitmentHash == "" {
		t.Fatalf("incomplete pin record: %+v", rec)
	}

	got, payload, err := svc.LatestFor(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestFor: %v", err)
	}
	if got.ContentID != rec.ContentID || string(payload) != string(genome) {
		t.Fatalf("read back mismatch: %+v %s", got, payload)
	}
}

func TestIntakeRejectsBadInput(t *testing.T) {
	in, _ := newIntake(t)
	ctx := context.Background()

	if _, err := in.Upload(ctx, "", []byte(`{}`)); !errors.Is(err, process.ErrValidation) {
		t.Fatalf("expected validation error for empty subject, got %v", err)
	}
	if _, err := in.Upload(ctx, "u1", []byte(`not json`)); !errors.Is(err, process.ErrValidation) {
		t.Fatalf("expected validation error for bad genome, got %v", err)
	}

	body, _ := json.Marshal(schema.UploadRequest{SubjectID: "u1"})
	reply := in.HandleUpload(ctx, body).(schema.UploadReply)
	if reply.Code != schema.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", reply)
	}
}
