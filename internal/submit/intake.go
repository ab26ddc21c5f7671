package submit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/internal/prover"
	"github.com/tendant/simple-prover/pkg/schema"
)

// Pinner stores an owner's genome and records the commitment.
type Pinner interface {
	PinOwned(ctx context.Context, ownerID string, payload []byte) (process.PinRecord, error)
}

// Intake accepts genome uploads so later proof jobs can read them back.
type Intake struct {
	pins   Pinner
	logger *slog.Logger
}

func NewIntake(pins Pinner, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{pins: pins, logger: logger}
}

func (in *Intake) Upload(ctx context.Context, subjectID string, genome []byte) (process.PinRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return process.PinRecord{}, process.Validation("intake", "subject id is required")
	}
	if len(genome) == 0 {
		return process.PinRecord{}, process.Validation("intake", "genome is required")
	}
	if _, err := prover.DecodeGenome(genome); err != nil {
		return process.PinRecord{}, err
	}
	rec, err := in.pins.PinOwned(ctx, subjectID, genome)
	if err != nil {
		return process.PinRecord{}, err
	}
	in.logger.Info("genome pinned", "subject_id", subjectID, "content_id", rec.ContentID, "durable", rec.Durable)
	return rec, nil
}

// HandleUpload decodes a schema.UploadRequest and returns a schema.UploadReply.
func (in *Intake) HandleUpload(ctx context.Context, data []byte) any {
	var req schema.UploadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return schema.UploadReply{Error: "invalid request: " + err.Error(), Code: schema.CodeBadRequest}
	}
	rec, err := in.Upload(ctx, req.SubjectID, req.Genome)
	if err != nil {
		r := errorReply(err)
		return schema.UploadReply{Error: r.Error, Code: r.Code}
	}
	return schema.UploadReply{ContentID: rec.ContentID, CommitmentHash: rec.CommitmentHash, Durable: rec.Durable}
}
