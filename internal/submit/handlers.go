package submit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tendant/simple-prover/internal/process"
	"github.com/tendant/simple-prover/pkg/schema"
)

// HandleSubmit decodes a schema.SubmitRequest and returns a schema.Reply.
func (s *Submitter) HandleSubmit(ctx context.Context, data []byte) any {
	var req schema.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return schema.Reply{Error: "invalid request: " + err.Error(), Code: schema.CodeBadRequest}
	}
	job, err := s.Submit(ctx, Request{SubjectID: req.SubjectID, TraitType: req.TraitType, Threshold: req.Threshold})
	if err != nil {
		return errorReply(err)
	}
	return s.reply(ctx, job)
}

// HandleStatus decodes a schema.StatusRequest and returns a schema.Reply.
func (s *Submitter) HandleStatus(ctx context.Context, data []byte) any {
	var req schema.StatusRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return schema.Reply{Error: "invalid request: " + err.Error(), Code: schema.CodeBadRequest}
	}
	job, err := s.Status(ctx, req.JobID)
	if err != nil {
		return errorReply(err)
	}
	return s.reply(ctx, job)
}

func (s *Submitter) reply(ctx context.Context, job *process.Job) schema.Reply {
	return schema.Reply{Job: job, EstimatedSeconds: estimate(job), QueuePosition: s.QueuePosition(ctx, job)}
}

func estimate(job *process.Job) int {
	if job.Status.Terminal() {
		return 0
	}
	return EstimatedSeconds(job.TraitType)
}

func errorReply(err error) schema.Reply {
	code := schema.CodeInternal
	switch {
	case errors.Is(err, process.ErrValidation):
		code = schema.CodeValidationFailed
	case errors.Is(err, process.ErrNotFound):
		code = schema.CodeNotFound
	case errors.Is(err, process.ErrRateLimited):
		code = schema.CodeRateLimited
	}
	return schema.Reply{Error: err.Error(), Code: code}
}
