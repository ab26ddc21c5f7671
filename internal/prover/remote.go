package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tendant/simple-prover/internal/process"
)

// Remote calls a prover service over HTTP. The service reports no progress;
// the worker interpolates it.
type Remote struct {
	base string
	http *http.Client
}

func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{base: strings.TrimRight(baseURL, "/"), http: client}
}

type proveRequest struct {
	JobID          string   `json:"job_id"`
	SubjectID      string   `json:"subject_id"`
	Trait          string   `json:"trait"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Marker         Marker   `json:"marker"`
	CommitmentHash string   `json:"commitment_hash"`
}

func (r *Remote) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *Remote) Prove(ctx context.Context, in Input, progress ProgressFunc) (Output, error) {
	t, err := Lookup(in.Trait)
	if err != nil {
		return Output{}, err
	}
	if err := t.ValidateThreshold(in.Threshold); err != nil {
		return Output{}, err
	}
	var out Output
	err = r.post(ctx, "/prove", proveRequest{
		JobID:          in.JobID,
		SubjectID:      in.SubjectID,
		Trait:          t.Name,
		Threshold:      in.Threshold,
		Marker:         in.Marker,
		CommitmentHash: in.CommitmentHash,
	}, &out)
	if err != nil {
		return Output{}, process.Prover("prover.prove", err)
	}
	if out.ContentHash == "" {
		return Output{}, process.Prover("prover.prove", fmt.Errorf("response missing content hash"))
	}
	if progress != nil {
		progress(100)
	}
	return out, nil
}

func (r *Remote) Verify(ctx context.Context, out Output) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := r.post(ctx, "/verify", out, &resp); err != nil {
		return false, process.Prover("prover.verify", err)
	}
	return resp.Valid, nil
}
