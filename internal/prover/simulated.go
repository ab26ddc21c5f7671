package prover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

const (
	simulatedSteps   = 10
	minSimulatedStep = time.Millisecond
)

var contentHashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// Simulated produces deterministic placeholder proofs after a delay matching
// the trait's expected proving time.
type Simulated struct {
	scale float64
}

func NewSimulated(scale float64) *Simulated {
	if scale <= 0 {
		scale = 1
	}
	return &Simulated{scale: scale}
}

func (s *Simulated) Prove(ctx context.Context, in Input, progress ProgressFunc) (Output, error) {
	t, err := Lookup(in.Trait)
	if err != nil {
		return Output{}, err
	}
	if err := t.ValidateThreshold(in.Threshold); err != nil {
		return Output{}, err
	}

	step := time.Duration(float64(t.Expected) * s.scale / simulatedSteps)
	if step < minSimulatedStep {
		step = minSimulatedStep
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for i := 1; i <= simulatedSteps; i++ {
		select {
		case <-ctx.Done():
			return Output{}, process.Prover("prover.prove", ctx.Err())
		case <-ticker.C:
		}
		if progress != nil {
			progress(i * 100 / simulatedSteps)
		}
	}

	return buildOutput(in, t), nil
}

func buildOutput(in Input, t Trait) Output {
	threshold := "none"
	if in.Threshold != nil {
		threshold = strconv.FormatFloat(*in.Threshold, 'g', -1, 64)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%v|%s", t.Name, in.SubjectID, threshold, in.Marker.Value, in.CommitmentHash)))
	hash := hex.EncodeToString(sum[:])

	public := map[string]any{
		"trait":      t.Name,
		"commitment": in.CommitmentHash,
	}
	if in.Threshold != nil {
		public["threshold"] = *in.Threshold
		public["meets_threshold"] = in.Marker.Value <= *in.Threshold
	}
	if t.Name == "CYP2D6" {
		public["metabolizer"] = in.Marker.Metabolizer
	} else {
		public["mutation_present"] = in.Marker.Present
	}

	vk := sha256.Sum256([]byte("vk|" + t.Name))
	return Output{
		ContentHash:     "0x" + hash,
		PublicInputs:    public,
		VerificationKey: hex.EncodeToString(vk[:16]),
		Status:          "valid",
	}
}

func (s *Simulated) Verify(_ context.Context, out Output) (bool, error) {
	return out.Status == "valid" && contentHashRe.MatchString(out.ContentHash) && out.VerificationKey != "", nil
}
