package prover

import (
	"encoding/json"
	"fmt"

	"github.com/tendant/simple-prover/internal/process"
)

// Genome is the subject's pinned genome document.
type Genome struct {
	PatientID string               `json:"patientId"`
	Markers   GenomeMarkers        `json:"markers"`
	Traits    map[string]TraitCall `json:"traits"`
}

type GenomeMarkers struct {
	BRCA1  *bool         `json:"BRCA1_185delAG,omitempty"`
	BRCA2  *bool         `json:"BRCA2_5266dupC,omitempty"`
	CYP2D6 *CYP2D6Marker `json:"CYP2D6,omitempty"`
}

type CYP2D6Marker struct {
	ActivityScore *float64 `json:"activityScore,omitempty"`
	Metabolizer   string   `json:"metabolizer,omitempty"`
}

// TraitCall is the lab's call for one trait. RiskScore is optional.
type TraitCall struct {
	MutationPresent bool     `json:"mutation_present"`
	Confidence      float64  `json:"confidence"`
	RiskScore       *float64 `json:"risk_score,omitempty"`
}

// Marker is the validated genetic input to a proof.
type Marker struct {
	Trait       string  `json:"trait"`
	Value       float64 `json:"value"`
	Present     bool    `json:"present"`
	Confidence  float64 `json:"confidence"`
	Metabolizer string  `json:"metabolizer,omitempty"`
}

const (
	defaultConfidence    = 0.95
	defaultActivityScore = 1.5
	defaultMetabolizer   = "normal"
)

func DecodeGenome(b []byte) (Genome, error) {
	var g Genome
	if err := json.Unmarshal(b, &g); err != nil {
		return Genome{}, process.Validation("prover.genome", "decode genome: %v", err)
	}
	return g, nil
}

// ExtractMarker pulls the marker for trait out of g and checks it against the
// trait's score range. Without an explicit risk score, a BRCA value is the
// call confidence when the mutation is present and its complement otherwise.
func ExtractMarker(g Genome, trait string) (Marker, error) {
	t, err := Lookup(trait)
	if err != nil {
		return Marker{}, err
	}

	var m Marker
	switch t.Name {
	case "BRCA1", "BRCA2":
		flag := g.Markers.BRCA1
		if t.Name == "BRCA2" {
			flag = g.Markers.BRCA2
		}
		call, hasCall := g.Traits[t.Name]
		if flag == nil && !hasCall {
			return Marker{}, process.Validation("prover.marker", "trait %s not found in genome data", t.Name)
		}
		m = Marker{Trait: t.Name, Confidence: defaultConfidence}
		if flag != nil {
			m.Present = *flag
		}
		if hasCall {
			m.Present = m.Present || call.MutationPresent
			if call.Confidence > 0 {
				m.Confidence = call.Confidence
			}
		}
		switch {
		case hasCall && call.RiskScore != nil:
			m.Value = *call.RiskScore
		case m.Present:
			m.Value = m.Confidence
		default:
			m.Value = 1 - m.Confidence
		}
	case "CYP2D6":
		m = Marker{Trait: t.Name, Value: defaultActivityScore, Metabolizer: defaultMetabolizer, Confidence: defaultConfidence}
		if c := g.Markers.CYP2D6; c != nil {
			if c.ActivityScore != nil {
				m.Value = *c.ActivityScore
			}
			if c.Metabolizer != "" {
				m.Metabolizer = c.Metabolizer
			}
		}
	default:
		return Marker{}, fmt.Errorf("no marker extraction for %s", t.Name)
	}

	if !t.InRange(m.Value) {
		return Marker{}, process.Validation("prover.marker", "%s score %v outside [%v, %v]", t.Name, m.Value, t.Min, t.Max)
	}
	return m, nil
}
