package prover

import (
	"sort"
	"strings"
	"time"

	"github.com/tendant/simple-prover/internal/process"
)

// DefaultExpected is the expected proving time of a trait without an entry.
const DefaultExpected = 20 * time.Second

// Trait describes the score range and expected proving time of one trait type.
type Trait struct {
	Name     string
	Min      float64
	Max      float64
	Expected time.Duration
}

var traits = map[string]Trait{
	"BRCA1":  {Name: "BRCA1", Min: 0, Max: 1, Expected: 10 * time.Second},
	"BRCA2":  {Name: "BRCA2", Min: 0, Max: 1, Expected: 10 * time.Second},
	"CYP2D6": {Name: "CYP2D6", Min: 0, Max: 3, Expected: 15 * time.Second},
}

// Lookup returns the trait registered under name, case-insensitively.
func Lookup(name string) (Trait, error) {
	t, ok := traits[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Trait{}, process.Validation("prover.trait", "unsupported trait type %q", name)
	}
	return t, nil
}

// Traits lists the registered trait names in sorted order.
func Traits() []string {
	out := make([]string, 0, len(traits))
	for name := range traits {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Expected returns the expected proving time for name.
func Expected(name string) time.Duration {
	if t, err := Lookup(name); err == nil {
		return t.Expected
	}
	return DefaultExpected
}

// InRange reports whether v lies within the trait's score range.
func (t Trait) InRange(v float64) bool {
	return v >= t.Min && v <= t.Max
}

// ValidateThreshold checks an optional threshold against the trait range.
func (t Trait) ValidateThreshold(threshold *float64) error {
	if threshold == nil {
		return nil
	}
	if !t.InRange(*threshold) {
		return process.Validation("prover.threshold", "threshold %v outside [%v, %v] for %s", *threshold, t.Min, t.Max, t.Name)
	}
	return nil
}
