// Package qa checks a rendered image against its core contract and drives
// the bounded re-render loop.
package qa

import (
	"math"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/imagegen"
)

// ViolationKind groups violated constraints by how a retry should react.
type ViolationKind string

const (
	ViolationColor      ViolationKind = "color"
	ViolationStructural ViolationKind = "structural"
	ViolationProportion ViolationKind = "proportion"
)

// Violation is one contract constraint the render does not meet.
type Violation struct {
	Kind       ViolationKind `json:"kind"`
	Constraint string        `json:"constraint"`
	Expected   string        `json:"expected"`
	Observed   string        `json:"observed"`
	Deviation  float64       `json:"deviation,omitempty"`
}

// Verdict is the QA decision for one rendered image.
type Verdict struct {
	Pass       bool        `json:"pass"`
	Violations []Violation `json:"violations,omitempty"`
}

// Observation is what a vision model reports seeing in the render. Nil
// fields were not observable and are not checked.
type Observation struct {
	ColorsHex     []string            `json:"colors_hex"`
	ButtonCount   *int                `json:"button_count,omitempty"`
	LabelCount    *int                `json:"label_count,omitempty"`
	PersonVisible *bool               `json:"person_visible,omitempty"`
	HollowRegions []string            `json:"hollow_regions"`
	Proportions   *domain.Proportions `json:"proportions,omitempty"`
}

// Tolerances bound the local checks. MaxDeltaE is a CIE76 distance on the
// 0..100 Lab scale; ProportionTolerance is relative.
type Tolerances struct {
	MaxDeltaE           float64 `yaml:"max_delta_e"`
	ProportionTolerance float64 `yaml:"proportion_tolerance"`
}

// DefaultTolerances returns the thresholds used when none are configured.
func DefaultTolerances() Tolerances {
	return Tolerances{MaxDeltaE: 12, ProportionTolerance: 0.15}
}

func (t Tolerances) withDefaults() Tolerances {
	d := DefaultTolerances()
	if t.MaxDeltaE <= 0 {
		t.MaxDeltaE = d.MaxDeltaE
	}
	if t.ProportionTolerance <= 0 {
		t.ProportionTolerance = d.ProportionTolerance
	}
	return t
}

// maxCheckedColors limits color checks to primary, accent and trim.
const maxCheckedColors = 3

// Evaluate compares an observation with the contract. It is deterministic
// and reports violations in a fixed order: color, structural, proportion.
func Evaluate(contract imagegen.CoreContract, obs Observation, tol Tolerances) Verdict {
	tol = tol.withDefaults()
	var violations []Violation
	violations = append(violations, colorViolations(contract.ColorsHex, obs.ColorsHex, tol.MaxDeltaE)...)
	violations = append(violations, structuralViolations(contract, obs)...)
	violations = append(violations, proportionViolations(contract.Proportions, obs.Proportions, tol.ProportionTolerance)...)
	return Verdict{Pass: len(violations) == 0, Violations: violations}
}

// DeltaE returns the CIE76 distance between two hex colors on the 0..100
// scale, or false when either is not a hex color.
func DeltaE(a, b string) (float64, bool) {
	ha, okA := domain.NormalizeHex(a)
	hb, okB := domain.NormalizeHex(b)
	if !okA || !okB {
		return 0, false
	}
	ca, err := colorful.Hex(ha)
	if err != nil {
		return 0, false
	}
	cb, err := colorful.Hex(hb)
	if err != nil {
		return 0, false
	}
	return ca.DistanceCIE76(cb) * 100, true
}

func colorViolations(expected, observed []string, maxDeltaE float64) []Violation {
	if len(observed) == 0 {
		return nil
	}
	var out []Violation
	for i, want := range expected {
		if i >= maxCheckedColors {
			break
		}
		best := math.Inf(1)
		bestHex := ""
		for _, got := range observed {
			if d, ok := DeltaE(want, got); ok && d < best {
				best, bestHex = d, got
			}
		}
		if bestHex == "" || best <= maxDeltaE {
			continue
		}
		out = append(out, Violation{
			Kind:       ViolationColor,
			Constraint: "colors_hex[" + strconv.Itoa(i) + "]",
			Expected:   want,
			Observed:   strings.ToUpper(bestHex),
			Deviation:  math.Round(best*100) / 100,
		})
	}
	return out
}

func structuralViolations(contract imagegen.CoreContract, obs Observation) []Violation {
	var out []Violation
	if obs.PersonVisible != nil && *obs.PersonVisible && contract.Rules.Ghost {
		out = append(out, Violation{Kind: ViolationStructural, Constraint: "rules.ghost", Expected: "no person", Observed: "person visible"})
	}
	if contract.Parts.Closure == "buttons" && contract.Parts.ButtonCount > 0 && obs.ButtonCount != nil && *obs.ButtonCount != contract.Parts.ButtonCount {
		out = append(out, Violation{
			Kind:       ViolationStructural,
			Constraint: "parts.button_count",
			Expected:   strconv.Itoa(contract.Parts.ButtonCount),
			Observed:   strconv.Itoa(*obs.ButtonCount),
		})
	}
	if contract.Rules.PreserveLabels && contract.Parts.LabelCount > 0 && obs.LabelCount != nil && *obs.LabelCount < contract.Parts.LabelCount {
		out = append(out, Violation{
			Kind:       ViolationStructural,
			Constraint: "parts.label_count",
			Expected:   strconv.Itoa(contract.Parts.LabelCount),
			Observed:   strconv.Itoa(*obs.LabelCount),
		})
	}
	if obs.HollowRegions != nil {
		seen := make(map[string]bool, len(obs.HollowRegions))
		for _, r := range obs.HollowRegions {
			seen[normalizeRegion(r)] = true
		}
		for _, want := range contract.Parts.HollowRegions {
			if !seen[normalizeRegion(want)] {
				out = append(out, Violation{Kind: ViolationStructural, Constraint: "parts.hollow_regions", Expected: want, Observed: "closed"})
			}
		}
	}
	return out
}

func proportionViolations(expected domain.Proportions, observed *domain.Proportions, tol float64) []Violation {
	if observed == nil || expected.IsZero() {
		return nil
	}
	checks := []struct {
		name      string
		want, got float64
	}{
		{"shoulder_width_ratio", expected.ShoulderWidth, observed.ShoulderWidth},
		{"body_length_ratio", expected.BodyLength, observed.BodyLength},
		{"sleeve_length_ratio", expected.SleeveLength, observed.SleeveLength},
		{"hem_width_ratio", expected.HemWidth, observed.HemWidth},
	}
	var out []Violation
	for _, c := range checks {
		if c.want <= 0 || c.got <= 0 {
			continue
		}
		dev := math.Abs(c.got-c.want) / c.want
		if dev <= tol {
			continue
		}
		out = append(out, Violation{
			Kind:       ViolationProportion,
			Constraint: "proportions." + c.name,
			Expected:   strconv.FormatFloat(c.want, 'f', 2, 64),
			Observed:   strconv.FormatFloat(c.got, 'f', 2, 64),
			Deviation:  math.Round(dev*1000) / 1000,
		})
	}
	return out
}

func normalizeRegion(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
