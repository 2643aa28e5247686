// Package rubric defines versioned scoring rubrics for Socratic dialogue
// evaluation. A rubric enumerates dimensions with their score types, native
// ranges, compliance thresholds, and optional composite weights. The Judge
// dispatches on the rubric version to select a scorer; the Curator uses the
// thresholds to derive compliance statistics.
package rubric

import (
	"fmt"
)

// ScoreType classifies a dimension's value domain.
type ScoreType string

const (
	// ScoreContinuous is a float score within [Low, High], typically [0, 1].
	ScoreContinuous ScoreType = "continuous"
	// ScoreInteger is an integer score within [Low, High].
	ScoreInteger ScoreType = "integer"
	// ScoreBoolean is a pass/fail flag.
	ScoreBoolean ScoreType = "boolean"
	// ScoreCount is a non-negative raw count with no upper bound.
	ScoreCount ScoreType = "count"
)

type (
	// Dimension describes one scoring axis of a rubric.
	Dimension struct {
		// Name identifies the dimension (e.g. "questioning").
		Name string `json:"name"`
		// Type is the dimension's value domain.
		Type ScoreType `json:"type"`
		// Low and High bound continuous and integer scores. Ignored for
		// boolean and count dimensions.
		Low  float64 `json:"low"`
		High float64 `json:"high"`
		// Threshold is the minimum value a turn must reach to count as
		// compliant on this dimension. Ignored for boolean and count types.
		Threshold float64 `json:"threshold"`
		// Weight is the dimension's share in a composite score. Zero means
		// the dimension does not contribute to the composite.
		Weight float64 `json:"weight,omitempty"`
	}

	// Rubric is a versioned, immutable descriptor of scoring dimensions.
	Rubric struct {
		// Version identifies the rubric (e.g. "socratic/v1"). Part of the
		// manifest, so two runs with different rubrics never share one.
		Version string `json:"version"`
		// Dimensions lists the numeric dimensions in declaration order.
		Dimensions []Dimension `json:"dimensions"`
		// BooleanDimensions lists the boolean dimensions in declaration order.
		BooleanDimensions []Dimension `json:"boolean_dimensions,omitempty"`
		// ComplianceDimension names the dimension whose threshold drives
		// compliance_rate and first_failure_turn.
		ComplianceDimension string `json:"compliance_dimension"`
		// WellFormedDimension names the boolean dimension backing the
		// violation_rate ("well-formedness") check. Empty disables it.
		WellFormedDimension string `json:"well_formed_dimension,omitempty"`
	}
)

// VersionV1 is the first-generation rubric: five continuous [0,1] dimensions
// scored heuristically from text features.
const VersionV1 = "socratic/v1"

// VersionV2 is the second-generation rubric: one boolean, one continuous
// [0,1] metric, and one raw count.
const VersionV2 = "socratic/v2"

// V1 returns the first-generation rubric descriptor.
func V1() Rubric {
	return Rubric{
		Version: VersionV1,
		Dimensions: []Dimension{
			{Name: "questioning", Type: ScoreContinuous, Low: 0, High: 1, Threshold: 0.5, Weight: 0.3},
			{Name: "openness", Type: ScoreContinuous, Low: 0, High: 1, Threshold: 0.5, Weight: 0.25},
			{Name: "directiveness", Type: ScoreContinuous, Low: 0, High: 1, Threshold: 0.5, Weight: 0.2},
			{Name: "brevity", Type: ScoreContinuous, Low: 0, High: 1, Threshold: 0.4, Weight: 0.1},
			{Name: "engagement", Type: ScoreContinuous, Low: 0, High: 1, Threshold: 0.4, Weight: 0.15},
		},
		BooleanDimensions: []Dimension{
			{Name: "well_formed", Type: ScoreBoolean},
		},
		ComplianceDimension: "questioning",
		WellFormedDimension: "well_formed",
	}
}

// V2 returns the second-generation rubric descriptor.
func V2() Rubric {
	return Rubric{
		Version: VersionV2,
		Dimensions: []Dimension{
			{Name: "openness", Type: ScoreContinuous, Low: 0, High: 1, Threshold: 0.5, Weight: 1},
			{Name: "question_count", Type: ScoreCount},
		},
		BooleanDimensions: []Dimension{
			{Name: "ends_with_question", Type: ScoreBoolean},
		},
		ComplianceDimension: "openness",
		WellFormedDimension: "ends_with_question",
	}
}

// ByVersion resolves a rubric descriptor from its version string.
func ByVersion(version string) (Rubric, error) {
	switch version {
	case VersionV1:
		return V1(), nil
	case VersionV2:
		return V2(), nil
	default:
		return Rubric{}, fmt.Errorf("unknown rubric version %q", version)
	}
}

// Dimension returns the numeric dimension with the given name.
func (r Rubric) Dimension(name string) (Dimension, bool) {
	for _, d := range r.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// ValidateScores checks that the score maps exactly cover the rubric's
// declared dimensions and that every value lies within its native range.
func (r Rubric) ValidateScores(scores map[string]float64, booleans map[string]bool) error {
	if len(scores) != len(r.Dimensions) {
		return fmt.Errorf("rubric %s declares %d numeric dimensions, got %d scores", r.Version, len(r.Dimensions), len(scores))
	}
	for _, d := range r.Dimensions {
		v, ok := scores[d.Name]
		if !ok {
			return fmt.Errorf("rubric %s: missing score for dimension %q", r.Version, d.Name)
		}
		if err := d.validate(v); err != nil {
			return fmt.Errorf("rubric %s: %w", r.Version, err)
		}
	}
	if len(booleans) != len(r.BooleanDimensions) {
		return fmt.Errorf("rubric %s declares %d boolean dimensions, got %d", r.Version, len(r.BooleanDimensions), len(booleans))
	}
	for _, d := range r.BooleanDimensions {
		if _, ok := booleans[d.Name]; !ok {
			return fmt.Errorf("rubric %s: missing boolean score for dimension %q", r.Version, d.Name)
		}
	}
	return nil
}

// NeutralScores returns zero-valued scores covering every declared dimension.
// Used when a judgment is persisted with an error flag so aggregation can
// proceed; the low bound is within every declared range.
func (r Rubric) NeutralScores() (map[string]float64, map[string]bool) {
	scores := make(map[string]float64, len(r.Dimensions))
	for _, d := range r.Dimensions {
		scores[d.Name] = d.Low
	}
	booleans := make(map[string]bool, len(r.BooleanDimensions))
	for _, d := range r.BooleanDimensions {
		booleans[d.Name] = false
	}
	return scores, booleans
}

// Clamp forces v into the dimension's native range.
func (d Dimension) Clamp(v float64) float64 {
	switch d.Type {
	case ScoreCount:
		if v < 0 {
			return 0
		}
		return v
	case ScoreBoolean:
		return v
	default:
		if v < d.Low {
			return d.Low
		}
		if v > d.High {
			return d.High
		}
		return v
	}
}

// Compliant reports whether a score meets the dimension's threshold.
func (d Dimension) Compliant(v float64) bool {
	return v >= d.Threshold
}

func (d Dimension) validate(v float64) error {
	switch d.Type {
	case ScoreContinuous, ScoreInteger:
		if v < d.Low || v > d.High {
			return fmt.Errorf("dimension %q score %v outside [%v, %v]", d.Name, v, d.Low, d.High)
		}
	case ScoreCount:
		if v < 0 {
			return fmt.Errorf("dimension %q count %v is negative", d.Name, v)
		}
	}
	return nil
}
