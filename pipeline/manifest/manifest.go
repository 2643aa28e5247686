// Package manifest defines the content-addressed configuration snapshot that
// anchors a set of benchmark runs. A manifest is derived from the active
// configuration by the Planner and never mutated: identical configurations
// always produce the identical manifest ID, which makes re-triggering the
// Planner idempotent.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

type (
	// ModelDescriptor identifies one model under benchmark together with its
	// invocation parameters (temperature, max tokens, provider hints).
	ModelDescriptor struct {
		ModelID    string         `json:"model_id"`
		Parameters map[string]any `json:"parameters,omitempty"`
	}

	// Parameters are the global knobs shared by every run of a manifest.
	Parameters struct {
		// TurnCap bounds dialogue length regardless of scenario targets.
		TurnCap int `json:"turn_cap"`
		// JudgeModelID selects the LLM-assisted judge. Empty means pure
		// heuristic judging.
		JudgeModelID string `json:"judge_model_id,omitempty"`
		// Temperature applies to dialogue generation when a model descriptor
		// does not override it.
		Temperature float64 `json:"temperature,omitempty"`
		// Seed pins sampling where the provider supports it.
		Seed int64 `json:"seed,omitempty"`
	}

	// Manifest is an immutable, content-addressed snapshot of a benchmark
	// configuration.
	Manifest struct {
		ManifestID    string            `json:"manifest_id"`
		CreatedAt     time.Time         `json:"created_at"`
		Models        []ModelDescriptor `json:"models"`
		Scenarios     []string          `json:"scenarios"`
		RubricVersion string            `json:"rubric_version"`
		Parameters    Parameters        `json:"parameters"`
	}

	// identity is the subset of manifest fields that participates in content
	// addressing. CreatedAt and the derived ID are deliberately excluded.
	identity struct {
		Models        []ModelDescriptor `json:"models"`
		Scenarios     []string          `json:"scenarios"`
		RubricVersion string            `json:"rubric_version"`
		Parameters    Parameters        `json:"parameters"`
	}
)

// New derives a manifest from its identity fields. The manifest ID is a pure
// function of the canonical serialization of (models, scenarios,
// rubric_version, parameters); createdAt is metadata only.
func New(models []ModelDescriptor, scenarios []string, rubricVersion string, params Parameters, createdAt time.Time) (Manifest, error) {
	if len(models) == 0 {
		return Manifest{}, errors.New("at least one model is required")
	}
	if len(scenarios) == 0 {
		return Manifest{}, errors.New("at least one scenario is required")
	}
	if rubricVersion == "" {
		return Manifest{}, errors.New("rubric version is required")
	}
	id, err := DeriveID(models, scenarios, rubricVersion, params)
	if err != nil {
		return Manifest{}, err
	}
	return Manifest{
		ManifestID:    id,
		CreatedAt:     createdAt.UTC().Truncate(time.Millisecond),
		Models:        models,
		Scenarios:     scenarios,
		RubricVersion: rubricVersion,
		Parameters:    params,
	}, nil
}

// DeriveID computes the content address of a manifest identity:
// "m" + first 32 hex characters of sha256(canonical serialization).
func DeriveID(models []ModelDescriptor, scenarios []string, rubricVersion string, params Parameters) (string, error) {
	canonical, err := MarshalCanonical(identity{
		Models:        models,
		Scenarios:     scenarios,
		RubricVersion: rubricVersion,
		Parameters:    params,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "m" + hex.EncodeToString(sum[:])[:32], nil
}

// ModelIDs returns the model identifiers in declared order.
func (m Manifest) ModelIDs() []string {
	ids := make([]string, len(m.Models))
	for i, md := range m.Models {
		ids[i] = md.ModelID
	}
	return ids
}

// Model returns the descriptor for the given model ID.
func (m Manifest) Model(modelID string) (ModelDescriptor, bool) {
	for _, md := range m.Models {
		if md.ModelID == modelID {
			return md, true
		}
	}
	return ModelDescriptor{}, false
}
