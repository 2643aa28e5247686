// Package scenario defines the read-only Scenario Registry consumed by the
// Runner. The registry is an external collaborator; this package ships the
// lookup interface and a static in-memory implementation used by workers that
// load their scenario set at startup.
package scenario

import (
	"context"
	"fmt"
)

type (
	// Descriptor is the dialogue setup for one teaching scenario.
	Descriptor struct {
		// ScenarioID identifies the scenario.
		ScenarioID string `json:"scenario_id" yaml:"scenario_id"`
		// Persona describes the simulated student handed to the model under
		// test as part of the system prompt.
		Persona string `json:"persona" yaml:"persona"`
		// Opening is the student's first utterance.
		Opening string `json:"opening" yaml:"opening"`
		// FollowUps are canned student utterances for multi-turn scenarios,
		// consumed in order by the scripted student strategy.
		FollowUps []string `json:"follow_ups,omitempty" yaml:"follow_ups,omitempty"`
		// TurnCountTarget is the number of exchanges the dialogue aims for.
		TurnCountTarget int `json:"turn_count_target" yaml:"turn_count_target"`
		// RubricTag names the rubric vector this scenario exercises.
		RubricTag string `json:"rubric_tag,omitempty" yaml:"rubric_tag,omitempty"`
	}

	// Registry resolves scenario descriptors by ID.
	Registry interface {
		Lookup(ctx context.Context, scenarioID string) (Descriptor, error)
	}

	// StaticRegistry serves descriptors from a fixed map.
	StaticRegistry struct {
		scenarios map[string]Descriptor
	}
)

// NewStaticRegistry builds a registry over the given descriptors. Descriptors
// with empty IDs or non-positive turn targets are rejected.
func NewStaticRegistry(descriptors []Descriptor) (*StaticRegistry, error) {
	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.ScenarioID == "" {
			return nil, fmt.Errorf("scenario descriptor missing id")
		}
		if d.TurnCountTarget <= 0 {
			return nil, fmt.Errorf("scenario %q: turn count target must be positive", d.ScenarioID)
		}
		if _, dup := m[d.ScenarioID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %q", d.ScenarioID)
		}
		m[d.ScenarioID] = d
	}
	return &StaticRegistry{scenarios: m}, nil
}

// Lookup returns the descriptor for scenarioID.
func (r *StaticRegistry) Lookup(_ context.Context, scenarioID string) (Descriptor, error) {
	d, ok := r.scenarios[scenarioID]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown scenario %q", scenarioID)
	}
	return d, nil
}
