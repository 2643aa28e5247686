package runner

import (
	"errors"
	"fmt"

	"github.com/socraticlabs/bench/pipeline/scenario"
	"github.com/socraticlabs/bench/pipeline/storage"
)

type (
	// StudentStrategy synthesizes the student utterance for the next turn.
	// Implementations must be pure functions of the scenario and the prior
	// turns: redelivered dialogue messages replay the same history and must
	// produce the same utterance.
	StudentStrategy interface {
		NextUtterance(sc scenario.Descriptor, prior []storage.TurnRecord) (string, error)
	}

	// SingleUtterance serves the scenario's opening utterance for turn zero
	// and rejects further turns. Used by single-turn scenarios.
	SingleUtterance struct{}

	// Scripted serves the opening utterance for turn zero and the scenario's
	// canned follow-ups afterwards, cycling when the script is shorter than
	// the dialogue.
	Scripted struct{}
)

// NextUtterance returns the opening utterance for turn zero.
func (SingleUtterance) NextUtterance(sc scenario.Descriptor, prior []storage.TurnRecord) (string, error) {
	if len(prior) > 0 {
		return "", fmt.Errorf("scenario %q is single-turn but turn %d was requested", sc.ScenarioID, len(prior))
	}
	if sc.Opening == "" {
		return "", errors.New("scenario has no opening utterance")
	}
	return sc.Opening, nil
}

// NextUtterance returns the opening for turn zero and cycles through the
// follow-up script for later turns.
func (Scripted) NextUtterance(sc scenario.Descriptor, prior []storage.TurnRecord) (string, error) {
	if sc.Opening == "" {
		return "", errors.New("scenario has no opening utterance")
	}
	if len(prior) == 0 {
		return sc.Opening, nil
	}
	if len(sc.FollowUps) == 0 {
		return "", fmt.Errorf("scenario %q has %d turns but no follow-up script", sc.ScenarioID, len(prior)+1)
	}
	return sc.FollowUps[(len(prior)-1)%len(sc.FollowUps)], nil
}

// DefaultStrategy picks the strategy matching the scenario shape: scripted
// for multi-turn scenarios, single-utterance otherwise.
func DefaultStrategy(sc scenario.Descriptor) StudentStrategy {
	if sc.TurnCountTarget > 1 {
		return Scripted{}
	}
	return SingleUtterance{}
}
