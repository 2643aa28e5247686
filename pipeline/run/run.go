// Package run defines the benchmark run record, its status machine, and the
// deterministic run identifier derivation that makes Planner re-triggers and
// queue redeliveries idempotent.
package run

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Status is the lifecycle state of a run. Transitions are monotonic along
// pending→running→completed and pending→running→failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CanTransition reports whether moving from s to next respects the status
// machine. Self-transitions on running are allowed so redelivered dialogue
// messages can re-enter the loop safely, and failed runs may re-enter
// running: a redelivery after a mid-loop failure resumes from the first
// missing turn. Completed is final.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusRunning || next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusRunning
	default:
		return false
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record captures persistent metadata for one (manifest, model, scenario)
// execution instance.
type Record struct {
	RunID           string    `json:"run_id"`
	ManifestID      string    `json:"manifest_id"`
	ModelID         string    `json:"model_id"`
	ScenarioID      string    `json:"scenario_id"`
	RubricVersion   string    `json:"rubric_version"`
	RubricTag       string    `json:"rubric_tag,omitempty"`
	Status          Status    `json:"status"`
	TurnCountTarget int       `json:"turn_count_target"`
	TurnCountActual int       `json:"turn_count_actual"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Error           string    `json:"error,omitempty"`
}

// crockford is the ULID alphabet: base32 without I, L, O, U.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewID derives the 26-character run identifier for a (manifest, model,
// scenario) triple. The first 10 characters encode the manifest creation time
// (48-bit milliseconds, ULID time part) so identifiers sort by trigger time;
// the remaining 16 characters are derived from
// sha256(manifest_id, model_id, scenario_id). The result is a pure function
// of its inputs: re-deriving for the same manifest never duplicates work.
func NewID(manifestID, modelID, scenarioID string, manifestCreatedAt time.Time) string {
	ms := uint64(manifestCreatedAt.UTC().UnixMilli()) & ((1 << 48) - 1)
	var id [26]byte
	for i := 9; i >= 0; i-- {
		id[i] = crockford[ms&0x1f]
		ms >>= 5
	}
	sum := sha256.Sum256([]byte(manifestID + "\x00" + modelID + "\x00" + scenarioID))
	// 16 base32 characters consume 80 bits of the digest.
	var acc uint64
	bits := 0
	j := 0
	for i := 10; i < 26; i++ {
		for bits < 5 {
			acc = acc<<8 | uint64(sum[j])
			bits += 8
			j++
		}
		bits -= 5
		id[i] = crockford[(acc>>uint(bits))&0x1f]
	}
	return string(id[:])
}

// PeriodKey returns the ISO 8601 week identifier ("YYYY-Www") for the given
// timestamp. Period aggregates are keyed by (PeriodKey, model_id).
func PeriodKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
