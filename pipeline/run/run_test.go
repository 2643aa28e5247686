package run

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNewIDDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	id1 := NewID("m1", "model-a", "scenario-x", at)
	id2 := NewID("m1", "model-a", "scenario-x", at)
	require.Equal(t, id1, id2)
	require.Len(t, id1, 26)
}

func TestNewIDDistinguishesInputs(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	base := NewID("m1", "model-a", "scenario-x", at)
	require.NotEqual(t, base, NewID("m2", "model-a", "scenario-x", at))
	require.NotEqual(t, base, NewID("m1", "model-b", "scenario-x", at))
	require.NotEqual(t, base, NewID("m1", "model-a", "scenario-y", at))
}

func TestNewIDTimePrefixSorts(t *testing.T) {
	early := NewID("m", "a", "s", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	late := NewID("m", "a", "s", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.Less(t, early[:10], late[:10])
}

func TestNewIDAlphabet(t *testing.T) {
	id := NewID("m1", "model-a", "scenario-x", time.Now())
	for _, c := range id {
		require.Contains(t, crockford, string(c))
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusRunning, true},
		{StatusFailed, StatusFailed, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusCompleted, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusRunning.Terminal())
}

func TestPeriodKey(t *testing.T) {
	// 2026-01-01 is a Thursday, ISO week 1 of 2026.
	require.Equal(t, "2026-W01", PeriodKey(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	// 2024-12-30 is a Monday belonging to ISO week 1 of 2025.
	require.Equal(t, "2025-W01", PeriodKey(time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)))
	// 2026-08-26 falls in ISO week 35.
	require.Equal(t, "2026-W35", PeriodKey(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)))
}

func TestNewIDProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identifier is 26 Crockford characters", prop.ForAll(
		func(manifestID, modelID, scenarioID string, unixMS int64) bool {
			id := NewID(manifestID, modelID, scenarioID, time.UnixMilli(unixMS))
			if len(id) != 26 {
				return false
			}
			for _, c := range id {
				found := false
				for _, a := range crockford {
					if a == c {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Int64Range(0, 1<<47),
	))

	properties.TestingRun(t)
}
