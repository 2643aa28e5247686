package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/storage"
)

func TestBlobPutGet(t *testing.T) {
	ctx := context.Background()
	b := NewBlob()
	require.NoError(t, b.Put(ctx, "raw/runs/r1/turn_000", []byte("data")))

	got, err := b.Get(ctx, "raw/runs/r1/turn_000")
	require.NoError(t, err)
	require.Equal(t, "data", string(got))

	// Returned slices are copies.
	got[0] = 'X'
	again, err := b.Get(ctx, "raw/runs/r1/turn_000")
	require.NoError(t, err)
	require.Equal(t, "data", string(again))

	_, err = b.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRunConditional(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	rec := run.Record{RunID: "r1", ModelID: "m", Status: run.StatusPending}
	require.NoError(t, idx.CreateRun(ctx, rec))
	require.ErrorIs(t, idx.CreateRun(ctx, rec), storage.ErrAlreadyExists)

	_, err := idx.GetRun(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusMachineEnforced(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.CreateRun(ctx, run.Record{RunID: "r1", Status: run.StatusPending}))

	// pending cannot complete or fail directly.
	_, err := idx.MarkCompleted(ctx, "r1", 3)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = idx.MarkFailed(ctx, "r1", "boom")
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	rec, err := idx.MarkRunning(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, rec.Status)

	// running → running is allowed (redelivery).
	_, err = idx.MarkRunning(ctx, "r1")
	require.NoError(t, err)

	rec, err = idx.MarkFailed(ctx, "r1", "boom")
	require.NoError(t, err)
	require.Equal(t, "boom", rec.Error)

	// failed → running resumes and clears the error.
	rec, err = idx.MarkRunning(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, rec.Error)

	rec, err = idx.MarkCompleted(ctx, "r1", 3)
	require.NoError(t, err)
	require.Equal(t, 3, rec.TurnCountActual)

	// completed is terminal.
	_, err = idx.MarkRunning(ctx, "r1")
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = idx.MarkFailed(ctx, "r1", "late")
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestTurnAndJudgmentConditionalInserts(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()

	turn := storage.TurnRecord{RunID: "r1", TurnIndex: 0, AIText: "first write"}
	require.NoError(t, idx.PutTurn(ctx, turn))
	dup := turn
	dup.AIText = "second write"
	require.ErrorIs(t, idx.PutTurn(ctx, dup), storage.ErrAlreadyExists)

	got, err := idx.GetTurn(ctx, "r1", 0)
	require.NoError(t, err)
	require.Equal(t, "first write", got.AIText, "first write is authoritative")

	j := storage.JudgmentRecord{RunID: "r1", TurnIndex: 0}
	require.NoError(t, idx.PutJudgment(ctx, j))
	require.ErrorIs(t, idx.PutJudgment(ctx, j), storage.ErrAlreadyExists)
}

func TestListTurnsOrdered(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, idx.PutTurn(ctx, storage.TurnRecord{RunID: "r1", TurnIndex: i}))
	}
	turns, err := idx.ListTurns(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		require.Equal(t, i, turn.TurnIndex)
	}
}

func TestCountRunItems(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.PutTurn(ctx, storage.TurnRecord{RunID: "r1", TurnIndex: 0}))
	require.NoError(t, idx.PutTurn(ctx, storage.TurnRecord{RunID: "r1", TurnIndex: 1}))
	require.NoError(t, idx.PutJudgment(ctx, storage.JudgmentRecord{RunID: "r1", TurnIndex: 0}))

	turns, judgments, err := idx.CountRunItems(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 2, turns)
	require.Equal(t, 1, judgments)
}

func TestRunEnumerations(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.CreateRun(ctx, run.Record{RunID: "b", ManifestID: "m1", ModelID: "x"}))
	require.NoError(t, idx.CreateRun(ctx, run.Record{RunID: "a", ManifestID: "m1", ModelID: "x"}))
	require.NoError(t, idx.CreateRun(ctx, run.Record{RunID: "c", ManifestID: "m2", ModelID: "y"}))

	byModel, err := idx.ListRunsByModel(ctx, "x")
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	require.Equal(t, "a", byModel[0].RunID)

	byManifest, err := idx.ListRunsByManifest(ctx, "m2")
	require.NoError(t, err)
	require.Len(t, byManifest, 1)
	require.Equal(t, "c", byManifest[0].RunID)
}

func TestManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	m, err := manifest.New(
		[]manifest.ModelDescriptor{{ModelID: "m"}},
		[]string{"s"}, "socratic/v1", manifest.Parameters{TurnCap: 1},
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	require.NoError(t, idx.PutManifest(ctx, m))
	// Idempotent re-put.
	require.NoError(t, idx.PutManifest(ctx, m))

	got, err := idx.GetManifest(ctx, m.ManifestID)
	require.NoError(t, err)
	require.Equal(t, m.ManifestID, got.ManifestID)

	_, err = idx.GetManifest(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAggregateVersioning(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	rec := storage.AggregateRecord{PeriodKey: "2026-W10", ModelID: "m", RunCount: 1}

	// Creating with a stale expectation fails.
	require.ErrorIs(t, idx.PutAggregate(ctx, rec, 7), storage.ErrConflict)

	require.NoError(t, idx.PutAggregate(ctx, rec, 0))
	got, err := idx.GetAggregate(ctx, "2026-W10", "m")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	// Re-creating an existing aggregate fails.
	require.ErrorIs(t, idx.PutAggregate(ctx, rec, 0), storage.ErrConflict)

	rec.RunCount = 2
	require.NoError(t, idx.PutAggregate(ctx, rec, got.Version))
	got, err = idx.GetAggregate(ctx, "2026-W10", "m")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, 2, got.RunCount)

	// Losing a version race surfaces ErrConflict.
	require.ErrorIs(t, idx.PutAggregate(ctx, rec, 1), storage.ErrConflict)
}

func TestSummaryOverwrite(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.PutSummary(ctx, storage.SummaryRecord{RunID: "r1", TurnCount: 1}))
	require.NoError(t, idx.PutSummary(ctx, storage.SummaryRecord{RunID: "r1", TurnCount: 2}))

	got, err := idx.GetSummary(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 2, got.TurnCount)

	all, err := idx.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
