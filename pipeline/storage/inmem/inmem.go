// Package inmem provides in-memory implementations of the storage tiers with
// the same conditional-write semantics as the production backends. Tests use
// them to exercise idempotency and race behavior without external services.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/storage"
)

type (
	// Blob is a map-backed storage.Blob.
	Blob struct {
		mu      sync.RWMutex
		objects map[string][]byte
	}

	// Index is a map-backed storage.Index.
	Index struct {
		mu         sync.Mutex
		manifests  map[string]manifest.Manifest
		runs       map[string]run.Record
		turns      map[string]map[int]storage.TurnRecord
		judgments  map[string]map[int]storage.JudgmentRecord
		summaries  map[string]storage.SummaryRecord
		aggregates map[string]storage.AggregateRecord
	}
)

// NewBlob constructs an empty in-memory blob store.
func NewBlob() *Blob {
	return &Blob{objects: make(map[string][]byte)}
}

// Put stores a copy of data at path.
func (b *Blob) Put(_ context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the object at path or storage.ErrNotFound.
func (b *Blob) Get(_ context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Paths returns the stored object paths, sorted. Test helper.
func (b *Blob) Paths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	paths := make([]string, 0, len(b.objects))
	for p := range b.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// NewIndex constructs an empty in-memory index.
func NewIndex() *Index {
	return &Index{
		manifests:  make(map[string]manifest.Manifest),
		runs:       make(map[string]run.Record),
		turns:      make(map[string]map[int]storage.TurnRecord),
		judgments:  make(map[string]map[int]storage.JudgmentRecord),
		summaries:  make(map[string]storage.SummaryRecord),
		aggregates: make(map[string]storage.AggregateRecord),
	}
}

// PutManifest stores manifest metadata. Idempotent.
func (i *Index) PutManifest(_ context.Context, m manifest.Manifest) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.manifests[m.ManifestID] = m
	return nil
}

// GetManifest fetches manifest metadata by ID.
func (i *Index) GetManifest(_ context.Context, manifestID string) (manifest.Manifest, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	m, ok := i.manifests[manifestID]
	if !ok {
		return manifest.Manifest{}, storage.ErrNotFound
	}
	return m, nil
}

// CreateRun inserts run metadata only if absent.
func (i *Index) CreateRun(_ context.Context, rec run.Record) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.runs[rec.RunID]; exists {
		return storage.ErrAlreadyExists
	}
	i.runs[rec.RunID] = rec
	return nil
}

// GetRun fetches run metadata by run ID.
func (i *Index) GetRun(_ context.Context, runID string) (run.Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.runs[runID]
	if !ok {
		return run.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// MarkRunning transitions a run to running from pending, running, or failed.
// Resuming a failed run clears the captured error.
func (i *Index) MarkRunning(_ context.Context, runID string) (run.Record, error) {
	return i.transition(runID, run.StatusRunning, func(rec *run.Record) {
		rec.Error = ""
	})
}

// MarkCompleted transitions a running run to completed.
func (i *Index) MarkCompleted(_ context.Context, runID string, turnCountActual int) (run.Record, error) {
	return i.transition(runID, run.StatusCompleted, func(rec *run.Record) {
		rec.TurnCountActual = turnCountActual
	})
}

// MarkFailed transitions a running run to failed.
func (i *Index) MarkFailed(_ context.Context, runID string, errMsg string) (run.Record, error) {
	return i.transition(runID, run.StatusFailed, func(rec *run.Record) {
		rec.Error = errMsg
	})
}

func (i *Index) transition(runID string, to run.Status, apply func(*run.Record)) (run.Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.runs[runID]
	if !ok {
		return run.Record{}, storage.ErrNotFound
	}
	if !rec.Status.CanTransition(to) {
		return run.Record{}, storage.ErrInvalidTransition
	}
	rec.Status = to
	apply(&rec)
	rec.UpdatedAt = time.Now().UTC()
	i.runs[runID] = rec
	return rec, nil
}

// ListRunsByModel enumerates runs for a model, ordered by run ID.
func (i *Index) ListRunsByModel(_ context.Context, modelID string) ([]run.Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []run.Record
	for _, rec := range i.runs {
		if rec.ModelID == modelID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunID < out[b].RunID })
	return out, nil
}

// ListRunsByManifest enumerates runs created under a manifest.
func (i *Index) ListRunsByManifest(_ context.Context, manifestID string) ([]run.Record, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []run.Record
	for _, rec := range i.runs {
		if rec.ManifestID == manifestID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunID < out[b].RunID })
	return out, nil
}

// PutTurn inserts a turn record only if absent.
func (i *Index) PutTurn(_ context.Context, rec storage.TurnRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	byIndex, ok := i.turns[rec.RunID]
	if !ok {
		byIndex = make(map[int]storage.TurnRecord)
		i.turns[rec.RunID] = byIndex
	}
	if _, exists := byIndex[rec.TurnIndex]; exists {
		return storage.ErrAlreadyExists
	}
	byIndex[rec.TurnIndex] = rec
	return nil
}

// GetTurn fetches one turn record.
func (i *Index) GetTurn(_ context.Context, runID string, turnIndex int) (storage.TurnRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.turns[runID][turnIndex]
	if !ok {
		return storage.TurnRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListTurns enumerates a run's turns in turn-index order.
func (i *Index) ListTurns(_ context.Context, runID string) ([]storage.TurnRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	byIndex := i.turns[runID]
	out := make([]storage.TurnRecord, 0, len(byIndex))
	for _, rec := range byIndex {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TurnIndex < out[b].TurnIndex })
	return out, nil
}

// PutJudgment inserts a judgment record only if absent.
func (i *Index) PutJudgment(_ context.Context, rec storage.JudgmentRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	byIndex, ok := i.judgments[rec.RunID]
	if !ok {
		byIndex = make(map[int]storage.JudgmentRecord)
		i.judgments[rec.RunID] = byIndex
	}
	if _, exists := byIndex[rec.TurnIndex]; exists {
		return storage.ErrAlreadyExists
	}
	byIndex[rec.TurnIndex] = rec
	return nil
}

// ListJudgments enumerates a run's judgments in turn-index order.
func (i *Index) ListJudgments(_ context.Context, runID string) ([]storage.JudgmentRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	byIndex := i.judgments[runID]
	out := make([]storage.JudgmentRecord, 0, len(byIndex))
	for _, rec := range byIndex {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TurnIndex < out[b].TurnIndex })
	return out, nil
}

// CountRunItems returns the number of turn and judgment records for a run.
func (i *Index) CountRunItems(_ context.Context, runID string) (int, int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.turns[runID]), len(i.judgments[runID]), nil
}

// PutSummary overwrites the run summary.
func (i *Index) PutSummary(_ context.Context, rec storage.SummaryRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.summaries[rec.RunID] = rec
	return nil
}

// GetSummary fetches the run summary.
func (i *Index) GetSummary(_ context.Context, runID string) (storage.SummaryRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.summaries[runID]
	if !ok {
		return storage.SummaryRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListSummaries enumerates all run summaries, ordered by run ID.
func (i *Index) ListSummaries(_ context.Context) ([]storage.SummaryRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]storage.SummaryRecord, 0, len(i.summaries))
	for _, rec := range i.summaries {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunID < out[b].RunID })
	return out, nil
}

// GetAggregate fetches a period aggregate by (period, model).
func (i *Index) GetAggregate(_ context.Context, periodKey, modelID string) (storage.AggregateRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.aggregates[storage.PartitionPeriod(periodKey, modelID)]
	if !ok {
		return storage.AggregateRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// PutAggregate upserts a period aggregate conditioned on the version read.
func (i *Index) PutAggregate(_ context.Context, rec storage.AggregateRecord, expectedVersion int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := storage.PartitionPeriod(rec.PeriodKey, rec.ModelID)
	current, exists := i.aggregates[key]
	if exists && current.Version != expectedVersion {
		return storage.ErrConflict
	}
	if !exists && expectedVersion != 0 {
		return storage.ErrConflict
	}
	rec.Version = expectedVersion + 1
	i.aggregates[key] = rec
	return nil
}
