// Package storage defines the two-tier Event Log & Index abstraction shared
// by every pipeline component: an append-only, path-addressed blob tier for
// immutable artifacts and a composite-key index tier for hot-path metadata
// and aggregates. Coordination between workers happens entirely through the
// conditional-write semantics declared here; no component holds locks.
package storage

import (
	"context"
	"errors"

	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/run"
)

// Sentinel errors shared by all index and blob implementations.
var (
	// ErrNotFound is returned when a record or object does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned by conditional creates when the record is
	// already present. Callers treat it as proof of a completed earlier
	// delivery and trust the persisted copy.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrConflict is returned by versioned updates when the expected version
	// no longer matches. Callers re-read and retry the merge.
	ErrConflict = errors.New("storage: version conflict")
	// ErrInvalidTransition is returned when a run status update does not
	// satisfy the monotonic status machine.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

type (
	// Blob is the append-only artifact store. Writes are atomic per object:
	// a concurrent reader sees either the full object or ErrNotFound, never
	// a partial write. Duplicate puts of in-pipeline artifacts carry
	// identical content, so last-write-wins is safe.
	Blob interface {
		Put(ctx context.Context, path string, data []byte) error
		Get(ctx context.Context, path string) ([]byte, error)
	}

	// Index is the composite-key metadata store. All enumerations within a
	// partition are ordered by sort key, which for turns and judgments
	// equals turn-index order thanks to zero-padded sort keys.
	Index interface {
		// PutManifest stores manifest metadata. Idempotent: manifests are
		// content-addressed so duplicate puts carry identical content.
		PutManifest(ctx context.Context, m manifest.Manifest) error
		// GetManifest fetches manifest metadata by ID.
		GetManifest(ctx context.Context, manifestID string) (manifest.Manifest, error)

		// CreateRun inserts run metadata in status pending only if no record
		// exists for the run ID. Returns ErrAlreadyExists otherwise.
		CreateRun(ctx context.Context, rec run.Record) error
		// GetRun fetches run metadata by run ID.
		GetRun(ctx context.Context, runID string) (run.Record, error)
		// MarkRunning transitions a run to running. Valid from pending or
		// running, which makes queue redelivery safe. Returns the updated
		// record or ErrInvalidTransition.
		MarkRunning(ctx context.Context, runID string) (run.Record, error)
		// MarkCompleted transitions a running run to completed and records
		// the actual turn count.
		MarkCompleted(ctx context.Context, runID string, turnCountActual int) (run.Record, error)
		// MarkFailed transitions a running run to failed with the captured
		// error message.
		MarkFailed(ctx context.Context, runID string, errMsg string) (run.Record, error)
		// ListRunsByModel enumerates runs for a model, ordered by run ID.
		ListRunsByModel(ctx context.Context, modelID string) ([]run.Record, error)
		// ListRunsByManifest enumerates runs created under a manifest.
		ListRunsByManifest(ctx context.Context, manifestID string) ([]run.Record, error)

		// PutTurn inserts a turn record only if absent (ErrAlreadyExists
		// otherwise). The persisted copy is authoritative.
		PutTurn(ctx context.Context, rec TurnRecord) error
		// GetTurn fetches one turn record.
		GetTurn(ctx context.Context, runID string, turnIndex int) (TurnRecord, error)
		// ListTurns enumerates a run's turns in turn-index order.
		ListTurns(ctx context.Context, runID string) ([]TurnRecord, error)

		// PutJudgment inserts a judgment record only if absent.
		PutJudgment(ctx context.Context, rec JudgmentRecord) error
		// ListJudgments enumerates a run's judgments in turn-index order.
		ListJudgments(ctx context.Context, runID string) ([]JudgmentRecord, error)

		// CountRunItems returns the number of turn and judgment records in
		// the run's partition. Judges use it for completion detection.
		CountRunItems(ctx context.Context, runID string) (turns, judgments int, err error)

		// PutSummary overwrites the run summary. Summaries are deterministic
		// functions of the run's turns and judgments, so overwrite is safe.
		PutSummary(ctx context.Context, rec SummaryRecord) error
		// GetSummary fetches the run summary.
		GetSummary(ctx context.Context, runID string) (SummaryRecord, error)
		// ListSummaries enumerates all run summaries. Full scan; used only
		// by the Curator and the external read API.
		ListSummaries(ctx context.Context) ([]SummaryRecord, error)

		// GetAggregate fetches a period aggregate by (period, model).
		GetAggregate(ctx context.Context, periodKey, modelID string) (AggregateRecord, error)
		// PutAggregate upserts a period aggregate conditioned on the version
		// read: expectedVersion zero means "create if absent". Returns
		// ErrConflict when another curator won the race.
		PutAggregate(ctx context.Context, rec AggregateRecord, expectedVersion int64) error
	}
)
