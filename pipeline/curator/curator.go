// Package curator consumes run-judged signals and produces the curated
// views: one summary per run and one rolling aggregate per (ISO week, model).
// Signals are at-least-once and may race a still-writing judge, so the
// curator re-validates counts before aggregating and abandons deliveries
// whose run is not actually complete.
package curator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/socraticlabs/bench/pipeline/queue"
	"github.com/socraticlabs/bench/pipeline/retry"
	"github.com/socraticlabs/bench/pipeline/rubric"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/storage"
	"github.com/socraticlabs/bench/pipeline/telemetry"
)

// aggregateRetries bounds the optimistic-concurrency loop on the period
// aggregate. Contention is per (week, model), so collisions are rare.
const aggregateRetries = 5

type (
	// Options configures the Curator.
	Options struct {
		// Index is the index tier. Required.
		Index storage.Index
		// Blob is the blob tier. Required.
		Blob storage.Blob
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
		// Now supplies aggregation timestamps. Defaults to time.Now.
		Now func() time.Time
	}

	// Curator builds run summaries and period aggregates.
	Curator struct {
		index   storage.Index
		blob    storage.Blob
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}
)

// New constructs a Curator.
func New(opts Options) (*Curator, error) {
	if opts.Index == nil {
		return nil, errors.New("index store is required")
	}
	if opts.Blob == nil {
		return nil, errors.New("blob store is required")
	}
	c := &Curator{
		index:   opts.Index,
		blob:    opts.Blob,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Handle processes one run-judged signal. Duplicate signals for an already
// summarized run re-derive the identical summary and leave the period
// aggregate untouched.
func (c *Curator) Handle(ctx context.Context, payload []byte) error {
	var sig queue.RunJudged
	if err := queue.DecodeJob(payload, &sig); err != nil {
		return retry.Terminal(err)
	}

	rec, err := c.index.GetRun(ctx, sig.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", sig.RunID, err)
	}
	turns, err := c.index.ListTurns(ctx, sig.RunID)
	if err != nil {
		return fmt.Errorf("list turns: %w", err)
	}
	judgments, err := c.index.ListJudgments(ctx, sig.RunID)
	if err != nil {
		return fmt.Errorf("list judgments: %w", err)
	}

	abandonReason, err := c.validate(rec, turns, judgments, sig.Force)
	if err != nil {
		return err
	}
	if abandonReason != "" {
		c.metrics.IncCounter(telemetry.MetricCurationAbandoned, 1)
		c.logger.Warn(ctx, "abandoning curation", "run_id", sig.RunID, "reason", abandonReason)
		return nil
	}

	rub, err := rubric.ByVersion(rec.RubricVersion)
	if err != nil {
		return retry.Terminal(err)
	}
	summary, err := buildSummary(rec, rub, turns, judgments, c.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return retry.Terminal(fmt.Errorf("build summary for run %s: %w", sig.RunID, err))
	}

	if err := c.persistSummary(ctx, summary); err != nil {
		return err
	}
	if err := c.upsertAggregate(ctx, rec, summary); err != nil {
		return err
	}
	c.metrics.IncCounter(telemetry.MetricCurationSuccess, 1)
	c.logger.Info(ctx, "run curated",
		"run_id", sig.RunID,
		"model_id", rec.ModelID,
		"compliance_rate", summary.ComplianceRate)
	return nil
}

// validate reports why a signal must be abandoned (empty when curation may
// proceed), or an error when the delivery must be retried. Abandonment is
// reserved for states a later signal re-triggers: a count mismatch means a
// judge is still writing and its final write emits a fresh signal. A fully
// judged run still in running has no such guarantee — the final judgment can
// land before the runner's completion mark, and its signal is the only one —
// so that delivery is failed for redelivery instead of acked. Force skips the
// completeness checks for operator-triggered re-curation of partial runs.
func (c *Curator) validate(rec run.Record, turns []storage.TurnRecord, judgments []storage.JudgmentRecord, force bool) (string, error) {
	if len(turns) == 0 {
		return "run has no persisted turns", nil
	}
	if force {
		return "", nil
	}
	if len(turns) != len(judgments) {
		return fmt.Sprintf("%d turns but %d judgments", len(turns), len(judgments)), nil
	}
	switch rec.Status {
	case run.StatusCompleted:
		return "", nil
	case run.StatusRunning:
		return "", fmt.Errorf("run %s fully judged but still %s", rec.RunID, rec.Status)
	default:
		return fmt.Sprintf("run status is %s", rec.Status), nil
	}
}

// persistSummary writes the curated run blob then the summary row. Both
// writes are idempotent: the summary is a pure function of the judgments.
func (c *Curator) persistSummary(ctx context.Context, summary storage.SummaryRecord) error {
	artifact, err := json.Marshal(summary)
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal summary: %w", err))
	}
	if err := c.blob.Put(ctx, storage.CuratedRunPath(summary.RunID), artifact); err != nil {
		return fmt.Errorf("persist curated run artifact: %w", err)
	}
	if err := c.index.PutSummary(ctx, summary); err != nil {
		return fmt.Errorf("persist summary record: %w", err)
	}
	return nil
}

// upsertAggregate folds the summary into its (ISO week, model) aggregate
// under optimistic concurrency. Periods derive from the run's creation time
// so a run always lands in the week it was triggered, regardless of when
// judging finished.
func (c *Curator) upsertAggregate(ctx context.Context, rec run.Record, summary storage.SummaryRecord) error {
	periodKey := run.PeriodKey(rec.CreatedAt)
	for attempt := 0; attempt < aggregateRetries; attempt++ {
		prev, err := c.index.GetAggregate(ctx, periodKey, rec.ModelID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load aggregate %s/%s: %w", periodKey, rec.ModelID, err)
		}
		prev.ModelID = rec.ModelID

		summaries, err := c.contributingSummaries(ctx, prev, summary)
		if err != nil {
			return err
		}
		next := mergeAggregate(prev, periodKey, summaries, c.now().UTC().Truncate(time.Millisecond))

		if err := c.index.PutAggregate(ctx, next, prev.Version); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return fmt.Errorf("persist aggregate %s/%s: %w", periodKey, rec.ModelID, err)
		}
		artifact, err := json.Marshal(next)
		if err != nil {
			return retry.Terminal(fmt.Errorf("marshal aggregate: %w", err))
		}
		if err := c.blob.Put(ctx, storage.CuratedWeeklyPath(periodKey, rec.ModelID), artifact); err != nil {
			return fmt.Errorf("persist curated weekly artifact: %w", err)
		}
		return nil
	}
	return fmt.Errorf("aggregate %s/%s: contention exhausted %d attempts", periodKey, rec.ModelID, aggregateRetries)
}

// contributingSummaries loads the full summary set behind an aggregate,
// including the one being folded in.
func (c *Curator) contributingSummaries(ctx context.Context, prev storage.AggregateRecord, summary storage.SummaryRecord) ([]storage.SummaryRecord, error) {
	out := []storage.SummaryRecord{summary}
	for _, id := range prev.ContributingRunIDs {
		if id == summary.RunID {
			continue
		}
		s, err := c.index.GetSummary(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load contributing summary %s: %w", id, err)
		}
		out = append(out, s)
	}
	return out, nil
}
