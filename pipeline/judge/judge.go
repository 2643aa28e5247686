// Package judge implements per-turn scoring and run completion detection.
// Each judgment message carries one (run, turn) pair; judges score turns
// independently and in any order. After every successful persistence the
// judge compares the run's turn and judgment counts and emits a run-judged
// signal when they match — the eventually-consistent completion check that
// triggers curation.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/socraticlabs/bench/pipeline/model"
	"github.com/socraticlabs/bench/pipeline/queue"
	"github.com/socraticlabs/bench/pipeline/retry"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/rubric"
	"github.com/socraticlabs/bench/pipeline/storage"
	"github.com/socraticlabs/bench/pipeline/telemetry"
)

type (
	// Options configures the Judge.
	Options struct {
		// Index is the index tier. Required.
		Index storage.Index
		// Blob is the blob tier. Required.
		Blob storage.Blob
		// Signals is the run-judged signal bus. Required.
		Signals queue.Queue
		// Invoker backs LLM-assisted judging. Optional: when nil, manifests
		// requesting a judge model fail their judgments with an error flag.
		Invoker model.Invoker
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
		// Now supplies persistence timestamps. Defaults to time.Now.
		Now func() time.Time
	}

	// Judge scores turns and detects run completion.
	Judge struct {
		index   storage.Index
		blob    storage.Blob
		signals queue.Queue
		invoker model.Invoker
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// judgmentArtifact is the blob-tier JSON for one persisted judgment.
	judgmentArtifact struct {
		RunID         string             `json:"run_id"`
		TurnIndex     int                `json:"turn_index"`
		RubricScores  map[string]float64 `json:"rubric_scores"`
		BooleanScores map[string]bool    `json:"boolean_scores"`
		Features      Features           `json:"heuristic_features"`
		JudgeModelID  string             `json:"judge_model_id,omitempty"`
		JudgeLatency  int64              `json:"judge_latency_ms"`
		Error         string             `json:"error,omitempty"`
		CreatedAt     time.Time          `json:"created_at"`
	}
)

// New constructs a Judge.
func New(opts Options) (*Judge, error) {
	if opts.Index == nil {
		return nil, errors.New("index store is required")
	}
	if opts.Blob == nil {
		return nil, errors.New("blob store is required")
	}
	if opts.Signals == nil {
		return nil, errors.New("signal bus is required")
	}
	j := &Judge{
		index:   opts.Index,
		blob:    opts.Blob,
		signals: opts.Signals,
		invoker: opts.Invoker,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if j.logger == nil {
		j.logger = telemetry.NewNoopLogger()
	}
	if j.metrics == nil {
		j.metrics = telemetry.NewNoopMetrics()
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// Handle processes one judgment-queue message. A missing turn fails the
// delivery (Runner persistence may still be in flight); duplicate judgments
// are absorbed by the conditional write.
func (j *Judge) Handle(ctx context.Context, payload []byte) error {
	var job queue.JudgeJob
	if err := queue.DecodeJob(payload, &job); err != nil {
		return retry.Terminal(err)
	}

	turn, err := j.index.GetTurn(ctx, job.RunID, job.TurnIndex)
	if err != nil {
		return fmt.Errorf("load turn %d of run %s: %w", job.TurnIndex, job.RunID, err)
	}
	rec, err := j.index.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	rub, err := rubric.ByVersion(rec.RubricVersion)
	if err != nil {
		return retry.Terminal(err)
	}
	m, err := j.index.GetManifest(ctx, rec.ManifestID)
	if err != nil {
		return fmt.Errorf("load manifest %s: %w", rec.ManifestID, err)
	}
	prior, err := j.index.ListTurns(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("list turns: %w", err)
	}
	prior = prior[:turnPrefixLen(prior, job.TurnIndex)]

	scores, scoreErr := j.score(ctx, m.Parameters.JudgeModelID, rub, turn, prior)
	if scoreErr != nil {
		if !errors.Is(scoreErr, model.ErrMalformedOutput) {
			// Transient invoker failure: redeliver.
			return scoreErr
		}
		// Semantic failure: persist an errored judgment with neutral scores
		// so aggregation proceeds (it counts toward failed judgments but
		// does not block run completion).
		neutral, neutralBools := rub.NeutralScores()
		scores = Scores{
			Rubric:       neutral,
			Booleans:     neutralBools,
			Features:     ExtractFeatures(turn.AIText),
			JudgeModelID: m.Parameters.JudgeModelID,
		}
	}
	if err := rub.ValidateScores(scores.Rubric, scores.Booleans); err != nil {
		return retry.Terminal(fmt.Errorf("scorer produced invalid scores: %w", err))
	}

	if err := j.persistJudgment(ctx, job, scores, scoreErr); err != nil {
		return err
	}
	return j.detectCompletion(ctx, job.RunID)
}

func (j *Judge) score(ctx context.Context, judgeModelID string, rub rubric.Rubric, turn storage.TurnRecord, prior []storage.TurnRecord) (Scores, error) {
	if judgeModelID == "" {
		return HeuristicScorer{}.Score(ctx, rub, turn, prior)
	}
	if j.invoker == nil {
		return Scores{}, fmt.Errorf("%w: manifest requests judge model %q but no invoker is configured", model.ErrMalformedOutput, judgeModelID)
	}
	scorer, err := NewLLMScorer(j.invoker, judgeModelID)
	if err != nil {
		return Scores{}, retry.Terminal(err)
	}
	return scorer.Score(ctx, rub, turn, prior)
}

// persistJudgment writes the blob artifact then the index record. The index
// write is conditional on absence; a duplicate from a redelivered message is
// not an error.
func (j *Judge) persistJudgment(ctx context.Context, job queue.JudgeJob, scores Scores, scoreErr error) error {
	createdAt := j.now().UTC().Truncate(time.Millisecond)
	errMsg := ""
	if scoreErr != nil {
		errMsg = scoreErr.Error()
	}
	blobPath := storage.JudgmentBlobPath(job.RunID, job.TurnIndex)
	artifact, err := json.Marshal(judgmentArtifact{
		RunID:         job.RunID,
		TurnIndex:     job.TurnIndex,
		RubricScores:  scores.Rubric,
		BooleanScores: scores.Booleans,
		Features:      scores.Features,
		JudgeModelID:  scores.JudgeModelID,
		JudgeLatency:  scores.LatencyMS,
		Error:         errMsg,
		CreatedAt:     createdAt,
	})
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal judgment artifact: %w", err))
	}
	if err := j.blob.Put(ctx, blobPath, artifact); err != nil {
		return fmt.Errorf("persist judgment artifact: %w", err)
	}

	rec := storage.JudgmentRecord{
		RunID:         job.RunID,
		TurnIndex:     job.TurnIndex,
		RubricScores:  scores.Rubric,
		BooleanScores: scores.Booleans,
		JudgeModelID:  scores.JudgeModelID,
		JudgeLatency:  scores.LatencyMS,
		Error:         errMsg,
		CreatedAt:     createdAt,
		BlobPointer:   blobPath,
	}
	if err := j.index.PutJudgment(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("persist judgment record: %w", err)
	}
	return nil
}

// detectCompletion emits a run-judged signal when every persisted turn has a
// judgment. Emission may duplicate across concurrent judges; the Curator
// tolerates that.
func (j *Judge) detectCompletion(ctx context.Context, runID string) error {
	turns, judgments, err := j.index.CountRunItems(ctx, runID)
	if err != nil {
		return fmt.Errorf("count run items: %w", err)
	}
	if turns == 0 || turns != judgments {
		return nil
	}
	rec, err := j.index.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if rec.Status != run.StatusRunning && rec.Status != run.StatusCompleted {
		return nil
	}
	payload, err := queue.EncodeJob(queue.RunJudged{RunID: runID})
	if err != nil {
		return retry.Terminal(err)
	}
	if err := j.signals.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("emit run-judged signal: %w", err)
	}
	j.metrics.IncCounter(telemetry.MetricSignalEmissions, 1)
	j.logger.Info(ctx, "run fully judged", "run_id", runID, "turns", turns)
	return nil
}

// turnPrefixLen returns how many leading records have turn index strictly
// below limit. Records are in turn-index order.
func turnPrefixLen(turns []storage.TurnRecord, limit int) int {
	for i, t := range turns {
		if t.TurnIndex >= limit {
			return i
		}
	}
	return len(turns)
}
