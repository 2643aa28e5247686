// Package runner implements the dialogue-driving component. Each dialogue
// message carries one run; the Runner resolves its scenario, replays the
// persisted history, and generates the missing turns through the Model
// Invoker. Per-turn persistence is conditional on absence and judge jobs are
// enqueued only after persistence commits, so redelivered messages never
// re-invoke the model for a turn that already exists.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/model"
	"github.com/socraticlabs/bench/pipeline/queue"
	"github.com/socraticlabs/bench/pipeline/retry"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/scenario"
	"github.com/socraticlabs/bench/pipeline/storage"
	"github.com/socraticlabs/bench/pipeline/telemetry"
)

// systemPrompt frames the model under test as a Socratic tutor. The scenario
// persona is appended so the model knows who it is teaching.
const systemPrompt = "You are a Socratic tutor. Guide the student toward " +
	"understanding by asking probing questions instead of giving answers. " +
	"Keep replies short and end with a question whenever appropriate.\n\n" +
	"Student persona: %s"

type (
	// Options configures the Runner.
	Options struct {
		// Index is the index tier. Required.
		Index storage.Index
		// Blob is the blob tier. Required.
		Blob storage.Blob
		// Invoker generates dialogue turns. Required.
		Invoker model.Invoker
		// Scenarios resolves scenario descriptors. Required.
		Scenarios scenario.Registry
		// Judgment is the judge-job queue. Required.
		Judgment queue.Queue
		// Strategy overrides the per-scenario default student strategy.
		Strategy StudentStrategy
		// Retry bounds transient invoker retries within one delivery.
		// Defaults to retry.DefaultConfig.
		Retry retry.Config
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
		// Now supplies persistence timestamps. Defaults to time.Now.
		Now func() time.Time
	}

	// Runner drives dialogue runs to completion.
	Runner struct {
		index     storage.Index
		blob      storage.Blob
		invoker   model.Invoker
		scenarios scenario.Registry
		judgment  queue.Queue
		strategy  StudentStrategy
		retryCfg  retry.Config
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
	}

	// turnArtifact is the blob-tier JSON for one persisted turn.
	turnArtifact struct {
		RunID        string    `json:"run_id"`
		TurnIndex    int       `json:"turn_index"`
		Persona      string    `json:"persona"`
		Student      string    `json:"student"`
		AI           string    `json:"ai"`
		InputTokens  int       `json:"input_tokens"`
		OutputTokens int       `json:"output_tokens"`
		LatencyMS    int64     `json:"latency_ms"`
		CreatedAt    time.Time `json:"created_at"`
	}
)

// New constructs a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Index == nil {
		return nil, errors.New("index store is required")
	}
	if opts.Blob == nil {
		return nil, errors.New("blob store is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("model invoker is required")
	}
	if opts.Scenarios == nil {
		return nil, errors.New("scenario registry is required")
	}
	if opts.Judgment == nil {
		return nil, errors.New("judgment queue is required")
	}
	r := &Runner{
		index:     opts.Index,
		blob:      opts.Blob,
		invoker:   opts.Invoker,
		scenarios: opts.Scenarios,
		judgment:  opts.Judgment,
		strategy:  opts.Strategy,
		retryCfg:  opts.Retry,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if r.retryCfg.MaxAttempts == 0 {
		r.retryCfg = retry.DefaultConfig()
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Handle processes one dialogue-queue message. Returning an error fails the
// delivery so the queue redelivers; the conditional writes make any number of
// redeliveries converge on the same persisted state.
func (r *Runner) Handle(ctx context.Context, payload []byte) error {
	var job queue.RunJob
	if err := queue.DecodeJob(payload, &job); err != nil {
		return retry.Terminal(err)
	}

	rec, err := r.index.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	if rec.Status == run.StatusCompleted {
		// Redelivery of an already-finished run.
		return nil
	}

	if _, err := r.index.MarkRunning(ctx, job.RunID); err != nil {
		return fmt.Errorf("mark run %s running: %w", job.RunID, err)
	}

	m, err := r.index.GetManifest(ctx, job.ManifestID)
	if err != nil {
		return fmt.Errorf("load manifest %s: %w", job.ManifestID, err)
	}
	sc, err := r.scenarios.Lookup(ctx, job.ScenarioID)
	if err != nil {
		return retry.Terminal(fmt.Errorf("resolve scenario: %w", err))
	}

	// The planner stamps the target on the record at creation; recompute it
	// only for records that predate that field.
	target := rec.TurnCountTarget
	if target <= 0 {
		target = sc.TurnCountTarget
		if m.Parameters.TurnCap > 0 && target > m.Parameters.TurnCap {
			target = m.Parameters.TurnCap
		}
	}

	if err := r.drive(ctx, job, m, sc, target); err != nil {
		if _, markErr := r.index.MarkFailed(ctx, job.RunID, err.Error()); markErr != nil {
			r.logger.Error(ctx, "mark run failed", "run_id", job.RunID, "err", markErr)
		}
		return err
	}

	if _, err := r.index.MarkCompleted(ctx, job.RunID, target); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("mark run %s completed: %w", job.RunID, err)
	}
	return nil
}

// drive generates every missing turn from the smallest unpersisted index up
// to target. Persisted turns are trusted and never re-invoked.
func (r *Runner) drive(ctx context.Context, job queue.RunJob, m manifest.Manifest, sc scenario.Descriptor, target int) error {
	history, err := r.index.ListTurns(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("list turns: %w", err)
	}
	// Resume from the smallest turn index not yet persisted. Turns are
	// written sequentially so the persisted set is a dense prefix; anything
	// past a gap would be unreachable and is ignored.
	history = densePrefix(history)
	strategy := r.strategy
	if strategy == nil {
		strategy = DefaultStrategy(sc)
	}

	for t := len(history); t < target; t++ {
		student, err := strategy.NextUtterance(sc, history)
		if err != nil {
			return retry.Terminal(fmt.Errorf("student strategy at turn %d: %w", t, err))
		}

		req := r.buildRequest(job.ModelID, m, sc, history, student)
		var resp *model.Response
		start := r.now()
		err = retry.Do(ctx, r.retryCfg, func(ctx context.Context) error {
			var invokeErr error
			resp, invokeErr = r.invoker.Invoke(ctx, req)
			if errors.Is(invokeErr, model.ErrRateLimited) {
				r.metrics.IncCounter(telemetry.MetricInvokerThrottles, 1, "model", job.ModelID)
				return fmt.Errorf("%w: %w", retry.ErrThrottled, invokeErr)
			}
			return invokeErr
		})
		if err != nil {
			return fmt.Errorf("invoke model for turn %d: %w", t, err)
		}
		r.metrics.RecordTimer(telemetry.MetricInvokerLatency, time.Since(start), "model", job.ModelID)

		turn, err := r.persistTurn(ctx, job, sc, t, student, resp)
		if err != nil {
			return err
		}
		if err := r.enqueueJudge(ctx, job.RunID, t); err != nil {
			return fmt.Errorf("enqueue judge job for turn %d: %w", t, err)
		}
		history = append(history, turn)
	}
	return nil
}

// buildRequest assembles the prompt: persona-framed system prompt, all prior
// (student, ai) pairs in order, then the synthesized student utterance.
func (r *Runner) buildRequest(modelID string, m manifest.Manifest, sc scenario.Descriptor, history []storage.TurnRecord, student string) *model.Request {
	msgs := make([]model.Message, 0, 2*len(history)+1)
	for _, turn := range history {
		msgs = append(msgs,
			model.Message{Role: model.RoleStudent, Text: turn.StudentText},
			model.Message{Role: model.RoleAssistant, Text: turn.AIText},
		)
	}
	msgs = append(msgs, model.Message{Role: model.RoleStudent, Text: student})

	req := &model.Request{
		ModelID:     modelID,
		System:      fmt.Sprintf(systemPrompt, sc.Persona),
		Messages:    msgs,
		Temperature: m.Parameters.Temperature,
		Seed:        m.Parameters.Seed,
	}
	if md, ok := m.Model(modelID); ok {
		if v, ok := md.Parameters["temperature"].(float64); ok {
			req.Temperature = v
		}
		if v, ok := md.Parameters["max_tokens"].(float64); ok {
			req.MaxTokens = int(v)
		}
	}
	return req
}

// persistTurn writes the blob artifact then the index record. The index
// write is conditional on absence: when a redelivery loses the race, the
// persisted copy is authoritative and is returned instead.
func (r *Runner) persistTurn(ctx context.Context, job queue.RunJob, sc scenario.Descriptor, t int, student string, resp *model.Response) (storage.TurnRecord, error) {
	createdAt := r.now().UTC().Truncate(time.Millisecond)
	blobPath := storage.TurnBlobPath(job.RunID, t)
	artifact, err := json.Marshal(turnArtifact{
		RunID:        job.RunID,
		TurnIndex:    t,
		Persona:      sc.Persona,
		Student:      student,
		AI:           resp.Text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		LatencyMS:    resp.LatencyMS,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return storage.TurnRecord{}, retry.Terminal(fmt.Errorf("marshal turn artifact: %w", err))
	}
	if err := r.blob.Put(ctx, blobPath, artifact); err != nil {
		return storage.TurnRecord{}, fmt.Errorf("persist turn artifact: %w", err)
	}

	rec := storage.TurnRecord{
		RunID:        job.RunID,
		TurnIndex:    t,
		StudentText:  student,
		AIText:       resp.Text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		LatencyMS:    resp.LatencyMS,
		CreatedAt:    createdAt,
		BlobPointer:  blobPath,
	}
	if err := r.index.PutTurn(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// A concurrent redelivery persisted this turn first.
			turns, listErr := r.index.ListTurns(ctx, job.RunID)
			if listErr != nil {
				return storage.TurnRecord{}, fmt.Errorf("reload turns after duplicate write: %w", listErr)
			}
			for _, existing := range turns {
				if existing.TurnIndex == t {
					return existing, nil
				}
			}
			return storage.TurnRecord{}, fmt.Errorf("turn %d reported existing but not found", t)
		}
		return storage.TurnRecord{}, fmt.Errorf("persist turn record: %w", err)
	}
	return rec, nil
}

// densePrefix returns the longest prefix of turns whose indices are exactly
// 0, 1, 2, … in order.
func densePrefix(turns []storage.TurnRecord) []storage.TurnRecord {
	for i, turn := range turns {
		if turn.TurnIndex != i {
			return turns[:i]
		}
	}
	return turns
}

func (r *Runner) enqueueJudge(ctx context.Context, runID string, t int) error {
	payload, err := queue.EncodeJob(queue.JudgeJob{RunID: runID, TurnIndex: t})
	if err != nil {
		return err
	}
	if err := r.judgment.Enqueue(ctx, payload); err != nil {
		return err
	}
	r.metrics.IncCounter(telemetry.MetricEnqueues, 1, "queue", r.judgment.Name())
	return nil
}
