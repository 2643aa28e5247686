// Package planner implements the pipeline's entry component: on each trigger
// it snapshots the active configuration into a content-addressed manifest and
// enqueues one dialogue job per (model, scenario) pair. Every step is
// conditional on absence, so re-triggering with an unchanged configuration
// enqueues nothing.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/socraticlabs/bench/pipeline/config"
	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/queue"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/scenario"
	"github.com/socraticlabs/bench/pipeline/storage"
	"github.com/socraticlabs/bench/pipeline/telemetry"
)

type (
	// Options configures the Planner.
	Options struct {
		// Blob is the blob tier holding the active configuration and
		// manifest artifacts. Required.
		Blob storage.Blob
		// Index is the index tier. Required.
		Index storage.Index
		// Dialogue is the dialogue queue. Required.
		Dialogue queue.Queue
		// Scenarios resolves scenario descriptors so run records carry their
		// turn targets and rubric tags. Required.
		Scenarios scenario.Registry
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to noop metrics.
		Metrics telemetry.Metrics
		// Now supplies the manifest creation timestamp. Defaults to
		// time.Now; tests pin it for deterministic run IDs.
		Now func() time.Time
	}

	// Planner derives manifests and enqueues run jobs.
	Planner struct {
		blob      storage.Blob
		index     storage.Index
		dialogue  queue.Queue
		scenarios scenario.Registry
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
	}

	// Result summarizes one trigger.
	Result struct {
		// ManifestID identifies the manifest in effect after the trigger.
		ManifestID string
		// ManifestCreated reports whether this trigger created the manifest.
		ManifestCreated bool
		// RunsCreated lists the run IDs created (and enqueued) by this
		// trigger. Runs that already existed are not re-enqueued.
		RunsCreated []string
		// EnqueueFailures counts dialogue messages that failed to enqueue.
		// Their runs stay pending and reconcile on the next trigger.
		EnqueueFailures int
	}
)

// New constructs a Planner.
func New(opts Options) (*Planner, error) {
	if opts.Blob == nil {
		return nil, errors.New("blob store is required")
	}
	if opts.Index == nil {
		return nil, errors.New("index store is required")
	}
	if opts.Dialogue == nil {
		return nil, errors.New("dialogue queue is required")
	}
	if opts.Scenarios == nil {
		return nil, errors.New("scenario registry is required")
	}
	p := &Planner{
		blob:      opts.Blob,
		index:     opts.Index,
		dialogue:  opts.Dialogue,
		scenarios: opts.Scenarios,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewNoopMetrics()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Plan executes one trigger. A configuration load or validation failure is a
// hard error with no partial state; enqueue failures are logged and the next
// trigger reconciles them because run creation is conditional.
func (p *Planner) Plan(ctx context.Context) (Result, error) {
	cfg, err := config.Load(ctx, p.blob)
	if err != nil {
		return Result{}, err
	}

	m, created, err := p.resolveManifest(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	res := Result{ManifestID: m.ManifestID, ManifestCreated: created}

	// Resolve every scenario before creating any run so an unknown scenario
	// aborts the trigger with no partial state.
	descriptors := make(map[string]scenario.Descriptor, len(m.Scenarios))
	for _, scenarioID := range m.Scenarios {
		sc, err := p.scenarios.Lookup(ctx, scenarioID)
		if err != nil {
			return res, fmt.Errorf("resolve scenario %s: %w", scenarioID, err)
		}
		descriptors[scenarioID] = sc
	}

	for _, md := range m.Models {
		for _, scenarioID := range m.Scenarios {
			sc := descriptors[scenarioID]
			target := sc.TurnCountTarget
			if m.Parameters.TurnCap > 0 && target > m.Parameters.TurnCap {
				target = m.Parameters.TurnCap
			}
			runID := run.NewID(m.ManifestID, md.ModelID, scenarioID, m.CreatedAt)
			rec := run.Record{
				RunID:           runID,
				ManifestID:      m.ManifestID,
				ModelID:         md.ModelID,
				ScenarioID:      scenarioID,
				RubricVersion:   m.RubricVersion,
				RubricTag:       sc.RubricTag,
				Status:          run.StatusPending,
				TurnCountTarget: target,
				CreatedAt:       p.now().UTC().Truncate(time.Millisecond),
				UpdatedAt:       p.now().UTC().Truncate(time.Millisecond),
			}
			if err := p.index.CreateRun(ctx, rec); err != nil {
				if errors.Is(err, storage.ErrAlreadyExists) {
					continue
				}
				return res, fmt.Errorf("create run %s: %w", runID, err)
			}
			if err := p.enqueueRun(ctx, rec); err != nil {
				p.logger.Error(ctx, "enqueue dialogue job failed",
					"run_id", runID, "manifest_id", m.ManifestID, "err", err)
				res.EnqueueFailures++
				continue
			}
			p.metrics.IncCounter(telemetry.MetricEnqueues, 1, "queue", p.dialogue.Name())
			res.RunsCreated = append(res.RunsCreated, runID)
		}
	}

	p.logger.Info(ctx, "planner trigger complete",
		"manifest_id", m.ManifestID,
		"manifest_created", created,
		"runs_created", len(res.RunsCreated),
		"enqueue_failures", res.EnqueueFailures)
	return res, nil
}

// resolveManifest reuses the stored manifest when the configuration hashes to
// an existing ID; otherwise it persists a new one (blob first, then index).
// Reuse keeps the stored creation timestamp, so run IDs derived from it stay
// identical across triggers.
func (p *Planner) resolveManifest(ctx context.Context, cfg config.Config) (manifest.Manifest, bool, error) {
	id, err := manifest.DeriveID(cfg.Models, cfg.Scenarios, cfg.RubricVersion, cfg.Parameters)
	if err != nil {
		return manifest.Manifest{}, false, fmt.Errorf("derive manifest id: %w", err)
	}
	existing, err := p.index.GetManifest(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return manifest.Manifest{}, false, fmt.Errorf("get manifest %s: %w", id, err)
	}

	m, err := manifest.New(cfg.Models, cfg.Scenarios, cfg.RubricVersion, cfg.Parameters, p.now())
	if err != nil {
		return manifest.Manifest{}, false, err
	}
	artifact, err := manifest.MarshalCanonical(m)
	if err != nil {
		return manifest.Manifest{}, false, fmt.Errorf("marshal manifest artifact: %w", err)
	}
	if err := p.blob.Put(ctx, storage.ManifestBlobPath(m.ManifestID), artifact); err != nil {
		return manifest.Manifest{}, false, fmt.Errorf("persist manifest artifact: %w", err)
	}
	if err := p.index.PutManifest(ctx, m); err != nil {
		// A concurrent trigger won the race. Use its stored manifest: the
		// identity fields are byte-identical but the creation timestamp,
		// which seeds run IDs, is the winner's.
		if errors.Is(err, storage.ErrAlreadyExists) {
			stored, getErr := p.index.GetManifest(ctx, id)
			if getErr != nil {
				return manifest.Manifest{}, false, fmt.Errorf("get manifest %s: %w", id, getErr)
			}
			return stored, false, nil
		}
		return manifest.Manifest{}, false, fmt.Errorf("persist manifest metadata: %w", err)
	}
	return m, true, nil
}

func (p *Planner) enqueueRun(ctx context.Context, rec run.Record) error {
	payload, err := queue.EncodeJob(queue.RunJob{
		RunID:      rec.RunID,
		ManifestID: rec.ManifestID,
		ModelID:    rec.ModelID,
		ScenarioID: rec.ScenarioID,
	})
	if err != nil {
		return err
	}
	return p.dialogue.Enqueue(ctx, payload)
}
