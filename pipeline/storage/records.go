package storage

import (
	"time"
)

type (
	// TurnRecord is the index-tier row for one dialogue exchange. Texts live
	// in the blob artifact; the row keeps the compact metadata needed by the
	// Judge and Curator plus the blob pointer.
	TurnRecord struct {
		RunID        string    `json:"run_id"`
		TurnIndex    int       `json:"turn_index"`
		StudentText  string    `json:"student_text"`
		AIText       string    `json:"ai_text"`
		InputTokens  int       `json:"input_token_count"`
		OutputTokens int       `json:"output_token_count"`
		LatencyMS    int64     `json:"latency_ms"`
		CreatedAt    time.Time `json:"created_at"`
		BlobPointer  string    `json:"blob_pointer"`
	}

	// JudgmentRecord is the index-tier row for one turn's scoring. Scores
	// are stored in their native range as float64 (single numeric encoding
	// across all writes); heuristic feature detail stays in the blob.
	JudgmentRecord struct {
		RunID         string             `json:"run_id"`
		TurnIndex     int                `json:"turn_index"`
		RubricScores  map[string]float64 `json:"rubric_scores"`
		BooleanScores map[string]bool    `json:"boolean_scores"`
		JudgeModelID  string             `json:"judge_model_id,omitempty"`
		JudgeLatency  int64              `json:"judge_latency_ms"`
		Error         string             `json:"error,omitempty"`
		CreatedAt     time.Time          `json:"created_at"`
		BlobPointer   string             `json:"blob_pointer"`
	}

	// DimensionAggregate is the per-dimension statistic block of a summary.
	DimensionAggregate struct {
		Mean float64 `json:"mean"`
		Min  float64 `json:"min"`
		Max  float64 `json:"max"`
	}

	// SummaryRecord aggregates one run's judgments. Written exactly once per
	// run by the Curator; idempotent overwrite is permitted because the
	// summary is a pure function of its inputs.
	SummaryRecord struct {
		RunID             string                        `json:"run_id"`
		ModelID           string                        `json:"model_id"`
		ScenarioID        string                        `json:"scenario_id"`
		TurnCount         int                           `json:"turn_count"`
		Dimensions        map[string]DimensionAggregate `json:"dimensions"`
		ComplianceRate    float64                       `json:"compliance_rate"`
		FirstFailureTurn  int                           `json:"first_failure_turn"`
		ViolationRate     float64                       `json:"violation_rate"`
		FailedJudgments   int                           `json:"failed_judgments"`
		TotalInputTokens  int                           `json:"total_input_tokens"`
		TotalOutputTokens int                           `json:"total_output_tokens"`
		AggregatedAt      time.Time                     `json:"aggregated_at"`
	}

	// AggregateRecord rolls up run summaries for one (ISO week, model). The
	// contributing run ID set makes the merge commutative and duplicate-safe:
	// means are recomputed from per-run values on every upsert.
	AggregateRecord struct {
		PeriodKey          string             `json:"period_key"`
		ModelID            string             `json:"model_id"`
		RunCount           int                `json:"run_count"`
		DimensionMeans     map[string]float64 `json:"dimension_means"`
		ComplianceMean     float64            `json:"compliance_mean"`
		ContributingRunIDs []string           `json:"contributing_run_ids"`
		LastUpdatedAt      time.Time          `json:"last_updated_at"`
		// Version backs the conditional upsert. Zero means the record has
		// never been written.
		Version int64 `json:"version"`
	}
)
