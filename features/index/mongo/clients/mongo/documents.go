package mongo

import (
	"time"

	"github.com/socraticlabs/bench/pipeline/manifest"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/storage"
)

// Document kinds backing the secondary indexes.
const (
	kindManifest  = "manifest"
	kindRun       = "run"
	kindTurn      = "turn"
	kindJudgment  = "judgment"
	kindSummary   = "summary"
	kindAggregate = "aggregate"
)

type (
	manifestDocument struct {
		Pk            string              `bson:"pk"`
		Sk            string              `bson:"sk"`
		Kind          string              `bson:"kind"`
		ManifestID    string              `bson:"manifest_id"`
		CreatedAt     time.Time           `bson:"created_at"`
		Models        []modelDescriptor   `bson:"models"`
		Scenarios     []string            `bson:"scenarios"`
		RubricVersion string              `bson:"rubric_version"`
		Parameters    manifest.Parameters `bson:"parameters"`
	}

	modelDescriptor struct {
		ModelID    string         `bson:"model_id"`
		Parameters map[string]any `bson:"parameters,omitempty"`
	}

	runDocument struct {
		Pk              string    `bson:"pk"`
		Sk              string    `bson:"sk"`
		Kind            string    `bson:"kind"`
		RunID           string    `bson:"run_id"`
		ManifestID      string    `bson:"manifest_id"`
		ModelID         string    `bson:"model_id"`
		ScenarioID      string    `bson:"scenario_id"`
		RubricVersion   string    `bson:"rubric_version"`
		RubricTag       string    `bson:"rubric_tag,omitempty"`
		Status          string    `bson:"status"`
		TurnCountTarget int       `bson:"turn_count_target"`
		TurnCountActual int       `bson:"turn_count_actual"`
		CreatedAt       time.Time `bson:"created_at"`
		UpdatedAt       time.Time `bson:"updated_at"`
		Error           string    `bson:"error,omitempty"`
	}

	turnDocument struct {
		Pk           string    `bson:"pk"`
		Sk           string    `bson:"sk"`
		Kind         string    `bson:"kind"`
		RunID        string    `bson:"run_id"`
		TurnIndex    int       `bson:"turn_index"`
		StudentText  string    `bson:"student_text"`
		AIText       string    `bson:"ai_text"`
		InputTokens  int       `bson:"input_token_count"`
		OutputTokens int       `bson:"output_token_count"`
		LatencyMS    int64     `bson:"latency_ms"`
		CreatedAt    time.Time `bson:"created_at"`
		BlobPointer  string    `bson:"blob_pointer"`
	}

	judgmentDocument struct {
		Pk            string             `bson:"pk"`
		Sk            string             `bson:"sk"`
		Kind          string             `bson:"kind"`
		RunID         string             `bson:"run_id"`
		TurnIndex     int                `bson:"turn_index"`
		RubricScores  map[string]float64 `bson:"rubric_scores"`
		BooleanScores map[string]bool    `bson:"boolean_scores"`
		JudgeModelID  string             `bson:"judge_model_id,omitempty"`
		JudgeLatency  int64              `bson:"judge_latency_ms"`
		Error         string             `bson:"error,omitempty"`
		CreatedAt     time.Time          `bson:"created_at"`
		BlobPointer   string             `bson:"blob_pointer"`
	}

	summaryDocument struct {
		Pk                string                       `bson:"pk"`
		Sk                string                       `bson:"sk"`
		Kind              string                       `bson:"kind"`
		RunID             string                       `bson:"run_id"`
		ModelID           string                       `bson:"model_id"`
		ScenarioID        string                       `bson:"scenario_id"`
		TurnCount         int                          `bson:"turn_count"`
		Dimensions        map[string]dimensionDocument `bson:"dimensions"`
		ComplianceRate    float64                      `bson:"compliance_rate"`
		FirstFailureTurn  int                          `bson:"first_failure_turn"`
		ViolationRate     float64                      `bson:"violation_rate"`
		FailedJudgments   int                          `bson:"failed_judgments"`
		TotalInputTokens  int                          `bson:"total_input_tokens"`
		TotalOutputTokens int                          `bson:"total_output_tokens"`
		AggregatedAt      time.Time                    `bson:"aggregated_at"`
	}

	dimensionDocument struct {
		Mean float64 `bson:"mean"`
		Min  float64 `bson:"min"`
		Max  float64 `bson:"max"`
	}

	aggregateDocument struct {
		Pk                 string             `bson:"pk"`
		Sk                 string             `bson:"sk"`
		Kind               string             `bson:"kind"`
		PeriodKey          string             `bson:"period_key"`
		ModelID            string             `bson:"model_id"`
		RunCount           int                `bson:"run_count"`
		DimensionMeans     map[string]float64 `bson:"dimension_means"`
		ComplianceMean     float64            `bson:"compliance_mean"`
		ContributingRunIDs []string           `bson:"contributing_run_ids"`
		LastUpdatedAt      time.Time          `bson:"last_updated_at"`
		Version            int64              `bson:"version"`
	}
)

func fromManifest(m manifest.Manifest) manifestDocument {
	models := make([]modelDescriptor, len(m.Models))
	for i, md := range m.Models {
		models[i] = modelDescriptor{ModelID: md.ModelID, Parameters: md.Parameters}
	}
	return manifestDocument{
		Pk:            storage.PartitionManifest(m.ManifestID),
		Sk:            storage.SortMeta,
		Kind:          kindManifest,
		ManifestID:    m.ManifestID,
		CreatedAt:     m.CreatedAt.UTC(),
		Models:        models,
		Scenarios:     m.Scenarios,
		RubricVersion: m.RubricVersion,
		Parameters:    m.Parameters,
	}
}

func (doc manifestDocument) toManifest() manifest.Manifest {
	models := make([]manifest.ModelDescriptor, len(doc.Models))
	for i, md := range doc.Models {
		models[i] = manifest.ModelDescriptor{ModelID: md.ModelID, Parameters: md.Parameters}
	}
	return manifest.Manifest{
		ManifestID:    doc.ManifestID,
		CreatedAt:     doc.CreatedAt,
		Models:        models,
		Scenarios:     doc.Scenarios,
		RubricVersion: doc.RubricVersion,
		Parameters:    doc.Parameters,
	}
}

func fromRun(rec run.Record) runDocument {
	return runDocument{
		Pk:              storage.PartitionRun(rec.RunID),
		Sk:              storage.SortMeta,
		Kind:            kindRun,
		RunID:           rec.RunID,
		ManifestID:      rec.ManifestID,
		ModelID:         rec.ModelID,
		ScenarioID:      rec.ScenarioID,
		RubricVersion:   rec.RubricVersion,
		RubricTag:       rec.RubricTag,
		Status:          string(rec.Status),
		TurnCountTarget: rec.TurnCountTarget,
		TurnCountActual: rec.TurnCountActual,
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
		Error:           rec.Error,
	}
}

func (doc runDocument) toRun() run.Record {
	return run.Record{
		RunID:           doc.RunID,
		ManifestID:      doc.ManifestID,
		ModelID:         doc.ModelID,
		ScenarioID:      doc.ScenarioID,
		RubricVersion:   doc.RubricVersion,
		RubricTag:       doc.RubricTag,
		Status:          run.Status(doc.Status),
		TurnCountTarget: doc.TurnCountTarget,
		TurnCountActual: doc.TurnCountActual,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		Error:           doc.Error,
	}
}

func fromTurn(rec storage.TurnRecord) turnDocument {
	return turnDocument{
		Pk:           storage.PartitionRun(rec.RunID),
		Sk:           storage.SortTurn(rec.TurnIndex),
		Kind:         kindTurn,
		RunID:        rec.RunID,
		TurnIndex:    rec.TurnIndex,
		StudentText:  rec.StudentText,
		AIText:       rec.AIText,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		LatencyMS:    rec.LatencyMS,
		CreatedAt:    rec.CreatedAt.UTC(),
		BlobPointer:  rec.BlobPointer,
	}
}

func (doc turnDocument) toTurn() storage.TurnRecord {
	return storage.TurnRecord{
		RunID:        doc.RunID,
		TurnIndex:    doc.TurnIndex,
		StudentText:  doc.StudentText,
		AIText:       doc.AIText,
		InputTokens:  doc.InputTokens,
		OutputTokens: doc.OutputTokens,
		LatencyMS:    doc.LatencyMS,
		CreatedAt:    doc.CreatedAt,
		BlobPointer:  doc.BlobPointer,
	}
}

func fromJudgment(rec storage.JudgmentRecord) judgmentDocument {
	return judgmentDocument{
		Pk:            storage.PartitionRun(rec.RunID),
		Sk:            storage.SortJudgment(rec.TurnIndex),
		Kind:          kindJudgment,
		RunID:         rec.RunID,
		TurnIndex:     rec.TurnIndex,
		RubricScores:  rec.RubricScores,
		BooleanScores: rec.BooleanScores,
		JudgeModelID:  rec.JudgeModelID,
		JudgeLatency:  rec.JudgeLatency,
		Error:         rec.Error,
		CreatedAt:     rec.CreatedAt.UTC(),
		BlobPointer:   rec.BlobPointer,
	}
}

func (doc judgmentDocument) toJudgment() storage.JudgmentRecord {
	return storage.JudgmentRecord{
		RunID:         doc.RunID,
		TurnIndex:     doc.TurnIndex,
		RubricScores:  doc.RubricScores,
		BooleanScores: doc.BooleanScores,
		JudgeModelID:  doc.JudgeModelID,
		JudgeLatency:  doc.JudgeLatency,
		Error:         doc.Error,
		CreatedAt:     doc.CreatedAt,
		BlobPointer:   doc.BlobPointer,
	}
}

func fromSummary(rec storage.SummaryRecord) summaryDocument {
	dims := make(map[string]dimensionDocument, len(rec.Dimensions))
	for name, agg := range rec.Dimensions {
		dims[name] = dimensionDocument{Mean: agg.Mean, Min: agg.Min, Max: agg.Max}
	}
	return summaryDocument{
		Pk:                storage.PartitionRun(rec.RunID),
		Sk:                storage.SortSummary,
		Kind:              kindSummary,
		RunID:             rec.RunID,
		ModelID:           rec.ModelID,
		ScenarioID:        rec.ScenarioID,
		TurnCount:         rec.TurnCount,
		Dimensions:        dims,
		ComplianceRate:    rec.ComplianceRate,
		FirstFailureTurn:  rec.FirstFailureTurn,
		ViolationRate:     rec.ViolationRate,
		FailedJudgments:   rec.FailedJudgments,
		TotalInputTokens:  rec.TotalInputTokens,
		TotalOutputTokens: rec.TotalOutputTokens,
		AggregatedAt:      rec.AggregatedAt.UTC(),
	}
}

func (doc summaryDocument) toSummary() storage.SummaryRecord {
	dims := make(map[string]storage.DimensionAggregate, len(doc.Dimensions))
	for name, agg := range doc.Dimensions {
		dims[name] = storage.DimensionAggregate{Mean: agg.Mean, Min: agg.Min, Max: agg.Max}
	}
	return storage.SummaryRecord{
		RunID:             doc.RunID,
		ModelID:           doc.ModelID,
		ScenarioID:        doc.ScenarioID,
		TurnCount:         doc.TurnCount,
		Dimensions:        dims,
		ComplianceRate:    doc.ComplianceRate,
		FirstFailureTurn:  doc.FirstFailureTurn,
		ViolationRate:     doc.ViolationRate,
		FailedJudgments:   doc.FailedJudgments,
		TotalInputTokens:  doc.TotalInputTokens,
		TotalOutputTokens: doc.TotalOutputTokens,
		AggregatedAt:      doc.AggregatedAt,
	}
}

func fromAggregate(rec storage.AggregateRecord) aggregateDocument {
	return aggregateDocument{
		Pk:                 storage.PartitionPeriod(rec.PeriodKey, rec.ModelID),
		Sk:                 storage.SortSummary,
		Kind:               kindAggregate,
		PeriodKey:          rec.PeriodKey,
		ModelID:            rec.ModelID,
		RunCount:           rec.RunCount,
		DimensionMeans:     rec.DimensionMeans,
		ComplianceMean:     rec.ComplianceMean,
		ContributingRunIDs: rec.ContributingRunIDs,
		LastUpdatedAt:      rec.LastUpdatedAt.UTC(),
		Version:            rec.Version,
	}
}

func (doc aggregateDocument) toAggregate() storage.AggregateRecord {
	return storage.AggregateRecord{
		PeriodKey:          doc.PeriodKey,
		ModelID:            doc.ModelID,
		RunCount:           doc.RunCount,
		DimensionMeans:     doc.DimensionMeans,
		ComplianceMean:     doc.ComplianceMean,
		ContributingRunIDs: doc.ContributingRunIDs,
		LastUpdatedAt:      doc.LastUpdatedAt,
		Version:            doc.Version,
	}
}
