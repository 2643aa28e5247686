package curator

import (
	"fmt"
	"sort"
	"time"

	"github.com/socraticlabs/bench/pipeline/rubric"
	"github.com/socraticlabs/bench/pipeline/run"
	"github.com/socraticlabs/bench/pipeline/storage"
)

// buildSummary is the pure aggregation step: given a run, its turns, and a
// complete judgment set, produce the summary record. Inputs are assumed
// validated (equal counts, judgments sorted by turn index).
func buildSummary(rec run.Record, rub rubric.Rubric, turns []storage.TurnRecord, judgments []storage.JudgmentRecord, now time.Time) (storage.SummaryRecord, error) {
	dims := make(map[string]storage.DimensionAggregate, len(rub.Dimensions))
	for _, d := range rub.Dimensions {
		agg, err := aggregateDimension(d, judgments)
		if err != nil {
			return storage.SummaryRecord{}, err
		}
		dims[d.Name] = agg
	}

	compliance, firstFailure := complianceStats(rub, judgments)
	violation, err := violationStats(rub, judgments)
	if err != nil {
		return storage.SummaryRecord{}, err
	}

	var failed, inTok, outTok int
	for _, j := range judgments {
		if j.Error != "" {
			failed++
		}
	}
	for _, t := range turns {
		inTok += t.InputTokens
		outTok += t.OutputTokens
	}

	return storage.SummaryRecord{
		RunID:             rec.RunID,
		ModelID:           rec.ModelID,
		ScenarioID:        rec.ScenarioID,
		TurnCount:         len(turns),
		Dimensions:        dims,
		ComplianceRate:    compliance,
		FirstFailureTurn:  firstFailure,
		ViolationRate:     violation,
		FailedJudgments:   failed,
		TotalInputTokens:  inTok,
		TotalOutputTokens: outTok,
		AggregatedAt:      now,
	}, nil
}

func aggregateDimension(d rubric.Dimension, judgments []storage.JudgmentRecord) (storage.DimensionAggregate, error) {
	var agg storage.DimensionAggregate
	for i, j := range judgments {
		v, ok := j.RubricScores[d.Name]
		if !ok {
			return agg, fmt.Errorf("judgment for turn %d lacks dimension %q", j.TurnIndex, d.Name)
		}
		if i == 0 {
			agg.Min, agg.Max = v, v
		} else {
			if v < agg.Min {
				agg.Min = v
			}
			if v > agg.Max {
				agg.Max = v
			}
		}
		agg.Mean += v
	}
	if n := len(judgments); n > 0 {
		agg.Mean /= float64(n)
	}
	return agg, nil
}

// complianceStats computes the share of turns meeting the compliance
// dimension's threshold, and the index of the first turn that missed it.
// When every turn complies the failure index is the judgment count, so
// firstFailure == turn count exactly when the rate is 1. A rubric without a
// compliance dimension has nothing to fail and reports full compliance.
func complianceStats(rub rubric.Rubric, judgments []storage.JudgmentRecord) (rate float64, firstFailure int) {
	dim, ok := rub.Dimension(rub.ComplianceDimension)
	if !ok {
		return 1, len(judgments)
	}
	firstFailure = -1
	compliant := 0
	for _, j := range judgments {
		if dim.Compliant(j.RubricScores[dim.Name]) {
			compliant++
		} else if firstFailure == -1 {
			firstFailure = j.TurnIndex
		}
	}
	if firstFailure == -1 {
		firstFailure = len(judgments)
	}
	if len(judgments) > 0 {
		rate = float64(compliant) / float64(len(judgments))
	}
	return rate, firstFailure
}

// violationStats computes the share of turns whose well-formedness flag is
// false. Rubrics without a well-formed dimension report zero.
func violationStats(rub rubric.Rubric, judgments []storage.JudgmentRecord) (float64, error) {
	if rub.WellFormedDimension == "" {
		return 0, nil
	}
	violations := 0
	for _, j := range judgments {
		ok, present := j.BooleanScores[rub.WellFormedDimension]
		if !present {
			return 0, fmt.Errorf("judgment for turn %d lacks boolean dimension %q", j.TurnIndex, rub.WellFormedDimension)
		}
		if !ok {
			violations++
		}
	}
	if len(judgments) == 0 {
		return 0, nil
	}
	return float64(violations) / float64(len(judgments)), nil
}

// mergeAggregate folds one run summary into a period aggregate. Means are
// recomputed from the full contributing summary set on every merge, so the
// operation is idempotent and order-independent: folding the same run twice
// changes nothing.
func mergeAggregate(prev storage.AggregateRecord, periodKey string, summaries []storage.SummaryRecord, now time.Time) storage.AggregateRecord {
	ids := make([]string, 0, len(summaries))
	means := make(map[string]float64)
	var compliance float64
	for _, s := range summaries {
		ids = append(ids, s.RunID)
		compliance += s.ComplianceRate
		for name, agg := range s.Dimensions {
			means[name] += agg.Mean
		}
	}
	n := float64(len(summaries))
	if n > 0 {
		compliance /= n
		for name := range means {
			means[name] /= n
		}
	}
	sort.Strings(ids)
	return storage.AggregateRecord{
		PeriodKey:          periodKey,
		ModelID:            prev.ModelID,
		RunCount:           len(summaries),
		DimensionMeans:     means,
		ComplianceMean:     compliance,
		ContributingRunIDs: ids,
		LastUpdatedAt:      now,
		Version:            prev.Version,
	}
}
