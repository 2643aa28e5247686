package storage

import (
	"fmt"
)

// Logical key layout of the index tier. Every record lives at a
// (partition key, sort key) pair; turn indices are zero-padded to three
// digits so lexical sort equals numeric sort up to the turn cap.
const (
	SortMeta    = "META"
	SortSummary = "SUMMARY"
)

// PartitionManifest returns the partition key of a manifest record.
func PartitionManifest(manifestID string) string {
	return "MANIFEST#" + manifestID
}

// PartitionRun returns the partition key shared by a run's metadata, turns,
// judgments, and summary.
func PartitionRun(runID string) string {
	return "RUN#" + runID
}

// PartitionPeriod returns the partition key of a period aggregate.
func PartitionPeriod(periodKey, modelID string) string {
	return "WEEK#" + periodKey + "#MODEL#" + modelID
}

// SortTurn returns the sort key of a turn record.
func SortTurn(turnIndex int) string {
	return fmt.Sprintf("TURN#%03d", turnIndex)
}

// SortJudgment returns the sort key of a judgment record.
func SortJudgment(turnIndex int) string {
	return fmt.Sprintf("JUDGE#%03d", turnIndex)
}

// Blob tier paths. The active configuration lives at a single well-known
// path; everything else is keyed by run, manifest, or period.
const ConfigPath = "config/active.json"

// TurnBlobPath returns the blob path of a turn artifact.
func TurnBlobPath(runID string, turnIndex int) string {
	return fmt.Sprintf("raw/runs/%s/turn_%03d", runID, turnIndex)
}

// JudgmentBlobPath returns the blob path of a judgment artifact.
func JudgmentBlobPath(runID string, turnIndex int) string {
	return fmt.Sprintf("raw/runs/%s/judge_%03d", runID, turnIndex)
}

// ManifestBlobPath returns the blob path of a manifest artifact.
func ManifestBlobPath(manifestID string) string {
	return "manifests/" + manifestID
}

// CuratedRunPath returns the blob path of a curated run artifact.
func CuratedRunPath(runID string) string {
	return "curated/runs/" + runID
}

// CuratedWeeklyPath returns the blob path of a curated weekly artifact.
func CuratedWeeklyPath(periodKey, modelID string) string {
	return fmt.Sprintf("curated/weekly/%s/%s", periodKey, modelID)
}

// DLQBlobPath returns the blob path where a dead-lettered message is
// persisted for operator inspection.
func DLQBlobPath(queue, messageID string) string {
	return fmt.Sprintf("dlq/%s/%s", queue, messageID)
}
