package constants

// Stage is one phase of per-document processing. Every document carries an
// independent status row per stage.
type Stage string

// Stable values (store these exact strings in DB).
const (
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
	StageEntities Stage = "entities"
	StageIndex    Stage = "index"
)

// AllStages lists stages in dependency order.
var AllStages = []Stage{StageDownload, StageExtract, StageEntities, StageIndex}

// Prerequisite returns the stage that must be DONE before a document becomes
// eligible for s. The first stage has no prerequisite.
func Prerequisite(s Stage) (Stage, bool) {
	switch s {
	case StageExtract:
		return StageDownload, true
	case StageEntities:
		return StageExtract, true
	case StageIndex:
		return StageEntities, true
	default:
		return "", false
	}
}

// ParseStage validates a stage name from user input.
func ParseStage(name string) (Stage, bool) {
	for _, s := range AllStages {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// StageStatus is the canonical status for a (document, stage) pair.
type StageStatus string

const (
	StatusPending    StageStatus = "PENDING"
	StatusInProgress StageStatus = "IN_PROGRESS"
	StatusDone       StageStatus = "DONE"
	StatusFailed     StageStatus = "FAILED"
)

// AllStatuses in display order.
var AllStatuses = []StageStatus{StatusPending, StatusInProgress, StatusDone, StatusFailed}

// transitions is the closed set of legal status moves. FAILED -> PENDING is
// legal only through an explicit reprocess or a bounded automatic retry;
// both funnel through the same repository calls, so it appears here once.
var transitions = map[StageStatus]map[StageStatus]struct{}{
	StatusPending:    {StatusInProgress: {}},
	StatusInProgress: {StatusDone: {}, StatusFailed: {}, StatusPending: {}},
	StatusFailed:     {StatusPending: {}},
	StatusDone:       {StatusPending: {}}, // reprocess only
}

// ValidTransition reports whether from -> to is a legal status move.
func ValidTransition(from, to StageStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
