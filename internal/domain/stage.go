package domain

// Stage names one step of a pipeline run. Stages execute in the order of
// Stages and a run never moves backwards.
type Stage string

const (
	StageBackgroundRemoval Stage = "background_removal"
	StageAnalysis          Stage = "analysis"
	StageEnrichment        Stage = "enrichment"
	StageConsolidation     Stage = "consolidation"
	StageRendering         Stage = "rendering"
	StageQA                Stage = "qa"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageBackgroundRemoval,
	StageAnalysis,
	StageEnrichment,
	StageConsolidation,
	StageRendering,
	StageQA,
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, candidate := range Stages {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)
