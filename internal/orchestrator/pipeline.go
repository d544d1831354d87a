package orchestrator

import "agentpipe/internal/domain"

// stages is the fixed pipeline order. Each stage's task is created only once
// its parent reached completed; there are no cycles and no dynamic wiring.
var stages = []domain.TaskType{
	domain.TypeMonitorOpportunity,
	domain.TypeGenerateContent,
	domain.TypeQualityCheck,
	domain.TypePublish,
	domain.TypeLearn,
}

// NextStage returns the stage that follows t, or false at the end of the
// pipeline.
func NextStage(t domain.TaskType) (domain.TaskType, bool) {
	for i, s := range stages {
		if s == t && i+1 < len(stages) {
			return stages[i+1], true
		}
	}
	return "", false
}

// ValidStage reports whether t is a pipeline stage at all.
func ValidStage(t domain.TaskType) bool {
	for _, s := range stages {
		if s == t {
			return true
		}
	}
	return false
}
