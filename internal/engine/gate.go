package engine

import (
	"fmt"

	"github.com/bidworks/bidflow/pkg/schema"
)

// Gate placement is fixed by the pipeline shape: human feedback follows the
// analysis, a full review follows QA, and both delivery stages need explicit
// permission before they run.

// gateAfter returns the gate kind opened after the given stage completes,
// or "" if the stage completes without a gate.
func gateAfter(stage schema.StageType) schema.GateKind {
	switch stage {
	case schema.StageAnalysis:
		return schema.GateFeedback
	case schema.StageQA:
		return schema.GateReview
	default:
		return ""
	}
}

// gateBefore returns the gate kind opened before the given stage is
// dispatched, or "" if the stage starts without a gate.
func gateBefore(stage schema.StageType) schema.GateKind {
	switch stage {
	case schema.StageCommunications, schema.StageSubmission:
		return schema.GatePermission
	default:
		return ""
	}
}

// gatePrompt builds the human-facing prompt for a gate.
func gatePrompt(kind schema.GateKind, stage schema.StageType) string {
	switch kind {
	case schema.GateFeedback:
		return fmt.Sprintf("The %s stage finished. Approve its output or request a revision.", stage)
	case schema.GateReview:
		return fmt.Sprintf("The %s stage finished. Approve the reviewed bid or request a revision.", stage)
	case schema.GatePermission:
		return fmt.Sprintf("Grant or deny permission to run the %s stage.", stage)
	default:
		return ""
	}
}

// completionStatus picks the terminal success variant from the set of stages
// that were denied permission. A denied submission wins over denied
// communications: a bid that was never submitted is the stronger caveat.
func completionStatus(denied []schema.StageType) schema.ExecutionStatus {
	deniedComms := false
	for _, s := range denied {
		switch s {
		case schema.StageSubmission:
			return schema.ExecutionStatusCompletedNoSub
		case schema.StageCommunications:
			deniedComms = true
		}
	}
	if deniedComms {
		return schema.ExecutionStatusCompletedNoComms
	}
	return schema.ExecutionStatusCompleted
}
