package schema

import "encoding/json"

// DecisionKind enumerates every external decision the engine accepts. The same
// closed set serves programmatic callers and interactive ones.
type DecisionKind string

const (
	DecisionRetry           DecisionKind = "retry"
	DecisionSkip            DecisionKind = "skip"
	DecisionRestartWorkflow DecisionKind = "restart_workflow"
	DecisionApprove         DecisionKind = "approve"
	DecisionRevise          DecisionKind = "revise"
	DecisionGrantPermission DecisionKind = "grant_permission"
	DecisionDenyPermission  DecisionKind = "deny_permission"
)

// Valid reports whether k names a known decision kind.
func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionRetry, DecisionSkip, DecisionRestartWorkflow,
		DecisionApprove, DecisionRevise, DecisionGrantPermission, DecisionDenyPermission:
		return true
	}
	return false
}

// Decision is an external response routed to the recovery controller or a gate.
// GateID optionally pins a gate decision to the gate the caller saw; the
// engine rejects it if a different gate is open by then.
type Decision struct {
	Kind      DecisionKind    `json:"kind"`
	GateID    string          `json:"gate_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DecidedBy string          `json:"decided_by,omitempty"`
}

// RevisePayload is the payload shape for a revise decision: free-text feedback
// plus the stage whose output must be regenerated.
type RevisePayload struct {
	TargetStage StageType `json:"target_stage"`
	Feedback    string    `json:"feedback,omitempty"`
}

// GateKind classifies a suspension point.
type GateKind string

const (
	GateFeedback   GateKind = "feedback"
	GateReview     GateKind = "review"
	GatePermission GateKind = "permission"
)

// Awaiting returns the execution status an open gate of this kind parks at.
func (k GateKind) Awaiting() ExecutionStatus {
	if k == GateFeedback {
		return ExecutionStatusAwaitingFeedback
	}
	return ExecutionStatusAwaitingReview
}

// Options returns the decision kinds a gate of this kind accepts.
func (k GateKind) Options() []DecisionKind {
	switch k {
	case GateFeedback, GateReview:
		return []DecisionKind{DecisionApprove, DecisionRevise}
	case GatePermission:
		return []DecisionKind{DecisionGrantPermission, DecisionDenyPermission}
	}
	return nil
}

// Accepts reports whether the gate kind accepts the given decision.
func (k GateKind) Accepts(d DecisionKind) bool {
	for _, opt := range k.Options() {
		if opt == d {
			return true
		}
	}
	return false
}

// RecoveryAction is the suggested or chosen recovery path after a stage failure.
type RecoveryAction string

const (
	RecoveryRetry              RecoveryAction = "retry"
	RecoverySkip               RecoveryAction = "skip"
	RecoveryRestartWorkflow    RecoveryAction = "restart_workflow"
	RecoveryManualIntervention RecoveryAction = "manual_intervention"
)

// RecoveryDecision lists the recovery actions permitted for a failed stage.
// It gates which decision kinds the engine will accept and is surfaced to
// callers so they can present the matching options.
type RecoveryDecision struct {
	CanRetry           bool           `json:"can_retry"`
	CanSkip            bool           `json:"can_skip"`
	CanRestartWorkflow bool           `json:"can_restart_workflow"`
	SuggestedAction    RecoveryAction `json:"suggested_action"`
}

// Allows reports whether the decision kind is permitted by this recovery set.
func (r RecoveryDecision) Allows(k DecisionKind) bool {
	switch k {
	case DecisionRetry:
		return r.CanRetry
	case DecisionSkip:
		return r.CanSkip
	case DecisionRestartWorkflow:
		return r.CanRestartWorkflow
	}
	return false
}
