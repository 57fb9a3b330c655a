package schema

import "encoding/json"

// EventType tags an entry in the per-execution event log. The set is closed:
// every type has exactly one payload shape, enforced at construction through
// the typed payload structs below.
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionCancelled EventType = "execution_cancelled"
	EventExecutionReset     EventType = "execution_reset"

	EventGateOpened   EventType = "gate_opened"
	EventGateResolved EventType = "gate_resolved"

	EventTaskCreated    EventType = "task_created"
	EventTaskStarted    EventType = "task_started"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskSkipped    EventType = "task_skipped"
	EventTaskSuperseded EventType = "task_superseded"
)

// EventPayload is implemented by exactly one struct per EventType.
type EventPayload interface {
	Kind() EventType
}

// ExecutionStartedPayload records execution creation and its stage plan.
type ExecutionStartedPayload struct {
	ProjectID    string                     `json:"project_id"`
	Initiator    string                     `json:"initiator"`
	Stages       []StageType                `json:"stages"`
	StageConfigs map[StageType]*StageConfig `json:"stage_configs,omitempty"`
}

func (ExecutionStartedPayload) Kind() EventType { return EventExecutionStarted }

// ExecutionCompletedPayload records terminal success, including the variant
// chosen from permission outcomes and the accumulated result payload.
type ExecutionCompletedPayload struct {
	Status ExecutionStatus `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (ExecutionCompletedPayload) Kind() EventType { return EventExecutionCompleted }

// ExecutionFailedPayload records an unrecovered stage failure together with
// the recovery actions that remain available.
type ExecutionFailedPayload struct {
	Stage    StageType        `json:"stage"`
	Message  string           `json:"message"`
	Code     string           `json:"code"`
	Recovery RecoveryDecision `json:"recovery"`
}

func (ExecutionFailedPayload) Kind() EventType { return EventExecutionFailed }

// ExecutionCancelledPayload records an external cancellation. Tasks that were
// still pending die with the execution and are listed as superseded.
type ExecutionCancelledPayload struct {
	Reason            string   `json:"reason,omitempty"`
	SupersededTaskIDs []string `json:"superseded_task_ids,omitempty"`
}

func (ExecutionCancelledPayload) Kind() EventType { return EventExecutionCancelled }

// ExecutionResetPayload records a reset: every stage at or after the target is
// invalidated and its tasks superseded.
type ExecutionResetPayload struct {
	TargetStage       StageType   `json:"target_stage"`
	Reason            string      `json:"reason,omitempty"`
	AffectedStages    []StageType `json:"affected_stages"`
	SupersededTaskIDs []string    `json:"superseded_task_ids,omitempty"`
}

func (ExecutionResetPayload) Kind() EventType { return EventExecutionReset }

// GateOpenedPayload records the suspension point the execution is parked at.
type GateOpenedPayload struct {
	GateID   string          `json:"gate_id"`
	GateKind GateKind        `json:"gate_kind"`
	Stage    StageType       `json:"stage"`
	Prompt   string          `json:"prompt,omitempty"`
	Options  []DecisionKind  `json:"options"`
	Awaiting ExecutionStatus `json:"awaiting"`
}

func (GateOpenedPayload) Kind() EventType { return EventGateOpened }

// GateResolvedPayload records the single accepted decision for a gate.
type GateResolvedPayload struct {
	GateID      string          `json:"gate_id"`
	Decision    DecisionKind    `json:"decision"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	DeniedStage StageType       `json:"denied_stage,omitempty"`
}

func (GateResolvedPayload) Kind() EventType { return EventGateResolved }

// TaskCreatedPayload records a new task instance occupying the next sequence slot.
type TaskCreatedPayload struct {
	TaskID   string          `json:"task_id"`
	Stage    StageType       `json:"stage"`
	Sequence int             `json:"sequence"`
	Input    json.RawMessage `json:"input,omitempty"`
	Config   *StageConfig    `json:"config,omitempty"`
}

func (TaskCreatedPayload) Kind() EventType { return EventTaskCreated }

// TaskStartedPayload records the task entering the running state.
type TaskStartedPayload struct {
	TaskID string `json:"task_id"`
}

func (TaskStartedPayload) Kind() EventType { return EventTaskStarted }

// TaskCompletedPayload records the output attached on completion, plus the
// projected fragment merged into the execution result payload.
type TaskCompletedPayload struct {
	TaskID     string          `json:"task_id"`
	Output     json.RawMessage `json:"output,omitempty"`
	Projected  json.RawMessage `json:"projected,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

func (TaskCompletedPayload) Kind() EventType { return EventTaskCompleted }

// TaskFailedPayload records a stage failure and its recovery classification.
type TaskFailedPayload struct {
	TaskID         string           `json:"task_id"`
	Message        string           `json:"message"`
	Classification string           `json:"classification"` // STAGE_FAILED | TIMEOUT_ERROR
	Recovery       RecoveryDecision `json:"recovery"`
}

func (TaskFailedPayload) Kind() EventType { return EventTaskFailed }

// TaskSkippedPayload records a failed review task skipped by decision.
type TaskSkippedPayload struct {
	TaskID string `json:"task_id"`
}

func (TaskSkippedPayload) Kind() EventType { return EventTaskSkipped }

// TaskSupersededPayload records a task replaced by a retry instance.
type TaskSupersededPayload struct {
	TaskID       string `json:"task_id"`
	ReplacedByID string `json:"replaced_by_id,omitempty"`
}

func (TaskSupersededPayload) Kind() EventType { return EventTaskSuperseded }

// MarshalPayload serializes a typed payload for the event log.
func MarshalPayload(p EventPayload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "marshal %s payload: %s", p.Kind(), err.Error()).WithCause(err)
	}
	return raw, nil
}

// DecodePayload reconstructs the typed payload for an event during replay.
// Unknown types are rejected: the event schema is closed.
func DecodePayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	var p EventPayload
	switch t {
	case EventExecutionStarted:
		p = &ExecutionStartedPayload{}
	case EventExecutionCompleted:
		p = &ExecutionCompletedPayload{}
	case EventExecutionFailed:
		p = &ExecutionFailedPayload{}
	case EventExecutionCancelled:
		p = &ExecutionCancelledPayload{}
	case EventExecutionReset:
		p = &ExecutionResetPayload{}
	case EventGateOpened:
		p = &GateOpenedPayload{}
	case EventGateResolved:
		p = &GateResolvedPayload{}
	case EventTaskCreated:
		p = &TaskCreatedPayload{}
	case EventTaskStarted:
		p = &TaskStartedPayload{}
	case EventTaskCompleted:
		p = &TaskCompletedPayload{}
	case EventTaskFailed:
		p = &TaskFailedPayload{}
	case EventTaskSkipped:
		p = &TaskSkippedPayload{}
	case EventTaskSuperseded:
		p = &TaskSupersededPayload{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown event type %q", t)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "decode %s payload: %s", t, err.Error()).WithCause(err)
		}
	}
	return p, nil
}
