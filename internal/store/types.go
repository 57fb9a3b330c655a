package store

import (
	"encoding/json"
	"time"

	"github.com/bidworks/bidflow/pkg/schema"
)

// Execution is the persisted representation of one pipeline run for a project.
type Execution struct {
	ID           string                                   `json:"id"`
	ProjectID    string                                   `json:"project_id"`
	Initiator    string                                   `json:"initiator"`
	Status       schema.ExecutionStatus                   `json:"status"`
	Stages       []schema.StageType                       `json:"stages"`
	StageConfigs map[schema.StageType]*schema.StageConfig `json:"stage_configs,omitempty"`
	DeniedStages []schema.StageType                       `json:"denied_stages,omitempty"`
	Result       json.RawMessage                          `json:"result,omitempty"`
	ErrorSummary json.RawMessage                          `json:"error_summary,omitempty"`
	CreatedAt    time.Time                                `json:"created_at"`
	StartedAt    *time.Time                               `json:"started_at,omitempty"`
	CompletedAt  *time.Time                               `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                                `json:"updated_at"`
}

// AgentTask is one stage instance within an execution. Tasks are never deleted;
// re-running a stage appends a new task at the next sequence slot.
type AgentTask struct {
	ID          string              `json:"id"`
	ExecutionID string              `json:"execution_id"`
	Stage       schema.StageType    `json:"stage"`
	Status      schema.TaskStatus   `json:"status"`
	Sequence    int                 `json:"sequence"`
	Input       json.RawMessage     `json:"input,omitempty"`
	Output      json.RawMessage     `json:"output,omitempty"`
	Config      *schema.StageConfig `json:"config,omitempty"`
	ErrorDetail json.RawMessage     `json:"error_detail,omitempty"`
	DeadlineAt  *time.Time          `json:"deadline_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	DurationMs  int64               `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in a per-execution append-only log.
type Event struct {
	ID          int64            `json:"id"`
	ExecutionID string           `json:"execution_id"`
	Type        schema.EventType `json:"event_type"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Offset      int64            `json:"offset"`
	Timestamp   time.Time        `json:"timestamp"`
}

// GateRequest is a pending suspension point awaiting an external decision.
type GateRequest struct {
	ID          string                `json:"id"`
	ExecutionID string                `json:"execution_id"`
	Kind        schema.GateKind       `json:"kind"`
	Stage       schema.StageType      `json:"stage"`
	Prompt      string                `json:"prompt,omitempty"`
	Options     []schema.DecisionKind `json:"options"`
	Status      string                `json:"status"` // pending | resolved
	Resolution  json.RawMessage       `json:"resolution,omitempty"`
	ResolvedBy  string                `json:"resolved_by,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	ResolvedAt  *time.Time            `json:"resolved_at,omitempty"`
}

// GateStatusPending and GateStatusResolved are the gate lifecycle states.
const (
	GateStatusPending  = "pending"
	GateStatusResolved = "resolved"
)

// Snapshot is the full current state of an execution: the aggregate, its
// ordered task list, and the open gate if one exists.
type Snapshot struct {
	Execution *Execution   `json:"execution"`
	Tasks     []*AgentTask `json:"tasks"`
	OpenGate  *GateRequest `json:"open_gate,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	Result       json.RawMessage         `json:"result,omitempty"`
	ErrorSummary json.RawMessage         `json:"error_summary,omitempty"`
	DeniedStages *[]schema.StageType     `json:"denied_stages,omitempty"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
}

// GateResolution marks a pending gate resolved within a transition.
type GateResolution struct {
	GateID     string          `json:"gate_id"`
	Resolution json.RawMessage `json:"resolution,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
}

// Transition is one atomic state change: exactly one event appended together
// with the aggregate updates it describes. No transition is considered to have
// happened until the whole transition commits.
type Transition struct {
	ExecutionID string
	Event       *Event
	Execution   *ExecutionUpdate
	Tasks       []*AgentTask
	OpenGate    *GateRequest
	ResolveGate *GateResolution
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	ProjectID string                  `json:"project_id,omitempty"`
	Status    *schema.ExecutionStatus `json:"status,omitempty"`
	Since     *time.Time              `json:"since,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
	Offset    int                     `json:"offset,omitempty"`
}
