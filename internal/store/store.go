package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// GetActiveExecution returns the project's non-terminal execution,
	// or nil if every execution for the project is terminal.
	GetActiveExecution(ctx context.Context, projectID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Tasks
	GetTask(ctx context.Context, id string) (*AgentTask, error)
	ListTasks(ctx context.Context, executionID string) ([]*AgentTask, error)
	// ListOverdueTasks returns running tasks whose deadline passed before now.
	ListOverdueTasks(ctx context.Context, now time.Time) ([]*AgentTask, error)

	// Gates
	GetGate(ctx context.Context, id string) (*GateRequest, error)
	GetOpenGate(ctx context.Context, executionID string) (*GateRequest, error)

	// CommitTransition atomically appends the transition's event with the next
	// per-execution offset and applies every aggregate update in the same
	// transaction. On success the event's Offset and Timestamp are filled in.
	CommitTransition(ctx context.Context, t *Transition) error

	// Events returns the execution's events with offset > since, ordered by offset.
	Events(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
