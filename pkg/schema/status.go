package schema

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusCreated          ExecutionStatus = "created"
	ExecutionStatusRunning          ExecutionStatus = "running"
	ExecutionStatusAwaitingFeedback ExecutionStatus = "awaiting_feedback"
	ExecutionStatusAwaitingReview   ExecutionStatus = "awaiting_review"
	ExecutionStatusCompleted        ExecutionStatus = "completed"
	ExecutionStatusCompletedNoComms ExecutionStatus = "completed_without_comms"
	ExecutionStatusCompletedNoSub   ExecutionStatus = "completed_without_submission"
	ExecutionStatusFailed           ExecutionStatus = "failed"
	ExecutionStatusCancelled        ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution status admits no further stage work.
// Failed executions are terminal unless revived by a recovery decision.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusCompletedNoComms,
		ExecutionStatusCompletedNoSub, ExecutionStatusCancelled, ExecutionStatusFailed:
		return true
	}
	return false
}

// Awaiting reports whether the execution is parked at an open gate.
func (s ExecutionStatus) Awaiting() bool {
	return s == ExecutionStatusAwaitingFeedback || s == ExecutionStatusAwaitingReview
}

// TaskStatus represents the lifecycle state of one agent task instance.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusSkipped    TaskStatus = "skipped"
	TaskStatusSuperseded TaskStatus = "superseded"
)

// Terminal reports whether the task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusSkipped, TaskStatusSuperseded:
		return true
	}
	return false
}
