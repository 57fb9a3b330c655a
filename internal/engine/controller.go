package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bidworks/bidflow/internal/expressions"
	"github.com/bidworks/bidflow/internal/logging"
	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/internal/streaming"
	"github.com/bidworks/bidflow/pkg/schema"
)

// StartRequest describes a new pipeline execution.
type StartRequest struct {
	ProjectID    string                                   `json:"project_id"`
	Initiator    string                                   `json:"initiator"`
	Stages       []schema.StageType                       `json:"stages,omitempty"`
	Input        json.RawMessage                          `json:"input,omitempty"`
	StageConfigs map[schema.StageType]*schema.StageConfig `json:"stage_configs,omitempty"`
}

// Controller drives executions through the pipeline: it owns every status
// transition, opens and resolves gates, applies recovery decisions, and
// dispatches stage work onto the worker pool. All transitions for one
// execution are serialized through a per-execution mutex; different
// executions proceed in parallel.
type Controller struct {
	store     store.Store
	hub       streaming.EventHub
	executor  StageExecutor
	projector *expressions.Projector
	pool      *WorkerPool
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config tunes controller behavior.
type Config struct {
	// Workers bounds concurrent stage executions across all executions.
	Workers int
}

func NewController(st store.Store, hub streaming.EventHub, executor StageExecutor, logger *slog.Logger, cfg Config) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     st,
		hub:       hub,
		executor:  executor,
		projector: expressions.NewProjector(),
		pool:      NewWorkerPool(cfg.Workers),
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Shutdown stops accepting stage work and waits for in-flight stages.
func (c *Controller) Shutdown() {
	c.pool.Shutdown()
}

// PoolMetrics exposes worker pool counters.
func (c *Controller) PoolMetrics() PoolMetrics {
	return c.pool.Metrics()
}

// lockFor returns the mutex serializing transitions of one execution.
func (c *Controller) lockFor(executionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[executionID] = l
	}
	return l
}

// --- Start ---

// Start creates an execution for the project and dispatches its first stage.
// At most one non-terminal execution may exist per project.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*store.Snapshot, error) {
	if req.ProjectID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "project_id is required")
	}
	if req.Initiator == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "initiator is required")
	}

	plan := req.Stages
	if len(plan) == 0 {
		plan = schema.DefaultPlan()
	}
	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	if err := c.validateConfigs(plan, req.StageConfigs); err != nil {
		return nil, err
	}

	// The partial unique index enforces this atomically; the pre-check turns
	// the common case into an error naming the execution in the way.
	if active, err := c.store.GetActiveExecution(ctx, req.ProjectID); err != nil {
		return nil, storeErr(err, "check active execution")
	} else if active != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"project %s already has an active execution", req.ProjectID).
			WithDetails(map[string]any{"execution_id": active.ID, "status": string(active.Status)})
	}

	exec := &store.Execution{
		ID:           uuid.New().String(),
		ProjectID:    req.ProjectID,
		Initiator:    req.Initiator,
		Status:       schema.ExecutionStatusCreated,
		Stages:       plan,
		StageConfigs: req.StageConfigs,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, storeErr(err, "create execution")
	}

	ctx = logging.WithExecutionID(ctx, exec.ID)
	lock := c.lockFor(exec.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := ValidateExecutionTransition(exec.ID, exec.Status, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event: newEvent(exec.ID, &schema.ExecutionStartedPayload{
			ProjectID:    exec.ProjectID,
			Initiator:    exec.Initiator,
			Stages:       plan,
			StageConfigs: req.StageConfigs,
		}),
		Execution: &store.ExecutionUpdate{Status: &running, StartedAt: &now},
	}); err != nil {
		return nil, err
	}
	exec.Status = running

	if err := c.startStage(ctx, exec, plan[0], req.Input, nil); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "execution started",
		slog.String("project_id", exec.ProjectID), slog.Int("stages", len(plan)))
	return c.snapshotLocked(ctx, exec.ID)
}

func validatePlan(plan []schema.StageType) error {
	lastPos := -1
	for _, s := range plan {
		pos := schema.StagePosition(s)
		if pos < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown stage %q", s)
		}
		if pos <= lastPos {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"stage %q out of order: plans must follow the canonical pipeline ordering", s)
		}
		lastPos = pos
	}
	return nil
}

func (c *Controller) validateConfigs(plan []schema.StageType, configs map[schema.StageType]*schema.StageConfig) error {
	inPlan := make(map[schema.StageType]bool, len(plan))
	for _, s := range plan {
		inPlan[s] = true
	}
	for stage, cfg := range configs {
		if !inPlan[stage] {
			return schema.NewErrorf(schema.ErrCodeValidation, "stage config for %q is not in the plan", stage)
		}
		if cfg == nil {
			continue
		}
		if err := c.projector.Check(cfg.ResultSelector); err != nil {
			return err
		}
		if cfg.Deadline != "" {
			if _, err := time.ParseDuration(cfg.Deadline); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"invalid deadline %q for stage %q", cfg.Deadline, stage).WithCause(err)
			}
		}
	}
	return nil
}

// --- Snapshots ---

// Snapshot returns the execution aggregate, its ordered task list, and the
// open gate if one exists.
func (c *Controller) Snapshot(ctx context.Context, executionID string) (*store.Snapshot, error) {
	lock := c.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()
	return c.snapshotLocked(ctx, executionID)
}

func (c *Controller) snapshotLocked(ctx context.Context, executionID string) (*store.Snapshot, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.store.ListTasks(ctx, executionID)
	if err != nil {
		return nil, storeErr(err, "list tasks")
	}
	gate, err := c.store.GetOpenGate(ctx, executionID)
	if err != nil {
		return nil, storeErr(err, "get open gate")
	}
	return &store.Snapshot{Execution: exec, Tasks: tasks, OpenGate: gate}, nil
}

// --- Stage dispatch ---

// startStage appends a new task for the stage and hands it to the worker
// pool. Caller holds the execution lock and has already set status RUNNING.
func (c *Controller) startStage(ctx context.Context, exec *store.Execution, stage schema.StageType, input json.RawMessage, execUpdate *store.ExecutionUpdate) error {
	return c.startStageWithID(ctx, exec, uuid.New().String(), stage, input, execUpdate)
}

// dispatch runs the stage executor on the pool. The run uses a fresh context
// so it survives the request that triggered it; a deadline from the stage
// config bounds the run.
func (c *Controller) dispatch(executionID string, task *store.AgentTask) error {
	runCtx := logging.WithStage(logging.WithTaskID(
		logging.WithExecutionID(context.Background(), executionID), task.ID), task.Stage)

	err := c.pool.Submit(runCtx, func(ctx context.Context) error {
		return c.runTask(ctx, executionID, task)
	})
	if err != nil {
		if errors.Is(err, ErrPoolShutdown) {
			return nil // task stays PENDING; the deadline sweeper or a restart picks it up
		}
		return err
	}
	return nil
}

func (c *Controller) runTask(ctx context.Context, executionID string, task *store.AgentTask) error {
	started, err := c.markTaskRunning(ctx, executionID, task)
	if err != nil || !started {
		return err
	}

	execCtx := ctx
	cancel := func() {}
	var deadline time.Duration
	if task.Config != nil && task.Config.Deadline != "" {
		// Validated at start.
		deadline, _ = time.ParseDuration(task.Config.Deadline)
	}
	if deadline > 0 {
		execCtx, cancel = context.WithTimeout(ctx, deadline)
	}
	defer cancel()

	output, execErr := c.executor.Execute(execCtx, task.Stage, task.Input, task.Config)
	if execErr != nil {
		classification := schema.ErrCodeStageFailed
		if errors.Is(execErr, context.DeadlineExceeded) {
			classification = schema.ErrCodeTimeout
		}
		_, ferr := c.ReportFailure(ctx, task.ID, execErr.Error(), classification)
		if ferr != nil && !isTerminated(ferr) {
			c.logger.ErrorContext(ctx, "record stage failure", slog.Any("error", ferr))
			return ferr
		}
		return nil
	}

	_, cerr := c.ReportCompletion(ctx, task.ID, output)
	if cerr != nil && !isTerminated(cerr) {
		c.logger.ErrorContext(ctx, "record stage completion", slog.Any("error", cerr))
		return cerr
	}
	return nil
}

// markTaskRunning flips the task to RUNNING unless the execution was
// cancelled or reset while the task waited in the pool.
func (c *Controller) markTaskRunning(ctx context.Context, executionID string, task *store.AgentTask) (bool, error) {
	lock := c.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status != schema.ExecutionStatusRunning {
		return false, nil
	}
	current, err := c.store.GetTask(ctx, task.ID)
	if err != nil {
		return false, err
	}
	if current.Status != schema.TaskStatusPending {
		return false, nil
	}

	now := time.Now().UTC()
	current.Status = schema.TaskStatusRunning
	current.StartedAt = &now
	if current.Config != nil && current.Config.Deadline != "" {
		if d, derr := time.ParseDuration(current.Config.Deadline); derr == nil {
			deadlineAt := now.Add(d)
			current.DeadlineAt = &deadlineAt
		}
	}

	if err := c.commit(ctx, &store.Transition{
		ExecutionID: executionID,
		Event:       newEvent(executionID, &schema.TaskStartedPayload{TaskID: task.ID}),
		Tasks:       []*store.AgentTask{current},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// --- Completion and failure reports ---

// ReportCompletion records a stage's output, projects its result fragment,
// and advances the pipeline. Reports against terminated executions return
// ExecutionTerminatedError.
func (c *Controller) ReportCompletion(ctx context.Context, taskID string, output json.RawMessage) (*store.Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStage(logging.WithTaskID(
		logging.WithExecutionID(ctx, task.ExecutionID), task.ID), task.Stage)

	lock := c.lockFor(task.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	exec, live, err := c.guardReport(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := ValidateTaskTransition(exec.ID, task.ID, task.Status, schema.TaskStatusCompleted); err != nil {
		return nil, err
	}

	selector := ""
	if task.Config != nil {
		selector = task.Config.ResultSelector
	}
	fragment, err := c.projector.Project(ctx, selector, output)
	if err != nil {
		return nil, err
	}
	var projected json.RawMessage
	merged := exec.Result
	if fragment != nil {
		projected, err = json.Marshal(map[string]json.RawMessage{string(task.Stage): fragment})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "encode projected fragment").WithCause(err)
		}
		merged, err = store.MergeResult(exec.Result, projected)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "merge projected fragment").WithCause(err)
		}
	}

	now := time.Now().UTC()
	task.Status = schema.TaskStatusCompleted
	task.Output = output
	task.CompletedAt = &now
	if task.StartedAt != nil {
		task.DurationMs = now.Sub(*task.StartedAt).Milliseconds()
	}

	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event: newEvent(exec.ID, &schema.TaskCompletedPayload{
			TaskID:     task.ID,
			Output:     output,
			Projected:  projected,
			DurationMs: task.DurationMs,
		}),
		Execution: &store.ExecutionUpdate{Result: merged},
		Tasks:     []*store.AgentTask{task},
	}); err != nil {
		return nil, err
	}
	exec.Result = merged

	c.logger.InfoContext(ctx, "stage completed", slog.Int64("duration_ms", task.DurationMs))

	if !live {
		// Cancellation took effect while the stage ran; its output is on
		// record but the pipeline does not advance.
		return c.snapshotLocked(ctx, exec.ID)
	}

	if kind := gateAfter(task.Stage); kind != "" {
		if err := c.openGate(ctx, exec, kind, task.Stage); err != nil {
			return nil, err
		}
	} else if err := c.proceedFrom(ctx, exec, task.Stage); err != nil {
		return nil, err
	}
	return c.snapshotLocked(ctx, exec.ID)
}

// ReportFailure records a stage failure with its recovery options and moves
// the execution to FAILED awaiting a recovery decision.
func (c *Controller) ReportFailure(ctx context.Context, taskID, message, classification string) (*store.Snapshot, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStage(logging.WithTaskID(
		logging.WithExecutionID(ctx, task.ExecutionID), task.ID), task.Stage)

	lock := c.lockFor(task.ExecutionID)
	lock.Lock()
	defer lock.Unlock()

	exec, live, err := c.guardReport(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := ValidateTaskTransition(exec.ID, task.ID, task.Status, schema.TaskStatusFailed); err != nil {
		return nil, err
	}

	recovery := RecoveryFor(task.Stage)
	now := time.Now().UTC()
	task.Status = schema.TaskStatusFailed
	task.CompletedAt = &now
	if task.StartedAt != nil {
		task.DurationMs = now.Sub(*task.StartedAt).Milliseconds()
	}
	failPayload := &schema.TaskFailedPayload{
		TaskID:         task.ID,
		Message:        message,
		Classification: classification,
		Recovery:       recovery,
	}
	detail, _ := json.Marshal(failPayload)
	task.ErrorDetail = detail

	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event:       newEvent(exec.ID, failPayload),
		Tasks:       []*store.AgentTask{task},
	}); err != nil {
		return nil, err
	}

	if !live {
		// The execution was cancelled while the stage ran; the task failure
		// is on record and no recovery is offered.
		c.logger.WarnContext(ctx, "stage failed after cancellation",
			slog.String("classification", classification), slog.String("message", message))
		return c.snapshotLocked(ctx, exec.ID)
	}

	if err := ValidateExecutionTransition(exec.ID, exec.Status, schema.ExecutionStatusFailed); err != nil {
		return nil, err
	}
	failed := schema.ExecutionStatusFailed
	execFail := &schema.ExecutionFailedPayload{
		Stage:    task.Stage,
		Message:  message,
		Code:     classification,
		Recovery: recovery,
	}
	summary, _ := json.Marshal(execFail)
	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event:       newEvent(exec.ID, execFail),
		Execution:   &store.ExecutionUpdate{Status: &failed, ErrorSummary: summary},
	}); err != nil {
		return nil, err
	}

	c.logger.WarnContext(ctx, "stage failed",
		slog.String("classification", classification), slog.String("message", message))
	return c.snapshotLocked(ctx, exec.ID)
}

// --- Gates ---

func (c *Controller) openGate(ctx context.Context, exec *store.Execution, kind schema.GateKind, stage schema.StageType) error {
	awaiting := kind.Awaiting()
	if err := ValidateExecutionTransition(exec.ID, exec.Status, awaiting); err != nil {
		return err
	}

	gate := &store.GateRequest{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Kind:        kind,
		Stage:       stage,
		Prompt:      gatePrompt(kind, stage),
		Options:     kind.Options(),
		Status:      store.GateStatusPending,
	}
	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event: newEvent(exec.ID, &schema.GateOpenedPayload{
			GateID:   gate.ID,
			GateKind: kind,
			Stage:    stage,
			Prompt:   gate.Prompt,
			Options:  gate.Options,
			Awaiting: awaiting,
		}),
		Execution: &store.ExecutionUpdate{Status: &awaiting},
		OpenGate:  gate,
	}); err != nil {
		return err
	}
	exec.Status = awaiting

	c.logger.InfoContext(ctx, "gate opened",
		slog.String("gate_id", gate.ID), slog.String("kind", string(kind)))
	return nil
}

// --- Decisions ---

// SubmitDecision routes a human decision to the open gate or, for recovery
// kinds, to the failed stage. Returns the post-decision snapshot.
func (c *Controller) SubmitDecision(ctx context.Context, executionID string, decision schema.Decision) (*store.Snapshot, error) {
	if !decision.Kind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision kind %q", decision.Kind)
	}
	ctx = logging.WithExecutionID(ctx, executionID)

	lock := c.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() && exec.Status != schema.ExecutionStatusFailed {
		return nil, terminatedErr(exec)
	}

	switch decision.Kind {
	case schema.DecisionRetry, schema.DecisionSkip, schema.DecisionRestartWorkflow:
		if err := c.applyRecovery(ctx, exec, decision); err != nil {
			return nil, err
		}
	default:
		if err := c.resolveGate(ctx, exec, decision); err != nil {
			return nil, err
		}
	}
	return c.snapshotLocked(ctx, executionID)
}

func (c *Controller) applyRecovery(ctx context.Context, exec *store.Execution, decision schema.Decision) error {
	if exec.Status != schema.ExecutionStatusFailed {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"no failed stage awaiting recovery (execution is %s)", exec.Status)
	}
	tasks, err := c.store.ListTasks(ctx, exec.ID)
	if err != nil {
		return storeErr(err, "list tasks")
	}
	var failed *store.AgentTask
	for _, t := range tasks {
		if t.Status == schema.TaskStatusFailed {
			failed = t // highest sequence wins; tasks are ordered
		}
	}
	if failed == nil {
		return schema.NewError(schema.ErrCodeValidation, "no failed task to recover")
	}

	recovery := RecoveryFor(failed.Stage)
	if !recovery.Allows(decision.Kind) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"decision %q is not permitted for a failed %s stage", decision.Kind, failed.Stage)
	}

	running := schema.ExecutionStatusRunning
	if err := ValidateExecutionTransition(exec.ID, exec.Status, running); err != nil {
		return err
	}

	switch decision.Kind {
	case schema.DecisionRetry:
		newID := uuid.New().String()
		if err := ValidateTaskTransition(exec.ID, failed.ID, failed.Status, schema.TaskStatusSuperseded); err != nil {
			return err
		}
		failed.Status = schema.TaskStatusSuperseded
		if err := c.commit(ctx, &store.Transition{
			ExecutionID: exec.ID,
			Event: newEvent(exec.ID, &schema.TaskSupersededPayload{
				TaskID:       failed.ID,
				ReplacedByID: newID,
			}),
			Tasks: []*store.AgentTask{failed},
		}); err != nil {
			return err
		}
		exec.Status = running
		return c.startStageWithID(ctx, exec, newID, failed.Stage, failed.Input,
			&store.ExecutionUpdate{Status: &running})

	case schema.DecisionSkip:
		if err := ValidateTaskTransition(exec.ID, failed.ID, failed.Status, schema.TaskStatusSkipped); err != nil {
			return err
		}
		now := time.Now().UTC()
		failed.Status = schema.TaskStatusSkipped
		failed.CompletedAt = &now
		if err := c.commit(ctx, &store.Transition{
			ExecutionID: exec.ID,
			Event:       newEvent(exec.ID, &schema.TaskSkippedPayload{TaskID: failed.ID}),
			Execution:   &store.ExecutionUpdate{Status: &running},
			Tasks:       []*store.AgentTask{failed},
		}); err != nil {
			return err
		}
		exec.Status = running
		return c.proceedFrom(ctx, exec, failed.Stage)

	case schema.DecisionRestartWorkflow:
		return c.resetLocked(ctx, exec, exec.Stages[0], "workflow restarted after failure", "")
	}
	return nil
}

func (c *Controller) resolveGate(ctx context.Context, exec *store.Execution, decision schema.Decision) error {
	gate, err := c.store.GetOpenGate(ctx, exec.ID)
	if err != nil {
		return storeErr(err, "get open gate")
	}
	if gate == nil {
		return schema.NewError(schema.ErrCodeGateNotFound, "no open gate for execution")
	}
	// A decision may name the gate it answers, so a caller holding a stale
	// gate cannot accidentally resolve whichever gate is open now.
	if decision.GateID != "" && decision.GateID != gate.ID {
		prior, gerr := c.store.GetGate(ctx, decision.GateID)
		if gerr == nil && prior.Status == store.GateStatusResolved {
			return schema.NewErrorf(schema.ErrCodeGateNotFound,
				"gate %s was already resolved by %s", decision.GateID, prior.ResolvedBy)
		}
		return schema.NewErrorf(schema.ErrCodeGateNotFound,
			"gate %s is not the open gate for this execution", decision.GateID)
	}
	if !gate.Kind.Accepts(decision.Kind) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"gate %s does not accept decision %q", gate.Kind, decision.Kind)
	}

	running := schema.ExecutionStatusRunning
	if err := ValidateExecutionTransition(exec.ID, exec.Status, running); err != nil {
		return err
	}

	resolved := &schema.GateResolvedPayload{
		GateID:     gate.ID,
		Decision:   decision.Kind,
		Payload:    decision.Payload,
		ResolvedBy: decision.DecidedBy,
	}
	update := &store.ExecutionUpdate{Status: &running}
	if decision.Kind == schema.DecisionDenyPermission {
		resolved.DeniedStage = gate.Stage
		denied := append(append([]schema.StageType{}, exec.DeniedStages...), gate.Stage)
		update.DeniedStages = &denied
		exec.DeniedStages = denied
	}

	var revise schema.RevisePayload
	if decision.Kind == schema.DecisionRevise {
		if err := json.Unmarshal(decision.Payload, &revise); err != nil {
			return schema.NewError(schema.ErrCodeValidation, "revise decision requires a target stage").WithCause(err)
		}
		if schema.StagesFrom(exec.Stages, revise.TargetStage) == nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"revise target %q is not in the execution plan", revise.TargetStage)
		}
	}

	resolution, _ := json.Marshal(resolved)
	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event:       newEvent(exec.ID, resolved),
		Execution:   update,
		ResolveGate: &store.GateResolution{
			GateID:     gate.ID,
			Resolution: resolution,
			ResolvedBy: decision.DecidedBy,
		},
	}); err != nil {
		return err
	}
	exec.Status = running

	c.logger.InfoContext(ctx, "gate resolved",
		slog.String("gate_id", gate.ID), slog.String("decision", string(decision.Kind)))

	switch decision.Kind {
	case schema.DecisionApprove:
		return c.proceedFrom(ctx, exec, gate.Stage)
	case schema.DecisionRevise:
		return c.resetLocked(ctx, exec, revise.TargetStage, "revision requested", revise.Feedback)
	case schema.DecisionGrantPermission:
		return c.startStage(ctx, exec, gate.Stage, exec.Result, nil)
	case schema.DecisionDenyPermission:
		return c.proceedFrom(ctx, exec, gate.Stage)
	}
	return nil
}

// --- Advancement ---

// proceedFrom moves the pipeline past the given stage: it picks the next
// stage of the plan (skipping denied ones), opens a permission gate if the
// next stage requires one, or completes the execution when the plan is
// exhausted.
func (c *Controller) proceedFrom(ctx context.Context, exec *store.Execution, stage schema.StageType) error {
	next := nextStage(exec, stage)
	if next == "" {
		return c.complete(ctx, exec)
	}
	if kind := gateBefore(next); kind != "" {
		return c.openGate(ctx, exec, kind, next)
	}
	return c.startStage(ctx, exec, next, exec.Result, nil)
}

func nextStage(exec *store.Execution, after schema.StageType) schema.StageType {
	denied := make(map[schema.StageType]bool, len(exec.DeniedStages))
	for _, s := range exec.DeniedStages {
		denied[s] = true
	}
	seen := false
	for _, s := range exec.Stages {
		if s == after {
			seen = true
			continue
		}
		if seen && !denied[s] {
			return s
		}
	}
	return ""
}

func (c *Controller) complete(ctx context.Context, exec *store.Execution) error {
	status := completionStatus(exec.DeniedStages)
	if err := ValidateExecutionTransition(exec.ID, exec.Status, status); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event: newEvent(exec.ID, &schema.ExecutionCompletedPayload{
			Status: status,
			Result: exec.Result,
		}),
		Execution: &store.ExecutionUpdate{Status: &status, CompletedAt: &now},
	}); err != nil {
		return err
	}
	exec.Status = status

	c.logger.InfoContext(ctx, "execution completed", slog.String("status", string(status)))
	return nil
}

// --- Reset ---

// ResetTo invalidates every stage at or after the target and re-enters the
// pipeline at the target stage.
func (c *Controller) ResetTo(ctx context.Context, executionID string, target schema.StageType, reason string) (*store.Snapshot, error) {
	ctx = logging.WithExecutionID(ctx, executionID)
	lock := c.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() && exec.Status != schema.ExecutionStatusFailed {
		return nil, terminatedErr(exec)
	}
	gate, err := c.store.GetOpenGate(ctx, executionID)
	if err != nil {
		return nil, storeErr(err, "get open gate")
	}
	if gate != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution has an open %s gate; resolve it before resetting", gate.Kind)
	}
	if err := c.resetLocked(ctx, exec, target, reason, ""); err != nil {
		return nil, err
	}
	return c.snapshotLocked(ctx, executionID)
}

func (c *Controller) resetLocked(ctx context.Context, exec *store.Execution, target schema.StageType, reason, feedback string) error {
	affected := schema.StagesFrom(exec.Stages, target)
	if affected == nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"reset target %q is not in the execution plan", target)
	}

	tasks, err := c.store.ListTasks(ctx, exec.ID)
	if err != nil {
		return storeErr(err, "list tasks")
	}
	targetPos := schema.StagePosition(target)

	var superseded []*store.AgentTask
	var supersededIDs []string
	var priorInput json.RawMessage
	for _, t := range tasks {
		if schema.StagePosition(t.Stage) < targetPos || t.Status == schema.TaskStatusSuperseded {
			continue
		}
		if t.Status == schema.TaskStatusRunning {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"stage %s is currently running and cannot be reset", t.Stage)
		}
		if err := ValidateTaskTransition(exec.ID, t.ID, t.Status, schema.TaskStatusSuperseded); err != nil {
			return err
		}
		if t.Stage == target {
			priorInput = t.Input
		}
		t.Status = schema.TaskStatusSuperseded
		superseded = append(superseded, t)
		supersededIDs = append(supersededIDs, t.ID)
	}

	running := schema.ExecutionStatusRunning
	if exec.Status != running {
		if err := ValidateExecutionTransition(exec.ID, exec.Status, running); err != nil {
			return err
		}
	}

	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event: newEvent(exec.ID, &schema.ExecutionResetPayload{
			TargetStage:       target,
			Reason:            reason,
			AffectedStages:    affected,
			SupersededTaskIDs: supersededIDs,
		}),
		Execution: &store.ExecutionUpdate{Status: &running},
		Tasks:     superseded,
	}); err != nil {
		return err
	}
	exec.Status = running

	input := priorInput
	if input == nil {
		input = exec.Result
	}
	if feedback != "" {
		input = withFeedback(input, feedback)
	}

	c.logger.InfoContext(ctx, "execution reset",
		slog.String("target", string(target)), slog.Int("superseded", len(supersededIDs)))
	return c.startStage(ctx, exec, target, input, nil)
}

// withFeedback attaches reviewer feedback to a stage input payload.
func withFeedback(input json.RawMessage, feedback string) json.RawMessage {
	wrapped := map[string]json.RawMessage{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &wrapped); err != nil {
			wrapped = map[string]json.RawMessage{"input": input}
		}
	}
	fb, _ := json.Marshal(feedback)
	wrapped["feedback"] = fb
	out, _ := json.Marshal(wrapped)
	return out
}

// --- Cancel ---

// Cancel terminates the execution. Cancelling an already-terminal execution
// is a no-op returning the current snapshot.
func (c *Controller) Cancel(ctx context.Context, executionID, reason string) (*store.Snapshot, error) {
	ctx = logging.WithExecutionID(ctx, executionID)
	lock := c.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() && exec.Status != schema.ExecutionStatusFailed {
		return c.snapshotLocked(ctx, executionID)
	}

	cancelled := schema.ExecutionStatusCancelled
	if err := ValidateExecutionTransition(exec.ID, exec.Status, cancelled); err != nil {
		return nil, err
	}

	// Queued work dies with the execution; a running task keeps its slot and
	// reports its own outcome at the stage boundary.
	tasks, err := c.store.ListTasks(ctx, executionID)
	if err != nil {
		return nil, storeErr(err, "list tasks")
	}
	var superseded []*store.AgentTask
	var supersededIDs []string
	for _, t := range tasks {
		if t.Status != schema.TaskStatusPending {
			continue
		}
		if err := ValidateTaskTransition(exec.ID, t.ID, t.Status, schema.TaskStatusSuperseded); err != nil {
			return nil, err
		}
		t.Status = schema.TaskStatusSuperseded
		superseded = append(superseded, t)
		supersededIDs = append(supersededIDs, t.ID)
	}

	now := time.Now().UTC()
	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event: newEvent(exec.ID, &schema.ExecutionCancelledPayload{
			Reason:            reason,
			SupersededTaskIDs: supersededIDs,
		}),
		Execution: &store.ExecutionUpdate{Status: &cancelled, CompletedAt: &now},
		Tasks:     superseded,
	}); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "execution cancelled", slog.String("reason", reason))
	return c.snapshotLocked(ctx, executionID)
}

// --- Helpers ---

// startStageWithID is startStage with a caller-chosen task ID, used by retry
// so the superseded event can reference its replacement.
func (c *Controller) startStageWithID(ctx context.Context, exec *store.Execution, taskID string, stage schema.StageType, input json.RawMessage, execUpdate *store.ExecutionUpdate) error {
	tasks, err := c.store.ListTasks(ctx, exec.ID)
	if err != nil {
		return storeErr(err, "list tasks")
	}
	var cfg *schema.StageConfig
	if exec.StageConfigs != nil {
		cfg = exec.StageConfigs[stage]
	}
	task := &store.AgentTask{
		ID:          taskID,
		ExecutionID: exec.ID,
		Stage:       stage,
		Status:      schema.TaskStatusPending,
		Sequence:    len(tasks) + 1,
		Input:       input,
		Config:      cfg,
	}
	if err := c.commit(ctx, &store.Transition{
		ExecutionID: exec.ID,
		Event: newEvent(exec.ID, &schema.TaskCreatedPayload{
			TaskID:   task.ID,
			Stage:    stage,
			Sequence: task.Sequence,
			Input:    input,
			Config:   cfg,
		}),
		Execution: execUpdate,
		Tasks:     []*store.AgentTask{task},
	}); err != nil {
		return err
	}
	return c.dispatch(exec.ID, task)
}

// guardReport fetches the execution for a task report. Terminal executions
// reject reports, with one exception: cancellation takes effect between stage
// boundaries, so the in-flight task of a cancelled execution may still report
// its own outcome (live is false then, and the caller must not advance).
func (c *Controller) guardReport(ctx context.Context, task *store.AgentTask) (*store.Execution, bool, error) {
	exec, err := c.store.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return nil, false, err
	}
	if !exec.Status.Terminal() {
		return exec, true, nil
	}
	if exec.Status == schema.ExecutionStatusCancelled && task.Status == schema.TaskStatusRunning {
		return exec, false, nil
	}
	return nil, false, terminatedErr(exec)
}

func terminatedErr(exec *store.Execution) *schema.BidflowError {
	return schema.NewErrorf(schema.ErrCodeTerminated,
		"execution is %s and accepts no further work", exec.Status).
		WithDetails(map[string]any{"execution_id": exec.ID, "status": string(exec.Status)})
}

func isTerminated(err error) bool {
	var bfErr *schema.BidflowError
	return errors.As(err, &bfErr) && bfErr.Code == schema.ErrCodeTerminated
}

func newEvent(executionID string, payload schema.EventPayload) *store.Event {
	raw, err := schema.MarshalPayload(payload)
	if err != nil {
		// Payload structs marshal unconditionally; this indicates a bug.
		panic(err)
	}
	return &store.Event{
		ExecutionID: executionID,
		Type:        payload.Kind(),
		Payload:     raw,
	}
}

// commit persists the transition and, once durable, publishes its event to
// live subscribers. Publishing under the execution lock preserves log order
// on the hub.
func (c *Controller) commit(ctx context.Context, t *store.Transition) error {
	if err := c.store.CommitTransition(ctx, t); err != nil {
		return storeErr(err, "commit transition")
	}
	if c.hub != nil {
		_ = c.hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: t.Event.ExecutionID,
			Offset:      t.Event.Offset,
			EventType:   t.Event.Type,
			Payload:     t.Event.Payload,
			Timestamp:   t.Event.Timestamp,
		})
	}
	return nil
}

// storeErr wraps persistence failures, passing through typed engine errors.
func storeErr(err error, op string) error {
	var bfErr *schema.BidflowError
	if errors.As(err, &bfErr) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
