package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/bidworks/bidflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	stages, err := json.Marshal(exec.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	var configs any
	if len(exec.StageConfigs) > 0 {
		raw, err := json.Marshal(exec.StageConfigs)
		if err != nil {
			return fmt.Errorf("marshal stage_configs: %w", err)
		}
		configs = string(raw)
	}
	denied, err := marshalStagesOrNil(exec.DeniedStages)
	if err != nil {
		return fmt.Errorf("marshal denied_stages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, project_id, initiator, status, stages, stage_configs, denied_stages, result, error_summary, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ProjectID, exec.Initiator, string(exec.Status), string(stages), configs, denied,
		nullRaw(exec.Result), nullRaw(exec.ErrorSummary),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"project %s already has an active execution", exec.ProjectID).WithCause(err)
	}
	return err
}

const executionColumns = `id, project_id, initiator, status, stages, stage_configs, denied_stages, result, error_summary, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) GetActiveExecution(ctx context.Context, projectID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE project_id = ?
		   AND status NOT IN ('completed', 'completed_without_comms', 'completed_without_submission', 'failed', 'cancelled')`,
		projectID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(r rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		status, stagesJSON      string
		configsJSON, deniedJSON sql.NullString
		resultJSON, errorJSON   sql.NullString
		startedAt, completedAt  sql.NullTime
	)
	if err := r.Scan(&exec.ID, &exec.ProjectID, &exec.Initiator, &status, &stagesJSON, &configsJSON,
		&deniedJSON, &resultJSON, &errorJSON, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(stagesJSON), &exec.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if configsJSON.Valid && configsJSON.String != "" {
		if err := json.Unmarshal([]byte(configsJSON.String), &exec.StageConfigs); err != nil {
			return nil, fmt.Errorf("unmarshal stage_configs: %w", err)
		}
	}
	if deniedJSON.Valid && deniedJSON.String != "" {
		if err := json.Unmarshal([]byte(deniedJSON.String), &exec.DeniedStages); err != nil {
			return nil, fmt.Errorf("unmarshal denied_stages: %w", err)
		}
	}
	exec.Result = rawOrNil(resultJSON)
	exec.ErrorSummary = rawOrNil(errorJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Tasks ---

const taskColumns = `id, execution_id, stage, status, sequence, input, output, config, error_detail, deadline_at, created_at, started_at, completed_at, duration_ms`

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return task, err
}

func (s *LibSQLStore) ListTasks(ctx context.Context, executionID string) ([]*AgentTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE execution_id = ? ORDER BY sequence ASC`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *LibSQLStore) ListOverdueTasks(ctx context.Context, now time.Time) ([]*AgentTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks
		 WHERE status = ? AND deadline_at IS NOT NULL AND deadline_at < ?
		 ORDER BY deadline_at ASC`,
		string(schema.TaskStatusRunning), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*AgentTask, error) {
	var tasks []*AgentTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(r rowScanner) (*AgentTask, error) {
	task := &AgentTask{}
	var (
		stage, status                      string
		input, output, configJSON, errJSON sql.NullString
		deadlineAt, startedAt, completedAt sql.NullTime
	)
	if err := r.Scan(&task.ID, &task.ExecutionID, &stage, &status, &task.Sequence,
		&input, &output, &configJSON, &errJSON, &deadlineAt,
		&task.CreatedAt, &startedAt, &completedAt, &task.DurationMs); err != nil {
		return nil, err
	}
	task.Stage = schema.StageType(stage)
	task.Status = schema.TaskStatus(status)
	task.Input = rawOrNil(input)
	task.Output = rawOrNil(output)
	task.ErrorDetail = rawOrNil(errJSON)
	if configJSON.Valid && configJSON.String != "" {
		cfg := &schema.StageConfig{}
		if err := json.Unmarshal([]byte(configJSON.String), cfg); err != nil {
			return nil, fmt.Errorf("unmarshal task config: %w", err)
		}
		task.Config = cfg
	}
	if deadlineAt.Valid {
		task.DeadlineAt = &deadlineAt.Time
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

// --- Gates ---

const gateColumns = `id, execution_id, kind, stage, prompt, options, status, resolution, resolved_by, created_at, resolved_at`

func (s *LibSQLStore) GetGate(ctx context.Context, id string) (*GateRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gateColumns+` FROM gate_requests WHERE id = ?`, id)
	gate, err := scanGate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("gate", id)
	}
	return gate, err
}

func (s *LibSQLStore) GetOpenGate(ctx context.Context, executionID string) (*GateRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gateColumns+` FROM gate_requests WHERE execution_id = ? AND status = 'pending'`,
		executionID)
	gate, err := scanGate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return gate, err
}

func scanGate(r rowScanner) (*GateRequest, error) {
	gate := &GateRequest{}
	var (
		kind, stage, optionsJSON       string
		prompt, resolution, resolvedBy sql.NullString
		resolvedAt                     sql.NullTime
	)
	if err := r.Scan(&gate.ID, &gate.ExecutionID, &kind, &stage, &prompt, &optionsJSON,
		&gate.Status, &resolution, &resolvedBy, &gate.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	gate.Kind = schema.GateKind(kind)
	gate.Stage = schema.StageType(stage)
	gate.Prompt = prompt.String
	if err := json.Unmarshal([]byte(optionsJSON), &gate.Options); err != nil {
		return nil, fmt.Errorf("unmarshal gate options: %w", err)
	}
	gate.Resolution = rawOrNil(resolution)
	gate.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		gate.ResolvedAt = &resolvedAt.Time
	}
	return gate, nil
}

// --- Transitions ---

func (s *LibSQLStore) CommitTransition(ctx context.Context, t *Transition) error {
	if t == nil || t.Event == nil {
		return schema.NewError(schema.ErrCodeValidation, "transition requires an event")
	}
	if t.Event.ExecutionID == "" {
		t.Event.ExecutionID = t.ExecutionID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next per-execution offset.
	var offset int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_offset), 0) + 1 FROM events WHERE execution_id = ?`,
		t.Event.ExecutionID,
	).Scan(&offset)
	if err != nil {
		return fmt.Errorf("get next offset: %w", err)
	}
	t.Event.Offset = offset
	if t.Event.Timestamp.IsZero() {
		t.Event.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, event_type, payload, event_offset, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		t.Event.ExecutionID, string(t.Event.Type), nullRaw(t.Event.Payload), offset, t.Event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if t.Execution != nil {
		if err := applyExecutionUpdate(ctx, tx, t.Event.ExecutionID, t.Execution); err != nil {
			return err
		}
	}

	for _, task := range t.Tasks {
		if err := upsertTask(ctx, tx, task); err != nil {
			return fmt.Errorf("upsert task %s: %w", task.ID, err)
		}
	}

	if t.OpenGate != nil {
		if err := insertGate(ctx, tx, t.OpenGate); err != nil {
			return fmt.Errorf("insert gate %s: %w", t.OpenGate.ID, err)
		}
	}

	if t.ResolveGate != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE gate_requests SET status = 'resolved', resolution = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND status = 'pending'`,
			nullRaw(t.ResolveGate.Resolution), nullStr(t.ResolveGate.ResolvedBy), t.ResolveGate.GateID,
		)
		if err != nil {
			return fmt.Errorf("resolve gate: %w", err)
		}
		if err := checkRowsAffected(res, "gate", t.ResolveGate.GateID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func applyExecutionUpdate(ctx context.Context, tx *sql.Tx, id string, update *ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.ErrorSummary != nil {
		sets = append(sets, "error_summary = ?")
		args = append(args, string(update.ErrorSummary))
	}
	if update.DeniedStages != nil {
		denied, err := json.Marshal(*update.DeniedStages)
		if err != nil {
			return fmt.Errorf("marshal denied_stages: %w", err)
		}
		sets = append(sets, "denied_stages = ?")
		args = append(args, string(denied))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return checkRowsAffected(res, "execution", id)
}

func upsertTask(ctx context.Context, tx *sql.Tx, task *AgentTask) error {
	var configJSON any
	if task.Config != nil {
		raw, err := json.Marshal(task.Config)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		configJSON = string(raw)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, execution_id, stage, status, sequence, input, output, config, error_detail, deadline_at, created_at, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error_detail=excluded.error_detail,
		   deadline_at=excluded.deadline_at, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		task.ID, task.ExecutionID, string(task.Stage), string(task.Status), task.Sequence,
		nullRaw(task.Input), nullRaw(task.Output), configJSON, nullRaw(task.ErrorDetail),
		nullTime(task.DeadlineAt), timeOrNow(task.CreatedAt), nullTime(task.StartedAt),
		nullTime(task.CompletedAt), task.DurationMs,
	)
	return err
}

func insertGate(ctx context.Context, tx *sql.Tx, gate *GateRequest) error {
	options, err := json.Marshal(gate.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO gate_requests (id, execution_id, kind, stage, prompt, options, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		gate.ID, gate.ExecutionID, string(gate.Kind), string(gate.Stage),
		nullStr(gate.Prompt), string(options), GateStatusPending, timeOrNow(gate.CreatedAt),
	)
	return err
}

// --- Events ---

func (s *LibSQLStore) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, event_type, payload, event_offset, timestamp
		 FROM events WHERE execution_id = ? AND event_offset > ? ORDER BY event_offset ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var eventType string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &eventType, &payload, &e.Offset, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = schema.EventType(eventType)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.BidflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStagesOrNil(stages []schema.StageType) (any, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(stages)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
