package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/pkg/schema"
)

// FailureReporter is the interface the sweeper uses to time out overdue
// tasks. Satisfied by the engine controller (avoids import cycle).
type FailureReporter interface {
	ReportFailure(ctx context.Context, taskID, message, classification string) (*store.Snapshot, error)
}

// TaskLister is the slice of the store the sweeper reads from.
type TaskLister interface {
	ListOverdueTasks(ctx context.Context, now time.Time) ([]*store.AgentTask, error)
}

// Sweeper periodically scans for running tasks whose deadline has passed and
// reports each as a timeout failure, moving its execution into the normal
// failure-recovery flow.
type Sweeper struct {
	store    TaskLister
	reporter FailureReporter
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task IDs currently being reported (dedup)
}

// DefaultSweepSchedule sweeps once a minute.
const DefaultSweepSchedule = "* * * * *"

// NewSweeper creates a Sweeper firing on the given cron schedule.
func NewSweeper(s TaskLister, reporter FailureReporter, cronExpr string, logger *slog.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cronExpr, err)
	}
	return &Sweeper{
		store:    s,
		reporter: reporter,
		schedule: schedule,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}, nil
}

// Start launches the background sweep loop. The first sweep runs immediately
// to pick up tasks that went overdue while the process was down.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("deadline sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep times out every running task whose deadline has passed. It is safe to
// call concurrently with the loop; tasks being reported are deduplicated.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	overdue, err := s.store.ListOverdueTasks(ctx, now)
	if err != nil {
		s.logger.Error("failed to list overdue tasks", slog.String("error", err.Error()))
		return
	}

	for _, task := range overdue {
		if !s.tryAcquire(task.ID) {
			continue
		}
		s.timeOut(ctx, task, now)
		s.release(task.ID)
	}
}

func (s *Sweeper) timeOut(ctx context.Context, task *store.AgentTask, now time.Time) {
	msg := fmt.Sprintf("%s stage exceeded its deadline", task.Stage)
	if task.DeadlineAt != nil {
		msg = fmt.Sprintf("%s stage exceeded its deadline by %s",
			task.Stage, now.Sub(*task.DeadlineAt).Round(time.Second))
	}

	if _, err := s.reporter.ReportFailure(ctx, task.ID, msg, schema.ErrCodeTimeout); err != nil {
		// The task may have completed or the execution terminated between the
		// listing and the report. Both resolve the overdue condition.
		bfErr, ok := err.(*schema.BidflowError)
		if ok && (bfErr.Code == schema.ErrCodeInvalidTransition || bfErr.Code == schema.ErrCodeTerminated) {
			return
		}
		s.logger.Error("failed to time out overdue task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Warn("task timed out",
		slog.String("task_id", task.ID),
		slog.String("execution_id", task.ExecutionID),
		slog.String("stage", string(task.Stage)),
	)
}

func (s *Sweeper) tryAcquire(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[taskID]; ok {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *Sweeper) release(taskID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, taskID)
}

// Stop gracefully shuts down the sweep loop.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("deadline sweeper stopped")
	return nil
}
