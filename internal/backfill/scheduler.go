package backfill

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/saudabook/position-engine/internal/model"
)

// Task is a unit of scheduled work.
type Task interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler runs tasks on cron schedules (standard five-field syntax).
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler creates a scheduler. Tasks see a context that is cancelled
// by Stop.
func NewScheduler() *Scheduler {
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(),
		ctx:  ctx,
		stop: stop,
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "tasks", len(s.cron.Entries()))
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// AddTask registers task with a cron schedule, e.g.:
//   - "55 23 * * *"  - every day at 23:55
//   - "0 3 * * SUN"  - Sundays at 03:00
//   - "@every 1h"    - hourly
func (s *Scheduler) AddTask(schedule string, task Task) error {
	_, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		slog.Debug("running task", "task", task.Name())

		if err := task.Run(s.ctx); err != nil {
			slog.Error("task failed", "task", task.Name(), "err", err)
		} else {
			slog.Debug("task completed", "task", task.Name(), "duration", time.Since(start).String())
		}
	})
	if err != nil {
		return err
	}

	slog.Info("task registered", "task", task.Name(), "schedule", schedule)
	return nil
}

// SnapshotTask regenerates today's P&L snapshots.
type SnapshotTask struct {
	Runner *Runner
	Now    func() time.Time
}

func (t *SnapshotTask) Name() string { return "snapshot-today" }

func (t *SnapshotTask) Run(ctx context.Context) error {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	date := model.DateOf(now())
	n, err := t.Runner.GenerateSnapshots(ctx, date)
	if err != nil {
		return err
	}
	slog.Info("daily snapshots generated", "date", date.Format(model.DateLayout), "rows", n)
	return nil
}

// RepairTask rebuilds every stock position and then every snapshot date. A
// run that finds another backfill in progress is skipped.
type RepairTask struct {
	Runner *Runner
	Opts   Options
}

func (t *RepairTask) Name() string { return "repair" }

func (t *RepairTask) Run(ctx context.Context) error {
	for _, kind := range []Kind{KindStock, KindPnL} {
		job, err := t.Runner.Run(ctx, kind, t.Opts)
		if errors.Is(err, ErrAlreadyRunning) {
			slog.Info("repair skipped, backfill already running", "kind", kind)
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status == StatusCancelled {
			return ctx.Err()
		}
	}
	return nil
}
