// Package backfill rebuilds derived state over the whole ledger: every stock
// position (with each contract's pending quantity) and every P&L snapshot.
//
// Rebuilds run off the request path as jobs. Each position key or snapshot
// date is its own unit of work, so a failing unit is recorded and the job
// moves on; a cancelled job stops between units and leaves every committed
// unit in place.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/saudabook/position-engine/internal/engine"
	"github.com/saudabook/position-engine/internal/metrics"
	"github.com/saudabook/position-engine/internal/model"
	"github.com/saudabook/position-engine/internal/overdelivery"
	"github.com/saudabook/position-engine/internal/store"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("backfill: job not found")

const lockName = "backfill"

// maxRetainedJobs bounds how many finished jobs Get can still report.
const maxRetainedJobs = 50

// Kind selects what a job rebuilds.
type Kind string

const (
	KindStock Kind = "stock"
	KindPnL   Kind = "pnl"
)

// Status of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial" // finished, some units failed
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Options tune one run.
type Options struct {
	// ContinueOnError records a failing unit and keeps going. Otherwise the
	// first failure stops the job.
	ContinueOnError bool

	// PruneSnapshots restricts a P&L rebuild to trade dates and deletes
	// snapshot rows for every other date. By default existing snapshot
	// dates that are not trade dates are regenerated too.
	PruneSnapshots bool
}

// Failure records one unit that could not be rebuilt.
type Failure struct {
	Unit  string `json:"unit"`
	Error string `json:"error"`
}

// Job is a point-in-time view of a backfill.
type Job struct {
	ID              string              `json:"id"`
	Kind            Kind                `json:"kind"`
	Status          Status              `json:"status"`
	Total           int                 `json:"total"`
	Done            int                 `json:"done"`
	Failed          int                 `json:"failed"`
	Failures        []Failure           `json:"failures,omitempty"`
	OverDeliveries  []overdelivery.Flag `json:"over_deliveries,omitempty"`
	PrunedSnapshots int                 `json:"pruned_snapshots,omitempty"`
	Error           string              `json:"error,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
}

// Finished reports whether the job has stopped.
func (j *Job) Finished() bool { return j.Status != StatusRunning }

// Runner executes backfills and keeps track of their jobs.
type Runner struct {
	store       store.Store
	triggers    *engine.Triggers
	locker      Locker
	concurrency int
	onProgress  func(Job)

	mu    sync.Mutex
	jobs  map[string]*jobState
	order []string
}

// NewRunner creates a runner. concurrency bounds how many units run at once.
func NewRunner(st store.Store, triggers *engine.Triggers, locker Locker, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		store:       st,
		triggers:    triggers,
		locker:      locker,
		concurrency: concurrency,
		jobs:        make(map[string]*jobState),
	}
}

// OnProgress registers fn to receive a job view after every unit and when
// the job finishes. fn must not block.
func (r *Runner) OnProgress(fn func(Job)) {
	r.onProgress = fn
}

// Start launches a backfill in the background and returns immediately.
// It fails with ErrAlreadyRunning while another backfill holds the lock.
func (r *Runner) Start(kind Kind, opts Options) (*Job, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	release, err := r.locker.Acquire(context.Background(), lockName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	js := r.newJob(kind, cancel)
	go func() {
		defer release()
		defer cancel()
		r.execute(ctx, js, opts)
	}()

	job := js.view()
	return &job, nil
}

// Run executes a backfill synchronously. The returned job is final.
func (r *Runner) Run(ctx context.Context, kind Kind, opts Options) (*Job, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	release, err := r.locker.Acquire(ctx, lockName)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	js := r.newJob(kind, cancel)
	r.execute(ctx, js, opts)

	job := js.view()
	if job.Status == StatusFailed {
		return &job, errors.New(job.Error)
	}
	return &job, nil
}

// Get returns the current view of a job.
func (r *Runner) Get(id string) (*Job, error) {
	r.mu.Lock()
	js, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	job := js.view()
	return &job, nil
}

// Cancel stops a running job between units. Cancelling a finished job is a no-op.
func (r *Runner) Cancel(id string) (*Job, error) {
	r.mu.Lock()
	js, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	js.cancel()
	job := js.view()
	return &job, nil
}

// GenerateSnapshots regenerates the snapshots of a single date in one unit of
// work. Used by the daily schedule; it does not take the backfill lock.
func (r *Runner) GenerateSnapshots(ctx context.Context, date time.Time) (int, error) {
	var rows []model.PlusMinusSnapshot
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		rows, err = engine.GenerateSnapshots(ctx, tx, date)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.RecalculationsTotal.WithLabelValues("snapshot_date").Inc()
	return len(rows), nil
}

func validKind(kind Kind) error {
	if kind != KindStock && kind != KindPnL {
		return fmt.Errorf("backfill: unknown kind %q", kind)
	}
	return nil
}

func (r *Runner) newJob(kind Kind, cancel context.CancelFunc) *jobState {
	js := &jobState{
		job: Job{
			ID:        uuid.New().String(),
			Kind:      kind,
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[js.job.ID] = js
	r.order = append(r.order, js.job.ID)
	for len(r.order) > maxRetainedJobs {
		oldest := r.jobs[r.order[0]]
		if oldest != nil && !oldest.finished() {
			break
		}
		delete(r.jobs, r.order[0])
		r.order = r.order[1:]
	}
	return js
}

func (r *Runner) execute(ctx context.Context, js *jobState, opts Options) {
	metrics.BackfillRunning.Set(1)
	defer metrics.BackfillRunning.Set(0)

	kind := js.view().Kind
	slog.Info("backfill started", "job_id", js.id(), "kind", kind,
		"continue_on_error", opts.ContinueOnError, "prune", opts.PruneSnapshots)

	var err error
	switch kind {
	case KindStock:
		err = r.rebuildStock(ctx, js, opts)
	case KindPnL:
		err = r.rebuildSnapshots(ctx, js, opts)
	}
	js.finish(err, ctx.Err() != nil)

	job := js.view()
	metrics.BackfillJobsTotal.WithLabelValues(string(kind), string(job.Status)).Inc()
	slog.Info("backfill finished",
		"job_id", job.ID,
		"kind", kind,
		"status", job.Status,
		"done", job.Done,
		"failed", job.Failed,
		"over_deliveries", len(job.OverDeliveries),
		"pruned_snapshots", job.PrunedSnapshots,
		"duration", time.Since(job.StartedAt).String(),
	)
	r.notify(job)
}

// rebuildStock recomputes every position that has contracts or an existing
// row, along with the pending quantity of each of its contracts.
func (r *Runner) rebuildStock(ctx context.Context, js *jobState, opts Options) error {
	keys, err := r.store.PositionKeys(ctx)
	if err != nil {
		return fmt.Errorf("list position keys: %w", err)
	}
	existing, err := r.store.ListStockPositions(ctx)
	if err != nil {
		return fmt.Errorf("list stock positions: %w", err)
	}
	for i := range existing {
		keys = append(keys, existing[i].Key())
	}
	keys = uniqueKeys(keys)

	return forEach(ctx, r, js, opts, keys, model.PositionKey.String, func(ctx context.Context, key model.PositionKey) error {
		var out *engine.Outcome
		err := r.store.WithinTx(ctx, func(tx store.Tx) error {
			var err error
			out, err = r.triggers.Repair(ctx, tx, key)
			return err
		})
		if err != nil {
			return err
		}
		metrics.RecalculationsTotal.WithLabelValues("pending").Add(float64(len(out.Pending)))
		metrics.RecalculationsTotal.WithLabelValues("stock").Add(float64(len(out.Positions)))
		metrics.OverDeliveriesTotal.Add(float64(len(out.OverDeliveries)))
		js.addOverDeliveries(out.OverDeliveries)
		return nil
	})
}

// rebuildSnapshots regenerates every snapshot date from scratch.
func (r *Runner) rebuildSnapshots(ctx context.Context, js *jobState, opts Options) error {
	tradeDates, err := r.store.TradeDates(ctx)
	if err != nil {
		return fmt.Errorf("list trade dates: %w", err)
	}
	dates := tradeDates
	if !opts.PruneSnapshots {
		existing, err := r.store.SnapshotDates(ctx)
		if err != nil {
			return fmt.Errorf("list snapshot dates: %w", err)
		}
		dates = uniqueDates(append(append([]time.Time{}, tradeDates...), existing...))
	}

	label := func(d time.Time) string { return d.Format(model.DateLayout) }
	err = forEach(ctx, r, js, opts, dates, label, func(ctx context.Context, date time.Time) error {
		_, err := r.GenerateSnapshots(ctx, date)
		return err
	})
	if err != nil || !opts.PruneSnapshots || ctx.Err() != nil {
		return err
	}

	var pruned int
	err = r.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		pruned, err = tx.DeleteSnapshotsExcept(ctx, tradeDates)
		return err
	})
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	js.setPruned(pruned)
	return nil
}

// forEach runs work over units with bounded concurrency, recording each
// result on the job.
func forEach[T any](ctx context.Context, r *Runner, js *jobState, opts Options, units []T,
	label func(T) string, work func(context.Context, T) error) error {

	js.setTotal(len(units))
	kind := string(js.view().Kind)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, u := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := work(gctx, u)
			if err != nil && gctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil // interrupted, not failed
			}
			if err != nil {
				metrics.BackfillUnitsTotal.WithLabelValues(kind, "failed").Inc()
				slog.Error("backfill unit failed", "job_id", js.id(), "unit", label(u), "err", err)
			} else {
				metrics.BackfillUnitsTotal.WithLabelValues(kind, "ok").Inc()
			}
			r.notify(js.record(label(u), err))
			if err != nil && !opts.ContinueOnError {
				return fmt.Errorf("%s: %w", label(u), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) notify(job Job) {
	if r.onProgress != nil {
		r.onProgress(job)
	}
}

// jobState is the mutable side of a Job.
type jobState struct {
	mu     sync.Mutex
	job    Job
	cancel context.CancelFunc
}

func (s *jobState) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.ID
}

func (s *jobState) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Finished()
}

func (s *jobState) view() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	j.Failures = append([]Failure(nil), s.job.Failures...)
	j.OverDeliveries = append([]overdelivery.Flag(nil), s.job.OverDeliveries...)
	if s.job.FinishedAt != nil {
		t := *s.job.FinishedAt
		j.FinishedAt = &t
	}
	return j
}

func (s *jobState) setTotal(n int) {
	s.mu.Lock()
	s.job.Total = n
	s.mu.Unlock()
}

func (s *jobState) setPruned(n int) {
	s.mu.Lock()
	s.job.PrunedSnapshots = n
	s.mu.Unlock()
}

func (s *jobState) addOverDeliveries(flags []overdelivery.Flag) {
	if len(flags) == 0 {
		return
	}
	s.mu.Lock()
	s.job.OverDeliveries = append(s.job.OverDeliveries, flags...)
	s.mu.Unlock()
}

func (s *jobState) record(unit string, err error) Job {
	s.mu.Lock()
	s.job.Done++
	if err != nil {
		s.job.Failed++
		s.job.Failures = append(s.job.Failures, Failure{Unit: unit, Error: err.Error()})
	}
	s.mu.Unlock()
	return s.view()
}

func (s *jobState) finish(err error, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.job.FinishedAt = &now
	switch {
	case cancelled:
		s.job.Status = StatusCancelled
	case err != nil:
		s.job.Status = StatusFailed
		s.job.Error = err.Error()
	case s.job.Failed > 0:
		s.job.Status = StatusPartial
	default:
		s.job.Status = StatusSucceeded
	}
	sort.Slice(s.job.Failures, func(i, j int) bool { return s.job.Failures[i].Unit < s.job.Failures[j].Unit })
}

func uniqueKeys(keys []model.PositionKey) []model.PositionKey {
	seen := make(map[model.PositionKey]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func uniqueDates(dates []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(dates))
	out := dates[:0]
	for _, d := range dates {
		d = model.DateOf(d)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
