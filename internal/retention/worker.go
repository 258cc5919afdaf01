// Package retention removes chat sessions idle for longer than a configured age.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule sweeps at the top of every hour.
const DefaultSchedule = "@hourly"

// Sweeper is the part of the session store the worker needs.
type Sweeper interface {
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker runs a cron-scheduled sweep over the session store.
type Worker struct {
	store    Sweeper
	maxAge   time.Duration
	schedule cron.Schedule
	cron     *cron.Cron
	now      func() time.Time
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule expression. maxAge must be positive.
func New(store Sweeper, maxAge time.Duration, schedule string) (*Worker, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be > 0, got %s", maxAge)
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return &Worker{
		store:    store,
		maxAge:   maxAge,
		schedule: sched,
		now:      time.Now,
	}, nil
}

// Start schedules the sweep and returns immediately. The worker stops when
// ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.cron = cron.New(cron.WithParser(parser))
	w.cron.Schedule(w.schedule, cron.FuncJob(func() { w.Sweep(ctx) }))
	w.cron.Start()
	slog.Info("Retention worker started", "max_age", w.maxAge, "next", w.schedule.Next(w.now()))

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (w *Worker) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

// Sweep deletes sessions idle for longer than the max age. Busy retries are
// the store's concern.
func (w *Worker) Sweep(ctx context.Context) int64 {
	if ctx.Err() != nil {
		return 0
	}
	cutoff := w.now().Add(-w.maxAge).UTC()

	deleted, err := w.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention sweep failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("Retention sweep removed sessions", "count", deleted, "cutoff", cutoff)
	}
	return deleted
}
