package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/kalambet/inboxpilot/internal/storage"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and descriptors such as "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Scheduler queues a sync job for every agent on a cron schedule.
type Scheduler struct {
	store  *storage.Store
	spec   string
	cron   *cronlib.Cron
	logger *slog.Logger
}

// NewScheduler validates spec and creates a Scheduler.
func NewScheduler(store *storage.Store, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:  store,
		spec:   spec,
		cron:   cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC)),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Fire(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parsing sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running fire to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("sync scheduler started", "schedule", s.spec)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("sync scheduler stopped")
	return nil
}

// Fire queues a sync for every agent that has none pending. It returns the
// number of jobs queued.
func (s *Scheduler) Fire(ctx context.Context) int {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.logger.Error("scheduler: listing users", "error", err)
		return 0
	}
	queued := 0
	for _, u := range users {
		id, ok, err := EnqueueSync(ctx, s.store, u.ID)
		if err != nil {
			s.logger.Error("scheduler: queuing sync", "owner_id", u.ID, "error", err)
			continue
		}
		if !ok {
			s.logger.Debug("scheduler: sync already queued", "owner_id", u.ID)
			continue
		}
		queued++
		s.logger.Info("scheduler: sync queued", "owner_id", u.ID, "job_id", id)
	}
	return queued
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
