package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultSweepSchedule runs the downgrade sweep every five minutes
const DefaultSweepSchedule = "*/5 * * * *"

// Sweeper runs the downgrade sweep and other housekeeping jobs on cron schedules
type Sweeper struct {
	controller *Controller
	cron       *cron.Cron
	logger     *observability.Logger
	schedule   string
	timeout    time.Duration
}

// NewSweeper creates a sweeper for controller. An empty schedule uses DefaultSweepSchedule.
func NewSweeper(controller *Controller, schedule string, logger *observability.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sweeper{
		controller: controller,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		logger:   logger,
		schedule: schedule,
		timeout:  5 * time.Minute,
	}, nil
}

// RunOnce runs a single downgrade sweep
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.controller.SweepExpired(ctx)
	entry := s.logger.WithFields(map[string]interface{}{
		"downgraded":  n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("downgrade sweep finished with errors")
		return n, err
	}
	entry.Debug("downgrade sweep finished")
	return n, nil
}

// AddJob schedules an extra housekeeping job
func (s *Sweeper) AddJob(schedule, name string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.WithError(err).WithField("job", name).Error("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return nil
}

// Start schedules the sweep and starts the cron scheduler
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", s.schedule).Info("downgrade sweeper started")
	return nil
}

// Stop stops the scheduler. The returned context is done when running jobs finish.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}
