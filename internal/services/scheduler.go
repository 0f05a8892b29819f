package services

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"water-quality-etl/pkg/logging"
)

// Job is one scheduled pipeline invocation
type Job func(ctx context.Context) error

// Scheduler runs jobs on cron specs. A job still running when its next tick
// arrives is skipped rather than stacked.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.StructuredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *logging.StructuredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job under name on a standard five-field cron spec or descriptor such as @hourly
func (s *Scheduler) Add(spec, name string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := s.ctx
		s.logger.Info(ctx, "[SCHEDULER_RUN] Scheduled job starting", logging.Fields{
			"job":      name,
			"schedule": spec,
		})
		if err := job(ctx); err != nil {
			s.logger.Error(ctx, "[SCHEDULER_ERROR] Scheduled job failed", logging.Fields{
				"job": name,
			}, err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s on %q: %w", name, spec, err)
	}
	return nil
}

// Start begins firing jobs in the background
func (s *Scheduler) Start() {
	s.logger.Info(s.ctx, "[SCHEDULER_START] Scheduler started", logging.Fields{
		"jobs": len(s.cron.Entries()),
	})
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info(context.Background(), "[SCHEDULER_STOP] Scheduler stopped", logging.Fields{})
}

// cronLogger adapts the structured logger to cron's logger interface
type cronLogger struct {
	logger *logging.StructuredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(context.Background(), "[SCHEDULER] "+msg, pairs(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(context.Background(), "[SCHEDULER_ERROR] "+msg, pairs(keysAndValues), err)
}

func pairs(keysAndValues []interface{}) logging.Fields {
	fields := logging.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
