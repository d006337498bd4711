package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vpnshop/internal/lock"
	"vpnshop/internal/metrics"
)

// Locker makes a job pass exclusive across instances.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error)
}

// Job is one named periodic pass.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

func NewScheduler(locker Locker, log *zap.Logger) *Scheduler {
	log = log.Named("worker.scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: log.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker: locker,
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	spec := "@every " + job.Interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(s.ctx, job) }); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	s.log.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	return nil
}

// RunOnce executes a single pass of job under its distributed lock. The lock
// lives for one interval so a crashed holder cannot block later passes.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	log := s.log.With(zap.String("job", job.Name))

	ttl := job.Interval
	if ttl <= 0 {
		ttl = time.Minute
	}
	release, err := s.locker.Acquire(ctx, "job:"+job.Name, ttl)
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Debug("job held by another instance")
		return
	}
	if err != nil {
		log.Error("job lock failed", zap.Error(err))
		return
	}
	defer release()

	start := time.Now()
	err = job.Run(ctx)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("job failed", zap.Error(err))
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running passes and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("jobs still running at shutdown")
	}
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
