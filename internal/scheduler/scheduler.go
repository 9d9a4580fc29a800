package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	anomalydomain "github.com/smallbiznis/gatekeeper/internal/anomaly/domain"
	billingdomain "github.com/smallbiznis/gatekeeper/internal/billing/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	obsmetrics "github.com/smallbiznis/gatekeeper/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/gatekeeper/internal/quota/domain"
	"github.com/smallbiznis/gatekeeper/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobBillingStatusSweep = "billing_status_sweep"
	JobQuotaRollover      = "quota_rollover"
	JobAnomalyScan        = "anomaly_scan"

	lockKeyPrefix = "gatekeeper:scheduler:"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type billingSweeper interface {
	SweepDerived(ctx context.Context, now time.Time, batch int) (int, error)
}

type quotaRoller interface {
	RolloverStale(ctx context.Context, now time.Time, batch int) (int, error)
}

type anomalyScanner interface {
	ScanAll(ctx context.Context, now time.Time, batch int) (int, error)
}

type jobLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*ratelimit.Lease, error)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Billing   billingdomain.Service
	Quotas    quotadomain.Service
	Anomalies anomalydomain.Service
	Locker    *ratelimit.JobLocks `optional:"true"`
	Config    Config              `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	billing   billingSweeper
	quotas    quotaRoller
	anomalies anomalyScanner
	locker    jobLocker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Billing == nil || p.Quotas == nil || p.Anomalies == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		billing:   p.Billing,
		quotas:    p.Quotas,
		anomalies: p.Anomalies,
	}
	// A nil *JobLocks must not become a non-nil interface.
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

type job struct {
	name string
	run  func(ctx context.Context, now time.Time, batch int) (int, error)
}

func (s *Scheduler) jobs() []job {
	// Billing goes first so anomaly scans see the freshest lifecycle state.
	return []job{
		{JobBillingStatusSweep, s.billing.SweepDerived},
		{JobQuotaRollover, s.quotas.RolloverStale},
		{JobAnomalyScan, s.anomalies.ScanAll},
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) (int, error),
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()

	release, acquired, err := s.acquire(ctx, name)
	if err != nil {
		if owner {
			run.IncError()
			s.logJobFinish(ctx, run)
		}
		return fmt.Errorf("%s: lock: %w", name, err)
	}
	if !acquired {
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		log.Debug("job skipped, lock held by another replica")
		return nil
	}
	defer release()

	schedMetrics.IncJobRun(name)
	err = s.withRetry(ctx, name, run, fn)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick picks up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) withRetry(ctx context.Context, name string, run *jobRun, fn func(ctx context.Context) (int, error)) error {
	schedMetrics := obsmetrics.Scheduler()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval

	processed, err := backoff.Retry(ctx, func() (int, error) {
		n, err := fn(ctx)
		if err != nil && !obsmetrics.IsSchedulerErrorRetryable(err) {
			return n, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			schedMetrics.IncJobRetry(name)
			s.logSchedulerError(ctx, run, "scheduler.job.retry", name, 0, err, zap.Duration("wait", wait))
		}),
	)
	run.AddProcessed(processed)
	schedMetrics.AddBatchProcessed(name, resourceFor(name), processed)
	return err
}

// acquire takes the cross-replica lock for a job. Without Redis every replica runs every job.
func (s *Scheduler) acquire(ctx context.Context, name string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	lease, err := s.locker.Acquire(ctx, lockKeyPrefix+name, s.cfg.LockTTL)
	if err != nil || lease == nil {
		return nil, false, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.log.Warn("scheduler lock release failed", zap.String("job", name), zap.Error(err))
		}
	}, true, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now()
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		j := j
		err = errors.Join(err, s.runJob(parent, j.name, s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) (int, error) {
			return j.run(ctx, now, s.cfg.BatchSize)
		}))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list runs everything, which is the single-binary default.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func resourceFor(job string) string {
	switch job {
	case JobBillingStatusSweep:
		return "billing_state"
	case JobQuotaRollover:
		return "quota"
	case JobAnomalyScan:
		return "anomaly"
	default:
		return "unknown"
	}
}
