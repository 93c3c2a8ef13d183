// Package scheduler provides the recurring-timer primitive that drives the
// settlement pipeline: each registered job runs once immediately on Start and
// then on a fixed interval until shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meridian-dex/liquidityd/pkg/metrics"
)

// Job is a named unit of recurring work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Lease coordinates job ownership across replicas. Optional: with a nil
// lease the single-flight guard is process-local only.
type Lease interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name string) error
}

// JobState tracks a job's run bookkeeping for probes and the overlap guard.
type JobState struct {
	running      atomic.Bool
	lastStarted  atomic.Int64 // unix nanos, 0 = never
	lastFinished atomic.Int64
	lastErr      atomic.Value // string
}

// Running reports whether a run is currently in flight.
func (s *JobState) Running() bool { return s.running.Load() }

// LastStarted returns the start time of the most recent run.
func (s *JobState) LastStarted() time.Time { return time.Unix(0, s.lastStarted.Load()) }

// LastFinished returns the finish time of the most recent completed run.
func (s *JobState) LastFinished() time.Time { return time.Unix(0, s.lastFinished.Load()) }

// LastError returns the error message of the most recent run, if any.
func (s *JobState) LastError() string {
	if v := s.lastErr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Scheduler runs jobs on fixed intervals with panic recovery and a
// single-flight guard: if a run outlives its interval, the next tick is
// skipped rather than overlapped.
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	lease  Lease
	jobs   []Job
	states *xsync.Map[string, *JobState]
}

// New creates a Scheduler. lease may be nil.
func New(logger *zap.Logger, lease Lease) *Scheduler {
	return &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		lease:  lease,
		states: xsync.NewMap[string, *JobState](),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Interval < time.Second {
		return fmt.Errorf("job %s: interval %s below 1s resolution", job.Name, job.Interval)
	}
	state := &JobState{}
	if _, loaded := s.states.LoadOrStore(job.Name, state); loaded {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs = append(s.jobs, job)

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", job.Interval), func() {
		s.runJob(ctx, job, state)
	})
	return err
}

// State returns the bookkeeping for a registered job.
func (s *Scheduler) State(name string) (*JobState, bool) {
	return s.states.Load(name)
}

// Start fires every job once immediately, then begins interval ticking.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		state, _ := s.states.Load(job.Name)
		go s.runJob(ctx, job, state)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop halts ticking and waits for the in-flight cron invocation, if any.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) runJob(ctx context.Context, job Job, state *JobState) {
	if ctx.Err() != nil {
		return
	}

	if !state.running.CompareAndSwap(false, true) {
		metrics.SkippedTicks.WithLabelValues(job.Name).Inc()
		s.logger.Warn("Previous run still in flight, skipping tick",
			zap.String("job", job.Name))
		return
	}
	defer state.running.Store(false)

	if s.lease != nil {
		// Lease for the full interval so a crashed holder frees the queue by
		// the next tick.
		ok, err := s.lease.AcquireLease(ctx, job.Name, job.Interval)
		if err != nil {
			// Coordination is best-effort: a broken lease backend must not
			// stop the single remaining replica from settling.
			s.logger.Warn("Lease acquire failed, running without it",
				zap.String("job", job.Name), zap.Error(err))
		} else if !ok {
			metrics.SkippedTicks.WithLabelValues(job.Name).Inc()
			s.logger.Debug("Lease held elsewhere, skipping tick",
				zap.String("job", job.Name))
			return
		} else {
			defer func() {
				if rerr := s.lease.ReleaseLease(ctx, job.Name); rerr != nil {
					s.logger.Warn("Lease release failed",
						zap.String("job", job.Name), zap.Error(rerr))
				}
			}()
		}
	}

	start := time.Now()
	state.lastStarted.Store(start.UnixNano())

	err := job.Run(ctx)

	state.lastFinished.Store(time.Now().UnixNano())
	if err != nil {
		state.lastErr.Store(err.Error())
		s.logger.Error("Job run failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	state.lastErr.Store("")
	s.logger.Debug("Job run finished",
		zap.String("job", job.Name),
		zap.Duration("elapsed", time.Since(start)))
}
