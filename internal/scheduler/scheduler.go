// Package scheduler runs the periodic reassessment sweep on a cron schedule.
//
// Overlapping runs are skipped within one process. When a distributed
// [lock.Locker] is configured, replicas also take turns so a sweep never
// runs twice at the same time across the deployment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tan-res-space/rag-interface/internal/assessment"
	"github.com/tan-res-space/rag-interface/internal/lock"
	"github.com/tan-res-space/rag-interface/internal/observe"
)

// ErrDisabled is returned by [New] for the "off" schedule.
var ErrDisabled = errors.New("scheduler: disabled")

// Off is the schedule value that disables the sweep.
const Off = "off"

const sweepKey = "sweep:reassess"

// Sweeper runs one reassessment pass. *assessment.Service implements it.
type Sweeper interface {
	ReassessDue(ctx context.Context) (assessment.SweepSummary, error)
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLocker serialises sweeps across replicas.
func WithLocker(l lock.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithTimeout bounds a single sweep. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLocation sets the time zone the schedule is evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// Scheduler triggers a [Sweeper] on a cron schedule.
type Scheduler struct {
	spec    string
	job     Sweeper
	locker  lock.Locker
	timeout time.Duration
	loc     *time.Location

	mu      sync.Mutex
	cron    *cron.Cron
	last    assessment.SweepSummary
	lastErr error
	runs    int
}

// New parses spec (standard five-field cron or a descriptor such as
// "@every 1h") and returns a stopped scheduler.
func New(spec string, job Sweeper, opts ...Option) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == Off {
		return nil, ErrDisabled
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	s := &Scheduler{spec: spec, job: job, loc: time.UTC}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start begins triggering sweeps. Every sweep derives its context from ctx.
// Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{l: observe.Logger(ctx).With("component", "scheduler")}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, func() { _, _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add job: %w", err)
	}
	c.Start()
	s.cron = c

	logger.l.Info("reassessment sweep scheduled", "schedule", s.spec, "next", c.Entries()[0].Next)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// RunOnce runs one sweep now, honouring the distributed lock and timeout.
func (s *Scheduler) RunOnce(ctx context.Context) (assessment.SweepSummary, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "scheduler.RunOnce")
	defer span.End()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, sweepKey)
		if err != nil {
			err = fmt.Errorf("scheduler: acquire sweep lock: %w", err)
			s.record(assessment.SweepSummary{}, err)
			return assessment.SweepSummary{}, err
		}
		defer release()
	}

	start := time.Now()
	sum, err := s.job.ReassessDue(ctx)
	s.record(sum, err)

	log := observe.Logger(ctx)
	if err != nil {
		log.Warn("reassessment sweep finished with errors",
			"duration", time.Since(start), "failed", sum.Failed, "error", err)
	} else {
		log.Debug("reassessment sweep done", "duration", time.Since(start))
	}
	return sum, err
}

func (s *Scheduler) record(sum assessment.SweepSummary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.last = sum
	s.lastErr = err
}

// Status reports the number of completed runs and the outcome of the latest.
func (s *Scheduler) Status() (runs int, last assessment.SweepSummary, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.last, s.lastErr
}

// cronLogger adapts slog to [cron.Logger].
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
