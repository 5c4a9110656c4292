// Package scheduler runs the periodic maintenance loops: planner passes,
// reservation sweeps and identity refresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"actionline/internal/domain"
	"actionline/internal/identity"
	"actionline/internal/planner"
)

type Planner interface {
	RunPass(ctx context.Context) (planner.Report, error)
}

type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type IdentityRefresher interface {
	RefreshAndPurge(ctx context.Context) (identity.RefreshReport, error)
}

type UsagePruner interface {
	PruneUsage(ctx context.Context, olderThan time.Duration) (int, error)
}

// Scheduler wraps robfig/cron. Any of the tasks may be nil, in which case
// its loop is not registered.
type Scheduler struct {
	Planner    Planner
	Sweeper    Sweeper
	Identities IdentityRefresher
	Usage      UsagePruner

	PlanEvery  time.Duration
	SweepEvery time.Duration
	// UsageRetention is passed to PruneUsage on every sweep.
	UsageRetention time.Duration
	Logger         *slog.Logger

	cron  *cron.Cron
	fatal chan error
}

func New(plan Planner, sweep Sweeper, ids IdentityRefresher, usage UsagePruner, planEvery, sweepEvery time.Duration) *Scheduler {
	return &Scheduler{
		Planner:    plan,
		Sweeper:    sweep,
		Identities: ids,
		Usage:      usage,
		PlanEvery:  planEvery,
		SweepEvery: sweepEvery,
	}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run starts the loops, runs one cycle of each immediately and blocks until
// ctx is done or a task reports a store failure.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.fatal:
		return err
	}
}

// Start registers the loops and starts cron without blocking.
func (s *Scheduler) Start(ctx context.Context) error {
	log := cronLogger{s.logger()}
	s.cron = cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	s.fatal = make(chan error, 1)

	var tasks []func()
	if s.Planner != nil {
		run := func() { s.report(s.Plan(ctx)) }
		if err := s.add(s.PlanEvery, run); err != nil {
			return fmt.Errorf("schedule planner: %w", err)
		}
		tasks = append(tasks, run)
	}
	if s.Sweeper != nil || s.Identities != nil || s.Usage != nil {
		run := func() { s.report(s.Sweep(ctx)) }
		if err := s.add(s.SweepEvery, run); err != nil {
			return fmt.Errorf("schedule sweeper: %w", err)
		}
		tasks = append(tasks, run)
	}
	s.cron.Start()
	s.logger().Info("scheduler started", "plan_every", s.PlanEvery, "sweep_every", s.SweepEvery)

	// Run immediately on startup
	go func() {
		for _, t := range tasks {
			if ctx.Err() != nil {
				return
			}
			t()
		}
	}()
	return nil
}

// Stop halts cron and waits for running tasks.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger().Info("scheduler stopped")
}

// Err reports store failures raised by scheduled tasks.
func (s *Scheduler) Err() <-chan error { return s.fatal }

func (s *Scheduler) add(every time.Duration, fn func()) error {
	if every <= 0 {
		return fmt.Errorf("interval must be positive, got %s", every)
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), fn)
	return err
}

func (s *Scheduler) report(err error) {
	if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) {
		return
	}
	select {
	case s.fatal <- err:
	default:
	}
}

// Plan runs one planner pass.
func (s *Scheduler) Plan(ctx context.Context) error {
	rep, err := s.Planner.RunPass(ctx)
	if err != nil {
		s.logger().Error("planner pass failed", "err", err)
		return err
	}
	if len(rep.Gaps) > 0 {
		s.logger().Warn("channels without a target", "channels", rep.Gaps)
	}
	return nil
}

// Sweep requeues expired reservations, reclaims identity leases and prunes
// old usage rows. Every step runs even when an earlier one fails.
func (s *Scheduler) Sweep(ctx context.Context) error {
	var errs []error
	if s.Sweeper != nil {
		n, err := s.Sweeper.SweepExpired(ctx)
		if err != nil {
			s.logger().Error("reservation sweep failed", "err", err)
			errs = append(errs, err)
		} else if n > 0 {
			s.logger().Info("reservations requeued", "count", n)
		}
	}
	if s.Identities != nil {
		rep, err := s.Identities.RefreshAndPurge(ctx)
		if err != nil {
			s.logger().Error("identity refresh failed", "err", err)
			errs = append(errs, err)
		} else if rep.Reclaimed+rep.Compacted > 0 {
			s.logger().Info("identities refreshed", "reclaimed", rep.Reclaimed, "recomputed", rep.Recomputed, "compacted", rep.Compacted)
		}
	}
	if s.Usage != nil && s.UsageRetention > 0 {
		n, err := s.Usage.PruneUsage(ctx, s.UsageRetention)
		if err != nil {
			s.logger().Error("usage prune failed", "err", err)
			errs = append(errs, err)
		} else if n > 0 {
			s.logger().Debug("usage pruned", "rows", n)
		}
	}
	return errors.Join(errs...)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
