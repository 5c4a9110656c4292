package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"actionline/internal/domain"
	"actionline/internal/identity"
	"actionline/internal/planner"
)

type planFunc func(ctx context.Context) (planner.Report, error)

func (f planFunc) RunPass(ctx context.Context) (planner.Report, error) { return f(ctx) }

type sweepFunc func(ctx context.Context) (int, error)

func (f sweepFunc) SweepExpired(ctx context.Context) (int, error) { return f(ctx) }

type refreshFunc func(ctx context.Context) (identity.RefreshReport, error)

func (f refreshFunc) RefreshAndPurge(ctx context.Context) (identity.RefreshReport, error) {
	return f(ctx)
}

type pruneFunc func(ctx context.Context, d time.Duration) (int, error)

func (f pruneFunc) PruneUsage(ctx context.Context, d time.Duration) (int, error) { return f(ctx, d) }

func TestSweepRunsEveryStep(t *testing.T) {
	var refreshed, pruned atomic.Bool
	s := New(nil,
		sweepFunc(func(context.Context) (int, error) { return 0, errors.New("boom") }),
		refreshFunc(func(context.Context) (identity.RefreshReport, error) {
			refreshed.Store(true)
			return identity.RefreshReport{Reclaimed: 1}, nil
		}),
		pruneFunc(func(_ context.Context, d time.Duration) (int, error) {
			if d != time.Hour {
				t.Errorf("retention %s", d)
			}
			pruned.Store(true)
			return 3, nil
		}),
		time.Minute, time.Minute)
	s.UsageRetention = time.Hour
	err := s.Sweep(context.Background())
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected sweep error, got %v", err)
	}
	if !refreshed.Load() || !pruned.Load() {
		t.Fatalf("later steps skipped: refreshed=%v pruned=%v", refreshed.Load(), pruned.Load())
	}
}

func TestRunStartsImmediately(t *testing.T) {
	passes := make(chan struct{}, 4)
	sweeps := make(chan struct{}, 4)
	s := New(
		planFunc(func(context.Context) (planner.Report, error) {
			passes <- struct{}{}
			return planner.Report{}, nil
		}),
		sweepFunc(func(context.Context) (int, error) {
			sweeps <- struct{}{}
			return 0, nil
		}),
		nil, nil, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	for _, ch := range []chan struct{}{passes, sweeps} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("task did not run at start")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunStopsOnStoreFailure(t *testing.T) {
	s := New(
		planFunc(func(context.Context) (planner.Report, error) {
			return planner.Report{}, fmt.Errorf("plan: %w", domain.ErrStoreUnavailable)
		}),
		nil, nil, nil, time.Hour, time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			t.Fatalf("expected store failure, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler kept running after a store failure")
	}
}

func TestPlanGapIsNotFatal(t *testing.T) {
	s := New(planFunc(func(context.Context) (planner.Report, error) {
		return planner.Report{Gaps: []string{"c1"}}, nil
	}), nil, nil, nil, time.Hour, time.Hour)
	if err := s.Plan(context.Background()); err != nil {
		t.Fatalf("plan: %v", err)
	}
}

func TestRejectsZeroInterval(t *testing.T) {
	s := New(planFunc(func(context.Context) (planner.Report, error) { return planner.Report{}, nil }), nil, nil, nil, 0, time.Hour)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
