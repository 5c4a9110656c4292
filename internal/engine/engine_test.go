package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/jobs"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Channels = []string{"news", "orphan"}
	cfg.ChannelTargets = map[string]domain.ChannelTarget{"news": {Base: 3}}
	cfg.Addresses = []config.AddressConfig{{ID: "a1", External: "10.0.0.1"}}
	ctx := context.Background()
	eng, err := engine.Open(ctx, t.TempDir(), cfg, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(eng.Close)
	eng.SetClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestBootstrapKeepsRotatedAddress(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Quota.RegisterAddress(env.Ctx, "a1", "10.9.9.9"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Bootstrap(env.Ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	addrs, err := env.Engine.Quota.List(env.Ctx)
	if err != nil || len(addrs) != 1 || addrs[0].ExternalAddress != "10.9.9.9" {
		t.Fatalf("unexpected addresses %+v %v", addrs, err)
	}
}

func TestSuppressPurgesPendingJobs(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	if err := e.Content.Upsert(env.Ctx, "news", []domain.ContentItem{{ContentID: "p1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddIdentities(env.Ctx, false, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"alice", "bob"} {
		if _, err := e.Jobs.Enqueue(env.Ctx, domain.Job{Kind: domain.KindActOnPost, ChannelID: "news", ContentID: "p1", IdentityID: id}); err != nil {
			t.Fatal(err)
		}
	}
	purged, err := e.SuppressContent(env.Ctx, "news", "p1", true, "ops")
	if err != nil || purged != 2 {
		t.Fatalf("suppress: purged=%d err=%v", purged, err)
	}
	n, _ := e.Jobs.CountActive(env.Ctx, jobs.Filter{ChannelID: "news", ContentID: "p1"})
	if n != 0 {
		t.Fatalf("%d active jobs survived suppression", n)
	}
	rep, err := e.Plan(env.Ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if rep.ActionJobs != 0 || rep.Skipped != 1 {
		t.Fatalf("suppressed item planned: %+v", rep)
	}
	evts, _ := e.RecentEvents(env.Ctx, 1, "content.suppressed", "", "")
	if len(evts) != 1 || evts[0].ActorID != "ops" {
		t.Fatalf("missing suppression event: %+v", evts)
	}
	if _, err := e.SuppressContent(env.Ctx, "news", "missing", true, "ops"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlanReportsGapAndContinues(t *testing.T) {
	env := newTestEnv(t)
	rep, err := env.Engine.Plan(env.Ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(rep.Gaps) != 1 || rep.Gaps[0] != "orphan" || rep.RefreshJobs != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestValidateIdentity(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	added, err := e.AddIdentities(env.Ctx, true, "alice")
	if err != nil || added != 1 {
		t.Fatalf("add: %d %v", added, err)
	}
	if _, err := e.ValidateIdentity(env.Ctx, "alice"); !errors.Is(err, domain.ErrDuplicateJob) {
		t.Fatalf("expected duplicate validation job, got %v", err)
	}
	if err := e.ExcludeIdentity(env.Ctx, "alice", "", "ops"); err != nil {
		t.Fatalf("exclude: %v", err)
	}
	if _, err := e.ValidateIdentity(env.Ctx, "alice"); !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("expected excluded identity to be rejected, got %v", err)
	}
	if _, err := e.ValidateIdentity(env.Ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	if _, err := e.AddIdentities(env.Ctx, false, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.Codes.Request(env.Ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Plan(env.Ctx); err != nil {
		t.Fatal(err)
	}
	st, err := e.Status(env.Ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Jobs[domain.KindRefreshContent][domain.JobPending] != 1 {
		t.Fatalf("unexpected job counts %+v", st.Jobs)
	}
	if st.Identities["available"] != 1 || len(st.Addresses) != 1 || len(st.PendingCodes) != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(st.Channels) != 2 || !st.Channels[0].HasTarget || st.Channels[1].HasTarget {
		t.Fatalf("unexpected channels %+v", st.Channels)
	}
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return now })
	if _, err := e.Jobs.Enqueue(env.Ctx, domain.Job{Kind: domain.KindRefreshContent, ChannelID: "news"}); err != nil {
		t.Fatal(err)
	}
	if j, err := e.Jobs.ReserveNext(env.Ctx, "w1"); err != nil || j == nil {
		t.Fatalf("reserve: %v", err)
	}
	now = now.Add(e.Config.ReservationTTL() + time.Second)
	rep, err := e.Sweep(env.Ctx)
	if err != nil || rep.Requeued != 1 {
		t.Fatalf("sweep: %+v %v", rep, err)
	}
}

func TestCodes(t *testing.T) {
	env := newTestEnv(t)
	e := env.Engine
	if err := e.SubmitCode(env.Ctx, "alice", "", "ops"); err == nil {
		t.Fatal("expected error for empty code")
	}
	if err := e.SubmitCode(env.Ctx, "alice", "1234", "ops"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found without a request, got %v", err)
	}
	if err := e.Codes.Request(env.Ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.CancelCode(env.Ctx, "alice", "ops"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.Codes.Wait(env.Ctx, "alice", time.Second); !errors.Is(err, domain.ErrCodeCancelled) {
		t.Fatalf("expected cancelled wait, got %v", err)
	}
}
