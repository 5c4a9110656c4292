package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"actionline/internal/codes"
	"actionline/internal/content"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/identity"
	"actionline/internal/jobs"
	"actionline/internal/migrate"
	"actionline/internal/quiet"
	"actionline/internal/quota"
	"actionline/internal/worker"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []worker.Action
	perform func(a worker.Action) error
}

func (f *fakeExecutor) Perform(_ context.Context, a worker.Action) error {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	fn := f.perform
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(a)
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFetcher struct {
	items []domain.ContentItem
	err   error
}

func (f fakeFetcher) FetchRecent(context.Context, string, int) ([]domain.ContentItem, error) {
	return f.items, f.err
}

type fakeValidator struct{ err error }

func (f fakeValidator) Validate(context.Context, string, string) error { return f.err }

type testEnv struct {
	Ctx      context.Context
	Jobs     *jobs.Store
	Ids      *identity.Manager
	Quota    *quota.Manager
	Content  *content.Cache
	Codes    *codes.Box
	Executor *fakeExecutor
	Pool     *worker.Pool
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conns, err := migrate.OpenAll(t.TempDir())
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(func() { migrate.CloseAll(conns) })
	now := func() time.Time { return epoch }
	js := jobs.New(conns[db.Registry], time.Minute)
	js.Now = now
	ids := identity.New(conns[db.Registry], time.Hour, 10*time.Minute, js)
	ids.Now = now
	q := quota.New(conns[db.Quota], time.Hour, 1, nil)
	q.Now = now
	cache := content.New(conns[db.Content])
	cache.Now = now
	box := codes.New(conns[db.Registry])
	box.PollInterval = 5 * time.Millisecond
	exec := &fakeExecutor{}
	ctx := context.Background()
	if _, err := ids.Register(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := q.RegisterAddress(ctx, "a1", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := cache.Upsert(ctx, "chan", []domain.ContentItem{{ContentID: "p1"}, {ContentID: "p2"}}); err != nil {
		t.Fatal(err)
	}
	pool := &worker.Pool{
		Queue:        js,
		Identities:   ids,
		Addresses:    q,
		Content:      cache,
		Codes:        box,
		Executor:     exec,
		Fetcher:      fakeFetcher{},
		Validator:    fakeValidator{},
		Workers:      1,
		FetchLimit:   10,
		PollInterval: time.Millisecond,
		CodeTimeout:  time.Second,
		LeaseMargin:  time.Minute,
		Host:         "test",
		Now:          now,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
	return testEnv{Ctx: ctx, Jobs: js, Ids: ids, Quota: q, Content: cache, Codes: box, Executor: exec, Pool: pool}
}

func (e testEnv) reserve(t *testing.T, j domain.Job) domain.Job {
	t.Helper()
	if _, err := e.Jobs.Enqueue(e.Ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := e.Jobs.ReserveNext(e.Ctx, "w1", j.Kind)
	if err != nil || got == nil {
		t.Fatalf("reserve: %+v %v", got, err)
	}
	return *got
}

func act(content, identity string) domain.Job {
	return domain.Job{Kind: domain.KindActOnPost, ChannelID: "chan", ContentID: content, IdentityID: identity, Parameter: "like"}
}

func TestActSuccess(t *testing.T) {
	env := newTestEnv(t)
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeDone {
		t.Fatalf("process: %s %v", out, err)
	}
	if env.Executor.Calls() != 1 {
		t.Fatalf("executor calls %d", env.Executor.Calls())
	}
	a := env.Executor.calls[0]
	if a.IdentityID != "alice" || a.Address.ExternalAddress != "10.0.0.1" || a.Parameter != "like" || a.Item.ContentID != "p1" {
		t.Fatalf("unexpected action %+v", a)
	}
	got, _ := env.Jobs.Get(env.Ctx, job.ID)
	if got.State != domain.JobDone {
		t.Fatalf("job state %s", got.State)
	}
	id, _ := env.Ids.Get(env.Ctx, "alice")
	if id.Status != domain.IdentityAvailable || id.LastReleasedAt == "" {
		t.Fatalf("identity not released ok: %+v", id)
	}
	item, _ := env.Content.Get(env.Ctx, "chan", "p1")
	if !item.HasCompleted("alice") {
		t.Fatalf("completion not recorded")
	}
}

func TestActNeedsCodeThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.Executor.perform = func(a worker.Action) error {
		if a.Code == "4242" {
			return nil
		}
		return domain.ErrNeedsCode
	}
	job := env.reserve(t, act("p1", "alice"))
	go func() {
		for {
			pending, _ := env.Codes.Pending(env.Ctx)
			if len(pending) > 0 {
				if err := env.Codes.Submit(env.Ctx, "alice", "4242", "op"); err != nil {
					t.Errorf("submit: %v", err)
				}
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeDone {
		t.Fatalf("process: %s %v", out, err)
	}
	if env.Executor.Calls() != 2 {
		t.Fatalf("expected one retry, got %d calls", env.Executor.Calls())
	}
	if a := env.Executor.calls[1]; a.Code != "4242" {
		t.Fatalf("retry without code: %+v", a)
	}
	got, _ := env.Jobs.Get(env.Ctx, job.ID)
	if got.State != domain.JobDone {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestActCodeTimeoutIsTransient(t *testing.T) {
	env := newTestEnv(t)
	env.Pool.CodeTimeout = 20 * time.Millisecond
	env.Executor.perform = func(worker.Action) error { return domain.ErrNeedsCode }
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process: %s %v", out, err)
	}
	id, _ := env.Ids.Get(env.Ctx, "alice")
	if id.Status != domain.IdentityAvailable {
		t.Fatalf("identity must be released ok after timeout, got %+v", id)
	}
	got, _ := env.Jobs.Get(env.Ctx, job.ID)
	if got.State != domain.JobFailed || got.Attempts != 1 {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestActRevokedExcludesAndPurges(t *testing.T) {
	env := newTestEnv(t)
	env.Executor.perform = func(worker.Action) error { return domain.ErrRevoked }
	if _, err := env.Jobs.Enqueue(env.Ctx, act("p2", "alice")); err != nil {
		t.Fatal(err)
	}
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process: %s %v", out, err)
	}
	id, _ := env.Ids.Get(env.Ctx, "alice")
	if id.Status != domain.IdentityExcluded || id.ExcludedReason != "revoked" {
		t.Fatalf("identity not excluded: %+v", id)
	}
	left, _ := env.Jobs.List(env.Ctx, jobs.Filter{IdentityID: "alice", State: domain.JobPending})
	if len(left) != 0 {
		t.Fatalf("pending jobs of revoked identity survived: %+v", left)
	}
}

func TestActRevokedAfterLeaseLapsed(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Jobs.Enqueue(env.Ctx, act("p2", "alice")); err != nil {
		t.Fatal(err)
	}
	env.Executor.perform = func(worker.Action) error {
		later := epoch.Add(11 * time.Minute)
		env.Ids.Now = func() time.Time { return later }
		rep, err := env.Ids.RefreshAndPurge(env.Ctx)
		if err != nil || rep.Reclaimed != 1 {
			t.Errorf("reclaim: %+v %v", rep, err)
		}
		return domain.ErrRevoked
	}
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process: %s %v", out, err)
	}
	id, _ := env.Ids.Get(env.Ctx, "alice")
	if id.Status != domain.IdentityExcluded || id.ExcludedReason != "revoked" {
		t.Fatalf("revoked identity not excluded: %+v", id)
	}
	left, _ := env.Jobs.List(env.Ctx, jobs.Filter{IdentityID: "alice", State: domain.JobPending})
	if len(left) != 0 {
		t.Fatalf("pending jobs of revoked identity survived: %+v", left)
	}
}

func TestActFailsForExcludedIdentity(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Ids.Exclude(env.Ctx, "alice", "operator", "ops"); err != nil {
		t.Fatal(err)
	}
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process: %s %v", out, err)
	}
	got, _ := env.Jobs.Get(env.Ctx, job.ID)
	if got.State != domain.JobFailed || got.LastError != "identity excluded" {
		t.Fatalf("job for excluded identity not failed: %+v", got)
	}
	if env.Executor.Calls() != 0 {
		t.Fatalf("executor called for excluded identity")
	}

	// Once compacted out of the registry the identity is unknown; the job
	// still fails instead of deferring.
	if _, err := env.Ids.RefreshAndPurge(env.Ctx); err != nil {
		t.Fatal(err)
	}
	job = env.reserve(t, act("p2", "alice"))
	out, err = env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process after compaction: %s %v", out, err)
	}
}

func TestActTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Executor.perform = func(worker.Action) error { return errors.New("connection reset") }
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process: %s %v", out, err)
	}
	got, _ := env.Jobs.Get(env.Ctx, job.ID)
	if got.Attempts != 1 || got.LastError != "connection reset" {
		t.Fatalf("unexpected job %+v", got)
	}
	id, _ := env.Ids.Get(env.Ctx, "alice")
	if id.Status != domain.IdentityAvailable {
		t.Fatalf("identity %+v", id)
	}
}

func TestActDefersOnQuota(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Quota.AcquireAddress(env.Ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeDeferred {
		t.Fatalf("process: %s %v", out, err)
	}
	got, _ := env.Jobs.Get(env.Ctx, job.ID)
	if got.State != domain.JobReserved {
		t.Fatalf("deferred job must stay reserved, got %s", got.State)
	}
	id, _ := env.Ids.Get(env.Ctx, "alice")
	if id.Status != domain.IdentityAvailable || id.LastReleasedAt != "" {
		t.Fatalf("identity must be returned unused: %+v", id)
	}
	if env.Executor.Calls() != 0 {
		t.Fatalf("executor called without an address")
	}
}

func TestActDefersWhenIdentityBusy(t *testing.T) {
	env := newTestEnv(t)
	if got, _ := env.Ids.AcquireAny(env.Ctx, "other", "alice"); got == nil {
		t.Fatal("acquire alice")
	}
	job := env.reserve(t, act("p1", "alice"))
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeDeferred {
		t.Fatalf("process: %s %v", out, err)
	}
}

func TestActSuppressedFails(t *testing.T) {
	env := newTestEnv(t)
	job := env.reserve(t, act("p1", "alice"))
	if err := env.Content.Suppress(env.Ctx, "chan", "p1", true); err != nil {
		t.Fatal(err)
	}
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeFailed || env.Executor.Calls() != 0 {
		t.Fatalf("process: %s %v calls=%d", out, err, env.Executor.Calls())
	}
}

func TestRefreshStoresItems(t *testing.T) {
	env := newTestEnv(t)
	env.Pool.Fetcher = fakeFetcher{items: []domain.ContentItem{{ContentID: "p9", PostedAt: domain.FormatTime(epoch.Add(time.Hour))}}}
	job := env.reserve(t, domain.Job{Kind: domain.KindRefreshContent, ChannelID: "chan"})
	out, err := env.Pool.Process(env.Ctx, "w1", job)
	if err != nil || out != worker.OutcomeDone {
		t.Fatalf("process: %s %v", out, err)
	}
	items, _ := env.Content.Recent(env.Ctx, "chan", 1)
	if len(items) != 1 || items[0].ContentID != "p9" {
		t.Fatalf("refresh not cached: %+v", items)
	}
}

func TestRefreshFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Pool.Fetcher = fakeFetcher{err: errors.New("rate limited")}
	job := env.reserve(t, domain.Job{Kind: domain.KindRefreshContent, ChannelID: "chan"})
	if out, err := env.Pool.Process(env.Ctx, "w1", job); err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process: %s %v", out, err)
	}
}

func TestValidateFrozenExcludes(t *testing.T) {
	env := newTestEnv(t)
	env.Pool.Validator = fakeValidator{err: domain.ErrFrozen}
	job := env.reserve(t, domain.Job{Kind: domain.KindValidateIdentity, IdentityID: "bob"})
	if out, err := env.Pool.Process(env.Ctx, "w1", job); err != nil || out != worker.OutcomeFailed {
		t.Fatalf("process: %s %v", out, err)
	}
	id, _ := env.Ids.Get(env.Ctx, "bob")
	if id.Status != domain.IdentityExcluded || id.ExcludedReason != "frozen" {
		t.Fatalf("identity %+v", id)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	env := newTestEnv(t)
	for _, j := range []domain.Job{act("p1", "alice"), act("p2", "bob"), {Kind: domain.KindRefreshContent, ChannelID: "chan"}} {
		if _, err := env.Jobs.Enqueue(env.Ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.Quota.RegisterAddress(env.Ctx, "a2", "10.0.0.2"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Pool.Sleep = func(ctx context.Context, d time.Duration) error {
		if d == env.Pool.PollInterval {
			cancel()
		}
		return ctx.Err()
	}
	if err := env.Pool.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	counts, _ := env.Jobs.Counts(env.Ctx)
	if counts[domain.KindActOnPost][domain.JobDone] != 2 || counts[domain.KindRefreshContent][domain.JobDone] != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestRunIdlesDuringQuietHours(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Jobs.Enqueue(env.Ctx, act("p1", "alice")); err != nil {
		t.Fatal(err)
	}
	w, err := quiet.Parse(true, "UTC", "11:00", "13:00")
	if err != nil {
		t.Fatal(err)
	}
	env.Pool.Quiet = w
	ctx, cancel := context.WithCancel(env.Ctx)
	var slept time.Duration
	env.Pool.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		cancel()
		return ctx.Err()
	}
	if err := env.Pool.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if slept != time.Hour {
		t.Fatalf("expected to sleep until 13:00, slept %s", slept)
	}
	if env.Executor.Calls() != 0 {
		t.Fatalf("work claimed during quiet hours")
	}
}

func TestWorkerID(t *testing.T) {
	p := &worker.Pool{Host: "box"}
	if id := p.WorkerID(3); len(id) < len("box-1-W3") || id[:4] != "box-" || id[len(id)-3:] != "-W3" {
		t.Fatalf("unexpected worker id %q", id)
	}
}
