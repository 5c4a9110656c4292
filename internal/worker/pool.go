// Package worker runs the job loop: reserve, lease identity and address,
// call the collaborator, resolve. Each worker holds at most one job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"actionline/internal/domain"
	"actionline/internal/quiet"
)

// Action is one platform action handed to the executor.
type Action struct {
	IdentityID string
	Address    domain.AddressLease
	Item       domain.ContentItem
	Parameter  string
	Code       string
}

// Executor performs a single action. It returns nil, domain.ErrNeedsCode,
// domain.ErrRevoked, domain.ErrFrozen, or any other error for a transient
// failure.
type Executor interface {
	Perform(ctx context.Context, a Action) error
}

type Fetcher interface {
	FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.ContentItem, error)
}

// Validator checks that an identity can still sign in, with the same error
// contract as Executor.
type Validator interface {
	Validate(ctx context.Context, identityID, code string) error
}

type Queue interface {
	ReserveNext(ctx context.Context, owner string, kinds ...domain.JobKind) (*domain.Job, error)
	Complete(ctx context.Context, jobID, owner string, outcome domain.JobState, reason string) error
	Renew(ctx context.Context, jobID, owner string, extension time.Duration) (domain.Job, error)
}

type Identities interface {
	AcquireAny(ctx context.Context, holder string, candidates ...string) (*domain.Identity, error)
	Release(ctx context.Context, identityID, holder string, outcome domain.ReleaseOutcome) error
	Renew(ctx context.Context, identityID, holder string, extension time.Duration) (domain.Identity, error)
	Exclude(ctx context.Context, identityID, reason, actorID string) error
	Get(ctx context.Context, identityID string) (domain.Identity, error)
}

type Addresses interface {
	AcquireAddress(ctx context.Context, identityID string) (domain.AddressLease, error)
}

type Content interface {
	Get(ctx context.Context, channelID, contentID string) (domain.ContentItem, error)
	Upsert(ctx context.Context, channelID string, items []domain.ContentItem) error
	MarkCompleted(ctx context.Context, channelID, contentID, identityID string) error
}

type Codes interface {
	Request(ctx context.Context, identityID string) error
	Wait(ctx context.Context, identityID string, timeout time.Duration) (string, error)
}

type Pool struct {
	Queue      Queue
	Identities Identities
	Addresses  Addresses
	Content    Content
	Codes      Codes
	Executor   Executor
	Fetcher    Fetcher
	Validator  Validator

	Quiet           quiet.Window
	Workers         int
	Kinds           []domain.JobKind
	FetchLimit      int
	PollInterval    time.Duration
	PostActionDelay time.Duration
	CodeTimeout     time.Duration
	// LeaseMargin is added to CodeTimeout when leases are renewed before a
	// code wait.
	LeaseMargin time.Duration
	Host        string

	Now    func() time.Time
	Logger *slog.Logger
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Outcome is how Process left a job.
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
)

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pool) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WorkerID names worker n of this process.
func (p *Pool) WorkerID(n int) string {
	host := p.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	return fmt.Sprintf("%s-%d-W%d", host, os.Getpid(), n)
}

// Run starts the workers and blocks until ctx is done or one of them hits a
// store failure, which stops the others.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Workers
	if n < 1 {
		n = 1
	}
	g, gCtx := errgroup.WithContext(ctx)
	for i := 1; i <= n; i++ {
		id := p.WorkerID(i)
		g.Go(func() error {
			return p.loop(gCtx, id)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	log := p.logger().With("worker", workerID)
	log.Info("worker started")
	defer log.Info("worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.Quiet.Active(p.now()) {
			wait := p.Quiet.UntilWake(p.now())
			log.Info("quiet hours, not claiming work", "wake_in", wait)
			if err := p.sleep(ctx, wait); err != nil {
				return nil
			}
			continue
		}
		job, err := p.Queue.ReserveNext(ctx, workerID, p.Kinds...)
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				log.Error("job store unavailable, stopping", "err", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("reserve failed", "err", err)
		}
		if job == nil {
			if err := p.sleep(ctx, p.PollInterval); err != nil {
				return nil
			}
			continue
		}
		if _, err := p.Process(ctx, workerID, *job); err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				log.Error("store unavailable, stopping", "job_id", job.ID, "err", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("job processing error", "job_id", job.ID, "kind", job.Kind, "err", err)
		}
	}
}

// Process runs one reserved job to a terminal or deferred state.
func (p *Pool) Process(ctx context.Context, workerID string, job domain.Job) (Outcome, error) {
	start := p.now()
	var out Outcome
	var err error
	switch job.Kind {
	case domain.KindRefreshContent:
		out, err = p.refresh(ctx, workerID, job)
	case domain.KindValidateIdentity:
		out, err = p.validate(ctx, workerID, job)
	case domain.KindActOnPost:
		out, err = p.act(ctx, workerID, job)
	default:
		out, err = p.resolve(ctx, workerID, job, domain.JobFailed, fmt.Sprintf("unknown kind %q", job.Kind))
	}
	if out == OutcomeDone || out == OutcomeFailed {
		jobsProcessed.WithLabelValues(string(job.Kind), string(out)).Inc()
		jobDuration.WithLabelValues(string(job.Kind)).Observe(p.now().Sub(start).Seconds())
	}
	return out, err
}

// resolve completes the job. A lost lease is logged, not returned: the sweep
// has already handed the job to someone else.
func (p *Pool) resolve(ctx context.Context, workerID string, job domain.Job, state domain.JobState, reason string) (Outcome, error) {
	err := p.Queue.Complete(cleanup(ctx), job.ID, workerID, state, reason)
	if errors.Is(err, domain.ErrNotReserved) {
		p.logger().Warn("reservation lost before completion", "job_id", job.ID, "kind", job.Kind)
		return Outcome(state), nil
	}
	if err != nil {
		return Outcome(state), err
	}
	if state == domain.JobFailed {
		p.logger().Info("job failed", "job_id", job.ID, "kind", job.Kind, "reason", reason)
	}
	return Outcome(state), nil
}

// cleanup detaches ctx from cancellation so leases are still resolved while
// the worker shuts down.
func cleanup(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (p *Pool) refresh(ctx context.Context, workerID string, job domain.Job) (Outcome, error) {
	items, err := p.Fetcher.FetchRecent(ctx, job.ChannelID, p.FetchLimit)
	if err != nil {
		return p.resolve(ctx, workerID, job, domain.JobFailed, err.Error())
	}
	for i := range items {
		items[i].ChannelID = job.ChannelID
	}
	if err := p.Content.Upsert(ctx, job.ChannelID, items); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return OutcomeFailed, err
		}
		return p.resolve(ctx, workerID, job, domain.JobFailed, err.Error())
	}
	return p.resolve(ctx, workerID, job, domain.JobDone, "")
}

func (p *Pool) validate(ctx context.Context, workerID string, job domain.Job) (Outcome, error) {
	err := p.Validator.Validate(ctx, job.IdentityID, "")
	if errors.Is(err, domain.ErrNeedsCode) {
		var code string
		code, err = p.awaitCode(ctx, workerID, job, false)
		if err == nil {
			err = p.Validator.Validate(ctx, job.IdentityID, code)
		}
	}
	switch {
	case err == nil:
		return p.resolve(ctx, workerID, job, domain.JobDone, "")
	case domain.IdentityTerminal(err):
		if xerr := p.Identities.Exclude(cleanup(ctx), job.IdentityID, exclusionReason(err), workerID); xerr != nil && !errors.Is(xerr, domain.ErrNotFound) {
			return OutcomeFailed, xerr
		}
		return p.resolve(ctx, workerID, job, domain.JobFailed, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		return OutcomeFailed, err
	default:
		return p.resolve(ctx, workerID, job, domain.JobFailed, err.Error())
	}
}

func (p *Pool) act(ctx context.Context, workerID string, job domain.Job) (Outcome, error) {
	log := p.logger().With("worker", workerID, "job_id", job.ID, "identity", job.IdentityID, "channel", job.ChannelID, "content", job.ContentID)
	item, err := p.Content.Get(ctx, job.ChannelID, job.ContentID)
	if errors.Is(err, domain.ErrNotFound) {
		return p.resolve(ctx, workerID, job, domain.JobFailed, "content item not cached")
	}
	if err != nil {
		return OutcomeFailed, err
	}
	if item.Suppressed {
		return p.resolve(ctx, workerID, job, domain.JobFailed, "content suppressed")
	}
	if item.HasCompleted(job.IdentityID) {
		return p.resolve(ctx, workerID, job, domain.JobDone, "already completed")
	}

	ident, err := p.Identities.AcquireAny(ctx, workerID, job.IdentityID)
	if err != nil {
		return OutcomeFailed, err
	}
	if ident == nil {
		cur, err := p.Identities.Get(ctx, job.IdentityID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return OutcomeFailed, err
		}
		if errors.Is(err, domain.ErrNotFound) {
			// Compacted excluded identities are gone from the registry too.
			return p.resolve(ctx, workerID, job, domain.JobFailed, "identity unknown or excluded")
		}
		if cur.Status == domain.IdentityExcluded {
			return p.resolve(ctx, workerID, job, domain.JobFailed, "identity excluded")
		}
		deferrals.WithLabelValues("identity").Inc()
		log.Debug("identity not available, deferring")
		return OutcomeDeferred, nil
	}
	release := func(o domain.ReleaseOutcome) error {
		err := p.Identities.Release(cleanup(ctx), ident.ID, workerID, o)
		if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			log.Warn("identity release failed", "outcome", o, "err", err)
			return nil
		}
		return err
	}

	lease, err := p.Addresses.AcquireAddress(ctx, ident.ID)
	if err != nil {
		if rerr := release(domain.ReleaseUnused); rerr != nil {
			return OutcomeFailed, rerr
		}
		if errors.Is(err, domain.ErrQuotaExhausted) {
			deferrals.WithLabelValues("quota").Inc()
			log.Info("no address headroom, deferring", "err", err)
			return OutcomeDeferred, nil
		}
		return OutcomeFailed, err
	}
	log = log.With("address", lease.ExternalAddress)

	action := Action{IdentityID: ident.ID, Address: lease, Item: item, Parameter: job.Parameter}
	perr := p.Executor.Perform(ctx, action)
	if errors.Is(perr, domain.ErrNeedsCode) {
		code, err := p.awaitCode(ctx, workerID, job, true)
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				return OutcomeFailed, err
			}
			if rerr := release(domain.ReleaseOK); rerr != nil {
				return OutcomeFailed, rerr
			}
			return p.resolve(ctx, workerID, job, domain.JobFailed, err.Error())
		}
		action.Code = code
		perr = p.Executor.Perform(ctx, action)
	}

	switch {
	case perr == nil:
		if err := p.Content.MarkCompleted(cleanup(ctx), job.ChannelID, job.ContentID, ident.ID); err != nil {
			return OutcomeFailed, err
		}
		if err := release(domain.ReleaseOK); err != nil {
			return OutcomeFailed, err
		}
		out, err := p.resolve(ctx, workerID, job, domain.JobDone, "")
		if err != nil {
			return out, err
		}
		log.Info("action performed", "parameter", job.Parameter)
		_ = p.sleep(ctx, p.PostActionDelay)
		return out, nil
	case domain.IdentityTerminal(perr):
		log.Warn("identity lost", "err", perr)
		// Exclude ignores the holder: the lease may have lapsed and been
		// reclaimed while the action ran.
		if err := p.Identities.Exclude(cleanup(ctx), ident.ID, exclusionReason(perr), workerID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return OutcomeFailed, err
		}
		return p.resolve(ctx, workerID, job, domain.JobFailed, perr.Error())
	default:
		if err := release(domain.ReleaseOK); err != nil {
			return OutcomeFailed, err
		}
		return p.resolve(ctx, workerID, job, domain.JobFailed, perr.Error())
	}
}

// awaitCode asks the operator for a verification code and waits for it,
// extending the job lease (and the identity lease when one is held) so the
// wait cannot outlive them.
func (p *Pool) awaitCode(ctx context.Context, workerID string, job domain.Job, holdsIdentity bool) (string, error) {
	ext := p.CodeTimeout + p.LeaseMargin
	if _, err := p.Queue.Renew(ctx, job.ID, workerID, ext); err != nil {
		return "", err
	}
	if holdsIdentity {
		if _, err := p.Identities.Renew(ctx, job.IdentityID, workerID, ext); err != nil {
			return "", err
		}
	}
	if err := p.Codes.Request(ctx, job.IdentityID); err != nil {
		return "", err
	}
	p.logger().Info("waiting for verification code", "identity", job.IdentityID, "timeout", p.CodeTimeout)
	code, err := p.Codes.Wait(ctx, job.IdentityID, p.CodeTimeout)
	switch {
	case err == nil:
		codeWaits.WithLabelValues("received").Inc()
	case errors.Is(err, domain.ErrCodeTimeout):
		codeWaits.WithLabelValues("timeout").Inc()
	case errors.Is(err, domain.ErrCodeCancelled):
		codeWaits.WithLabelValues("cancelled").Inc()
	}
	return code, err
}

func exclusionReason(err error) string {
	if errors.Is(err, domain.ErrFrozen) {
		return string(domain.ReleaseFrozen)
	}
	return string(domain.ReleaseRevoked)
}
