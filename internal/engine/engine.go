package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"actionline/internal/codes"
	"actionline/internal/config"
	"actionline/internal/content"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/identity"
	"actionline/internal/jobs"
	"actionline/internal/migrate"
	"actionline/internal/planner"
	"actionline/internal/quota"
	"actionline/internal/scheduler"
	"actionline/internal/worker"
)

// Engine owns the three stores and the components built on them. The CLI and
// the HTTP API both go through it.
type Engine struct {
	Conns      map[db.Store]*sql.DB
	Config     *config.Config
	Jobs       *jobs.Store
	Identities *identity.Manager
	Quota      *quota.Manager
	Content    *content.Cache
	Codes      *codes.Box
	Events     events.Writer
	Planner    *planner.Planner
	Logger     *slog.Logger
}

// New wires components over already migrated connections. provider may be
// nil, in which case exhausted addresses are never rotated.
func New(conns map[db.Store]*sql.DB, cfg *config.Config, provider quota.Provider) *Engine {
	registry := conns[db.Registry]
	js := jobs.New(registry, cfg.ReservationTTL())
	ids := identity.New(registry, cfg.ReuseCooldown(), cfg.IdentityLeaseTTL(), js)
	q := quota.New(conns[db.Quota], cfg.AddressWindow(), cfg.MaxIdentitiesPerAddress, provider)
	cache := content.New(conns[db.Content])
	box := codes.New(registry)
	box.PollInterval = cfg.PollInterval()
	e := &Engine{
		Conns:      conns,
		Config:     cfg,
		Jobs:       js,
		Identities: ids,
		Quota:      q,
		Content:    cache,
		Codes:      box,
		Events:     events.Writer{DB: registry},
	}
	e.Planner = planner.New(planner.Options{
		Channels:         cfg.Channels,
		Targets:          cfg.ChannelTargets,
		Curve:            planner.Curve{K: cfg.AcceptanceCurve.K, C: cfg.AcceptanceCurve.C, D: cfg.AcceptanceCurve.D},
		WindowSize:       cfg.ContentWindow,
		DefaultParameter: cfg.DefaultParameter,
		PerPostCooldown:  cfg.PerPostCooldown(),
		RefreshInterval:  cfg.ContentRefresh(),
	}, cache, js, ids)
	return e
}

// Open creates the workspace stores if needed, migrates them and builds an
// engine.
func Open(ctx context.Context, workspace string, cfg *config.Config, provider quota.Provider) (*Engine, error) {
	conns, err := migrate.OpenAll(workspace)
	if err != nil {
		return nil, err
	}
	e := New(conns, cfg, provider)
	if err := e.Bootstrap(ctx); err != nil {
		migrate.CloseAll(conns)
		return nil, err
	}
	return e, nil
}

func (e *Engine) Close() {
	migrate.CloseAll(e.Conns)
}

// SetClock replaces the time source of every component.
func (e *Engine) SetClock(now func() time.Time) {
	e.Jobs.Now = now
	e.Identities.Now = now
	e.Quota.Now = now
	e.Content.Now = now
	e.Codes.Now = now
	e.Events.Now = now
	e.Planner.Now = now
}

// SetLogger replaces the logger of every component.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.Logger = l
	e.Jobs.Logger = l
	e.Identities.Logger = l
	e.Quota.Logger = l
	e.Planner.Logger = l
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Bootstrap registers the configured addresses. An address already known
// keeps its current external address, which may have been rotated since.
func (e *Engine) Bootstrap(ctx context.Context) error {
	known, err := e.Quota.List(ctx)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for _, a := range known {
		have[a.ID] = true
	}
	for _, a := range e.Config.Addresses {
		external := a.External
		if have[a.ID] {
			external = ""
		}
		if err := e.Quota.RegisterAddress(ctx, a.ID, external); err != nil {
			return fmt.Errorf("register address %s: %w", a.ID, err)
		}
	}
	return nil
}

// Collaborators bundles the remote services a worker pool needs.
type Collaborators struct {
	Executor  worker.Executor
	Fetcher   worker.Fetcher
	Validator worker.Validator
}

// NewPool builds a worker pool over the engine's stores.
func (e *Engine) NewPool(c Collaborators, workers int) (*worker.Pool, error) {
	qw, err := e.Config.QuietWindow()
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = e.Config.Workers
	}
	host, _ := os.Hostname()
	return &worker.Pool{
		Queue:           e.Jobs,
		Identities:      e.Identities,
		Addresses:       e.Quota,
		Content:         e.Content,
		Codes:           e.Codes,
		Executor:        c.Executor,
		Fetcher:         c.Fetcher,
		Validator:       c.Validator,
		Quiet:           qw,
		Workers:         workers,
		FetchLimit:      e.Config.ContentWindow,
		PollInterval:    e.Config.PollInterval(),
		PostActionDelay: e.Config.PostActionDelay(),
		CodeTimeout:     e.Config.CodeTimeout(),
		LeaseMargin:     e.Config.ReservationTTL(),
		Host:            host,
		Now:             e.Jobs.Now,
		Logger:          e.Logger,
	}, nil
}

// NewScheduler builds the periodic planner and sweeper loops. Usage rows are
// kept for two address windows.
func (e *Engine) NewScheduler() *scheduler.Scheduler {
	s := scheduler.New(e.Planner, e.Jobs, e.Identities, e.Quota, e.Config.PlannerInterval(), e.Config.SweepInterval())
	s.UsageRetention = 2 * e.Config.AddressWindow()
	s.Logger = e.Logger
	return s
}

// Plan runs one planner pass.
func (e *Engine) Plan(ctx context.Context) (planner.Report, error) {
	return e.Planner.RunPass(ctx)
}

// SweepReport summarises one maintenance run.
type SweepReport struct {
	Requeued   int                    `json:"requeued"`
	Identities identity.RefreshReport `json:"identities"`
	Pruned     int                    `json:"pruned"`
}

// Sweep requeues expired reservations, refreshes identities and prunes old
// address usage.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	var err error
	if rep.Requeued, err = e.Jobs.SweepExpired(ctx); err != nil {
		return rep, err
	}
	if rep.Identities, err = e.Identities.RefreshAndPurge(ctx); err != nil {
		return rep, err
	}
	rep.Pruned, err = e.Quota.PruneUsage(ctx, 2*e.Config.AddressWindow())
	return rep, err
}

// SuppressContent flags an item and then purges its pending act-on-post
// jobs, so nothing enqueued after the flag can slip through. Lifting the
// flag purges nothing.
func (e *Engine) SuppressContent(ctx context.Context, channelID, contentID string, on bool, actorID string) (int, error) {
	if err := e.Content.Suppress(ctx, channelID, contentID, on); err != nil {
		return 0, err
	}
	purged := 0
	if on {
		n, err := e.Jobs.PurgeItem(ctx, channelID, contentID)
		if err != nil {
			return 0, err
		}
		purged = n
	}
	evt := "content.unsuppressed"
	if on {
		evt = "content.suppressed"
	}
	if err := e.Events.Record(ctx, evt, "content", channelID+"/"+contentID, actorID, events.EventPayload{"purged": purged}); err != nil {
		return purged, domain.StoreError("record event", err)
	}
	e.logger().Info(evt, "channel", channelID, "content", contentID, "purged", purged)
	return purged, nil
}

// ForceParameter overrides the action parameter of an item. An empty value
// clears the override.
func (e *Engine) ForceParameter(ctx context.Context, channelID, contentID, parameter, actorID string) error {
	if err := e.Content.ForceParameter(ctx, channelID, contentID, parameter); err != nil {
		return err
	}
	return domain.StoreError("record event", e.Events.Record(ctx, "content.forced", "content", channelID+"/"+contentID, actorID, events.EventPayload{"parameter": parameter}))
}

// AddIdentities registers identities and, when validate is set, enqueues a
// validation job for each newly added one.
func (e *Engine) AddIdentities(ctx context.Context, validate bool, ids ...string) (int, error) {
	added, err := e.Identities.Register(ctx, ids...)
	if err != nil || !validate {
		return added, err
	}
	for _, id := range ids {
		if _, err := e.ValidateIdentity(ctx, id); err != nil && !errors.Is(err, domain.ErrDuplicateJob) {
			return added, err
		}
	}
	return added, nil
}

// ValidateIdentity enqueues a validate-identity job.
func (e *Engine) ValidateIdentity(ctx context.Context, identityID string) (domain.Job, error) {
	id, err := e.Identities.Get(ctx, identityID)
	if err != nil {
		return domain.Job{}, err
	}
	if id.Status == domain.IdentityExcluded {
		return domain.Job{}, fmt.Errorf("%w: identity %s is excluded", domain.ErrInvalidJob, identityID)
	}
	return e.Jobs.Enqueue(ctx, domain.Job{Kind: domain.KindValidateIdentity, IdentityID: identityID})
}

// ExcludeIdentity removes an identity for good and purges its pending jobs.
func (e *Engine) ExcludeIdentity(ctx context.Context, identityID, reason, actorID string) error {
	if reason == "" {
		reason = "operator"
	}
	return e.Identities.Exclude(ctx, identityID, reason, actorID)
}

func (e *Engine) RetryJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	return e.Jobs.Retry(ctx, jobID, actorID)
}

func (e *Engine) SubmitCode(ctx context.Context, identityID, code, actorID string) error {
	if code == "" {
		return errors.New("code required")
	}
	return e.Codes.Submit(ctx, identityID, code, actorID)
}

func (e *Engine) CancelCode(ctx context.Context, identityID, actorID string) error {
	return e.Codes.Cancel(ctx, identityID, actorID)
}

// ChannelStatus describes one configured channel.
type ChannelStatus struct {
	ID            string `json:"id"`
	HasTarget     bool   `json:"has_target"`
	LastFetchedAt string `json:"last_fetched_at,omitempty"`
}

// Status is a point-in-time view across all stores.
type Status struct {
	Jobs         map[domain.JobKind]map[domain.JobState]int `json:"jobs"`
	Identities   map[string]int                             `json:"identities"`
	Addresses    []domain.Address                           `json:"addresses"`
	PendingCodes []domain.CodeRequest                       `json:"pending_codes"`
	Channels     []ChannelStatus                            `json:"channels"`
	Quiet        bool                                       `json:"quiet"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.Jobs, err = e.Jobs.Counts(ctx); err != nil {
		return st, err
	}
	if st.Identities, err = e.Identities.Counts(ctx); err != nil {
		return st, err
	}
	if st.Addresses, err = e.Quota.List(ctx); err != nil {
		return st, err
	}
	if st.PendingCodes, err = e.Codes.Pending(ctx); err != nil {
		return st, err
	}
	for _, ch := range e.Config.Channels {
		cs := ChannelStatus{ID: ch}
		_, cs.HasTarget = e.Config.ChannelTargets[ch]
		fetched, err := e.Content.LastFetchedAt(ctx, ch)
		if err != nil {
			return st, err
		}
		if !fetched.IsZero() {
			cs.LastFetchedAt = domain.FormatTime(fetched)
		}
		st.Channels = append(st.Channels, cs)
	}
	if qw, err := e.Config.QuietWindow(); err == nil {
		now := time.Now()
		if e.Jobs.Now != nil {
			now = e.Jobs.Now()
		}
		st.Quiet = qw.Active(now)
	}
	return st, nil
}

// RecentEvents returns the newest audit events.
func (e *Engine) RecentEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	evts, err := e.Events.Latest(ctx, limit, evtType, entityKind, entityID)
	return evts, domain.StoreError("list events", err)
}
