// Package planner turns cached content and per-channel targets into jobs.
// A pass is offline: it only reads the content cache and identity registry
// and writes to the job queue, whose dedup key makes repeated passes safe.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"actionline/internal/domain"
	"actionline/internal/jobs"
)

type ContentSource interface {
	Recent(ctx context.Context, channelID string, limit int) ([]domain.ContentItem, error)
	SetTarget(ctx context.Context, channelID, contentID string, target int) (int, error)
	LastFetchedAt(ctx context.Context, channelID string) (time.Time, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, j domain.Job) (domain.Job, error)
	CountActive(ctx context.Context, f jobs.Filter) (int, error)
	LastCompletedAt(ctx context.Context, kind domain.JobKind, channelID, contentID string) (time.Time, error)
}

type IdentityLister interface {
	List(ctx context.Context) ([]domain.Identity, error)
}

type Options struct {
	Channels         []string
	Targets          map[string]domain.ChannelTarget
	Curve            Curve
	WindowSize       int
	DefaultParameter string
	PerPostCooldown  time.Duration
	RefreshInterval  time.Duration
}

type Planner struct {
	Opts       Options
	Content    ContentSource
	Jobs       JobQueue
	Identities IdentityLister
	Rand       *rand.Rand
	Now        func() time.Time
	Logger     *slog.Logger

	// mu guards Rand only; it is never held across a store call.
	mu sync.Mutex
}

func New(opts Options, content ContentSource, queue JobQueue, ids IdentityLister) *Planner {
	seed := uint64(time.Now().UnixNano())
	return &Planner{
		Opts:       opts,
		Content:    content,
		Jobs:       queue,
		Identities: ids,
		Rand:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		Now:        time.Now,
	}
}

// Report summarises one planner pass.
type Report struct {
	Channels    int               `json:"channels"`
	RefreshJobs int               `json:"refresh_jobs"`
	ActionJobs  int               `json:"action_jobs"`
	Duplicates  int               `json:"duplicates"`
	Skipped     int               `json:"skipped"`
	Gaps        []string          `json:"gaps,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Planner) withRand(fn func(*rand.Rand)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.Rand)
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// RunPass plans every configured channel once. A failing channel is recorded
// and the pass moves on; only a store failure is returned as an error, after
// the remaining channels had their turn.
func (p *Planner) RunPass(ctx context.Context) (Report, error) {
	var rep Report
	identities, err := p.Identities.List(ctx)
	if err != nil {
		return rep, err
	}
	var fatal []error
	for _, ch := range p.Opts.Channels {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Channels++
		err := p.planChannel(ctx, ch, identities, &rep)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConfigurationGap):
			rep.Gaps = append(rep.Gaps, ch)
			p.logger().Warn("channel skipped", "channel", ch, "err", err)
		default:
			if rep.Errors == nil {
				rep.Errors = map[string]string{}
			}
			rep.Errors[ch] = err.Error()
			p.logger().Error("channel planning failed", "channel", ch, "err", err)
			if errors.Is(err, domain.ErrStoreUnavailable) {
				fatal = append(fatal, err)
			}
		}
	}
	p.logger().Info("planner pass", "channels", rep.Channels, "refresh_jobs", rep.RefreshJobs, "action_jobs", rep.ActionJobs, "skipped", rep.Skipped)
	return rep, errors.Join(fatal...)
}

func (p *Planner) planChannel(ctx context.Context, ch string, identities []domain.Identity, rep *Report) error {
	target, ok := p.Opts.Targets[ch]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrConfigurationGap, ch)
	}
	now := p.now()

	fetched, err := p.Content.LastFetchedAt(ctx, ch)
	if err != nil {
		return err
	}
	if fetched.IsZero() || now.Sub(fetched) >= p.Opts.RefreshInterval {
		_, err := p.Jobs.Enqueue(ctx, domain.Job{Kind: domain.KindRefreshContent, ChannelID: ch})
		switch {
		case err == nil:
			rep.RefreshJobs++
		case errors.Is(err, domain.ErrDuplicateJob):
			rep.Duplicates++
		default:
			return err
		}
	}

	items, err := p.Content.Recent(ctx, ch, p.Opts.WindowSize)
	if err != nil {
		return err
	}
	for idx, it := range items {
		enqueued, err := p.planItem(ctx, idx, it, target, identities, now)
		if err != nil {
			return fmt.Errorf("item %s: %w", it.ContentID, err)
		}
		switch enqueued {
		case outcomeEnqueued:
			rep.ActionJobs++
		case outcomeDuplicate:
			rep.Duplicates++
		case outcomeSkipped:
			rep.Skipped++
		}
	}
	return nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeEnqueued
	outcomeDuplicate
	outcomeSkipped
)

func (p *Planner) planItem(ctx context.Context, idx int, it domain.ContentItem, ct domain.ChannelTarget, identities []domain.Identity, now time.Time) (outcome, error) {
	if it.Suppressed {
		return outcomeSkipped, nil
	}
	active, err := p.Jobs.CountActive(ctx, jobs.Filter{Kind: domain.KindActOnPost, ChannelID: it.ChannelID, ContentID: it.ContentID})
	if err != nil {
		return outcomeNone, err
	}
	if active > 0 {
		return outcomeNone, nil
	}

	target := 0
	if it.Target != nil {
		target = *it.Target
	} else {
		var drawn int
		p.withRand(func(r *rand.Rand) { drawn = drawTarget(r, ct.Base, ct.Deviation) })
		target, err = p.Content.SetTarget(ctx, it.ChannelID, it.ContentID, drawn)
		if err != nil {
			return outcomeNone, err
		}
	}
	if target-len(it.CompletedBy) <= 0 {
		return outcomeNone, nil
	}
	var accepted bool
	p.withRand(func(r *rand.Rand) { accepted = p.Opts.Curve.Accept(r, idx) })
	if !accepted {
		return outcomeNone, nil
	}
	if p.Opts.PerPostCooldown > 0 {
		last, err := p.Jobs.LastCompletedAt(ctx, domain.KindActOnPost, it.ChannelID, it.ContentID)
		if err != nil {
			return outcomeNone, err
		}
		if !last.IsZero() && now.Sub(last) < p.Opts.PerPostCooldown {
			return outcomeNone, nil
		}
	}
	identityID := p.pickIdentity(it, identities, now)
	if identityID == "" {
		return outcomeNone, nil
	}
	_, err = p.Jobs.Enqueue(ctx, domain.Job{
		Kind:       domain.KindActOnPost,
		ChannelID:  it.ChannelID,
		ContentID:  it.ContentID,
		IdentityID: identityID,
		Parameter:  p.parameter(it),
	})
	switch {
	case err == nil:
		return outcomeEnqueued, nil
	case errors.Is(err, domain.ErrDuplicateJob):
		return outcomeDuplicate, nil
	default:
		return outcomeNone, err
	}
}

// pickIdentity chooses a random identity that has not acted on the item yet,
// preferring those whose reuse cooldown has passed.
func (p *Planner) pickIdentity(it domain.ContentItem, identities []domain.Identity, now time.Time) string {
	nowStr := domain.FormatTime(now)
	var ready, later []string
	for _, id := range identities {
		if id.Status == domain.IdentityExcluded || it.HasCompleted(id.ID) {
			continue
		}
		if id.Status == domain.IdentityAvailable && id.ReadyAt <= nowStr {
			ready = append(ready, id.ID)
		} else {
			later = append(later, id.ID)
		}
	}
	pool := ready
	if len(pool) == 0 {
		pool = later
	}
	if len(pool) == 0 {
		return ""
	}
	var i int
	p.withRand(func(r *rand.Rand) { i = r.IntN(len(pool)) })
	return pool[i]
}

// parameter returns the forced override, else a draw from the item's
// observed parameter weights, else the configured default.
func (p *Planner) parameter(it domain.ContentItem) string {
	if it.ForcedParameter != "" {
		return it.ForcedParameter
	}
	total := 0
	keys := make([]string, 0, len(it.ParameterWeights))
	for k, w := range it.ParameterWeights {
		if w > 0 {
			keys = append(keys, k)
			total += w
		}
	}
	if total == 0 {
		return p.Opts.DefaultParameter
	}
	sort.Strings(keys)
	var n int
	p.withRand(func(r *rand.Rand) { n = r.IntN(total) })
	for _, k := range keys {
		n -= it.ParameterWeights[k]
		if n < 0 {
			return k
		}
	}
	return p.Opts.DefaultParameter
}
