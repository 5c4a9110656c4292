// Package jobs is the durable job queue. Reservation is a single conditional
// UPDATE inside an IMMEDIATE transaction, so at most one process can hold an
// active lease on a job no matter how many processes share the store.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"actionline/internal/domain"
	"actionline/internal/events"
)

const jobColumns = `id,kind,channel_id,content_id,identity_id,COALESCE(parameter,''),state,COALESCE(reserved_by,''),COALESCE(reserved_at,''),COALESCE(lease_expires_at,''),attempts,COALESCE(last_error,''),created_at,updated_at,COALESCE(completed_at,'')`

type Store struct {
	DB     *sql.DB
	Events events.Writer
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, ttl time.Duration) *Store {
	return &Store{
		DB:     db,
		Events: events.Writer{DB: db},
		TTL:    ttl,
		Now:    time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Store) events() events.Writer {
	w := s.Events
	if w.DB == nil {
		w.DB = s.DB
	}
	w.Now = s.now
	return w
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var kind, state string
	err := row.Scan(&j.ID, &kind, &j.ChannelID, &j.ContentID, &j.IdentityID, &j.Parameter, &state,
		&j.ReservedBy, &j.ReservedAt, &j.LeaseExpiresAt, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	j.Kind = domain.JobKind(kind)
	j.State = domain.JobState(state)
	return j, err
}

// Enqueue inserts a pending job. An equivalent pending or reserved job for the
// same (kind, channel, content, identity) key yields ErrDuplicateJob.
func (s *Store) Enqueue(ctx context.Context, j domain.Job) (domain.Job, error) {
	if err := j.Validate(); err != nil {
		return domain.Job{}, err
	}
	now := domain.FormatTime(s.now())
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.State = domain.JobPending
	j.Attempts = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	j.ReservedBy, j.ReservedAt, j.LeaseExpiresAt, j.CompletedAt, j.LastError = "", "", "", "", ""

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, domain.StoreError("enqueue", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO jobs(id,kind,channel_id,content_id,identity_id,parameter,state,attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,?,?)`,
		j.ID, string(j.Kind), j.ChannelID, j.ContentID, j.IdentityID, nullable(j.Parameter), string(j.State), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return domain.Job{}, domain.StoreError("enqueue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, fmt.Errorf("%w: %s %s/%s/%s", domain.ErrDuplicateJob, j.Kind, j.ChannelID, j.ContentID, j.IdentityID)
	}
	if err := s.events().Append(ctx, tx, "job.enqueued", "job", j.ID, "", events.EventPayload{
		"kind": j.Kind, "channel_id": j.ChannelID, "content_id": j.ContentID, "identity_id": j.IdentityID,
	}); err != nil {
		return domain.Job{}, domain.StoreError("enqueue", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, domain.StoreError("enqueue", err)
	}
	return j, nil
}

// ReserveNext leases the oldest pending job whose kind is in kinds (any kind
// when empty). It returns nil when nothing is pending.
func (s *Store) ReserveNext(ctx context.Context, owner string, kinds ...domain.JobKind) (*domain.Job, error) {
	now := s.now()
	nowStr := domain.FormatTime(now)
	expires := domain.FormatTime(now.Add(s.TTL))

	clauses := []string{"state='pending'"}
	var args []any
	args = append(args, owner, nowStr, expires, nowStr)
	if len(kinds) > 0 {
		marks := make([]string, len(kinds))
		for i, k := range kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(marks, ",")+")")
	}
	query := `UPDATE jobs SET state='reserved', reserved_by=?, reserved_at=?, lease_expires_at=?, updated_at=?
WHERE id = (SELECT id FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, rowid ASC LIMIT 1)
  AND state='pending'
RETURNING ` + jobColumns

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.StoreError("reserve", err)
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StoreError("reserve", err)
	}
	if err := s.events().Append(ctx, tx, "job.reserved", "job", j.ID, owner, events.EventPayload{"lease_expires_at": j.LeaseExpiresAt}); err != nil {
		return nil, domain.StoreError("reserve", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.StoreError("reserve", err)
	}
	return &j, nil
}

// Complete resolves a reserved job to done or failed. Repeating a completion
// with the same outcome is a no-op; completing a job that is not held by an
// active lease returns ErrNotReserved. A failed outcome counts as an attempt.
func (s *Store) Complete(ctx context.Context, jobID, owner string, outcome domain.JobState, reason string) error {
	if !outcome.Terminal() {
		return fmt.Errorf("complete: outcome must be done or failed, got %q", outcome)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError("complete", err)
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.StoreError("complete", err)
	}
	if j.State == outcome {
		return nil
	}
	now := s.now()
	nowStr := domain.FormatTime(now)
	if !domain.CanTransition(j.State, outcome) || j.LeaseExpiresAt <= nowStr || (owner != "" && j.ReservedBy != owner) {
		return fmt.Errorf("%w: job %s is %s", domain.ErrNotReserved, jobID, j.State)
	}
	attempts := j.Attempts
	if outcome == domain.JobFailed {
		attempts++
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state=?, attempts=?, last_error=?, lease_expires_at=NULL, updated_at=?, completed_at=? WHERE id=? AND state='reserved'`,
		string(outcome), attempts, nullable(reason), nowStr, nowStr, jobID); err != nil {
		return domain.StoreError("complete", err)
	}
	if err := s.events().Append(ctx, tx, "job.completed", "job", jobID, owner, events.EventPayload{"state": outcome, "reason": reason}); err != nil {
		return domain.StoreError("complete", err)
	}
	return domain.StoreError("complete", tx.Commit())
}

// Renew extends an active lease held by owner.
func (s *Store) Renew(ctx context.Context, jobID, owner string, extension time.Duration) (domain.Job, error) {
	now := s.now()
	nowStr := domain.FormatTime(now)
	j, err := scanJob(s.DB.QueryRowContext(ctx, `UPDATE jobs SET lease_expires_at=?, updated_at=?
WHERE id=? AND state='reserved' AND reserved_by=? AND lease_expires_at > ?
RETURNING `+jobColumns, domain.FormatTime(now.Add(extension)), nowStr, jobID, owner, nowStr))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotReserved, jobID)
	}
	if err != nil {
		return domain.Job{}, domain.StoreError("renew", err)
	}
	return j, nil
}

// SweepExpired returns every reserved job whose lease has passed to pending and
// counts the lost reservation as an attempt.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	nowStr := domain.FormatTime(s.now())
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.StoreError("sweep", err)
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `UPDATE jobs SET state='pending', attempts=attempts+1, reserved_by=NULL, reserved_at=NULL, lease_expires_at=NULL, updated_at=?
WHERE state='reserved' AND lease_expires_at <= ?
RETURNING id, kind, attempts`, nowStr, nowStr)
	if err != nil {
		return 0, domain.StoreError("sweep", err)
	}
	type requeued struct {
		id, kind string
		attempts int
	}
	var list []requeued
	for rows.Next() {
		var r requeued
		if err := rows.Scan(&r.id, &r.kind, &r.attempts); err != nil {
			rows.Close()
			return 0, domain.StoreError("sweep", err)
		}
		list = append(list, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, domain.StoreError("sweep", err)
	}
	for _, r := range list {
		if err := s.events().Append(ctx, tx, "job.requeued", "job", r.id, "", events.EventPayload{"attempts": r.attempts}); err != nil {
			return 0, domain.StoreError("sweep", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.StoreError("sweep", err)
	}
	for _, r := range list {
		s.logger().Info("reservation expired, job requeued", "job_id", r.id, "kind", r.kind, "attempts", r.attempts)
	}
	return len(list), nil
}

// Filter selects jobs. Empty fields match everything.
type Filter struct {
	Kind       domain.JobKind
	State      domain.JobState
	ChannelID  string
	ContentID  string
	IdentityID string
	Limit      int
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.ChannelID != "" {
		clauses = append(clauses, "channel_id=?")
		args = append(args, f.ChannelID)
	}
	if f.ContentID != "" {
		clauses = append(clauses, "content_id=?")
		args = append(args, f.ContentID)
	}
	if f.IdentityID != "" {
		clauses = append(clauses, "identity_id=?")
		args = append(args, f.IdentityID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Purge deletes pending jobs matching the filter. The filter's State is
// ignored: reserved and finished jobs are never purged. At least one field
// must be set so a zero filter cannot wipe the queue.
func (s *Store) Purge(ctx context.Context, f Filter) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.StoreError("purge", err)
	}
	defer tx.Rollback()
	n, err := s.purgeTx(ctx, tx, f)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.StoreError("purge", err)
	}
	return n, nil
}

func (s *Store) purgeTx(ctx context.Context, tx *sql.Tx, f Filter) (int, error) {
	f.State = ""
	where, args := f.where()
	if where == "" {
		return 0, errors.New("purge: empty filter")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs `+where+` AND state='pending'`, args...)
	if err != nil {
		return 0, domain.StoreError("purge", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := s.events().Append(ctx, tx, "job.purged", "job", "", "", events.EventPayload{
			"count": n, "kind": f.Kind, "channel_id": f.ChannelID, "content_id": f.ContentID, "identity_id": f.IdentityID,
		}); err != nil {
			return 0, domain.StoreError("purge", err)
		}
	}
	return int(n), nil
}

// PurgeIdentity drops every pending job that names identityID.
func (s *Store) PurgeIdentity(ctx context.Context, identityID string) (int, error) {
	return s.Purge(ctx, Filter{IdentityID: identityID})
}

// PurgeIdentityTx is PurgeIdentity inside the caller's registry transaction,
// so an exclusion and the purge of its jobs commit together.
func (s *Store) PurgeIdentityTx(ctx context.Context, tx *sql.Tx, identityID string) (int, error) {
	return s.purgeTx(ctx, tx, Filter{IdentityID: identityID})
}

// PurgeItem drops pending act-on-post jobs for one content item.
func (s *Store) PurgeItem(ctx context.Context, channelID, contentID string) (int, error) {
	return s.Purge(ctx, Filter{Kind: domain.KindActOnPost, ChannelID: channelID, ContentID: contentID})
}

// Retry moves a failed job back to pending for another run.
func (s *Store) Retry(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, domain.StoreError("retry", err)
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, domain.StoreError("retry", err)
	}
	if j.State != domain.JobFailed || !domain.CanTransition(j.State, domain.JobPending) {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", domain.ErrInvalidJob, jobID, j.State)
	}
	var active int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE kind=? AND channel_id=? AND content_id=? AND identity_id=? AND state IN ('pending','reserved')`,
		string(j.Kind), j.ChannelID, j.ContentID, j.IdentityID).Scan(&active); err != nil {
		return domain.Job{}, domain.StoreError("retry", err)
	}
	if active > 0 {
		return domain.Job{}, fmt.Errorf("%w: an equivalent job is already active", domain.ErrDuplicateJob)
	}
	nowStr := domain.FormatTime(s.now())
	j, err = scanJob(tx.QueryRowContext(ctx, `UPDATE jobs SET state='pending', reserved_by=NULL, reserved_at=NULL, lease_expires_at=NULL, completed_at=NULL, updated_at=?
WHERE id=? RETURNING `+jobColumns, nowStr, jobID))
	if err != nil {
		return domain.Job{}, domain.StoreError("retry", err)
	}
	if err := s.events().Append(ctx, tx, "job.retried", "job", jobID, actorID, nil); err != nil {
		return domain.Job{}, domain.StoreError("retry", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, domain.StoreError("retry", err)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.Job, error) {
	j, err := scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return j, domain.ErrNotFound
	}
	return j, domain.StoreError("get job", err)
}

// List returns jobs matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]domain.Job, error) {
	where, args := f.where()
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.StoreError("list jobs", err)
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.StoreError("list jobs", err)
		}
		res = append(res, j)
	}
	return res, domain.StoreError("list jobs", rows.Err())
}

// CountActive counts pending and reserved jobs matching f.
func (s *Store) CountActive(ctx context.Context, f Filter) (int, error) {
	f.State = ""
	where, args := f.where()
	if where == "" {
		where = "WHERE 1=1"
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs `+where+` AND state IN ('pending','reserved')`, args...).Scan(&n)
	return n, domain.StoreError("count jobs", err)
}

// Counts returns job totals keyed by kind then state.
func (s *Store) Counts(ctx context.Context) (map[domain.JobKind]map[domain.JobState]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT kind, state, count(*) FROM jobs GROUP BY kind, state`)
	if err != nil {
		return nil, domain.StoreError("count jobs", err)
	}
	defer rows.Close()
	res := map[domain.JobKind]map[domain.JobState]int{}
	for rows.Next() {
		var kind, state string
		var n int
		if err := rows.Scan(&kind, &state, &n); err != nil {
			return nil, domain.StoreError("count jobs", err)
		}
		k := domain.JobKind(kind)
		if res[k] == nil {
			res[k] = map[domain.JobState]int{}
		}
		res[k][domain.JobState(state)] = n
	}
	return res, domain.StoreError("count jobs", rows.Err())
}

// LastCompletedAt returns when the most recent job of kind finished as done
// for the item, or the zero time if none has.
func (s *Store) LastCompletedAt(ctx context.Context, kind domain.JobKind, channelID, contentID string) (time.Time, error) {
	var ts sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(completed_at) FROM jobs WHERE kind=? AND channel_id=? AND content_id=? AND state='done'`,
		string(kind), channelID, contentID).Scan(&ts)
	if err != nil {
		return time.Time{}, domain.StoreError("last completed", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return domain.ParseTime(ts.String)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
