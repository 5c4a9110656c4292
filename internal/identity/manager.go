// Package identity is the cross-process registry of worker identities. Every
// state change is one conditional statement inside an IMMEDIATE transaction
// on the registry store, so holders in different processes exclude each other
// without any in-memory lock.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"actionline/internal/domain"
	"actionline/internal/events"
)

const identityColumns = `id,status,COALESCE(last_released_at,''),COALESCE(ready_at,''),COALESCE(holder,''),COALESCE(acquired_at,''),COALESCE(lease_expires_at,''),COALESCE(excluded_reason,''),created_at`

// JobPurger drops pending jobs that reference an identity, inside the
// transaction that excludes it.
type JobPurger interface {
	PurgeIdentityTx(ctx context.Context, tx *sql.Tx, identityID string) (int, error)
}

type Manager struct {
	DB       *sql.DB
	Events   events.Writer
	Jobs     JobPurger
	Cooldown time.Duration
	LeaseTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

func New(db *sql.DB, cooldown, leaseTTL time.Duration, purger JobPurger) *Manager {
	return &Manager{
		DB:       db,
		Events:   events.Writer{DB: db},
		Jobs:     purger,
		Cooldown: cooldown,
		LeaseTTL: leaseTTL,
		Now:      time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) events() events.Writer {
	w := m.Events
	if w.DB == nil {
		w.DB = m.DB
	}
	w.Now = m.now
	return w
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (domain.Identity, error) {
	var id domain.Identity
	var status string
	err := row.Scan(&id.ID, &status, &id.LastReleasedAt, &id.ReadyAt, &id.Holder, &id.AcquiredAt, &id.LeaseExpiresAt, &id.ExcludedReason, &id.CreatedAt)
	id.Status = domain.IdentityStatus(status)
	return id, err
}

// Register adds identities as available. Known ids are left untouched and
// ids that were ever excluded cannot come back.
func (m *Manager) Register(ctx context.Context, ids ...string) (int, error) {
	nowStr := domain.FormatTime(m.now())
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.StoreError("register identity", err)
	}
	defer tx.Rollback()
	added := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO identities(id,status,ready_at,created_at,updated_at)
SELECT ?, 'available', ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM excluded_identities WHERE id=?)`, id, nowStr, nowStr, nowStr, id)
		if err != nil {
			return 0, domain.StoreError("register identity", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
			if err := m.events().Append(ctx, tx, "identity.registered", "identity", id, "", nil); err != nil {
				return 0, domain.StoreError("register identity", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.StoreError("register identity", err)
	}
	return added, nil
}

// AcquireAny leases the least recently released available identity whose
// cooldown has elapsed, restricted to candidates when any are given. It
// returns nil when no identity is eligible; callers retry later.
func (m *Manager) AcquireAny(ctx context.Context, holder string, candidates ...string) (*domain.Identity, error) {
	now := m.now()
	nowStr := domain.FormatTime(now)
	args := []any{holder, nowStr, domain.FormatTime(now.Add(m.LeaseTTL)), nowStr, nowStr}
	filter := ""
	if len(candidates) > 0 {
		marks := make([]string, len(candidates))
		for i, c := range candidates {
			marks[i] = "?"
			args = append(args, c)
		}
		filter = " AND id IN (" + strings.Join(marks, ",") + ")"
	}
	query := `UPDATE identities SET status='in_use', holder=?, acquired_at=?, lease_expires_at=?, updated_at=?
WHERE id = (SELECT id FROM identities WHERE status='available' AND COALESCE(ready_at,'') <= ?` + filter + `
            ORDER BY COALESCE(last_released_at,'') ASC, id ASC LIMIT 1)
  AND status='available'
RETURNING ` + identityColumns

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.StoreError("acquire identity", err)
	}
	defer tx.Rollback()
	id, err := scanIdentity(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StoreError("acquire identity", err)
	}
	if err := m.events().Append(ctx, tx, "identity.acquired", "identity", id.ID, holder, events.EventPayload{"lease_expires_at": id.LeaseExpiresAt}); err != nil {
		return nil, domain.StoreError("acquire identity", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.StoreError("acquire identity", err)
	}
	return &id, nil
}

// Release hands a held identity back. ok starts the reuse cooldown, unused
// returns it as if it had never been taken, revoked and frozen exclude it for
// good and purge its pending jobs. Releasing an excluded identity is a no-op.
func (m *Manager) Release(ctx context.Context, identityID, holder string, outcome domain.ReleaseOutcome) error {
	switch outcome {
	case domain.ReleaseOK, domain.ReleaseUnused, domain.ReleaseRevoked, domain.ReleaseFrozen:
	default:
		return fmt.Errorf("release: unknown outcome %q", outcome)
	}
	now := m.now()
	nowStr := domain.FormatTime(now)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError("release identity", err)
	}
	defer tx.Rollback()
	cur, err := scanIdentity(tx.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id=?`, identityID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.StoreError("release identity", err)
	}
	if cur.Status == domain.IdentityExcluded {
		return nil
	}
	if cur.Status != domain.IdentityInUse || (holder != "" && cur.Holder != holder) {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotHeld, identityID, cur.Status)
	}
	switch outcome {
	case domain.ReleaseOK:
		_, err = tx.ExecContext(ctx, `UPDATE identities SET status='available', last_released_at=?, ready_at=?, holder=NULL, acquired_at=NULL, lease_expires_at=NULL, updated_at=? WHERE id=?`,
			nowStr, domain.FormatTime(now.Add(m.Cooldown)), nowStr, identityID)
	case domain.ReleaseUnused:
		_, err = tx.ExecContext(ctx, `UPDATE identities SET status='available', holder=NULL, acquired_at=NULL, lease_expires_at=NULL, updated_at=? WHERE id=?`,
			nowStr, identityID)
	default:
		err = markExcluded(ctx, tx, identityID, string(outcome), nowStr)
	}
	if err != nil {
		return domain.StoreError("release identity", err)
	}
	purged := 0
	if outcome.Excludes() {
		if purged, err = m.purgeJobs(ctx, tx, identityID); err != nil {
			return err
		}
	}
	evt := "identity.released"
	if outcome.Excludes() {
		evt = "identity.excluded"
	}
	if err := m.events().Append(ctx, tx, evt, "identity", identityID, holder, events.EventPayload{"outcome": outcome}); err != nil {
		return domain.StoreError("release identity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.StoreError("release identity", err)
	}
	if outcome.Excludes() {
		m.logExcluded(identityID, string(outcome), purged)
	}
	return nil
}

// Exclude permanently removes an identity regardless of who holds it. Used
// when validation reports the identity revoked or frozen.
func (m *Manager) Exclude(ctx context.Context, identityID, reason, actorID string) error {
	nowStr := domain.FormatTime(m.now())
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError("exclude identity", err)
	}
	defer tx.Rollback()
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM identities WHERE id=?`, identityID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM excluded_identities WHERE id=?`, identityID).Scan(&n); err != nil {
			return domain.StoreError("exclude identity", err)
		}
		if n > 0 {
			return nil
		}
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.StoreError("exclude identity", err)
	}
	if domain.IdentityStatus(status) == domain.IdentityExcluded {
		return nil
	}
	if err := markExcluded(ctx, tx, identityID, reason, nowStr); err != nil {
		return domain.StoreError("exclude identity", err)
	}
	purged, err := m.purgeJobs(ctx, tx, identityID)
	if err != nil {
		return err
	}
	if err := m.events().Append(ctx, tx, "identity.excluded", "identity", identityID, actorID, events.EventPayload{"outcome": reason}); err != nil {
		return domain.StoreError("exclude identity", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.StoreError("exclude identity", err)
	}
	m.logExcluded(identityID, reason, purged)
	return nil
}

func markExcluded(ctx context.Context, tx *sql.Tx, identityID, reason, nowStr string) error {
	_, err := tx.ExecContext(ctx, `UPDATE identities SET status='excluded', excluded_reason=?, holder=NULL, acquired_at=NULL, lease_expires_at=NULL, ready_at=NULL, updated_at=? WHERE id=?`,
		reason, nowStr, identityID)
	return err
}

func (m *Manager) purgeJobs(ctx context.Context, tx *sql.Tx, identityID string) (int, error) {
	if m.Jobs == nil {
		return 0, nil
	}
	n, err := m.Jobs.PurgeIdentityTx(ctx, tx, identityID)
	if err != nil {
		return 0, fmt.Errorf("purge jobs of %s: %w", identityID, err)
	}
	return n, nil
}

func (m *Manager) logExcluded(identityID, reason string, purged int) {
	m.logger().Warn("identity excluded", "identity", identityID, "reason", reason, "purged_jobs", purged)
}

// Renew extends the lease of an identity held by holder.
func (m *Manager) Renew(ctx context.Context, identityID, holder string, extension time.Duration) (domain.Identity, error) {
	now := m.now()
	nowStr := domain.FormatTime(now)
	id, err := scanIdentity(m.DB.QueryRowContext(ctx, `UPDATE identities SET lease_expires_at=?, updated_at=?
WHERE id=? AND status='in_use' AND holder=?
RETURNING `+identityColumns, domain.FormatTime(now.Add(extension)), nowStr, identityID, holder))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, fmt.Errorf("%w: %s", domain.ErrNotHeld, identityID)
	}
	if err != nil {
		return domain.Identity{}, domain.StoreError("renew identity", err)
	}
	return id, nil
}

type RefreshReport struct {
	Reclaimed  int `json:"reclaimed"`
	Recomputed int `json:"recomputed"`
	Compacted  int `json:"compacted"`
}

// RefreshAndPurge reclaims identities whose holder let the lease lapse,
// recomputes ready_at from the current cooldown and moves excluded rows out
// of the hot table.
func (m *Manager) RefreshAndPurge(ctx context.Context) (RefreshReport, error) {
	var rep RefreshReport
	now := m.now()
	nowStr := domain.FormatTime(now)
	readyStr := domain.FormatTime(now.Add(m.Cooldown))
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `UPDATE identities SET status='available', last_released_at=?, ready_at=?, holder=NULL, acquired_at=NULL, lease_expires_at=NULL, updated_at=?
WHERE status='in_use' AND lease_expires_at <= ?
RETURNING id`, nowStr, readyStr, nowStr, nowStr)
	if err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	var reclaimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return rep, domain.StoreError("refresh identities", err)
		}
		reclaimed = append(reclaimed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	rep.Reclaimed = len(reclaimed)
	for _, id := range reclaimed {
		if err := m.events().Append(ctx, tx, "identity.reclaimed", "identity", id, "", nil); err != nil {
			return rep, domain.StoreError("refresh identities", err)
		}
	}

	type readyRow struct{ id, released, ready string }
	rows, err = tx.QueryContext(ctx, `SELECT id, last_released_at, COALESCE(ready_at,'') FROM identities WHERE status='available' AND last_released_at IS NOT NULL`)
	if err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	var stale []readyRow
	for rows.Next() {
		var r readyRow
		if err := rows.Scan(&r.id, &r.released, &r.ready); err != nil {
			rows.Close()
			return rep, domain.StoreError("refresh identities", err)
		}
		released, err := domain.ParseTime(r.released)
		if err != nil {
			rows.Close()
			return rep, domain.StoreError("refresh identities", err)
		}
		if want := domain.FormatTime(released.Add(m.Cooldown)); want != r.ready {
			r.ready = want
			stale = append(stale, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	for _, r := range stale {
		if _, err := tx.ExecContext(ctx, `UPDATE identities SET ready_at=? WHERE id=? AND status='available'`, r.ready, r.id); err != nil {
			return rep, domain.StoreError("refresh identities", err)
		}
	}
	rep.Recomputed = len(stale)

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO excluded_identities(id, reason, excluded_at)
SELECT id, COALESCE(excluded_reason,'excluded'), updated_at FROM identities WHERE status='excluded'`); err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM identities WHERE status='excluded'`)
	if err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	n, _ := res.RowsAffected()
	rep.Compacted = int(n)
	if err := tx.Commit(); err != nil {
		return rep, domain.StoreError("refresh identities", err)
	}
	for _, id := range reclaimed {
		m.logger().Info("identity lease expired, reclaimed", "identity", id)
	}
	return rep, nil
}

func (m *Manager) Get(ctx context.Context, identityID string) (domain.Identity, error) {
	id, err := scanIdentity(m.DB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id=?`, identityID))
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return id, domain.StoreError("get identity", err)
	}
	id = domain.Identity{ID: identityID, Status: domain.IdentityExcluded}
	err = m.DB.QueryRowContext(ctx, `SELECT reason, excluded_at FROM excluded_identities WHERE id=?`, identityID).Scan(&id.ExcludedReason, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, domain.ErrNotFound
	}
	return id, domain.StoreError("get identity", err)
}

// List returns every identity, compacted exclusions included, ordered by id.
func (m *Manager) List(ctx context.Context) ([]domain.Identity, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities
UNION ALL
SELECT id,'excluded','','','','','',reason,excluded_at FROM excluded_identities
ORDER BY 1`)
	if err != nil {
		return nil, domain.StoreError("list identities", err)
	}
	defer rows.Close()
	var res []domain.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, domain.StoreError("list identities", err)
		}
		res = append(res, id)
	}
	return res, domain.StoreError("list identities", rows.Err())
}

// Counts returns identity totals by status. Available identities still in
// their cooldown are reported under "cooling".
func (m *Manager) Counts(ctx context.Context) (map[string]int, error) {
	nowStr := domain.FormatTime(m.now())
	res := map[string]int{}
	rows, err := m.DB.QueryContext(ctx, `SELECT CASE WHEN status='available' AND COALESCE(ready_at,'') > ? THEN 'cooling' ELSE status END, count(*)
FROM identities GROUP BY 1`, nowStr)
	if err != nil {
		return nil, domain.StoreError("count identities", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.StoreError("count identities", err)
		}
		res[status] += n
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("count identities", err)
	}
	var excluded int
	if err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM excluded_identities`).Scan(&excluded); err != nil {
		return nil, domain.StoreError("count identities", err)
	}
	res[string(domain.IdentityExcluded)] += excluded
	return res, nil
}
