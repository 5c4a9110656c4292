// Package quota caps how many distinct identities may use one external
// address inside a rolling window. The usage log is append-only and the
// window is applied when it is read.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"actionline/internal/domain"
)

var ErrRotating = errors.New("address rotation already in progress")

var (
	acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionline",
		Subsystem: "quota",
		Name:      "acquisitions_total",
		Help:      "Address acquisitions by result",
	}, []string{"result"})

	rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionline",
		Subsystem: "quota",
		Name:      "rotations_total",
		Help:      "Address rotations by result",
	}, []string{"result"})
)

// Provider issues a fresh external address for an address slot.
type Provider interface {
	IssueOrRotate(ctx context.Context, addressID string) (string, error)
}

type Manager struct {
	DB       *sql.DB
	Provider Provider
	Window   time.Duration
	Cap      int
	// RotationLease bounds how long one process may hold the rotation claim
	// on an address before another may take it over.
	RotationLease time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

func New(db *sql.DB, window time.Duration, cap int, provider Provider) *Manager {
	return &Manager{
		DB:            db,
		Provider:      provider,
		Window:        window,
		Cap:           cap,
		RotationLease: 2 * time.Minute,
		Now:           time.Now,
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

// RegisterAddress adds an address slot, or updates its external address when
// one is given.
func (m *Manager) RegisterAddress(ctx context.Context, addressID, externalAddress string) error {
	if addressID == "" {
		return errors.New("address id required")
	}
	nowStr := domain.FormatTime(m.now())
	_, err := m.DB.ExecContext(ctx, `INSERT INTO addresses(id, external_address, rotated_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  external_address = CASE WHEN excluded.external_address != '' THEN excluded.external_address ELSE addresses.external_address END,
  updated_at = excluded.updated_at`,
		addressID, externalAddress, rotatedAt(externalAddress, nowStr), nowStr, nowStr)
	return domain.StoreError("register address", err)
}

// AcquireAddress records a usage entry for identityID on an address with
// headroom. When every address is full it rotates one and tries once more.
func (m *Manager) AcquireAddress(ctx context.Context, identityID string) (domain.AddressLease, error) {
	lease, err := m.tryAcquire(ctx, identityID)
	if err == nil || !errors.Is(err, domain.ErrQuotaExhausted) || m.Provider == nil {
		m.count(err)
		return lease, err
	}
	addressID, err := m.rotationCandidate(ctx)
	if err != nil {
		m.count(err)
		return domain.AddressLease{}, err
	}
	if addressID == "" {
		m.count(domain.ErrQuotaExhausted)
		return domain.AddressLease{}, domain.ErrQuotaExhausted
	}
	if _, err := m.Rotate(ctx, addressID); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return domain.AddressLease{}, err
		}
		m.logger().Warn("address rotation failed", "address", addressID, "err", err)
		m.count(domain.ErrQuotaExhausted)
		return domain.AddressLease{}, fmt.Errorf("%w: rotation of %s failed: %v", domain.ErrQuotaExhausted, addressID, err)
	}
	lease, err = m.tryAcquire(ctx, identityID)
	m.count(err)
	return lease, err
}

func (m *Manager) count(err error) {
	switch {
	case err == nil:
		acquisitions.WithLabelValues("granted").Inc()
	case errors.Is(err, domain.ErrQuotaExhausted):
		acquisitions.WithLabelValues("exhausted").Inc()
	default:
		acquisitions.WithLabelValues("error").Inc()
	}
}

type candidate struct {
	id, external string
	used         int
	counted      bool
}

func (m *Manager) tryAcquire(ctx context.Context, identityID string) (domain.AddressLease, error) {
	if m.Cap < 1 {
		return domain.AddressLease{}, fmt.Errorf("%w: cap is %d", domain.ErrQuotaExhausted, m.Cap)
	}
	now := m.now()
	nowStr := domain.FormatTime(now)
	cutoff := domain.FormatTime(now.Add(-m.Window))

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AddressLease{}, domain.StoreError("acquire address", err)
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT a.id, a.external_address,
  (SELECT count(DISTINCT u.identity_id) FROM address_usage u WHERE u.external_address=a.external_address AND u.used_at > ?) AS used,
  EXISTS (SELECT 1 FROM address_usage u WHERE u.external_address=a.external_address AND u.identity_id=? AND u.used_at > ?) AS counted
FROM addresses a
WHERE a.external_address != '' AND (a.rotating_until IS NULL OR a.rotating_until <= ?)
ORDER BY counted DESC, used ASC, a.id ASC`, cutoff, identityID, cutoff, nowStr)
	if err != nil {
		return domain.AddressLease{}, domain.StoreError("acquire address", err)
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.external, &c.used, &c.counted); err != nil {
			rows.Close()
			return domain.AddressLease{}, domain.StoreError("acquire address", err)
		}
		if c.counted || c.used < m.Cap {
			cands = append(cands, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.AddressLease{}, domain.StoreError("acquire address", err)
	}

	for _, c := range cands {
		res, err := tx.ExecContext(ctx, `INSERT INTO address_usage(address_id, external_address, identity_id, used_at) VALUES (?,?,?,?)`,
			c.id, c.external, identityID, nowStr)
		if err != nil {
			return domain.AddressLease{}, domain.StoreError("acquire address", err)
		}
		seq, _ := res.LastInsertId()
		var used int
		if err := tx.QueryRowContext(ctx, `SELECT count(DISTINCT identity_id) FROM address_usage WHERE external_address=? AND used_at > ?`,
			c.external, cutoff).Scan(&used); err != nil {
			return domain.AddressLease{}, domain.StoreError("acquire address", err)
		}
		if used > m.Cap {
			if _, err := tx.ExecContext(ctx, `DELETE FROM address_usage WHERE seq=?`, seq); err != nil {
				return domain.AddressLease{}, domain.StoreError("acquire address", err)
			}
			m.logger().Warn("address over cap after insert, trying next", "address", c.id, "used", used)
			continue
		}
		if err := tx.Commit(); err != nil {
			return domain.AddressLease{}, domain.StoreError("acquire address", err)
		}
		return domain.AddressLease{AddressID: c.id, ExternalAddress: c.external, IdentityID: identityID, AcquiredAt: nowStr}, nil
	}
	return domain.AddressLease{}, domain.ErrQuotaExhausted
}

// rotationCandidate picks the address that has gone longest without a new
// external address, preferring slots that never had one. Empty means every
// address is mid-rotation.
func (m *Manager) rotationCandidate(ctx context.Context) (string, error) {
	var id string
	err := m.DB.QueryRowContext(ctx, `SELECT id FROM addresses
WHERE rotating_until IS NULL OR rotating_until <= ?
ORDER BY external_address != '' ASC, COALESCE(rotated_at,'') ASC, id ASC LIMIT 1`, domain.FormatTime(m.now())).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, domain.StoreError("pick rotation", err)
}

// Rotate asks the provider for a fresh external address. The slot is claimed
// with a rotation lease first so only one process talks to the provider for
// it at a time; the provider call itself runs outside any transaction.
func (m *Manager) Rotate(ctx context.Context, addressID string) (string, error) {
	if m.Provider == nil {
		return "", errors.New("no address provider configured")
	}
	now := m.now()
	nowStr := domain.FormatTime(now)
	res, err := m.DB.ExecContext(ctx, `UPDATE addresses SET rotating_until=?, updated_at=?
WHERE id=? AND (rotating_until IS NULL OR rotating_until <= ?)`,
		domain.FormatTime(now.Add(m.RotationLease)), nowStr, addressID, nowStr)
	if err != nil {
		return "", domain.StoreError("rotate address", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM addresses WHERE id=?`, addressID).Scan(&exists); err != nil {
			return "", domain.StoreError("rotate address", err)
		}
		if exists == 0 {
			return "", domain.ErrNotFound
		}
		return "", ErrRotating
	}

	external, perr := m.Provider.IssueOrRotate(ctx, addressID)
	if perr == nil && external == "" {
		perr = errors.New("provider returned an empty address")
	}
	doneStr := domain.FormatTime(m.now())
	if perr != nil {
		rotations.WithLabelValues("failed").Inc()
		if _, err := m.DB.ExecContext(ctx, `UPDATE addresses SET rotating_until=NULL, updated_at=? WHERE id=?`, doneStr, addressID); err != nil {
			return "", domain.StoreError("rotate address", err)
		}
		return "", fmt.Errorf("rotate %s: %w", addressID, perr)
	}
	if _, err := m.DB.ExecContext(ctx, `UPDATE addresses SET external_address=?, rotated_at=?, rotating_until=NULL, updated_at=? WHERE id=?`,
		external, doneStr, doneStr, addressID); err != nil {
		return "", domain.StoreError("rotate address", err)
	}
	rotations.WithLabelValues("rotated").Inc()
	m.logger().Info("address rotated", "address", addressID, "external", external)
	return external, nil
}

// Usage lists the in-window usage of an address's current external address.
func (m *Manager) Usage(ctx context.Context, addressID string) ([]domain.UsageEntry, error) {
	cutoff := domain.FormatTime(m.now().Add(-m.Window))
	rows, err := m.DB.QueryContext(ctx, `SELECT u.address_id, u.external_address, u.identity_id, u.used_at
FROM address_usage u JOIN addresses a ON a.external_address = u.external_address
WHERE a.id=? AND u.used_at > ? ORDER BY u.used_at ASC, u.seq ASC`, addressID, cutoff)
	if err != nil {
		return nil, domain.StoreError("address usage", err)
	}
	defer rows.Close()
	var res []domain.UsageEntry
	for rows.Next() {
		var e domain.UsageEntry
		if err := rows.Scan(&e.AddressID, &e.ExternalAddress, &e.IdentityID, &e.UsedAt); err != nil {
			return nil, domain.StoreError("address usage", err)
		}
		res = append(res, e)
	}
	return res, domain.StoreError("address usage", rows.Err())
}

// List returns every address with its distinct-identity count in the window.
func (m *Manager) List(ctx context.Context) ([]domain.Address, error) {
	cutoff := domain.FormatTime(m.now().Add(-m.Window))
	rows, err := m.DB.QueryContext(ctx, `SELECT a.id, a.external_address, COALESCE(a.rotated_at,''), COALESCE(a.rotating_until,''),
  (SELECT count(DISTINCT u.identity_id) FROM address_usage u WHERE u.external_address=a.external_address AND a.external_address != '' AND u.used_at > ?),
  a.created_at
FROM addresses a ORDER BY a.id`, cutoff)
	if err != nil {
		return nil, domain.StoreError("list addresses", err)
	}
	defer rows.Close()
	var res []domain.Address
	for rows.Next() {
		var a domain.Address
		if err := rows.Scan(&a.ID, &a.ExternalAddress, &a.RotatedAt, &a.RotatingUntil, &a.WindowUsage, &a.CreatedAt); err != nil {
			return nil, domain.StoreError("list addresses", err)
		}
		res = append(res, a)
	}
	return res, domain.StoreError("list addresses", rows.Err())
}

// PruneUsage deletes usage entries older than olderThan. Entries inside the
// window are always kept, so pruning never changes a quota decision.
func (m *Manager) PruneUsage(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < m.Window {
		olderThan = m.Window
	}
	res, err := m.DB.ExecContext(ctx, `DELETE FROM address_usage WHERE used_at <= ?`, domain.FormatTime(m.now().Add(-olderThan)))
	if err != nil {
		return 0, domain.StoreError("prune usage", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func rotatedAt(external, ts string) any {
	if external == "" {
		return nil
	}
	return ts
}
