// Package codes carries verification codes from operators to the worker
// waiting on them. Requests and answers live in the registry store so the
// operator and the worker may run in different processes.
package codes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"actionline/internal/domain"
	"actionline/internal/events"
)

type Box struct {
	DB           *sql.DB
	Events       events.Writer
	PollInterval time.Duration
	Now          func() time.Time
}

func New(db *sql.DB) *Box {
	return &Box{DB: db, Events: events.Writer{DB: db}, PollInterval: time.Second, Now: time.Now}
}

func (b *Box) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Box) events() events.Writer {
	w := b.Events
	if w.DB == nil {
		w.DB = b.DB
	}
	w.Now = b.now
	return w
}

// Request opens (or reopens) a code request for identityID, discarding any
// earlier answer.
func (b *Box) Request(ctx context.Context, identityID string) error {
	nowStr := domain.FormatTime(b.now())
	return b.write(ctx, "code.requested", identityID, "", func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `INSERT INTO verification_codes(identity_id, requested_at) VALUES (?, ?)
ON CONFLICT(identity_id) DO UPDATE SET requested_at=excluded.requested_at, code=NULL, submitted_at=NULL, cancelled=0`, identityID, nowStr)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// Submit answers an open request.
func (b *Box) Submit(ctx context.Context, identityID, code, actorID string) error {
	if code == "" {
		return errors.New("code required")
	}
	nowStr := domain.FormatTime(b.now())
	return b.write(ctx, "code.submitted", identityID, actorID, func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `UPDATE verification_codes SET code=?, submitted_at=? WHERE identity_id=? AND cancelled=0`, code, nowStr, identityID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// Cancel tells the waiting worker to give up on the request.
func (b *Box) Cancel(ctx context.Context, identityID, actorID string) error {
	nowStr := domain.FormatTime(b.now())
	return b.write(ctx, "code.cancelled", identityID, actorID, func(tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `UPDATE verification_codes SET cancelled=1, submitted_at=? WHERE identity_id=?`, nowStr, identityID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

func (b *Box) write(ctx context.Context, evt, identityID, actorID string, fn func(*sql.Tx) (int64, error)) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError(evt, err)
	}
	defer tx.Rollback()
	n, err := fn(tx)
	if err != nil {
		return domain.StoreError(evt, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: no open code request for %s", domain.ErrNotFound, identityID)
	}
	if err := b.events().Append(ctx, tx, evt, "identity", identityID, actorID, nil); err != nil {
		return domain.StoreError(evt, err)
	}
	return domain.StoreError(evt, tx.Commit())
}

// Wait polls until a code arrives for identityID, the operator cancels, the
// timeout passes or ctx is done. The request is consumed in every case.
func (b *Box) Wait(ctx context.Context, identityID string, timeout time.Duration) (string, error) {
	interval := b.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var code sql.NullString
		var cancelled bool
		err := b.DB.QueryRowContext(ctx, `SELECT code, cancelled FROM verification_codes WHERE identity_id=?`, identityID).Scan(&code, &cancelled)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("%w: no open code request for %s", domain.ErrNotFound, identityID)
		case err != nil && ctx.Err() == nil:
			return "", domain.StoreError("wait code", err)
		case err == nil && cancelled:
			b.consume(identityID)
			return "", domain.ErrCodeCancelled
		case err == nil && code.Valid:
			b.consume(identityID)
			return code.String, nil
		}
		select {
		case <-ctx.Done():
			b.consume(identityID)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s after %s", domain.ErrCodeTimeout, identityID, timeout)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Box) consume(identityID string) {
	_, _ = b.DB.Exec(`DELETE FROM verification_codes WHERE identity_id=?`, identityID)
}

// Pending lists requests still waiting for an operator answer.
func (b *Box) Pending(ctx context.Context) ([]domain.CodeRequest, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT identity_id, requested_at FROM verification_codes WHERE code IS NULL AND cancelled=0 ORDER BY requested_at`)
	if err != nil {
		return nil, domain.StoreError("pending codes", err)
	}
	defer rows.Close()
	var res []domain.CodeRequest
	for rows.Next() {
		var r domain.CodeRequest
		if err := rows.Scan(&r.IdentityID, &r.RequestedAt); err != nil {
			return nil, domain.StoreError("pending codes", err)
		}
		res = append(res, r)
	}
	return res, domain.StoreError("pending codes", rows.Err())
}
