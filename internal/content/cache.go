// Package content is the local cache of channel posts together with the
// operator overrides and per-identity completions recorded against them.
// Items are never deleted.
package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"actionline/internal/domain"
)

const itemColumns = `channel_id,content_id,posted_at,fetched_at,COALESCE(payload,''),COALESCE(parameter_weights,''),suppressed,COALESCE(forced_parameter,''),target`

type Cache struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Cache {
	return &Cache{DB: db, Now: time.Now}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (domain.ContentItem, error) {
	var it domain.ContentItem
	var weights string
	var suppressed int
	var target sql.NullInt64
	if err := row.Scan(&it.ChannelID, &it.ContentID, &it.PostedAt, &it.FetchedAt, &it.Payload, &weights, &suppressed, &it.ForcedParameter, &target); err != nil {
		return it, err
	}
	it.Suppressed = suppressed != 0
	if target.Valid {
		v := int(target.Int64)
		it.Target = &v
	}
	if weights != "" {
		if err := json.Unmarshal([]byte(weights), &it.ParameterWeights); err != nil {
			return it, fmt.Errorf("decode parameter weights of %s/%s: %w", it.ChannelID, it.ContentID, err)
		}
	}
	return it, nil
}

// Upsert stores freshly fetched items for a channel and stamps the channel's
// fetch time. Overrides, targets and completions of known items survive.
func (c *Cache) Upsert(ctx context.Context, channelID string, items []domain.ContentItem) error {
	nowStr := domain.FormatTime(c.now())
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError("upsert content", err)
	}
	defer tx.Rollback()
	for _, it := range items {
		if it.ContentID == "" {
			return fmt.Errorf("upsert content: item without content id in channel %s", channelID)
		}
		posted := it.PostedAt
		if posted == "" {
			posted = nowStr
		}
		var weights any
		if len(it.ParameterWeights) > 0 {
			data, err := json.Marshal(it.ParameterWeights)
			if err != nil {
				return fmt.Errorf("encode parameter weights: %w", err)
			}
			weights = string(data)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO content_items(channel_id,content_id,posted_at,fetched_at,payload,parameter_weights)
VALUES (?,?,?,?,?,?)
ON CONFLICT(channel_id,content_id) DO UPDATE SET
  fetched_at=excluded.fetched_at,
  payload=excluded.payload,
  parameter_weights=COALESCE(excluded.parameter_weights, content_items.parameter_weights)`,
			channelID, it.ContentID, posted, nowStr, it.Payload, weights); err != nil {
			return domain.StoreError("upsert content", err)
		}
	}
	if err := setFetched(ctx, tx, channelID, nowStr); err != nil {
		return domain.StoreError("upsert content", err)
	}
	return domain.StoreError("upsert content", tx.Commit())
}

func setFetched(ctx context.Context, tx *sql.Tx, channelID, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO channel_fetch_log(channel_id,last_fetch) VALUES (?,?)
ON CONFLICT(channel_id) DO UPDATE SET last_fetch=excluded.last_fetch`, channelID, ts)
	return err
}

// SetFetched stamps a channel as refreshed without storing items.
func (c *Cache) SetFetched(ctx context.Context, channelID string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError("set fetched", err)
	}
	defer tx.Rollback()
	if err := setFetched(ctx, tx, channelID, domain.FormatTime(c.now())); err != nil {
		return domain.StoreError("set fetched", err)
	}
	return domain.StoreError("set fetched", tx.Commit())
}

// LastFetchedAt returns the channel's last refresh, or the zero time.
func (c *Cache) LastFetchedAt(ctx context.Context, channelID string) (time.Time, error) {
	var ts string
	err := c.DB.QueryRowContext(ctx, `SELECT last_fetch FROM channel_fetch_log WHERE channel_id=?`, channelID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, domain.StoreError("last fetched", err)
	}
	return domain.ParseTime(ts)
}

// Recent returns up to limit items of a channel, newest first, with their
// completion sets.
func (c *Cache) Recent(ctx context.Context, channelID string, limit int) ([]domain.ContentItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := c.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE channel_id=?
ORDER BY posted_at DESC, content_id DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, domain.StoreError("recent content", err)
	}
	var items []domain.ContentItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, domain.StoreError("recent content", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError("recent content", err)
	}
	for i := range items {
		if items[i].CompletedBy, err = c.completions(ctx, channelID, items[i].ContentID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (c *Cache) Get(ctx context.Context, channelID, contentID string) (domain.ContentItem, error) {
	it, err := scanItem(c.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE channel_id=? AND content_id=?`, channelID, contentID))
	if errors.Is(err, sql.ErrNoRows) {
		return it, domain.ErrNotFound
	}
	if err != nil {
		return it, domain.StoreError("get content", err)
	}
	it.CompletedBy, err = c.completions(ctx, channelID, contentID)
	return it, err
}

func (c *Cache) completions(ctx context.Context, channelID, contentID string) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT identity_id FROM completions WHERE channel_id=? AND content_id=? ORDER BY completed_at, identity_id`, channelID, contentID)
	if err != nil {
		return nil, domain.StoreError("completions", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.StoreError("completions", err)
		}
		ids = append(ids, id)
	}
	return ids, domain.StoreError("completions", rows.Err())
}

// MarkCompleted records that identityID acted on the item. Recording the same
// identity twice is a no-op.
func (c *Cache) MarkCompleted(ctx context.Context, channelID, contentID, identityID string) error {
	_, err := c.DB.ExecContext(ctx, `INSERT OR IGNORE INTO completions(channel_id,content_id,identity_id,completed_at) VALUES (?,?,?,?)`,
		channelID, contentID, identityID, domain.FormatTime(c.now()))
	return domain.StoreError("mark completed", err)
}

// Suppress sets or clears the item's suppressed flag.
func (c *Cache) Suppress(ctx context.Context, channelID, contentID string, on bool) error {
	flag := 0
	if on {
		flag = 1
	}
	return c.updateItem(ctx, "suppress", `UPDATE content_items SET suppressed=? WHERE channel_id=? AND content_id=?`, flag, channelID, contentID)
}

// ForceParameter overrides the action parameter of the item; empty clears it.
func (c *Cache) ForceParameter(ctx context.Context, channelID, contentID, parameter string) error {
	var v any
	if parameter != "" {
		v = parameter
	}
	return c.updateItem(ctx, "force parameter", `UPDATE content_items SET forced_parameter=? WHERE channel_id=? AND content_id=?`, v, channelID, contentID)
}

func (c *Cache) updateItem(ctx context.Context, op, query string, args ...any) error {
	res, err := c.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.StoreError(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetTarget stores the item's per-post target unless one is already set and
// returns the stored value, so concurrent planners agree on one draw.
func (c *Cache) SetTarget(ctx context.Context, channelID, contentID string, target int) (int, error) {
	var stored int
	err := c.DB.QueryRowContext(ctx, `UPDATE content_items SET target=COALESCE(target, ?) WHERE channel_id=? AND content_id=? RETURNING target`,
		target, channelID, contentID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return stored, domain.StoreError("set target", err)
}

// Channels lists every channel the cache has seen.
func (c *Cache) Channels(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT channel_id FROM channel_fetch_log UNION SELECT DISTINCT channel_id FROM content_items ORDER BY 1`)
	if err != nil {
		return nil, domain.StoreError("list channels", err)
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, domain.StoreError("list channels", err)
		}
		res = append(res, ch)
	}
	return res, domain.StoreError("list channels", rows.Err())
}
