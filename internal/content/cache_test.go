package content_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"actionline/internal/content"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/migrate"
)

func newCache(t *testing.T) (*content.Cache, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Store: db.Content})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.Content); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := content.New(conn)
	c.Now = func() time.Time { return now }
	return c, &now
}

func posted(minutesAgo int) string {
	return domain.FormatTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Add(-time.Duration(minutesAgo) * time.Minute))
}

func TestUpsertAndRecentOrder(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	err := c.Upsert(ctx, "chan", []domain.ContentItem{
		{ContentID: "old", PostedAt: posted(30)},
		{ContentID: "new", PostedAt: posted(1), ParameterWeights: map[string]int{"heart": 3}},
		{ContentID: "mid", PostedAt: posted(10)},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	items, err := c.Recent(ctx, "chan", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ContentID != "new" || items[1].ContentID != "mid" {
		t.Fatalf("unexpected order %+v", items)
	}
	if items[0].ParameterWeights["heart"] != 3 {
		t.Fatalf("weights lost: %+v", items[0])
	}
	fetched, err := c.LastFetchedAt(ctx, "chan")
	if err != nil || fetched.IsZero() {
		t.Fatalf("fetch time not stamped: %v %v", fetched, err)
	}
	if ts, _ := c.LastFetchedAt(ctx, "other"); !ts.IsZero() {
		t.Fatalf("unknown channel must report zero time")
	}
}

func TestOverridesSurviveRefresh(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	if err := c.Upsert(ctx, "chan", []domain.ContentItem{{ContentID: "p1", PostedAt: posted(5)}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Suppress(ctx, "chan", "p1", true); err != nil {
		t.Fatal(err)
	}
	if err := c.ForceParameter(ctx, "chan", "p1", "fire"); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkCompleted(ctx, "chan", "p1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkCompleted(ctx, "chan", "p1", "alice"); err != nil {
		t.Fatalf("repeat completion: %v", err)
	}
	if err := c.Upsert(ctx, "chan", []domain.ContentItem{{ContentID: "p1", PostedAt: posted(5), Payload: "v2"}}); err != nil {
		t.Fatal(err)
	}
	it, err := c.Get(ctx, "chan", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !it.Suppressed || it.ForcedParameter != "fire" || it.Payload != "v2" {
		t.Fatalf("overrides lost: %+v", it)
	}
	if len(it.CompletedBy) != 1 || !it.HasCompleted("alice") {
		t.Fatalf("completions lost: %+v", it.CompletedBy)
	}
	if err := c.Suppress(ctx, "chan", "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetTargetFirstWriterWins(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	if err := c.Upsert(ctx, "chan", []domain.ContentItem{{ContentID: "p1"}}); err != nil {
		t.Fatal(err)
	}
	got, err := c.SetTarget(ctx, "chan", "p1", 4)
	if err != nil || got != 4 {
		t.Fatalf("set target: %d %v", got, err)
	}
	got, err = c.SetTarget(ctx, "chan", "p1", 9)
	if err != nil || got != 4 {
		t.Fatalf("target must stay 4, got %d %v", got, err)
	}
	if _, err := c.SetTarget(ctx, "chan", "nope", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	channels, err := c.Channels(ctx)
	if err != nil || len(channels) != 1 || channels[0] != "chan" {
		t.Fatalf("channels %v %v", channels, err)
	}
}
