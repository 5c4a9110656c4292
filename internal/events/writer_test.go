package events_test

import (
	"context"
	"testing"
	"time"

	"actionline/internal/db"
	"actionline/internal/events"
	"actionline/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Store: db.Registry})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.Registry); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return events.Writer{DB: conn, Now: func() time.Time { return now }}
}

func TestRecordAndFilter(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	if id, err := w.LatestID(ctx); err != nil || id != 0 {
		t.Fatalf("empty log latest id %d %v", id, err)
	}
	if err := w.Record(ctx, "content.suppressed", "content", "news/p1", "ops", events.EventPayload{"purged": 2}); err != nil {
		t.Fatal(err)
	}
	if err := w.Record(ctx, "code.requested", "identity", "alice", "", nil); err != nil {
		t.Fatal(err)
	}

	latest, err := w.Latest(ctx, 10, "", "", "")
	if err != nil || len(latest) != 2 {
		t.Fatalf("latest %+v %v", latest, err)
	}
	if latest[0].Type != "code.requested" || latest[0].ActorID != "system" || latest[0].Payload != "{}" {
		t.Fatalf("expected newest first with defaults, got %+v", latest[0])
	}
	filtered, err := w.Latest(ctx, 10, "", "content", "news/p1")
	if err != nil || len(filtered) != 1 || filtered[0].Payload != `{"purged":2}` {
		t.Fatalf("filtered %+v %v", filtered, err)
	}
}

func TestAfterCursor(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := w.Record(ctx, "identity.registered", "identity", id, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	head, err := w.LatestID(ctx)
	if err != nil || head != 3 {
		t.Fatalf("latest id %d %v", head, err)
	}
	page, err := w.After(ctx, 2, 0)
	if err != nil || len(page) != 2 || page[0].EntityID != "a" || page[1].EntityID != "b" {
		t.Fatalf("first page %+v %v", page, err)
	}
	page, err = w.After(ctx, 2, page[1].ID)
	if err != nil || len(page) != 1 || page[0].EntityID != "c" {
		t.Fatalf("second page %+v %v", page, err)
	}
	page, err = w.After(ctx, 2, head)
	if err != nil || len(page) != 0 {
		t.Fatalf("expected nothing after head, got %+v %v", page, err)
	}
}
