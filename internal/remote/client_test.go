package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"actionline/internal/domain"
	"actionline/internal/worker"
)

func serve(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return "http://" + ln.Addr().String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func TestPerformOutcomes(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no token"})
			return
		}
		got = map[string]any{}
		json.NewDecoder(r.Body).Decode(&got)
		switch got["identity_id"] {
		case "needs":
			writeJSON(w, http.StatusOK, outcome{Status: StatusNeedsCode})
		case "gone":
			writeJSON(w, http.StatusForbidden, outcome{Status: StatusRevoked, Message: "session revoked"})
		case "cold":
			writeJSON(w, http.StatusOK, outcome{Status: StatusFrozen})
		case "broken":
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
		default:
			writeJSON(w, http.StatusOK, outcome{Status: StatusOK})
		}
	})
	c := New(serve(t, mux), "secret", 0, 1)
	ctx := context.Background()
	action := worker.Action{
		IdentityID: "alice",
		Address:    domain.AddressLease{AddressID: "a1", ExternalAddress: "10.0.0.1"},
		Item:       domain.ContentItem{ChannelID: "chan", ContentID: "p1"},
		Parameter:  "like",
		Code:       "123",
	}
	if err := c.Perform(ctx, action); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if got["code"] != "123" || got["external_address"] != "10.0.0.1" || got["parameter"] != "like" {
		t.Fatalf("unexpected request body %+v", got)
	}
	cases := map[string]error{"needs": domain.ErrNeedsCode, "gone": domain.ErrRevoked, "cold": domain.ErrFrozen}
	for id, want := range cases {
		action.IdentityID = id
		if err := c.Perform(ctx, action); !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", id, want, err)
		}
	}
	action.IdentityID = "broken"
	err := c.Perform(ctx, action)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected transient api error, got %v", err)
	}
	if domain.IdentityTerminal(err) {
		t.Fatalf("transient error classified as terminal")
	}
}

func TestFetchRecent(t *testing.T) {
	posted := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/channels/{ch}/posts", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("ch") != "news" || r.URL.Query().Get("limit") != "5" {
			writeJSON(w, http.StatusBadRequest, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": []post{
			{ContentID: "p1", PostedAt: posted, ParameterWeights: map[string]int{"like": 3}},
			{ContentID: "p2"},
		}})
	})
	c := New(serve(t, mux), "", 0, 1)
	items, err := c.FetchRecent(context.Background(), "news", 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 || items[0].ChannelID != "news" || items[0].PostedAt != domain.FormatTime(posted) || items[0].ParameterWeights["like"] != 3 {
		t.Fatalf("unexpected items %+v", items)
	}
	if items[1].PostedAt != "" {
		t.Fatalf("missing posted_at should stay empty, got %q", items[1].PostedAt)
	}
}

func TestValidateAndRotate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/identities/{id}/validate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["code"] == "" {
			writeJSON(w, http.StatusOK, outcome{Status: StatusNeedsCode})
			return
		}
		writeJSON(w, http.StatusOK, outcome{Status: StatusOK})
	})
	mux.HandleFunc("POST /v1/addresses/{id}/rotate", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "empty" {
			writeJSON(w, http.StatusOK, map[string]string{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"external_address": "10.1.1." + r.PathValue("id")})
	})
	c := New(serve(t, mux), "", 0, 1)
	ctx := context.Background()
	if err := c.Validate(ctx, "alice", ""); !errors.Is(err, domain.ErrNeedsCode) {
		t.Fatalf("expected needs code, got %v", err)
	}
	if err := c.Validate(ctx, "alice", "9999"); err != nil {
		t.Fatalf("validate with code: %v", err)
	}
	addr, err := c.IssueOrRotate(ctx, "7")
	if err != nil || addr != "10.1.1.7" {
		t.Fatalf("rotate: %q %v", addr, err)
	}
	if _, err := c.IssueOrRotate(ctx, "empty"); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestLimiterHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, outcome{Status: StatusOK})
	})
	c := New(serve(t, mux), "", 0.001, 1)
	ctx := context.Background()
	if err := c.Perform(ctx, worker.Action{}); err != nil {
		t.Fatalf("first call uses the burst: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := c.Perform(ctx, worker.Action{}); err == nil {
		t.Fatal("expected the limiter to refuse a second call within the deadline")
	}
}
