package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"actionline/internal/domain"
)

func TestParseJobKind(t *testing.T) {
	for _, s := range []string{"validate-identity", "refresh-content", "act-on-post"} {
		k, err := domain.ParseJobKind(s)
		if err != nil {
			t.Errorf("ParseJobKind(%q) returned unexpected error: %v", s, err)
		}
		if string(k) != s {
			t.Errorf("ParseJobKind(%q) = %q", s, k)
		}
	}
	if _, err := domain.ParseJobKind("react"); !errors.Is(err, domain.ErrUnknownKind) {
		t.Errorf("ParseJobKind(react) err = %v, want ErrUnknownKind", err)
	}
}

func TestJobTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.JobState
		want     bool
	}{
		{domain.JobPending, domain.JobReserved, true},
		{domain.JobReserved, domain.JobDone, true},
		{domain.JobReserved, domain.JobFailed, true},
		{domain.JobReserved, domain.JobPending, true},
		{domain.JobFailed, domain.JobPending, true},
		{domain.JobPending, domain.JobDone, false},
		{domain.JobDone, domain.JobPending, false},
		{domain.JobDone, domain.JobFailed, false},
	}
	for _, c := range cases {
		if got := domain.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestJobValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		job  domain.Job
		ok   bool
	}{
		{"validate ok", domain.Job{Kind: domain.KindValidateIdentity, IdentityID: "a"}, true},
		{"validate missing identity", domain.Job{Kind: domain.KindValidateIdentity}, false},
		{"refresh ok", domain.Job{Kind: domain.KindRefreshContent, ChannelID: "c"}, true},
		{"refresh missing channel", domain.Job{Kind: domain.KindRefreshContent}, false},
		{"act ok", domain.Job{Kind: domain.KindActOnPost, ChannelID: "c", ContentID: "1", IdentityID: "a"}, true},
		{"act missing identity", domain.Job{Kind: domain.KindActOnPost, ChannelID: "c", ContentID: "1"}, false},
		{"unknown kind", domain.Job{Kind: "other"}, false},
	}
	for _, c := range cases {
		err := c.job.Validate()
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && !errors.Is(err, domain.ErrInvalidJob) {
			t.Errorf("%s: err = %v, want ErrInvalidJob", c.name, err)
		}
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := domain.FormatTime(base)
	b := domain.FormatTime(base.Add(1500 * time.Microsecond))
	c := domain.FormatTime(base.Add(10 * time.Second))
	if !(a < b && b < c) {
		t.Fatalf("expected lexical order, got %s %s %s", a, b, c)
	}
	parsed, err := domain.ParseTime(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(base.Add(1500 * time.Microsecond)) {
		t.Fatalf("round trip mismatch: %v", parsed)
	}
}

func TestStoreErrorKeepsSentinels(t *testing.T) {
	if err := domain.StoreError("op", domain.ErrDuplicateJob); !errors.Is(err, domain.ErrDuplicateJob) || errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("sentinel should pass through, got %v", err)
	}
	err := domain.StoreError("reserve", fmt.Errorf("disk I/O error"))
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if domain.StoreError("op", nil) != nil {
		t.Fatal("nil should stay nil")
	}
}
