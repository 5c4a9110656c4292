package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now()
	tok, err := IssueToken("s3cret", "ops", []string{"operator"}, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := ParseToken("s3cret", tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ActorID != "ops" || !p.Can(PermContentWrite) || p.Can(PermIdentitiesWrite) {
		t.Fatalf("unexpected principal %+v", p)
	}
	var fe ForbiddenError
	if err := p.Require(PermAddressesWrite); !errors.As(err, &fe) || fe.Permission != PermAddressesWrite {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestTokenRejected(t *testing.T) {
	now := time.Now()
	tok, _ := IssueToken("s3cret", "ops", []string{"viewer"}, time.Hour, now)
	if _, err := ParseToken("other", tok); err == nil {
		t.Fatal("expected signature error")
	}
	expired, _ := IssueToken("s3cret", "ops", nil, time.Minute, now.Add(-time.Hour))
	if _, err := ParseToken("s3cret", expired); err == nil {
		t.Fatal("expected expiry error")
	}
	if _, err := IssueToken("s3cret", "ops", []string{"root"}, 0, now); err == nil {
		t.Fatal("expected unknown role error")
	}
	if _, err := IssueToken("", "ops", nil, 0, now); err == nil {
		t.Fatal("expected missing secret error")
	}
}
