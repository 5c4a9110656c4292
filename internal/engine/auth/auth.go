// Package auth issues and checks operator tokens. Permissions come from the
// token's roles plus any explicit permission claims.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermRead            = "read"
	PermJobsWrite       = "jobs.write"
	PermIdentitiesWrite = "identities.write"
	PermAddressesWrite  = "addresses.write"
	PermContentWrite    = "content.write"
	PermCodesWrite      = "codes.write"
)

var rolePermissions = map[string][]string{
	"viewer":   {PermRead},
	"operator": {PermRead, PermJobsWrite, PermContentWrite, PermCodesWrite},
	"admin":    {PermRead, PermJobsWrite, PermIdentitiesWrite, PermAddressesWrite, PermContentWrite, PermCodesWrite},
}

// Roles lists the known role names.
func Roles() []string { return []string{"viewer", "operator", "admin"} }

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

// Can reports whether the principal holds perm directly or through a role.
func (p Principal) Can(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	for _, r := range p.Roles {
		for _, have := range rolePermissions[r] {
			if have == perm {
				return true
			}
		}
	}
	return false
}

// Effective lists every permission the principal holds, sorted.
func (p Principal) Effective() []string {
	set := map[string]bool{}
	for _, perm := range p.Permissions {
		set[perm] = true
	}
	for _, r := range p.Roles {
		for _, perm := range rolePermissions[r] {
			set[perm] = true
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

func (p Principal) Require(perm string) error {
	if p.Can(perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

type claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	for _, r := range roles {
		if _, ok := rolePermissions[r]; !ok {
			return "", fmt.Errorf("unknown role %q", r)
		}
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

// ParseToken verifies token and returns its principal.
func ParseToken(secret, token string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: c.Subject, Roles: c.Roles, Permissions: c.Permissions}, nil
}
