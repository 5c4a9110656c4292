package domain

import "time"

// TimeLayout is fixed-width so stored timestamps sort lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeLayout, s)
}

type JobKind string

const (
	KindValidateIdentity JobKind = "validate-identity"
	KindRefreshContent   JobKind = "refresh-content"
	KindActOnPost        JobKind = "act-on-post"
)

// JobKinds lists every job kind in display order.
func JobKinds() []JobKind {
	return []JobKind{KindValidateIdentity, KindRefreshContent, KindActOnPost}
}

// ParseJobKind converts raw input to a JobKind.
func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(s)
	switch k {
	case KindValidateIdentity, KindRefreshContent, KindActOnPost:
		return k, nil
	}
	return "", ErrUnknownKind
}

type JobState string

const (
	JobPending  JobState = "pending"
	JobReserved JobState = "reserved"
	JobDone     JobState = "done"
	JobFailed   JobState = "failed"
)

// jobTransitions lists every allowed (from -> to) pair of the job state machine.
var jobTransitions = map[JobState][]JobState{
	JobPending:  {JobReserved},
	JobReserved: {JobDone, JobFailed, JobPending},
	JobFailed:   {JobPending},
}

// CanTransition reports whether a job may move from one state to another.
// failed -> pending is only reachable through an operator retry.
func CanTransition(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a reservation.
func (s JobState) Terminal() bool { return s == JobDone || s == JobFailed }

type Job struct {
	ID             string   `json:"id"`
	Kind           JobKind  `json:"kind"`
	ChannelID      string   `json:"channel_id,omitempty"`
	ContentID      string   `json:"content_id,omitempty"`
	IdentityID     string   `json:"identity_id,omitempty"`
	Parameter      string   `json:"parameter,omitempty"`
	State          JobState `json:"state" enum:"pending,reserved,done,failed"`
	ReservedBy     string   `json:"reserved_by,omitempty"`
	ReservedAt     string   `json:"reserved_at,omitempty"`
	LeaseExpiresAt string   `json:"lease_expires_at,omitempty"`
	Attempts       int      `json:"attempts"`
	LastError      string   `json:"last_error,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

// Validate checks that the fields required by the job kind are present.
func (j Job) Validate() error {
	switch j.Kind {
	case KindValidateIdentity:
		if j.IdentityID == "" {
			return invalidJob("identity id required for %s", j.Kind)
		}
	case KindRefreshContent:
		if j.ChannelID == "" {
			return invalidJob("channel id required for %s", j.Kind)
		}
	case KindActOnPost:
		if j.ChannelID == "" || j.ContentID == "" || j.IdentityID == "" {
			return invalidJob("channel, content and identity ids required for %s", j.Kind)
		}
	default:
		return invalidJob("unknown kind %q", j.Kind)
	}
	return nil
}

type IdentityStatus string

const (
	IdentityAvailable IdentityStatus = "available"
	IdentityInUse     IdentityStatus = "in_use"
	IdentityExcluded  IdentityStatus = "excluded"
)

type Identity struct {
	ID             string         `json:"id"`
	Status         IdentityStatus `json:"status" enum:"available,in_use,excluded"`
	LastReleasedAt string         `json:"last_released_at,omitempty"`
	ReadyAt        string         `json:"ready_at,omitempty"`
	Holder         string         `json:"holder,omitempty"`
	AcquiredAt     string         `json:"acquired_at,omitempty"`
	LeaseExpiresAt string         `json:"lease_expires_at,omitempty"`
	ExcludedReason string         `json:"excluded_reason,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// ReleaseOutcome is how a holder hands an identity back.
type ReleaseOutcome string

const (
	ReleaseOK      ReleaseOutcome = "ok"
	ReleaseUnused  ReleaseOutcome = "unused"
	ReleaseRevoked ReleaseOutcome = "revoked"
	ReleaseFrozen  ReleaseOutcome = "frozen"
)

// Excludes reports whether the outcome permanently removes the identity.
func (o ReleaseOutcome) Excludes() bool { return o == ReleaseRevoked || o == ReleaseFrozen }

type ContentItem struct {
	ChannelID        string         `json:"channel_id"`
	ContentID        string         `json:"content_id"`
	PostedAt         string         `json:"posted_at"`
	FetchedAt        string         `json:"fetched_at"`
	Payload          string         `json:"payload,omitempty"`
	ParameterWeights map[string]int `json:"parameter_weights,omitempty"`
	Suppressed       bool           `json:"suppressed"`
	ForcedParameter  string         `json:"forced_parameter,omitempty"`
	Target           *int           `json:"target,omitempty"`
	CompletedBy      []string       `json:"completed_by,omitempty"`
}

// HasCompleted reports whether identityID already acted on the item.
func (c ContentItem) HasCompleted(identityID string) bool {
	for _, id := range c.CompletedBy {
		if id == identityID {
			return true
		}
	}
	return false
}

type Address struct {
	ID              string `json:"id"`
	ExternalAddress string `json:"external_address"`
	RotatedAt       string `json:"rotated_at,omitempty"`
	RotatingUntil   string `json:"rotating_until,omitempty"`
	WindowUsage     int    `json:"window_usage"`
	CreatedAt       string `json:"created_at"`
}

// AddressLease is the grant returned when an identity is placed on an address.
type AddressLease struct {
	AddressID       string `json:"address_id"`
	ExternalAddress string `json:"external_address"`
	IdentityID      string `json:"identity_id"`
	AcquiredAt      string `json:"acquired_at"`
}

type UsageEntry struct {
	AddressID       string `json:"address_id"`
	ExternalAddress string `json:"external_address"`
	IdentityID      string `json:"identity_id"`
	UsedAt          string `json:"used_at"`
}

type ChannelTarget struct {
	Base      int `yaml:"base" json:"base"`
	Deviation int `yaml:"deviation" json:"deviation"`
}

type CodeRequest struct {
	IdentityID  string `json:"identity_id"`
	RequestedAt string `json:"requested_at"`
	Code        string `json:"code,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
