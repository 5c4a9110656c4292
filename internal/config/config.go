package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"actionline/internal/domain"
	"actionline/internal/quiet"
)

// Config models actionline.yml.
type Config struct {
	Channels         []string                        `yaml:"channels"`
	ChannelTargets   map[string]domain.ChannelTarget `yaml:"channel_targets"`
	AcceptanceCurve  Curve                           `yaml:"acceptance_curve"`
	ContentWindow    int                             `yaml:"content_window_size"`
	DefaultParameter string                          `yaml:"default_parameter"`

	PerPostCooldownSeconds       int `yaml:"per_post_cooldown_seconds"`
	MaxIdentitiesPerAddress      int `yaml:"max_identities_per_address"`
	AddressWindowSeconds         int `yaml:"address_window_seconds"`
	IdentityReuseCooldownSeconds int `yaml:"identity_reuse_cooldown_seconds"`
	IdentityLeaseTTLSeconds      int `yaml:"identity_lease_ttl_seconds"`
	ReservationTTLSeconds        int `yaml:"reservation_ttl_seconds"`
	PlannerIntervalSeconds       int `yaml:"planner_interval_seconds"`
	SweepIntervalSeconds         int `yaml:"sweep_interval_seconds"`
	ContentRefreshSeconds        int `yaml:"content_refresh_interval_seconds"`
	CodeTimeoutSeconds           int `yaml:"verification_code_timeout_seconds"`

	PostActionDelaySeconds float64 `yaml:"post_action_delay_seconds"`
	PollIntervalSeconds    float64 `yaml:"poll_interval_seconds"`
	Workers                int     `yaml:"workers"`

	Addresses     []AddressConfig `yaml:"addresses"`
	QuietHours    QuietHours      `yaml:"quiet_hours"`
	Collaborators Collaborators   `yaml:"collaborators"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
}

type Curve struct {
	K float64 `yaml:"k"`
	C float64 `yaml:"c"`
	D float64 `yaml:"d"`
}

type AddressConfig struct {
	ID       string `yaml:"id"`
	External string `yaml:"external"`
}

type QuietHours struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
}

// Collaborators points at the HTTP services that fetch content, perform
// actions, validate identities and issue addresses.
type Collaborators struct {
	BaseURL        string  `yaml:"base_url"`
	Token          string  `yaml:"token"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// WebhookConfig forwards audit events, such as code.requested, to an
// operator endpoint. An empty Events list forwards everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure. A channel without a
// target is allowed here; the planner reports it as a configuration gap.
func (c *Config) Validate() error {
	if c.AcceptanceCurve.K <= 0 || c.AcceptanceCurve.C <= 0 || c.AcceptanceCurve.D <= 0 {
		return fmt.Errorf("acceptance_curve k, c and d must be > 0")
	}
	if c.ContentWindow < 1 {
		return fmt.Errorf("content_window_size must be >= 1")
	}
	if c.MaxIdentitiesPerAddress < 1 {
		return fmt.Errorf("max_identities_per_address must be >= 1")
	}
	if c.ReservationTTLSeconds <= 0 {
		return fmt.Errorf("reservation_ttl_seconds must be > 0")
	}
	if c.IdentityLeaseTTLSeconds <= 0 {
		return fmt.Errorf("identity_lease_ttl_seconds must be > 0")
	}
	if c.AddressWindowSeconds <= 0 {
		return fmt.Errorf("address_window_seconds must be > 0")
	}
	for name, v := range map[string]int{
		"per_post_cooldown_seconds":         c.PerPostCooldownSeconds,
		"identity_reuse_cooldown_seconds":   c.IdentityReuseCooldownSeconds,
		"verification_code_timeout_seconds": c.CodeTimeoutSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	for name, v := range map[string]int{
		"planner_interval_seconds":         c.PlannerIntervalSeconds,
		"sweep_interval_seconds":           c.SweepIntervalSeconds,
		"content_refresh_interval_seconds": c.ContentRefreshSeconds,
		"workers":                          c.Workers,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1", name)
		}
	}
	if c.PostActionDelaySeconds < 0 || c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("post_action_delay_seconds must be >= 0 and poll_interval_seconds > 0")
	}
	for ch, t := range c.ChannelTargets {
		if ch == "" {
			return fmt.Errorf("channel_targets has an empty channel id")
		}
		if t.Base < 0 || t.Deviation < 0 {
			return fmt.Errorf("channel %s: base and deviation must be >= 0", ch)
		}
	}
	seen := map[string]bool{}
	for _, a := range c.Addresses {
		if a.ID == "" {
			return fmt.Errorf("addresses: id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("addresses: duplicate id %s", a.ID)
		}
		seen[a.ID] = true
	}
	for i, h := range c.Webhooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if h.URL == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
	}
	if _, err := c.QuietWindow(); err != nil {
		return err
	}
	return nil
}

// QuietWindow parses the quiet_hours block.
func (c *Config) QuietWindow() (quiet.Window, error) {
	q := c.QuietHours
	return quiet.Parse(q.Enabled, q.Timezone, q.Start, q.End)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) ReservationTTL() time.Duration   { return seconds(c.ReservationTTLSeconds) }
func (c *Config) IdentityLeaseTTL() time.Duration { return seconds(c.IdentityLeaseTTLSeconds) }
func (c *Config) ReuseCooldown() time.Duration    { return seconds(c.IdentityReuseCooldownSeconds) }
func (c *Config) PerPostCooldown() time.Duration  { return seconds(c.PerPostCooldownSeconds) }
func (c *Config) AddressWindow() time.Duration    { return seconds(c.AddressWindowSeconds) }
func (c *Config) PlannerInterval() time.Duration  { return seconds(c.PlannerIntervalSeconds) }
func (c *Config) SweepInterval() time.Duration    { return seconds(c.SweepIntervalSeconds) }
func (c *Config) ContentRefresh() time.Duration   { return seconds(c.ContentRefreshSeconds) }
func (c *Config) CodeTimeout() time.Duration      { return seconds(c.CodeTimeoutSeconds) }

func (c *Config) PostActionDelay() time.Duration {
	return time.Duration(c.PostActionDelaySeconds * float64(time.Second))
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `channels: []

# per-channel target: each post gets base +/- uniform(deviation) actions
channel_targets: {}

acceptance_curve:
  k: 1.0
  c: 1.0
  d: 1.0

content_window_size: 10
default_parameter: "like"
per_post_cooldown_seconds: 0

max_identities_per_address: 2
address_window_seconds: 3600
addresses: []

identity_reuse_cooldown_seconds: 120
identity_lease_ttl_seconds: 600
reservation_ttl_seconds: 180

planner_interval_seconds: 15
sweep_interval_seconds: 30
content_refresh_interval_seconds: 300
verification_code_timeout_seconds: 120
post_action_delay_seconds: 1.5
poll_interval_seconds: 1.0
workers: 5

quiet_hours:
  enabled: false
  timezone: UTC
  start: "01:00"
  end: "08:00"

collaborators:
  base_url: ""
  token: ""
  rate_per_second: 5
  burst: 5
  timeout_seconds: 30

# e.g. - url: https://ops.example/hook
#        events: [code.requested, identity.excluded]
webhooks: []
`
