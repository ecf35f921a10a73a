package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentline.yml.
type Config struct {
	Playbooks map[string]PlaybookConfig `yaml:"playbooks"`
	Drafts    DraftDefaults             `yaml:"drafts"`
	Matching  struct {
		MaxMatches int     `yaml:"max_matches"`
		MinScore   float64 `yaml:"min_score"`
	} `yaml:"matching"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// PlaybookConfig lists the ordered artifact steps of a playbook and the
// detected item types it is allowed to automate.
type PlaybookConfig struct {
	Description string   `yaml:"description"`
	Steps       []string `yaml:"steps"`
	Supported   []string `yaml:"supported"`
}

type DraftDefaults struct {
	Currency          string `yaml:"currency"`
	Timezone          string `yaml:"timezone"`
	LeadDays          int    `yaml:"lead_days"`
	DurationMinutes   int    `yaml:"duration_minutes"`
	MinorUnitCeiling  int64  `yaml:"minor_unit_ceiling"`
	PaymentProvider   string `yaml:"payment_provider"`
	FallbackEventName string `yaml:"fallback_event_name"`
}

// WebhookConfig posts event log entries to URL. An empty Organization
// subscribes to every organization in the workspace.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Organization   string   `yaml:"organization"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var knownSteps = map[string]bool{
	"event":    true,
	"product":  true,
	"form":     true,
	"checkout": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Playbooks) == 0 {
		return fmt.Errorf("config.playbooks is required")
	}
	for name, pb := range c.Playbooks {
		if len(pb.Steps) == 0 {
			return fmt.Errorf("playbook %s has no steps", name)
		}
		seen := map[string]bool{}
		for _, step := range pb.Steps {
			if !knownSteps[step] {
				return fmt.Errorf("playbook %s has unknown step %q", name, step)
			}
			if seen[step] {
				return fmt.Errorf("playbook %s repeats step %q", name, step)
			}
			seen[step] = true
		}
		for _, t := range pb.Supported {
			if t == "" {
				return fmt.Errorf("playbook %s has empty supported type", name)
			}
		}
	}
	if c.Drafts.MinorUnitCeiling < 0 {
		return fmt.Errorf("config.drafts.minor_unit_ceiling must not be negative")
	}
	if c.Drafts.DurationMinutes < 0 || c.Drafts.LeadDays < 0 {
		return fmt.Errorf("config.drafts durations must not be negative")
	}
	if c.Matching.MinScore < 0 || c.Matching.MinScore > 1 {
		return fmt.Errorf("config.matching.min_score must be within [0,1]")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Playbook returns the named playbook config.
func (c *Config) Playbook(name string) (PlaybookConfig, bool) {
	pb, ok := c.Playbooks[name]
	return pb, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing draft and
// matching settings inherit the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Playbooks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Playbooks == nil {
		cfg.Playbooks = Default().Playbooks
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

const defaultTemplate = `playbooks:
  event:
    description: "Event with ticket products, a registration form and a checkout"
    steps: [event, product, form, checkout]
    supported: [event, product, ticket, form, checkout]

drafts:
  currency: USD
  timezone: UTC
  lead_days: 7
  duration_minutes: 120
  minor_unit_ceiling: 10000
  payment_provider: stripe
  fallback_event_name: "New Event Experience"

matching:
  max_matches: 5
  min_score: 0.3
`
