package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pb, ok := cfg.Playbook("event")
	require.True(t, ok)
	assert.Equal(t, []string{"event", "product", "form", "checkout"}, pb.Steps)
	assert.Equal(t, int64(10000), cfg.Drafts.MinorUnitCeiling)
	assert.Equal(t, 5, cfg.Matching.MaxMatches)
}

func TestFromYAMLInheritsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
drafts:
  currency: EUR
webhooks:
  - url: http://localhost:9000/hook
    events: [record.created]
`))
	require.NoError(t, err)

	assert.Equal(t, "EUR", cfg.Drafts.Currency)
	assert.Equal(t, "UTC", cfg.Drafts.Timezone)
	assert.Equal(t, 0.3, cfg.Matching.MinScore)
	_, ok := cfg.Playbook("event")
	assert.True(t, ok)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"record.created"}, cfg.Webhooks[0].Events)
}

func TestFromYAMLReplacesPlaybooks(t *testing.T) {
	cfg, err := FromYAML([]byte(`
playbooks:
  rsvp:
    steps: [event, form]
`))
	require.NoError(t, err)
	_, ok := cfg.Playbook("event")
	assert.False(t, ok)
	pb, ok := cfg.Playbook("rsvp")
	require.True(t, ok)
	assert.Equal(t, []string{"event", "form"}, pb.Steps)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown step", "playbooks:\n  x:\n    steps: [event, raffle]\n", "unknown step"},
		{"repeated step", "playbooks:\n  x:\n    steps: [event, event]\n", "repeats step"},
		{"no steps", "playbooks:\n  x:\n    description: empty\n", "no steps"},
		{"score range", "matching:\n  min_score: 1.5\n", "min_score"},
		{"webhook url", "webhooks:\n  - events: [record.created]\n", "url is required"},
		{"negative ceiling", "drafts:\n  minor_unit_ceiling: -1\n", "minor_unit_ceiling"},
		{"bad yaml", "playbooks: [", "invalid config yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "al config init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "USD", cfg.Drafts.Currency)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentline.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.Drafts.PaymentProvider)
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("AGENTLINE_LOG_LEVEL", "debug")
	v := NewViper()

	s, err := LoadSettings(v)
	require.NoError(t, err)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "127.0.0.1:8080", s.Addr)
	assert.Equal(t, "/v0", s.BasePath)
	assert.Equal(t, "local-user", s.User)

	v.Set("log-format", "xml")
	_, err = LoadSettings(v)
	assert.ErrorContains(t, err, "log-format")
}
