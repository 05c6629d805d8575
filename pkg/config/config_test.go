package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestBrowserConfig_IsHeaded(t *testing.T) {
	assert.True(t, BrowserConfig{}.IsHeaded(), "headed by default")
	assert.True(t, BrowserConfig{Headed: boolPtr(true)}.IsHeaded())
	assert.False(t, BrowserConfig{Headed: boolPtr(false)}.IsHeaded())
}

func TestBrowserConfig_LaunchOrder(t *testing.T) {
	tests := []struct {
		name     string
		cfg      BrowserConfig
		expected []string
	}{
		{
			name:     "defaults only",
			cfg:      BrowserConfig{Channels: DefaultChannels},
			expected: []string{"chrome", "msedge", ""},
		},
		{
			name:     "configured channel first",
			cfg:      BrowserConfig{Channel: "chrome-beta", Channels: DefaultChannels},
			expected: []string{"chrome-beta", "chrome", "msedge", ""},
		},
		{
			name:     "configured channel not repeated",
			cfg:      BrowserConfig{Channel: "msedge", Channels: DefaultChannels},
			expected: []string{"msedge", "chrome", ""},
		},
		{
			name:     "chromium alias maps to bundled engine",
			cfg:      BrowserConfig{Channels: []string{"chromium", ""}},
			expected: []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.cfg.LaunchOrder())
		})
	}
}

func TestTriStateDefaults(t *testing.T) {
	assert.True(t, StealthConfig{}.SkipsTLSVerify())
	assert.False(t, StealthConfig{InsecureSkipVerify: boolPtr(false)}.SkipsTLSVerify())
	assert.True(t, BatchConfig{}.PersistsState())
	assert.False(t, BatchConfig{PersistState: boolPtr(false)}.PersistsState())
	assert.True(t, CommitConfig{}.KeepsRejected())
}

func TestAppConfig_YAMLDurations(t *testing.T) {
	raw := `
state_dir: /tmp/state
stealth:
  warmup_timeout: 3s
  candidate_cap: 7
browser:
  headed: false
  channel: msedge
batch:
  interval_min: 1s
  interval_max: 2s
  turbo: true
metadata:
  mode: SIDECAR
`
	var cfg AppConfig
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	_, err := cfg.Validate()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/state", cfg.StateDir)
	assert.Equal(t, 7, cfg.Stealth.CandidateCap)
	assert.Equal(t, "3s", cfg.Stealth.WarmupTimeout.String())
	assert.False(t, cfg.Browser.IsHeaded())
	assert.Equal(t, "msedge", cfg.Browser.LaunchOrder()[0])
	assert.True(t, cfg.Batch.Turbo)
	assert.Equal(t, MetadataModeSidecar, cfg.Metadata.Mode)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvHeaded:         "false",
		EnvBrowserChannel: "chrome-beta",
		EnvForceBrowser:   "notabool",
		EnvStateDir:       "/var/state",
	}
	cfg := DefaultConfig()
	warnings := cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.False(t, cfg.Browser.IsHeaded())
	assert.Equal(t, "chrome-beta", cfg.Browser.Channel)
	assert.False(t, cfg.Policy.ForceBrowser)
	assert.Equal(t, "/var/state", cfg.StateDir)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], EnvForceBrowser)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("IMGREFETCH_TEST_DOTENV=loaded\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("IMGREFETCH_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("IMGREFETCH_TEST_DOTENV"))
}
