package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 20*time.Second, cfg.Calls.GatherTimeout)
	assert.Equal(t, 15*time.Second, cfg.Calls.PlaybackTimeout)
	assert.Equal(t, "sonic-2", cfg.TTS.Model)
	assert.Empty(t, cfg.Webhooks)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  listen: 0.0.0.0:9000
  public_url: https://eomf.example.org/game
calls:
  gather_timeout: 30s
webhooks:
  - url: http://hooks.local/missions
    events: [mission.completed]
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 30*time.Second, cfg.Calls.GatherTimeout)
	assert.Equal(t, 15*time.Second, cfg.Calls.PlaybackTimeout)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"mission.completed"}, cfg.Webhooks[0].Events)
	assert.Equal(t, "wss://eomf.example.org/game/ws/call/jambonz", cfg.ActionHook())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"public url":      "server:\n  public_url: eomf.local\n",
		"base path":       "server:\n  base_path: v0\n",
		"gather timeout":  "calls:\n  gather_timeout: -1s\n",
		"log format":      "log:\n  format: xml\n",
		"webhook url":     "webhooks:\n  - events: [mission.given]\n",
		"webhook event":   "webhooks:\n  - url: http://x\n    events: [\"\"]\n",
		"not yaml at all": "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "not found")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "eomf.yml"), []byte("calls:\n  action_hook: ws://gw/hook\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws://gw/hook", cfg.ActionHook())
}
