package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandcastle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, DefaultProvider, cfg.Model.Provider)
	require.Equal(t, 10, cfg.Agent.MaxTurns)
	require.Equal(t, 3000, cfg.Sandbox.Port)
	require.Equal(t, "https", cfg.Sandbox.URLScheme)
	require.Equal(t, 15, cfg.Liveness.MaxPolls)
	require.Equal(t, 2*time.Second, cfg.Liveness.PollInterval)
	require.Equal(t, JournalSQLite, cfg.Journal.Driver)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  provider: openai
  name: gpt-4o
  temperature: 0.3
agent:
  max_turns: 4
  command_timeout: 30s
sandbox:
  port: 5173
  start_command: npm run preview
  url_scheme: http
liveness:
  max_polls: 3
  poll_interval: 500ms
journal:
  driver: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "openai", cfg.Model.Provider)
	require.Equal(t, "gpt-4o", cfg.Model.Name)
	require.NotNil(t, cfg.Model.Temperature)
	require.InDelta(t, 0.3, *cfg.Model.Temperature, 1e-9)
	require.Equal(t, 4, cfg.Agent.MaxTurns)
	require.Equal(t, 30*time.Second, cfg.Agent.CommandTimeout)
	require.Equal(t, 5173, cfg.Sandbox.Port)
	require.Equal(t, 500*time.Millisecond, cfg.Liveness.PollInterval)
	require.Equal(t, JournalMemory, cfg.Journal.Driver)
	// Untouched keys keep their defaults.
	require.Equal(t, "npm install", cfg.Sandbox.InstallCommand)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "model: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDCASTLE_MODEL", "claude-sonnet-4-5")
	t.Setenv("SANDCASTLE_MAX_TURNS", "6")
	t.Setenv("SANDCASTLE_POLL_INTERVAL", "1s")
	t.Setenv("SANDCASTLE_TEMPERATURE", "0.5")
	t.Setenv("SANDCASTLE_LOOP_DETECTION", "false")

	path := writeConfig(t, "agent:\n  max_turns: 3\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "claude-sonnet-4-5", cfg.Model.Name)
	require.Equal(t, 6, cfg.Agent.MaxTurns)
	require.Equal(t, time.Second, cfg.Liveness.PollInterval)
	require.InDelta(t, 0.5, *cfg.Model.Temperature, 1e-9)
	require.False(t, cfg.Agent.LoopDetection)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	cases := map[string]string{
		"SANDCASTLE_MAX_TURNS":      "ten",
		"SANDCASTLE_POLL_INTERVAL":  "soon",
		"SANDCASTLE_TEMPERATURE":    "warm",
		"SANDCASTLE_LOOP_DETECTION": "maybe",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := Load("")
			require.Error(t, err)
			require.Contains(t, err.Error(), name)
		})
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Sandbox.Port = 0
	cfg.Sandbox.URLScheme = "ftp"
	cfg.Journal.Driver = "postgres"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "sandbox.port")
	require.Contains(t, msg, "sandbox.url_scheme")
	require.Contains(t, msg, "journal.driver")
	require.Contains(t, msg, "log.level")
}

func TestValidateRejectsUnboundedTurns(t *testing.T) {
	cfg := Default()
	cfg.Agent.MaxTurns = 0
	require.ErrorContains(t, cfg.Validate(), "agent.max_turns must be at least 1")

	t.Setenv("SANDCASTLE_MAX_TURNS", "0")
	_, err := Load("")
	require.ErrorContains(t, err, "agent.max_turns")
}

func TestValidateSQLiteNeedsPath(t *testing.T) {
	cfg := Default()
	cfg.Journal.Path = ""
	require.ErrorContains(t, cfg.Validate(), "journal.path")

	cfg.Journal.Driver = JournalMemory
	require.NoError(t, cfg.Validate())
}

func TestAgentOptions(t *testing.T) {
	cfg := Default()
	cfg.Model.Name = "gpt-4o"
	cfg.Model.Provider = "openai"
	cfg.Agent.MaxTurns = 7
	cfg.Agent.Instructions = "Use TypeScript."
	cfg.Sandbox.Template = "vite"
	cfg.Sandbox.Port = 5173
	cfg.Liveness.MaxPolls = 4
	cfg.Liveness.PollInterval = 0

	opts := cfg.AgentOptions()
	require.Equal(t, "gpt-4o", opts.Model)
	require.Equal(t, "openai", opts.Provider)
	require.Equal(t, 7, opts.MaxTurns)
	require.Equal(t, "Use TypeScript.", opts.Instructions)
	require.Equal(t, "vite", opts.Template)
	require.Equal(t, 5173, opts.Server.Port)
	require.Equal(t, "dev-server.log", opts.Server.LogPath)
	require.Equal(t, 4, opts.Liveness.MaxPolls)
	require.Zero(t, opts.Liveness.PollInterval)
	require.True(t, opts.EnableLoopDetection)
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, "DEBUG", level.String())

	_, err = ParseLevel("chatty")
	require.Error(t, err)
}
