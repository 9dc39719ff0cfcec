package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.Equal(t, "0.0.0.0:9000", cfg.Relay.BindAddr)
	require.Equal(t, 1<<20, cfg.Relay.MaxPayloadSize)
	require.Equal(t, 100, cfg.Relay.MaxQueueSize)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 10*time.Second, cfg.Chat.AckTimeout)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
relay:
  bind_addr: "127.0.0.1:9999"
  max_queue_size: 7
logging:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.Relay.BindAddr)
	require.Equal(t, 7, cfg.Relay.MaxQueueSize)
	require.Equal(t, 1<<20, cfg.Relay.MaxPayloadSize, "unset fields get defaults")
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "relay.json", `{"relay": {"bind_addr": "127.0.0.1:8000"}}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8000", cfg.Relay.BindAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("TERMCHAT_TEST_ADDR", "10.0.0.1:9000")

	require.Equal(t, "10.0.0.1:9000", SubstituteEnvVars("${TERMCHAT_TEST_ADDR}"))
	require.Equal(t, "fallback", SubstituteEnvVars("${TERMCHAT_TEST_UNSET:fallback}"))
	require.Equal(t, "", SubstituteEnvVars("${TERMCHAT_TEST_UNSET}"))
	require.Equal(t, "plain", SubstituteEnvVars("plain"))
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("RELAY_ADDR", "0.0.0.0:7777")
	t.Setenv("RELAY_MAX_QUEUE_SIZE", "42")
	t.Setenv("LOG_LEVEL", "error")

	path := writeConfig(t, "relay.yaml", `
relay:
  bind_addr: "127.0.0.1:9999"
  max_queue_size: 7
logging:
  level: debug
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7777", cfg.Relay.BindAddr)
	require.Equal(t, 42, cfg.Relay.MaxQueueSize)
	require.Equal(t, "error", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	cfg.Relay.BindAddr = "no-port-here"
	require.Error(t, Validate(cfg))
}
