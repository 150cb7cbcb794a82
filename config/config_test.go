package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taky.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.conf"))
	require.Error(t, err, "an explicit path must exist")

	cfg = New()
	require.NoError(t, cfg.finish())
	assert.Equal(t, "taky.local", cfg.Taky.ServerAddress)
	assert.Equal(t, "/var/taky", cfg.Taky.RootDir)
	assert.Equal(t, DefaultPort, cfg.COTServer.Port)
	assert.Equal(t, DefaultPort, cfg.COTServer.MonPort)
	assert.Equal(t, -1, cfg.COTServer.MaxPersistTTL)
	assert.False(t, cfg.SSL.Enabled)
	assert.True(t, cfg.SSL.ClientCertRequired)
	assert.False(t, cfg.Taky.Redis.Enabled)
}

func TestPortDefaulting(t *testing.T) {
	t.Run("plain tcp gets 8087", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "cot_server: {}\n"))
		require.NoError(t, err)
		assert.Equal(t, 8087, cfg.COTServer.Port)
	})

	t.Run("ssl gets 8089", func(t *testing.T) {
		body := `
ssl:
  enabled: true
  cert: server.crt
  key: server.key
`
		cfg, err := Load(writeConfig(t, body))
		require.NoError(t, err)
		assert.Equal(t, 8089, cfg.COTServer.Port)
	})

	t.Run("explicit port kept", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "cot_server:\n  port: 12345\n"))
		require.NoError(t, err)
		assert.Equal(t, 12345, cfg.COTServer.Port)
	})

	t.Run("invalid port rejected", func(t *testing.T) {
		_, err := Load(writeConfig(t, "cot_server:\n  port: 70000\n"))
		assert.Error(t, err)
	})
}

func TestMonPortDefaulting(t *testing.T) {
	t.Run("absent keeps the default", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "cot_server:\n  port: 8089\n"))
		require.NoError(t, err)
		assert.Equal(t, DefaultPort, cfg.COTServer.MonPort)
	})

	t.Run("explicit zero disables", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "cot_server:\n  mon_port: 0\n"))
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.COTServer.MonPort)
	})

	t.Run("explicit port kept", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "cot_server:\n  mon_port: 9999\n"))
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.COTServer.MonPort)
	})
}

func TestSSLValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "ssl:\n  enabled: true\n"))
	assert.Error(t, err, "ssl requires cert and key")
}

func TestRedisValue(t *testing.T) {
	t.Run("boolean true", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "taky:\n  redis: true\n"))
		require.NoError(t, err)
		assert.True(t, cfg.Taky.Redis.Enabled)
		assert.Empty(t, cfg.Taky.Redis.URL)
	})

	t.Run("boolean false", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "taky:\n  redis: false\n"))
		require.NoError(t, err)
		assert.False(t, cfg.Taky.Redis.Enabled)
	})

	t.Run("connect uri", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "taky:\n  redis: redis://redis.example.com:6379/0\n"))
		require.NoError(t, err)
		assert.True(t, cfg.Taky.Redis.Enabled)
		assert.Equal(t, "redis://redis.example.com:6379/0", cfg.Taky.Redis.URL)
	})

	t.Run("structured value rejected", func(t *testing.T) {
		_, err := Load(writeConfig(t, "taky:\n  redis:\n    host: nope\n"))
		assert.Error(t, err)
	})
}

func TestFullConfig(t *testing.T) {
	body := `
taky:
  bind_ip: 127.0.0.1
  server_address: tak.example.com
  root_dir: /tmp/taky-test
  redis: true
cot_server:
  port: 8089
  mon_ip: 10.0.0.1
  mon_port: 9999
  log_cot: /tmp/taky-test/cot
  max_persist_ttl: 3600
ssl:
  enabled: true
  client_cert_required: false
  ca: ca.crt
  cert: server.crt
  key: server.key
  key_pw: hunter2
  cert_db: certdb.txt
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Taky.BindIP)
	assert.Equal(t, "tak.example.com", cfg.Taky.ServerAddress)
	assert.Equal(t, 9999, cfg.COTServer.MonPort)
	assert.Equal(t, 3600, cfg.COTServer.MaxPersistTTL)
	assert.False(t, cfg.SSL.ClientCertRequired)
	assert.Equal(t, "hunter2", cfg.SSL.KeyPw)
	assert.Equal(t, "/tmp/taky-test/taky-mgmt.sock", cfg.MgmtSockPath())
}
