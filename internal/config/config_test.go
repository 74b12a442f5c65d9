package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

func TestDefaultsValidate(t *testing.T) {
	t.Setenv("SELF_ADDR", "")
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, gossip.NodeID{Host: "127.0.0.1", Port: 7000}, cfg.Node.ID())
	assert.Equal(t, time.Second, cfg.Cluster.JoinTimeout)
	assert.Equal(t, 3, cfg.Cluster.JoinAttempts)
	assert.True(t, *cfg.Cluster.SoloBootstrap)
	assert.True(t, *cfg.Cluster.MulticastLoopback)
	assert.Equal(t, "log", cfg.Journal.Dir)
	assert.Equal(t, 128, cfg.KV.VirtualNodes)
	assert.Equal(t, ":8080", cfg.HTTP.BindAddr)
	assert.Equal(t, "/zephyrkv/nodes/", cfg.Discovery.Prefix)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("SELF_ADDR", "")
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  addr: 10.0.0.5:7100
cluster:
  multicast: 239.1.2.3:5000
  join_timeout: 250ms
  join_attempts: 5
  solo_bootstrap: false
journal:
  dir: /var/lib/zephyrkv
kv:
  capacity_bytes: 1024
  forward_timeout: 3s
  forward_retries: 4
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, gossip.NodeID{Host: "10.0.0.5", Port: 7100}, cfg.Node.ID())
	assert.Equal(t, "239.1.2.3:5000", cfg.Cluster.Multicast)
	assert.Equal(t, 250*time.Millisecond, cfg.Cluster.JoinTimeout)
	assert.Equal(t, 5, cfg.Cluster.JoinAttempts)
	assert.False(t, *cfg.Cluster.SoloBootstrap)
	assert.Equal(t, "/var/lib/zephyrkv", cfg.Journal.Dir)
	assert.Equal(t, 1024, cfg.KV.CapacityBytes)
	assert.Equal(t, 3*time.Second, cfg.KV.ForwardTimeout)
	assert.Equal(t, 1, cfg.KV.ForwardRetries, "retries are capped at one")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestAddrFromEnv(t *testing.T) {
	t.Setenv("SELF_ADDR", "http://node3")
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, gossip.NodeID{Host: "node3", Port: 7000}, cfg.Node.ID())
}

func TestValidateErrors(t *testing.T) {
	t.Setenv("SELF_ADDR", "")
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Node.Addr = "" }},
		{"bad port", func(c *Config) { c.Node.Addr = "host:99999" }},
		{"no multicast", func(c *Config) { c.Cluster.Multicast = "" }},
		{"negative capacity", func(c *Config) { c.KV.CapacityBytes = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNormalizeHostPort(t *testing.T) {
	assert.Equal(t, "a:1", NormalizeHostPort("a:1", "8080"))
	assert.Equal(t, "a:8080", NormalizeHostPort("http://a", "8080"))
	assert.Equal(t, "a:9", NormalizeHostPort("https://a:9", "8080"))
}

func TestNewZapLogger(t *testing.T) {
	l, err := LogConfig{Level: "warn", Development: true}.NewZapLogger()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1), "debug must be disabled at warn level")
}
