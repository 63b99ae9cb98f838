package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/sipua"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
	assert.Equal(t, sipua.DefaultOptions(), cfg.SIPOptions())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webphone.yaml")
	data := `
log:
  level: debug
http:
  listen: 127.0.0.1:9000
storage:
  driver: redis
  redis_addr: localhost:6379
sip:
  keepalive_interval: 15s
  dtmf_mode: rfc4733
metrics:
  namespace: phone
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("WEBPHONE_STORAGE_REDIS_DB", "2")
	t.Setenv("WEBPHONE_MEDIA_MONITOR_DISABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Listen)
	assert.Equal(t, StorageRedis, cfg.Storage.Driver)
	assert.Equal(t, 2, cfg.Storage.RedisDB)
	assert.Equal(t, 15*time.Second, cfg.SIP.KeepAliveInterval)
	assert.Equal(t, sipua.DTMFRFC4733, cfg.SIPOptions().DTMFMode)
	assert.True(t, cfg.Media.MonitorDisabled)
	assert.Equal(t, "phone", cfg.PhoneMetrics().Namespace)

	redis := cfg.Redis()
	assert.Equal(t, "localhost:6379", redis.Addr)
	assert.Equal(t, 2, redis.DB)
	assert.Equal(t, "webphone:", redis.Prefix)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"уровень лога", func(c *Config) { c.Log.Level = "verbose" }},
		{"адрес http", func(c *Config) { c.HTTP.Listen = " " }},
		{"драйвер", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"redis без адреса", func(c *Config) { c.Storage.Driver = StorageRedis }},
		{"dtmf", func(c *Config) { c.SIP.DTMFMode = "inband" }},
		{"отрицательный таймаут", func(c *Config) { c.SIP.DialTimeout = -time.Second }},
		{"окно монитора", func(c *Config) { c.Media.MonitorWindow = 0 }},
		{"namespace метрик", func(c *Config) { c.Metrics.Namespace = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	cfg.Metrics = MetricsConfig{}
	assert.NoError(t, cfg.Validate())
}
