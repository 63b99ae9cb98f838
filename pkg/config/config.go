// Package config загружает конфигурацию webphone из YAML файла и
// переменных окружения с префиксом WEBPHONE_.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/sipua"
	"github.com/arzzra/webphone/pkg/storage"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "WEBPHONE"

// Драйверы хранилища
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config конфигурация процесса
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	SIP     SIPConfig     `mapstructure:"sip"`
	Media   MediaConfig   `mapstructure:"media"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig хранилище учетных данных и истории
type StorageConfig struct {
	// Driver memory или redis
	Driver string `mapstructure:"driver"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type SIPConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	KeepAliveInterval  time.Duration `mapstructure:"keepalive_interval"`
	RegisterExpires    time.Duration `mapstructure:"register_expires"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	DTMFMode           string        `mapstructure:"dtmf_mode"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type MediaConfig struct {
	// MonitorWindow число кадров в окне уровня звука
	MonitorWindow   int  `mapstructure:"monitor_window"`
	MonitorDisabled bool `mapstructure:"monitor_disabled"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	lc := logging.DefaultConfig()
	so := sipua.DefaultOptions()
	mc := phone.DefaultMetricsConfig()
	return Config{
		Log: LogConfig{
			Level:      lc.Level,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAgeDays: lc.MaxAgeDays,
		},
		HTTP:    HTTPConfig{Listen: ":8080"},
		Storage: StorageConfig{Driver: StorageMemory, RedisPrefix: "webphone:"},
		SIP: SIPConfig{
			UserAgent:         so.UserAgent,
			KeepAliveInterval: so.KeepAliveInterval,
			RegisterExpires:   so.RegisterExpires,
			DialTimeout:       so.RequestTimeout,
			DTMFMode:          string(so.DTMFMode),
		},
		Media:   MediaConfig{MonitorWindow: 50},
		Metrics: MetricsConfig{Enabled: mc.Enabled, Namespace: mc.Namespace},
	}
}

// setDefaults регистрирует значения по умолчанию в viper. Без них
// AutomaticEnv не подставляет переменные окружения при Unmarshal.
func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("log.max_size_mb", c.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", c.Log.MaxBackups)
	v.SetDefault("log.max_age_days", c.Log.MaxAgeDays)

	v.SetDefault("http.listen", c.HTTP.Listen)

	v.SetDefault("storage.driver", c.Storage.Driver)
	v.SetDefault("storage.redis_addr", c.Storage.RedisAddr)
	v.SetDefault("storage.redis_password", c.Storage.RedisPassword)
	v.SetDefault("storage.redis_db", c.Storage.RedisDB)
	v.SetDefault("storage.redis_prefix", c.Storage.RedisPrefix)

	v.SetDefault("sip.user_agent", c.SIP.UserAgent)
	v.SetDefault("sip.keepalive_interval", c.SIP.KeepAliveInterval)
	v.SetDefault("sip.register_expires", c.SIP.RegisterExpires)
	v.SetDefault("sip.dial_timeout", c.SIP.DialTimeout)
	v.SetDefault("sip.dtmf_mode", c.SIP.DTMFMode)
	v.SetDefault("sip.insecure_skip_verify", c.SIP.InsecureSkipVerify)

	v.SetDefault("media.monitor_window", c.Media.MonitorWindow)
	v.SetDefault("media.monitor_disabled", c.Media.MonitorDisabled)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.namespace", c.Metrics.Namespace)
}

// Load читает конфигурацию. Пустой path означает только значения по
// умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет все секции
func (c Config) Validate() error {
	if err := c.Logging().Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if strings.TrimSpace(c.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for redis driver")
		}
		if c.Storage.RedisDB < 0 {
			return fmt.Errorf("storage.redis_db must be >= 0, got %d", c.Storage.RedisDB)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch sipua.DTMFMode(c.SIP.DTMFMode) {
	case sipua.DTMFInfo, sipua.DTMFRFC4733:
	default:
		return fmt.Errorf("unknown sip.dtmf_mode %q", c.SIP.DTMFMode)
	}
	if c.SIP.KeepAliveInterval < 0 || c.SIP.RegisterExpires < 0 || c.SIP.DialTimeout < 0 {
		return errors.New("sip durations must not be negative")
	}
	if c.Media.MonitorWindow <= 0 {
		return fmt.Errorf("media.monitor_window must be positive, got %d", c.Media.MonitorWindow)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return errors.New("metrics.namespace is required when metrics are enabled")
	}
	return nil
}

// Logging конфигурация логгера
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// SIPOptions параметры SIP движка
func (c Config) SIPOptions() sipua.Options {
	return sipua.Options{
		UserAgent:          c.SIP.UserAgent,
		RegisterExpires:    c.SIP.RegisterExpires,
		KeepAliveInterval:  c.SIP.KeepAliveInterval,
		RequestTimeout:     c.SIP.DialTimeout,
		DTMFMode:           sipua.DTMFMode(c.SIP.DTMFMode),
		InsecureSkipVerify: c.SIP.InsecureSkipVerify,
	}
}

// Redis параметры подключения к Redis
func (c Config) Redis() storage.RedisConfig {
	return storage.RedisConfig{
		Addr:     c.Storage.RedisAddr,
		Password: c.Storage.RedisPassword,
		DB:       c.Storage.RedisDB,
		Prefix:   c.Storage.RedisPrefix,
	}
}

// PhoneMetrics конфигурация метрик оркестратора
func (c Config) PhoneMetrics() phone.MetricsConfig {
	return phone.MetricsConfig{Enabled: c.Metrics.Enabled, Namespace: c.Metrics.Namespace}
}
