// Package config loads the engine's configuration from environment variables,
// with an optional YAML overlay for non-secret tunables. Environment variables
// are read once; the overlay file is watched only when Load is given a reload
// callback.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ExchangeConfig holds one account's exchange credentials.
type ExchangeConfig struct {
	APIKey    Secret
	SecretKey Secret
	BaseURL   string
}

// MonitorIntervals maps each urgency tier to its scheduler poll interval (§4.5).
type MonitorIntervals struct {
	Critical time.Duration
	Urgent   time.Duration
	Active   time.Duration
	Building time.Duration
	Stable   time.Duration
	Dormant  time.Duration
}

// CacheConfig holds the Monitoring Cache's TTLs (§4.2).
type CacheConfig struct {
	DefaultTTL   time.Duration
	ExecutionTTL time.Duration
}

// PersistenceConfig holds the Persistence Store's flush/backup cadence (§4.3).
type PersistenceConfig struct {
	Dir           string
	BatchInterval time.Duration
	BackupInterval time.Duration
	BackupCount   int
}

// Config is the engine's complete runtime configuration.
type Config struct {
	LogLevel      string
	MetricsPort   int
	EnableMetrics bool

	Exchanges map[string]ExchangeConfig

	EnableMirrorTrading     bool
	CancelLimitsOnTP1       bool
	EnableEnhancedTPSL      bool
	DefaultAlertChatID      int64
	ExternalOrderProtection bool

	BreakevenFeeRate      float64
	BreakevenSafetyMargin float64

	MonitorIntervals      MonitorIntervals
	MaxConcurrentMonitors int

	Cache       CacheConfig
	Persistence PersistenceConfig
}

// Load builds the Config from environment variables (bound via viper's
// AutomaticEnv) with an optional YAML overlay file. A non-empty overlayPath
// is watched for changes; OnReload is invoked with the freshly reloaded
// Config on every write.
func Load(overlayPath string, onReload func(*Config)) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if overlayPath != "" {
		v.SetConfigFile(overlayPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config overlay: %w", err)
			}
		}
	}

	cfg, err := build(v)
	if err != nil {
		return nil, err
	}

	if overlayPath != "" && onReload != nil {
		v.WatchConfig()
		v.OnConfigChange(func(in fsnotify.Event) {
			reloaded, err := build(v)
			if err != nil {
				return
			}
			onReload(reloaded)
		})
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("enable_metrics", true)

	v.SetDefault("enable_mirror_trading", false)
	v.SetDefault("cancel_limits_on_tp1", true)
	v.SetDefault("enable_enhanced_tp_sl", true)
	v.SetDefault("default_alert_chat_id", 0)
	v.SetDefault("external_order_protection", true)

	v.SetDefault("breakeven_fee_rate", 0.0006)
	v.SetDefault("breakeven_safety_margin", 0.0002)

	v.SetDefault("monitor_interval_critical", "2s")
	v.SetDefault("monitor_interval_urgent", "5s")
	v.SetDefault("monitor_interval_active", "12s")
	v.SetDefault("monitor_interval_building", "20s")
	v.SetDefault("monitor_interval_stable", "60s")
	v.SetDefault("monitor_interval_dormant", "180s")

	v.SetDefault("max_concurrent_monitors", 15)

	v.SetDefault("cache_default_ttl", "2s")
	v.SetDefault("cache_execution_ttl", "500ms")

	v.SetDefault("persistence_dir", "./data")
	v.SetDefault("persistence_batch_interval", "30s")
	v.SetDefault("backup_interval", "5m")
	v.SetDefault("persistence_backup_count", 5)

	v.SetDefault("bybit_main_base_url", "https://api.bybit.com")
	v.SetDefault("bybit_mirror_base_url", "https://api.bybit.com")
}

func build(v *viper.Viper) (*Config, error) {
	c := &Config{
		LogLevel:      v.GetString("log_level"),
		MetricsPort:   v.GetInt("metrics_port"),
		EnableMetrics: v.GetBool("enable_metrics"),

		Exchanges: map[string]ExchangeConfig{
			"main": {
				APIKey:    Secret(v.GetString("bybit_main_api_key")),
				SecretKey: Secret(v.GetString("bybit_main_secret_key")),
				BaseURL:   v.GetString("bybit_main_base_url"),
			},
			"mirror": {
				APIKey:    Secret(v.GetString("bybit_mirror_api_key")),
				SecretKey: Secret(v.GetString("bybit_mirror_secret_key")),
				BaseURL:   v.GetString("bybit_mirror_base_url"),
			},
		},

		EnableMirrorTrading:     v.GetBool("enable_mirror_trading"),
		CancelLimitsOnTP1:       v.GetBool("cancel_limits_on_tp1"),
		EnableEnhancedTPSL:      v.GetBool("enable_enhanced_tp_sl"),
		DefaultAlertChatID:      v.GetInt64("default_alert_chat_id"),
		ExternalOrderProtection: v.GetBool("external_order_protection"),

		BreakevenFeeRate:      v.GetFloat64("breakeven_fee_rate"),
		BreakevenSafetyMargin: v.GetFloat64("breakeven_safety_margin"),

		MonitorIntervals: MonitorIntervals{
			Critical: v.GetDuration("monitor_interval_critical"),
			Urgent:   v.GetDuration("monitor_interval_urgent"),
			Active:   v.GetDuration("monitor_interval_active"),
			Building: v.GetDuration("monitor_interval_building"),
			Stable:   v.GetDuration("monitor_interval_stable"),
			Dormant:  v.GetDuration("monitor_interval_dormant"),
		},
		MaxConcurrentMonitors: v.GetInt("max_concurrent_monitors"),

		Cache: CacheConfig{
			DefaultTTL:   v.GetDuration("cache_default_ttl"),
			ExecutionTTL: v.GetDuration("cache_execution_ttl"),
		},
		Persistence: PersistenceConfig{
			Dir:            v.GetString("persistence_dir"),
			BatchInterval:  v.GetDuration("persistence_batch_interval"),
			BackupInterval: v.GetDuration("backup_interval"),
			BackupCount:    v.GetInt("persistence_backup_count"),
		},
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if !c.EnableEnhancedTPSL {
		return fmt.Errorf("ENABLE_ENHANCED_TP_SL must be true for the engine to run")
	}
	if c.MaxConcurrentMonitors <= 0 {
		return fmt.Errorf("max_concurrent_monitors must be positive")
	}
	main := c.Exchanges["main"]
	if main.APIKey == "" || main.SecretKey == "" {
		return fmt.Errorf("main account credentials are required")
	}
	if c.EnableMirrorTrading {
		mirror := c.Exchanges["mirror"]
		if mirror.APIKey == "" || mirror.SecretKey == "" {
			return fmt.Errorf("mirror account credentials are required when ENABLE_MIRROR_TRADING is set")
		}
	}
	return nil
}
