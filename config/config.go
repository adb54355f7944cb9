package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config carries every recognized option. Values resolve in the usual
// precedence: explicit flag > environment (DS_GW_*) > config file > default.
type Config struct {
	GatewayID  string `mapstructure:"gateway_id"`
	ListenAddr string `mapstructure:"listen_addr"`
	// DBPath enables durable mode. Empty selects the in-memory engine,
	// which keeps full semantics but loses state on restart.
	DBPath     string `mapstructure:"db_path"`
	AuthSecret string `mapstructure:"auth_secret"`

	SessionTTLSeconds        int64 `mapstructure:"session_ttl_seconds"`
	HeartbeatIntervalSeconds int   `mapstructure:"heartbeat_interval_seconds"`
	EnvelopeByteCap          int64 `mapstructure:"envelope_byte_cap"`
	FrameByteCap             int64 `mapstructure:"frame_byte_cap"`

	RetentionMaxEventsPerConv     int64 `mapstructure:"retention_max_events_per_conv"`
	RetentionMaxAgeSeconds        int64 `mapstructure:"retention_max_age_seconds"`
	RetentionSweepIntervalSeconds int64 `mapstructure:"retention_sweep_interval_seconds"`
	CursorStaleAfterSeconds       int64 `mapstructure:"cursor_stale_after_seconds"`
	// RetentionHardLimits lets the sweeper prune past unread cursors once
	// the configured limits are exceeded. Off by default.
	RetentionHardLimits bool `mapstructure:"retention_hard_limits"`

	KeyPackagePoolCap int `mapstructure:"keypackage_pool_cap"`
	WatchCap          int `mapstructure:"watch_cap"`

	ReplayBatchSize     int `mapstructure:"replay_batch_size"`
	SubscriberQueueSize int `mapstructure:"subscriber_queue_size"`
	OutboundQueueSize   int `mapstructure:"outbound_queue_size"`
	MaxSubsPerLink      int `mapstructure:"max_subscriptions_per_link"`

	Rate RateConfig `mapstructure:"rate"`

	viper *viper.Viper
}

// RatePolicy is one token bucket shape.
type RatePolicy struct {
	Burst     int     `mapstructure:"burst"`
	PerSecond float64 `mapstructure:"per_second"`
}

// RateConfig groups the admission buckets. Frames is the per-connection
// inbound frame budget; the rest are keyed by (device, operation).
type RateConfig struct {
	Send     RatePolicy `mapstructure:"send"`
	Social   RatePolicy `mapstructure:"social"`
	DMCreate RatePolicy `mapstructure:"dm_create"`
	KPFetch  RatePolicy `mapstructure:"kp_fetch"`
	Presence RatePolicy `mapstructure:"presence"`
	Frames   RatePolicy `mapstructure:"frames"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway_id", "gw_local")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "")
	v.SetDefault("auth_secret", "")

	v.SetDefault("session_ttl_seconds", 30*24*3600)
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("envelope_byte_cap", 1<<20)
	v.SetDefault("frame_byte_cap", 1<<20+64<<10)

	v.SetDefault("retention_max_events_per_conv", 0)
	v.SetDefault("retention_max_age_seconds", 0)
	v.SetDefault("retention_sweep_interval_seconds", 60)
	// 0 treats every cursor as active for the SAFE retention floor.
	v.SetDefault("cursor_stale_after_seconds", 0)
	v.SetDefault("retention_hard_limits", false)

	v.SetDefault("keypackage_pool_cap", 100)
	v.SetDefault("watch_cap", 256)

	v.SetDefault("replay_batch_size", 256)
	v.SetDefault("subscriber_queue_size", 128)
	v.SetDefault("outbound_queue_size", 256)
	v.SetDefault("max_subscriptions_per_link", 128)

	v.SetDefault("rate.send.burst", 20)
	v.SetDefault("rate.send.per_second", 10)
	v.SetDefault("rate.social.burst", 5)
	v.SetDefault("rate.social.per_second", 1)
	v.SetDefault("rate.dm_create.burst", 5)
	v.SetDefault("rate.dm_create.per_second", 0.5)
	v.SetDefault("rate.kp_fetch.burst", 10)
	v.SetDefault("rate.kp_fetch.per_second", 2)
	v.SetDefault("rate.presence.burst", 10)
	v.SetDefault("rate.presence.per_second", 1)
	v.SetDefault("rate.frames.burst", 100)
	v.SetDefault("rate.frames.per_second", 50)
}

// LoadConfig resolves the configuration from flags, environment and an
// optional YAML file named by --config_file.
func LoadConfig() (*Config, error) {
	fs := pflag.NewFlagSet("ds-gateway", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.String("config_file", "", "path to the configuration file")
	fs.String("gateway_id", "", "stable identifier of this gateway")
	fs.String("listen_addr", "", "HTTP listen address")
	fs.String("db_path", "", "SQLite database path (empty runs in memory)")
	// Subcommand words land in fs.Args(), unknown flags are whitelisted,
	// so parsing the raw argv of the CLI wrapper is safe here.
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DS_GW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, name := range []string{"gateway_id", "listen_addr", "db_path"} {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(name, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if file, _ := fs.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.viper = v
	return cfg, nil
}

// Validate rejects combinations the gateway cannot serve.
func (c *Config) Validate() error {
	if c.GatewayID == "" {
		return fmt.Errorf("gateway_id must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.EnvelopeByteCap <= 0 {
		return fmt.Errorf("envelope_byte_cap must be positive")
	}
	if c.FrameByteCap <= c.EnvelopeByteCap {
		return fmt.Errorf("frame_byte_cap must exceed envelope_byte_cap")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive")
	}
	if c.KeyPackagePoolCap <= 0 {
		return fmt.Errorf("keypackage_pool_cap must be positive")
	}
	return nil
}

func (c *Config) SessionTTL() time.Duration { return time.Duration(c.SessionTTLSeconds) * time.Second }
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.RetentionSweepIntervalSeconds) * time.Second
}
func (c *Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.RetentionMaxAgeSeconds) * time.Second
}
func (c *Config) CursorStaleAfter() time.Duration {
	return time.Duration(c.CursorStaleAfterSeconds) * time.Second
}
