package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes on disk and hands a
// fresh snapshot to onChange. Callers decide which knobs are safe to apply
// live; the gateway only re-applies rate.* buckets. No file, no watcher.
func (c *Config) Watch(log *slog.Logger, onChange func(*Config)) {
	if c.viper == nil || c.viper.ConfigFileUsed() == "" {
		return
	}
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		next := new(Config)
		if err := c.viper.Unmarshal(next); err != nil {
			log.Warn("config reload rejected",
				slog.String("file", e.Name),
				slog.Any("error", err))
			return
		}
		if err := next.Validate(); err != nil {
			log.Warn("config reload rejected",
				slog.String("file", e.Name),
				slog.Any("error", err))
			return
		}
		next.viper = c.viper
		log.Info("config reloaded", slog.String("file", e.Name))
		onChange(next)
	})
	c.viper.WatchConfig()
}
