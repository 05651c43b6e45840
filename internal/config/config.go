// Package config loads settings from dispatchd.yaml and DISPATCHD_* env
// overrides, with defaults that run against a local backend out of the box.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPPort    string `mapstructure:"http_port"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	FeedURL    string `mapstructure:"feed_url"`
	JobURL     string `mapstructure:"job_url"`
	ConfirmURL string `mapstructure:"confirm_url"`

	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollMaxAttempts int           `mapstructure:"poll_max_attempts"`

	TombstoneBackend string `mapstructure:"tombstone_backend"` // file | sqlite
	TombstonePath    string `mapstructure:"tombstone_path"`
	TombstoneDB      string `mapstructure:"tombstone_db"`

	FeedCacheTTL time.Duration `mapstructure:"feed_cache_ttl"`
	FeedRPS      float64       `mapstructure:"feed_rps"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

// Load reads configuration from an optional config file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("dispatchd")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dispatchd")
	}
	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, eris.Wrap(err, "config: read")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, eris.Wrap(err, "config: unmarshal")
	}
	cfg.PollMaxAttempts = clampInt(cfg.PollMaxAttempts, 1, 1000)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "8080")
	v.SetDefault("environment", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("feed_url", "http://127.0.0.1:8000/get-transcript")
	v.SetDefault("job_url", "http://127.0.0.1:8000/jobs/%s")
	v.SetDefault("confirm_url", "http://127.0.0.1:8000/confirm")
	v.SetDefault("refresh_interval", 5*time.Second)
	v.SetDefault("poll_interval", 3*time.Second)
	v.SetDefault("poll_max_attempts", 120)
	v.SetDefault("tombstone_backend", "file")
	v.SetDefault("tombstone_path", "./data/tombstones.json")
	v.SetDefault("tombstone_db", "./data/dispatchd.db")
	v.SetDefault("feed_cache_ttl", 2*time.Second)
	v.SetDefault("feed_rps", 4.0)
	v.SetDefault("http_timeout", 15*time.Second)
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
