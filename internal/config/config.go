// Package config loads the worker's static configuration from CLI flags,
// environment variables, and an optional config file, in that priority
// order.
package config

import (
	"fmt"
	"os/exec"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all static configuration required by the worker.
type Config struct {
	MaxParallel int    `mapstructure:"max_parallel"`
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	LogLevel    string `mapstructure:"log_level"`
}

// Load parses flags, reads environment variables (prefix TRANSCODE_) and an
// optional config.yml, and returns a validated Config.
//
// Priority: CLI flags > Env vars > config file > defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("max_parallel", 1)
	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TRANSCODE")
	v.AutomaticEnv()

	if flags != nil {
		// viper does not normalize '-' to '_' when binding, so each
		// dashed flag name must be bound to its mapstructure key explicitly.
		bindings := map[string]string{
			"max_parallel": "max-parallel",
			"ffmpeg_path":  "ffmpeg-path",
			"log_level":    "log-level",
		}
		for key, flagName := range bindings {
			if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
				return nil, fmt.Errorf("bind flag %q: %w", flagName, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RegisterFlags binds the CLI surface onto flags so Load can read it back
// through viper's pflag binding.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Int("max-parallel", 1, "maximum number of concurrent transcode jobs")
	flags.String("ffmpeg-path", "", "path to the ffmpeg binary (default: resolved via PATH)")
	flags.String("log-level", "info", "log verbosity: debug, info, warn, error")
}

func validate(cfg *Config) error {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	if cfg.FFmpegPath == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return fmt.Errorf("ffmpeg not found on PATH and ffmpeg_path not set: %w", err)
		}
		cfg.FFmpegPath = path
	}

	return nil
}
