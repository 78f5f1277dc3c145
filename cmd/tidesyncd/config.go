// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// serverConfig is the daemon configuration, loaded from a config file
// and TIDESYNC_* environment variables.
type serverConfig struct {
	Listen          string        `mapstructure:"listen"`
	DatabaseURL     string        `mapstructure:"database_url"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	RefreshWindow   time.Duration `mapstructure:"refresh_window"`
	Entities        []string      `mapstructure:"entities"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	Realtime        bool          `mapstructure:"realtime"`

	TombstoneRetention string        `mapstructure:"tombstone_retention"`
	PurgeInterval      time.Duration `mapstructure:"purge_interval"`

	LogLevel   string `mapstructure:"log_level"`
	LogFile    string `mapstructure:"log_file"`
	LogMaxSize int    `mapstructure:"log_max_size_mb"`
	LogMaxAge  int    `mapstructure:"log_max_age_days"`
}

// loadConfig reads the config file (if any) and the environment.
func loadConfig(path string) (*serverConfig, error) {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("token_ttl", 15*time.Minute)
	v.SetDefault("refresh_window", 24*time.Hour)
	v.SetDefault("entities", []string{"notes"})
	v.SetDefault("max_batch_size", 500)
	v.SetDefault("max_payload_bytes", 1<<20)
	v.SetDefault("realtime", true)
	v.SetDefault("tombstone_retention", "30 days")
	v.SetDefault("purge_interval", time.Hour)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_age_days", 14)

	v.SetEnvPrefix("TIDESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tidesyncd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tidesyncd")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (TIDESYNC_DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required (TIDESYNC_JWT_SECRET)")
	}
	return &cfg, nil
}

// newLogger builds the process logger, rotating through lumberjack when a
// log file is configured.
func newLogger(cfg *serverConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  cfg.LogMaxSize,
			MaxAge:   cfg.LogMaxAge,
			Compress: true,
		})
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
