// Package config loads server configuration from file and environment.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	MinRingTimeout = 10 * time.Second
	MaxRingTimeout = 60 * time.Second
)

type Config struct {
	Server struct {
		Address   string `mapstructure:"address"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"server"`
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Transport struct {
		ReadTimeout time.Duration `mapstructure:"readTimeout"`
		SendBuffer  int           `mapstructure:"sendBuffer"`
	} `mapstructure:"transport"`
	Call struct {
		RingTimeout time.Duration `mapstructure:"ringTimeout"`
	} `mapstructure:"call"`
	Typing struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"typing"`
}

// Load reads configuration from fileName.yaml and HUDDLE_* environment
// variables, applying defaults and clamping.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("store.path", "huddle.db")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("call.ringTimeout", "30s")
	v.SetDefault("typing.ttl", "5s")

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("config file not found, relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Call.RingTimeout = ClampRingTimeout(cfg.Call.RingTimeout)

	return &cfg, nil
}

// ClampRingTimeout bounds the ring timeout into the supported window.
func ClampRingTimeout(d time.Duration) time.Duration {
	if d < MinRingTimeout {
		return MinRingTimeout
	}
	if d > MaxRingTimeout {
		return MaxRingTimeout
	}
	return d
}
