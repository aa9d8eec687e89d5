// Package config loads the service configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"sevak/internal/tenant"
)

// Server holds the HTTP listener settings.
type Server struct {
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Redis holds the cache tier connection settings. An empty Addr disables the
// cache tier and the distributed lock.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Postgres holds the durable tier connection settings. An empty DSN disables
// the durable tier and case persistence.
type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

// Channel holds the messaging provider settings shared across tenants.
type Channel struct {
	BaseURL string `mapstructure:"base_url"`
}

// Config is the full service configuration.
type Config struct {
	Server   Server          `mapstructure:"server"`
	Redis    Redis           `mapstructure:"redis"`
	Postgres Postgres        `mapstructure:"postgres"`
	Channel  Channel         `mapstructure:"channel"`
	FlowsDir string          `mapstructure:"flows_dir"`
	LogLevel string          `mapstructure:"log_level"`
	Tenants  []tenant.Tenant `mapstructure:"tenants"`
}

// Load reads configuration from the given file path, or from sevak.yaml in
// the working directory when path is empty. Environment variables prefixed
// SEVAK_ override file values (SEVAK_SERVER_ADDR, SEVAK_REDIS_ADDR, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("flows_dir", "flows")
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sevak")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sevak")
	}
	v.SetEnvPrefix("SEVAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; env can carry everything.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("config declares no tenants")
	}
	if strings.TrimSpace(c.FlowsDir) == "" {
		return fmt.Errorf("config missing flows_dir")
	}
	return nil
}
