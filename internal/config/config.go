// Package config provides application configuration loading and management.
// The chat core itself takes its settings at construction; only cmd/ loads
// config from the environment.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds client configuration values loaded from file or environment
// variables.
type Config struct {
	BackendURL   string `mapstructure:"BACKEND_URL"`
	WebsocketURL string `mapstructure:"WEBSOCKET_URL"`
	AuthToken    string `mapstructure:"AUTH_TOKEN"`
	PageSize     int    `mapstructure:"PAGE_SIZE"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	Env          string `mapstructure:"APP_ENV"`
}

// LoadConfig loads client configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The config file is optional; env vars alone are enough.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("BACKEND_URL", "http://localhost:8000")
	viper.SetDefault("WEBSOCKET_URL", "ws://localhost:8000")
	viper.SetDefault("AUTH_TOKEN", "")
	viper.SetDefault("PAGE_SIZE", 0)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("APP_ENV", "development")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate ensures that required configuration values are present and
// consistent.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("BACKEND_URL is required")
	}
	if c.WebsocketURL == "" {
		return errors.New("WEBSOCKET_URL is required")
	}
	if c.AuthToken == "" {
		return errors.New("AUTH_TOKEN is required")
	}
	if !strings.HasPrefix(c.WebsocketURL, "ws://") && !strings.HasPrefix(c.WebsocketURL, "wss://") {
		return errors.New("WEBSOCKET_URL must use the ws or wss scheme")
	}
	if c.PageSize < 0 {
		return errors.New("PAGE_SIZE must not be negative")
	}

	isProduction := c.Env == "production" || c.Env == "prod"
	if isProduction && !strings.HasPrefix(c.WebsocketURL, "wss://") {
		log.Println("WARNING: WEBSOCKET_URL is not wss:// in production. The auth key travels in the URL; use TLS.")
	}
	if isProduction && strings.HasPrefix(c.BackendURL, "http://") {
		log.Println("WARNING: BACKEND_URL is plain http in production.")
	}

	return nil
}
