// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load loads configuration: defaults, then the YAML file (if any), then
// environment overrides, then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := defaults()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() AppConfig {
	return AppConfig{
		ListenerAddress:         "0.0.0.0:8080",
		InternalListenerAddress: "0.0.0.0:8081",
		MetricsListenerAddress:  "0.0.0.0:9095",
		WebSocket: WebSocket{
			PingInterval:           Duration(30 * time.Second),
			PongExpirationInterval: Duration(5 * time.Second),
			AuthenticationTimeout:  Duration(10 * time.Second),
			WaitBeforeCloseConn:    Duration(10 * time.Second),
		},
		AuthzCache: AuthzCache{
			PoolSize:   5,
			Expiration: Duration(300 * time.Second),
		},
		Nats:     Nats{URL: "nats://127.0.0.1:4222"},
		LogLevel: "info",
	}
}

func applyEnv(cfg *AppConfig) {
	cfg.ListenerAddress = ParseString("APP_LISTENER_ADDRESS", cfg.ListenerAddress)
	cfg.DatabaseURL = ParseString("DATABASE_URL", cfg.DatabaseURL)
	cfg.InternalListenerAddress = ParseString("APP_INTERNAL_LISTENER_ADDRESS", cfg.InternalListenerAddress)
	cfg.MetricsListenerAddress = ParseString("APP_METRICS_LISTENER_ADDRESS", cfg.MetricsListenerAddress)

	cfg.WebSocket.PingInterval = Duration(ParseDuration("APP_WEBSOCKET__PING_INTERVAL", cfg.WebSocket.PingInterval.Std()))
	cfg.WebSocket.PongExpirationInterval = Duration(ParseDuration("APP_WEBSOCKET__PONG_EXPIRATION_INTERVAL", cfg.WebSocket.PongExpirationInterval.Std()))
	cfg.WebSocket.AuthenticationTimeout = Duration(ParseDuration("APP_WEBSOCKET__AUTHENTICATION_TIMEOUT", cfg.WebSocket.AuthenticationTimeout.Std()))
	cfg.WebSocket.WaitBeforeCloseConn = Duration(ParseDuration("APP_WEBSOCKET__WAIT_BEFORE_CLOSE_CONNECTION", cfg.WebSocket.WaitBeforeCloseConn.Std()))

	cfg.SvcAudience = ParseString("APP_SVC_AUDIENCE", cfg.SvcAudience)
	cfg.Nats.URL = ParseString("APP_NATS__URL", cfg.Nats.URL)
	cfg.Nats.CredsFile = ParseString("APP_NATS__CREDS_FILE", cfg.Nats.CredsFile)
	cfg.Sentry.DSN = ParseString("APP_SENTRY__DSN", cfg.Sentry.DSN)
	cfg.Sentry.Environment = ParseString("APP_SENTRY__ENVIRONMENT", cfg.Sentry.Environment)
	cfg.LogLevel = ParseString("APP_LOG_LEVEL", cfg.LogLevel)

	cfg.AuthzCache.Enabled = ParseBool("APP_AUTHZ_CACHE__ENABLED", cfg.AuthzCache.Enabled)
	cfg.AuthzCache.URL = ParseString("APP_AUTHZ_CACHE__URL", cfg.AuthzCache.URL)
	cfg.AuthzCache.PoolSize = ParseInt("APP_AUTHZ_CACHE__POOL_SIZE", cfg.AuthzCache.PoolSize)
	cfg.AuthzCache.Expiration = Duration(ParseDuration("APP_AUTHZ_CACHE__EXPIRATION", cfg.AuthzCache.Expiration.Std()))

	cfg.AgentLabel = ParseString("APP_AGENT_LABEL", cfg.AgentLabel)
}
