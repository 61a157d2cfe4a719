// SPDX-License-Identifier: MIT

// Package config loads the service configuration with precedence
// ENV > file > defaults.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("30s") or as an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// WebSocket bounds the connection state machine.
type WebSocket struct {
	PingInterval           Duration `yaml:"ping_interval"`
	PongExpirationInterval Duration `yaml:"pong_expiration_interval"`
	AuthenticationTimeout  Duration `yaml:"authentication_timeout"`
	WaitBeforeCloseConn    Duration `yaml:"wait_before_close_connection"`
}

// AuthnKey configures token validation for one issuer audience.
type AuthnKey struct {
	Algorithm string `yaml:"algorithm"`
	Key       string `yaml:"key"`      // inline PEM or shared secret
	KeyFile   string `yaml:"key_file"` // path alternative to Key
}

// AuthzBackend configures the authorization client for one audience.
type AuthzBackend struct {
	Type    string `yaml:"type"` // "http" or "local"
	URI     string `yaml:"uri"`
	Token   string `yaml:"token"`
	Trusted bool   `yaml:"trusted"`
}

// AuthzCache configures the optional redis decision cache.
type AuthzCache struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	PoolSize   int      `yaml:"pool_size"`
	Expiration Duration `yaml:"expiration"`
}

// Nats configures the durable bus connection.
type Nats struct {
	URL       string `yaml:"url"`
	CredsFile string `yaml:"creds_file"`
}

// Sentry configures the optional error reporter.
type Sentry struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// AppConfig is the single structured configuration document.
type AppConfig struct {
	ListenerAddress         string `yaml:"listener_address"`
	InternalListenerAddress string `yaml:"internal_listener_address"`
	MetricsListenerAddress  string `yaml:"metrics_listener_address"`

	// DatabaseURL is the ledger DSN; DATABASE_URL overrides it.
	DatabaseURL string `yaml:"database_url"`

	WebSocket WebSocket `yaml:"websocket"`

	Authn      map[string]AuthnKey     `yaml:"authn"`
	Authz      map[string]AuthzBackend `yaml:"authz"`
	AuthzCache AuthzCache              `yaml:"authz_cache"`

	SvcAudience string `yaml:"svc_audience"`

	Nats   Nats   `yaml:"nats"`
	Sentry Sentry `yaml:"sentry"`

	LogLevel string `yaml:"log_level"`

	// AgentLabel is the replica label; comes from APP_AGENT_LABEL only.
	AgentLabel string `yaml:"-"`
}

// InternalPort returns the port of the internal takeover listener, used when
// forming peer takeover URLs.
func (c *AppConfig) InternalPort() (string, error) {
	return portOf(c.InternalListenerAddress)
}

func portOf(addr string) (string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			if i == len(addr)-1 {
				break
			}
			return addr[i+1:], nil
		}
	}
	return "", fmt.Errorf("address %q carries no port", addr)
}

// Validate checks the invariants the rest of the process relies on.
func (c *AppConfig) Validate() error {
	if c.ListenerAddress == "" {
		return fmt.Errorf("listener_address is required")
	}
	if c.InternalListenerAddress == "" {
		return fmt.Errorf("internal_listener_address is required")
	}
	if c.AgentLabel == "" {
		return fmt.Errorf("APP_AGENT_LABEL is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.WebSocket.PingInterval.Std() <= 0 {
		return fmt.Errorf("websocket.ping_interval must be positive")
	}
	if c.WebSocket.PongExpirationInterval.Std() <= 0 {
		return fmt.Errorf("websocket.pong_expiration_interval must be positive")
	}
	if c.WebSocket.AuthenticationTimeout.Std() <= 0 {
		return fmt.Errorf("websocket.authentication_timeout must be positive")
	}
	if _, err := c.InternalPort(); err != nil {
		return err
	}
	if len(c.Authn) == 0 {
		return fmt.Errorf("authn key set must not be empty")
	}
	return nil
}
