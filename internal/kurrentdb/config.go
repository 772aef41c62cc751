package kurrentdb

import (
	"fmt"

	"github.com/serbia-gov/messagelog/internal/shared/config"
)

// Config holds KurrentDB connection configuration.
type Config struct {
	// Host is the KurrentDB server hostname
	Host string
	// Port is the KurrentDB gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional for insecure mode)
	Username string
	// Password for authentication (optional for insecure mode)
	Password string
	// Stream is the stream message log events are appended to
	Stream string
}

// FromConfig converts the service configuration section.
func FromConfig(c config.KurrentDBConfig) *Config {
	cfg := &Config{
		Host:     c.Host,
		Port:     c.Port,
		Insecure: c.Insecure,
		Username: c.Username,
		Password: c.Password,
		Stream:   c.Stream,
	}
	if cfg.Port == 0 {
		cfg.Port = 2113
	}
	if cfg.Stream == "" {
		cfg.Stream = "messagelog"
	}
	return cfg
}

// ConnectionString returns the esdb:// connection string for EventStore client.
func (c *Config) ConnectionString() string {
	var auth string
	if c.Username != "" && c.Password != "" {
		auth = fmt.Sprintf("%s:%s@", c.Username, c.Password)
	}

	var tls string
	if c.Insecure {
		tls = "?tls=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, c.Host, c.Port, tls)
}
