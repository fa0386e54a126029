// Package config defines the relay configuration and how it is loaded.
package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/tiltrelay/go/internal/relay"
)

// Config contains process configuration for the relay binary.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogPretty switches to the console writer instead of JSON lines.
	LogPretty bool `koanf:"log_pretty"`

	// HTTPAddr is the plain listener, e.g. ":8080".
	HTTPAddr string `koanf:"http_addr"`

	// TLSAddr is served only when both TLSCertFile and TLSKeyFile are set.
	TLSAddr     string `koanf:"tls_addr"`
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`

	// MaxConnections caps concurrent TCP connections per listener.
	MaxConnections int `koanf:"max_connections"`

	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	OutboxSize     int           `koanf:"outbox_size"`
	EventBuffer    int           `koanf:"event_buffer"`
	StatsInterval  time.Duration `koanf:"stats_interval"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	MaxMessageSize int64         `koanf:"max_message_size"`

	// ProfilesFile optionally overrides or extends the built-in game profiles.
	ProfilesFile string `koanf:"profiles_file"`

	// NATSURL enables the telemetry tap when set.
	NATSURL     string `koanf:"nats_url"`
	NATSPrefix  string `koanf:"nats_prefix"`
	NATSSamples bool   `koanf:"nats_samples"`

	// ArchiveEnabled turns on the device session archive.
	ArchiveEnabled bool     `koanf:"archive_enabled"`
	ArchiveBuffer  int      `koanf:"archive_buffer"`
	Database       Database `koanf:"db"`
}

// Database holds Postgres connection settings.
type Database struct {
	// URL wins over the individual fields when set.
	URL      string `koanf:"url"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// New returns a Config populated with defaults.
func New() *Config {
	conn := relay.DefaultConnectionConfig()
	return &Config{
		LogLevel:        "info",
		LogPretty:       true,
		HTTPAddr:        ":8080",
		TLSAddr:         ":8443",
		MaxConnections:  1024,
		ShutdownTimeout: 10 * time.Second,
		OutboxSize:      conn.OutboxSize,
		EventBuffer:     1024,
		StatsInterval:   30 * time.Second,
		WriteTimeout:    conn.WriteTimeout,
		ReadTimeout:     conn.ReadTimeout,
		PingInterval:    conn.PingInterval,
		MaxMessageSize:  conn.MaxMessageSize,
		NATSPrefix:      "tiltrelay",
		NATSSamples:     true,
		ArchiveBuffer:   1024,
		Database: Database{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			Name:    "tiltrelay",
			SSLMode: "disable",
		},
	}
}

// TLSEnabled reports whether the TLS listener should be started.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Validate checks the values Load cannot repair.
func (c *Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return fmt.Errorf("%w: http_addr must not be empty", ErrInvalidConfig)
	case (c.TLSCertFile == "") != (c.TLSKeyFile == ""):
		return fmt.Errorf("%w: tls_cert_file and tls_key_file must be set together", ErrInvalidConfig)
	case c.TLSEnabled() && c.TLSAddr == "":
		return fmt.Errorf("%w: tls_addr must not be empty when TLS is enabled", ErrInvalidConfig)
	case c.MaxConnections <= 0:
		return fmt.Errorf("%w: max_connections must be positive", ErrInvalidConfig)
	case c.OutboxSize <= 0:
		return fmt.Errorf("%w: outbox_size must be positive", ErrInvalidConfig)
	case c.EventBuffer <= 0:
		return fmt.Errorf("%w: event_buffer must be positive", ErrInvalidConfig)
	case c.WriteTimeout <= 0 || c.ReadTimeout <= 0 || c.PingInterval <= 0:
		return fmt.Errorf("%w: websocket timeouts must be positive", ErrInvalidConfig)
	case c.PingInterval >= c.ReadTimeout:
		return fmt.Errorf("%w: ping_interval must be shorter than read_timeout", ErrInvalidConfig)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("%w: max_message_size must be positive", ErrInvalidConfig)
	case c.ArchiveEnabled && c.ArchiveBuffer <= 0:
		return fmt.Errorf("%w: archive_buffer must be positive", ErrInvalidConfig)
	}
	return nil
}

// Relay returns the relay service settings.
func (c *Config) Relay() relay.Config {
	conn := relay.DefaultConnectionConfig()
	conn.WriteTimeout = c.WriteTimeout
	conn.ReadTimeout = c.ReadTimeout
	conn.PingInterval = c.PingInterval
	conn.MaxMessageSize = c.MaxMessageSize
	conn.OutboxSize = c.OutboxSize
	if len(c.AllowedOrigins) > 0 {
		conn.CheckOrigin = originChecker(c.AllowedOrigins)
	}
	return relay.Config{
		Connection:     conn,
		StatsInterval:  c.StatsInterval,
		EventBuffer:    c.EventBuffer,
		AllowedOrigins: c.AllowedOrigins,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Native clients send no Origin.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
