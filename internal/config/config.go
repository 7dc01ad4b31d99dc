// Package config loads the listener's YAML configuration.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Auth      AuthConfig      `yaml:"auth"`
	Journal   JournalConfig   `yaml:"journal"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RealtimeConfig holds WebSocket endpoint and transport settings.
type RealtimeConfig struct {
	Host             string        `yaml:"host"`        // host[:port], no scheme
	Environment      string        `yaml:"environment"` // "development" selects ws://
	Secure           bool          `yaml:"secure"`      // Force wss:// in development
	Path             string        `yaml:"path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// UseTLS reports whether the endpoint should be dialed with wss://.
func (r RealtimeConfig) UseTLS() bool {
	return r.Secure || r.Environment != EnvironmentDevelopment
}

// ReconnectConfig holds the automatic reconnect policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"` // 0 = uncapped
	MaxAttempts int           `yaml:"max_attempts"`
}

// AuthConfig lists session token sources in precedence order.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenEnv  string `yaml:"token_env"`
	TokenFile string `yaml:"token_file"`
}

// JournalConfig holds the optional event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Name           string        `yaml:"name"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	SSLMode        string        `yaml:"ssl_mode"`
	MaxConns       int           `yaml:"max_conns"`
	MinConns       int           `yaml:"min_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
