package config

import "time"

// Environment names.
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// Default values for optional configuration fields.
const (
	DefaultHost               = "localhost:3000"
	DefaultEnvironment        = EnvironmentProduction
	DefaultPath               = "/ws"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultRealtimeBufferSize = 256
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultMaxAttempts        = 5
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultConnectTimeout     = 10 * time.Second
	DefaultBatchSize          = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 256
	DefaultMaxBufferSize      = 8192
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

func (c *Config) applyDefaults() {
	// Realtime defaults
	if c.Realtime.Host == "" {
		c.Realtime.Host = DefaultHost
	}
	if c.Realtime.Environment == "" {
		c.Realtime.Environment = DefaultEnvironment
	}
	if c.Realtime.Path == "" {
		c.Realtime.Path = DefaultPath
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Realtime.PingTimeout == 0 {
		c.Realtime.PingTimeout = DefaultPingTimeout
	}
	if c.Realtime.BufferSize == 0 {
		c.Realtime.BufferSize = DefaultRealtimeBufferSize
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}
	if c.Journal.MaxBufferSize == 0 {
		c.Journal.MaxBufferSize = DefaultMaxBufferSize
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
	if db.ConnectTimeout == 0 {
		db.ConnectTimeout = DefaultConnectTimeout
	}
}
