package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Realtime.Host == "" {
		return errors.New("realtime.host is required")
	}
	if strings.Contains(c.Realtime.Host, "://") {
		return fmt.Errorf("realtime.host must not include a scheme, got %q", c.Realtime.Host)
	}
	if !strings.HasPrefix(c.Realtime.Path, "/") {
		return fmt.Errorf("realtime.path must start with /, got %q", c.Realtime.Path)
	}
	if c.Realtime.PingInterval <= 0 {
		return errors.New("realtime.ping_interval must be > 0")
	}
	if c.Realtime.PingTimeout < c.Realtime.PingInterval {
		return fmt.Errorf("realtime.ping_timeout (%s) cannot be less than ping_interval (%s)",
			c.Realtime.PingTimeout, c.Realtime.PingInterval)
	}
	if c.Realtime.BufferSize < 1 {
		return errors.New("realtime.buffer_size must be >= 1")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect.max_delay must be >= 0")
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
		if c.Journal.MaxBufferSize < c.Journal.BufferSize {
			return fmt.Errorf("journal.max_buffer_size (%d) cannot be less than buffer_size (%d)",
				c.Journal.MaxBufferSize, c.Journal.BufferSize)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
