package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PathEnv names the config file when no path is given explicitly.
const PathEnv = "TANDEM_REALTIME_CONFIG"

// ResolvePath picks the config file: an explicit path wins, then $PathEnv,
// then fallback.
func ResolvePath(explicit, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return fallback
}

// Parse decodes the realtime, reconnect, auth, journal and logging sections.
// ${VAR} references are expanded first. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	// An empty document decodes to the zero Config.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// Load reads and parses path without defaults or validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// LoadWithDefaults is Load followed by defaulting, so a file may name only
// the realtime host.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate is what cmd/listener uses: load, default, then reject
// settings the connection manager or journal could not run with.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used for an empty file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
