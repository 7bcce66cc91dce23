package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json. Values are decoded over Default().
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config.
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides c from the environment.
//
//	GENKIT_ENV                   env
//	GENKIT_REFLECTION_PORT       reflection.addr port
//	GENKIT_REFLECTION_V2_SERVER  reflection.v2ServerUrl
//	GENKIT_TELEMETRY_SERVER      telemetry.serverUrl
//	FLOWKIT_LOG_LEVEL            log.level
//	FLOWKIT_LOG_FORMAT           log.format
//	FLOWKIT_STATE_STORE          stateStore.driver
//	FLOWKIT_STATE_DSN            stateStore.dsn
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("GENKIT_ENV"); ok && v != "" {
		c.Env = v
	}
	if v, ok := lookup("GENKIT_REFLECTION_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("GENKIT_REFLECTION_PORT: invalid port %q", v)
		}
		host := "127.0.0.1"
		if i := strings.LastIndex(c.Reflection.Addr, ":"); i > 0 {
			host = c.Reflection.Addr[:i]
		}
		c.Reflection.Addr = fmt.Sprintf("%s:%d", host, port)
	}
	if v, ok := lookup("GENKIT_REFLECTION_V2_SERVER"); ok {
		c.Reflection.V2ServerURL = v
	}
	if v, ok := lookup("GENKIT_TELEMETRY_SERVER"); ok {
		c.Telemetry.ServerURL = v
	}
	if v, ok := lookup("FLOWKIT_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("FLOWKIT_LOG_FORMAT"); ok && v != "" {
		c.Log.Format = v
	}
	if v, ok := lookup("FLOWKIT_STATE_STORE"); ok && v != "" {
		c.StateStore.Driver = v
	}
	if v, ok := lookup("FLOWKIT_STATE_DSN"); ok {
		c.StateStore.DSN = v
	}
	return nil
}

// Load reads path (when non-empty), applies the environment and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = FromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
