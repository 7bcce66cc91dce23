// Package config holds the runtime configuration of a flowkit process:
// logging, engine limits, reflection, telemetry and the flow state and
// session stores.
package config

import (
	"fmt"
	"time"
)

// Environments.
const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config is the root configuration.
type Config struct {
	Env          string      `yaml:"env" json:"env"`
	Log          Log         `yaml:"log" json:"log"`
	Engine       Engine      `yaml:"engine" json:"engine"`
	Reflection   Reflection  `yaml:"reflection" json:"reflection"`
	Telemetry    Telemetry   `yaml:"telemetry" json:"telemetry"`
	StateStore   StoreConfig `yaml:"stateStore" json:"stateStore"`
	SessionStore StoreConfig `yaml:"sessionStore" json:"sessionStore"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Engine configures action execution.
type Engine struct {
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns" json:"maxConcurrentRuns"`
	StreamBufferSize  int `yaml:"streamBufferSize" json:"streamBufferSize"`
}

// Reflection configures the developer tooling API.
type Reflection struct {
	// Enabled defaults to true in the dev environment.
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	// RuntimesDir receives the runtime discovery file.
	RuntimesDir string `yaml:"runtimesDir" json:"runtimesDir"`
	// V2ServerURL switches to the outbound WebSocket protocol when set.
	V2ServerURL         string        `yaml:"v2ServerUrl" json:"v2ServerUrl"`
	Name                string        `yaml:"name" json:"name"`
	ReconnectInitial    time.Duration `yaml:"reconnectInitial" json:"reconnectInitial"`
	ReconnectMax        time.Duration `yaml:"reconnectMax" json:"reconnectMax"`
	ReconnectMaxRetries int           `yaml:"reconnectMaxRetries" json:"reconnectMaxRetries"`
}

// Telemetry configures trace export and the local trace store.
type Telemetry struct {
	// ServerURL is the telemetry server spans are posted to.
	ServerURL string `yaml:"serverUrl" json:"serverUrl"`
	// Store selects the local trace store: memory or sqlite.
	Store     string `yaml:"store" json:"store"`
	StorePath string `yaml:"storePath" json:"storePath"`
	// ServeAddr, when set, serves the local telemetry API.
	ServeAddr string `yaml:"serveAddr" json:"serveAddr"`
}

// StoreConfig selects and addresses a storage backend.
type StoreConfig struct {
	Driver     string `yaml:"driver" json:"driver"`
	DSN        string `yaml:"dsn" json:"dsn"`
	Prefix     string `yaml:"prefix" json:"prefix"`
	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`
}

// Default returns a configuration with every field set.
func Default() Config {
	return Config{
		Env: EnvDev,
		Log: Log{Level: "info", Format: "text"},
		Engine: Engine{
			MaxConcurrentRuns: 10,
			StreamBufferSize:  100,
		},
		Reflection: Reflection{
			Enabled:             true,
			Addr:                "127.0.0.1:3100",
			RuntimesDir:         ".genkit/runtimes",
			Name:                "flowkit",
			ReconnectInitial:    500 * time.Millisecond,
			ReconnectMax:        30 * time.Second,
			ReconnectMaxRetries: 0,
		},
		Telemetry: Telemetry{
			Store:     "memory",
			StorePath: ".genkit/traces.db",
		},
		StateStore:   StoreConfig{Driver: DriverMemory, Prefix: "flowkit:", Database: "flowkit", Collection: "flow_states"},
		SessionStore: StoreConfig{Driver: DriverMemory, Prefix: "flowkit:", Database: "flowkit", Collection: "sessions"},
	}
}

// IsDev reports whether the process runs in the dev environment.
func (c Config) IsDev() bool { return c.Env == EnvDev }

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Env {
	case EnvDev, EnvProd:
	default:
		return fmt.Errorf("env: must be %q or %q, got %q", EnvDev, EnvProd, c.Env)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: must be json or text, got %q", c.Log.Format)
	}
	if c.Engine.MaxConcurrentRuns < 0 {
		return fmt.Errorf("engine.maxConcurrentRuns: must not be negative")
	}
	if c.Engine.StreamBufferSize < 0 {
		return fmt.Errorf("engine.streamBufferSize: must not be negative")
	}
	if c.Reflection.ReconnectInitial <= 0 || c.Reflection.ReconnectMax < c.Reflection.ReconnectInitial {
		return fmt.Errorf("reflection.reconnect: need 0 < reconnectInitial <= reconnectMax")
	}
	switch c.Telemetry.Store {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("telemetry.store: must be memory or sqlite, got %q", c.Telemetry.Store)
	}
	if err := c.StateStore.validate("stateStore"); err != nil {
		return err
	}
	if err := c.SessionStore.validate("sessionStore"); err != nil {
		return err
	}
	if c.SessionStore.Driver == DriverPostgres || c.SessionStore.Driver == DriverMongo {
		return fmt.Errorf("sessionStore.driver: %s is not supported for sessions", c.SessionStore.Driver)
	}
	return nil
}

func (s StoreConfig) validate(field string) error {
	switch s.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite, DriverPostgres, DriverRedis, DriverMongo:
		if s.DSN == "" {
			return fmt.Errorf("%s.dsn: required for driver %s", field, s.Driver)
		}
		return nil
	default:
		return fmt.Errorf("%s.driver: unknown driver %q", field, s.Driver)
	}
}
