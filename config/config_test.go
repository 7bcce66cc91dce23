package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsDev())
	assert.Equal(t, DriverMemory, cfg.StateStore.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Reflection.ReconnectInitial)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "flowkit.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
env: prod
log:
  level: debug
reflection:
  reconnectMax: 10s
stateStore:
  driver: sqlite
  dsn: file:state.db
`), 0o600))

	cfg, err := FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, EnvProd, cfg.Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset fields keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Reflection.ReconnectMax)
	assert.Equal(t, DriverSQLite, cfg.StateStore.Driver)
	require.NoError(t, cfg.Validate())

	jsonPath := filepath.Join(dir, "flowkit.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"engine":{"maxConcurrentRuns":3}}`), 0o600))
	cfg, err = FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrentRuns)
	assert.Equal(t, 100, cfg.Engine.StreamBufferSize)

	_, err = FromFile(filepath.Join(dir, "flowkit.toml"))
	assert.ErrorContains(t, err, "read config file")

	tomlPath := filepath.Join(dir, "x.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(""), 0o600))
	_, err = FromFile(tomlPath)
	assert.ErrorContains(t, err, "unsupported config file extension")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GENKIT_ENV":                  "prod",
		"GENKIT_REFLECTION_PORT":      "4000",
		"GENKIT_REFLECTION_V2_SERVER": "ws://localhost:4100",
		"GENKIT_TELEMETRY_SERVER":     "http://localhost:4033",
		"FLOWKIT_LOG_LEVEL":           "warn",
		"FLOWKIT_STATE_STORE":         "redis",
		"FLOWKIT_STATE_DSN":           "redis://localhost:6379/0",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, EnvProd, cfg.Env)
	assert.Equal(t, "127.0.0.1:4000", cfg.Reflection.Addr)
	assert.Equal(t, "ws://localhost:4100", cfg.Reflection.V2ServerURL)
	assert.Equal(t, "http://localhost:4033", cfg.Telemetry.ServerURL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, DriverRedis, cfg.StateStore.Driver)
	require.NoError(t, cfg.Validate())

	env["GENKIT_REFLECTION_PORT"] = "abc"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad env", func(c *Config) { c.Env = "staging" }, "env:"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"negative runs", func(c *Config) { c.Engine.MaxConcurrentRuns = -1 }, "maxConcurrentRuns"},
		{"reconnect", func(c *Config) { c.Reflection.ReconnectMax = time.Millisecond }, "reconnect"},
		{"missing dsn", func(c *Config) { c.StateStore.Driver = DriverPostgres }, "stateStore.dsn"},
		{"unknown driver", func(c *Config) { c.StateStore.Driver = "etcd" }, "unknown driver"},
		{"mongo sessions", func(c *Config) {
			c.SessionStore = StoreConfig{Driver: DriverMongo, DSN: "mongodb://x"}
		}, "not supported for sessions"},
		{"telemetry store", func(c *Config) { c.Telemetry.Store = "s3" }, "telemetry.store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
