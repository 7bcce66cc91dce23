package flowkit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowkit/ai"
	"github.com/hupe1980/flowkit/config"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/model"
	"github.com/hupe1980/flowkit/reflection"
	"github.com/hupe1980/flowkit/tracing"
)

func newTestFlowkit(t *testing.T, mutate func(c *config.Config)) *Flowkit {
	t.Helper()
	cfg := config.Default()
	cfg.Reflection.Enabled = false
	cfg.Env = config.EnvProd
	if mutate != nil {
		mutate(&cfg)
	}
	fk, err := New(func(o *Options) {
		o.Config = cfg
		o.Logger = logging.NoOpLogger{}
		o.Metrics = engine.NoopMetrics{}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fk.Shutdown(context.Background()) })
	return fk
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Env = "staging"
	_, err := New(func(o *Options) { o.Config = cfg })
	assert.ErrorContains(t, err, "invalid config")
}

func TestDefineFlowUsesStateStoreAndTracing(t *testing.T) {
	fk := newTestFlowkit(t, func(c *config.Config) { c.Env = config.EnvDev })

	double, err := DefineFlow(fk, "double", func(ctx context.Context, n int) (int, error) {
		return Run(ctx, "mul", func() (int, error) { return n * 2, nil })
	})
	require.NoError(t, err)

	res, err := fk.Engine().Run(context.Background(), "/flow/double", json.RawMessage(`21`), engine.RunRequest{
		Context: map[string]any{"flowId": "run-1"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(res.Result))

	st, err := double.State(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, st.Steps, 1)

	traces, err := fk.TraceStore().List(context.Background(), tracing.Query{Filter: `displayName == "double"`})
	require.NoError(t, err)
	require.Len(t, traces.Traces, 1)
	assert.Equal(t, res.Trace.TraceID, traces.Traces[0].TraceID)
}

func TestGenerateAndAgent(t *testing.T) {
	fk := newTestFlowkit(t, nil)
	m := model.NewMockModel("echo", "mock")
	_, err := DefineModel(fk, m)
	require.NoError(t, err)
	model.SetDefault(fk.Registry(), "mock/echo")

	text, err := GenerateText(context.Background(), fk, ai.WithPrompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hi", text)

	a, err := DefineAgent(fk, "helper")
	require.NoError(t, err)
	out, err := a.Chat(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "s1", out.SessionID)

	s, err := fk.Sessions().Store().Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Messages(""))
}

func TestStartV1AndShutdown(t *testing.T) {
	dir := t.TempDir()
	fk := newTestFlowkit(t, func(c *config.Config) {
		c.Env = config.EnvDev
		c.Reflection.Addr = "127.0.0.1:0"
		c.Reflection.RuntimesDir = dir
	})
	require.NoError(t, fk.Init(context.Background()))
	require.NoError(t, fk.Start(context.Background()))
	assert.Error(t, fk.Start(context.Background()))

	url := fk.ReflectionURL()
	require.NotEmpty(t, url)
	resp, err := http.Get(url + "/api/__health?id=" + fk.RuntimeID())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	runtimeFile := filepath.Join(dir, fk.RuntimeID()+".json")
	_, err = os.Stat(runtimeFile)
	require.NoError(t, err)

	require.NoError(t, fk.Shutdown(context.Background()))
	_, err = os.Stat(runtimeFile)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, fk.ReflectionURL())
}

func TestQuitShutsDown(t *testing.T) {
	fk := newTestFlowkit(t, func(c *config.Config) {
		c.Env = config.EnvDev
		c.Reflection.Addr = "127.0.0.1:0"
		c.Reflection.RuntimesDir = t.TempDir()
	})
	require.NoError(t, fk.Start(context.Background()))
	url := fk.ReflectionURL()
	require.NotEmpty(t, url)

	resp, err := http.Post(url+"/api/__quitquitquit", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-fk.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("quit request did not shut the runtime down")
	}
	assert.Empty(t, fk.ReflectionURL())

	client := &http.Client{Timeout: time.Second}
	if resp, err := client.Get(url + "/api/__health"); err == nil {
		resp.Body.Close()
		t.Fatalf("reflection API still serving after quit: %d", resp.StatusCode)
	}
	require.NoError(t, fk.Shutdown(context.Background()))
}

func TestStartFailureReleasesTelemetryListener(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busy.Close() })

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	telemetryAddr := free.Addr().String()
	require.NoError(t, free.Close())

	fk := newTestFlowkit(t, func(c *config.Config) {
		c.Env = config.EnvDev
		c.Reflection.Addr = busy.Addr().String()
		c.Reflection.RuntimesDir = t.TempDir()
		c.Telemetry.ServeAddr = telemetryAddr
	})
	require.Error(t, fk.Start(context.Background()))

	l, err := net.Listen("tcp", telemetryAddr)
	require.NoError(t, err, "telemetry listener leaked after failed start")
	require.NoError(t, l.Close())
}

func TestStartV2(t *testing.T) {
	registered := make(chan reflection.RuntimeInfo, 1)
	mgr := reflection.NewManager(func(o *reflection.ManagerOptions) {
		o.OnRegister = func(info reflection.RuntimeInfo) { registered <- info }
	})
	ts := httptest.NewServer(mgr.Handler())
	t.Cleanup(ts.Close)

	fk := newTestFlowkit(t, func(c *config.Config) {
		c.Reflection.V2ServerURL = "ws" + strings.TrimPrefix(ts.URL, "http")
		c.Reflection.Name = "v2-app"
	})
	_, err := DefineFlow(fk, "ping", func(_ context.Context, _ struct{}) (string, error) { return "pong", nil })
	require.NoError(t, err)
	require.NoError(t, fk.Start(context.Background()))

	var info reflection.RuntimeInfo
	select {
	case info = <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not register")
	}
	assert.Equal(t, "v2-app", info.Name)
	assert.Equal(t, fk.RuntimeID(), info.ID)

	res, err := mgr.RunAction(context.Background(), info.ID, reflection.RunActionRequest{Key: "/flow/ping"}, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(res.Result))
}

func TestSQLiteStoresFromConfig(t *testing.T) {
	dir := t.TempDir()
	fk := newTestFlowkit(t, func(c *config.Config) {
		c.StateStore = config.StoreConfig{Driver: config.DriverSQLite, DSN: filepath.Join(dir, "state.db")}
		c.SessionStore = config.StoreConfig{Driver: config.DriverSQLite, DSN: filepath.Join(dir, "sessions.db")}
		c.Telemetry.Store = config.DriverSQLite
		c.Telemetry.StorePath = filepath.Join(dir, "telemetry", "traces.db")
	})
	_, ok := fk.TraceStore().(*tracing.SQLiteTraceStore)
	assert.True(t, ok)
	require.NoError(t, fk.Shutdown(context.Background()))
}
