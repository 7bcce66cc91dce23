// Package flowkit is the entry point of the framework. It wires the
// registry, the engine, tracing, the durable flow state store, the session
// store and the developer-tooling reflection API from one Config:
//
//	fk, err := flowkit.New(func(o *flowkit.Options) { o.Config = cfg })
//	if err != nil { ... }
//	defer fk.Shutdown(ctx)
//
//	summarize, err := flowkit.DefineFlow(fk, "summarize",
//	    func(ctx context.Context, text string) (string, error) {
//	        return flowkit.GenerateText(ctx, fk, ai.WithPrompt("Summarize: "+text))
//	    })
//
//	if err := fk.Init(ctx); err != nil { ... }
//	if err := fk.Start(ctx); err != nil { ... }
//
// All defaults are in-memory and safe for local development. Production
// deployments select durable stores through Config or pass them in Options.
package flowkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/hupe1980/flowkit/agent"
	"github.com/hupe1980/flowkit/ai"
	"github.com/hupe1980/flowkit/config"
	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/flow"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/model"
	"github.com/hupe1980/flowkit/reflection"
	"github.com/hupe1980/flowkit/session"
	"github.com/hupe1980/flowkit/statestore"
	"github.com/hupe1980/flowkit/tool"
	"github.com/hupe1980/flowkit/tracing"
)

// quitTimeout bounds the shutdown triggered by a reflection quit request.
const quitTimeout = 10 * time.Second

// Options configures a Flowkit instance. Unset stores are opened from
// Config.
type Options struct {
	Config   config.Config
	Registry *core.Registry
	// Logger defaults to a FlowkitLogger built from Config.Log.
	Logger       logging.Logger
	StateStore   statestore.Store
	SessionStore session.Store
	TraceStore   tracing.TraceStore
	Plugins      []core.Plugin
	HookManager  *engine.HookManager
	// Metrics defaults to the OTel recorder on the global meter provider.
	Metrics engine.MetricsRecorder
}

// Flowkit aggregates the framework services of one process.
type Flowkit struct {
	cfg      config.Config
	registry *core.Registry
	engine   *engine.Engine
	logger   logging.Logger
	hooks    *engine.HookManager
	metrics  engine.MetricsRecorder

	stateStore   statestore.Store
	sessionStore session.Store
	sessions     *session.Manager
	traceStore   tracing.TraceStore
	exporter     *tracing.Exporter
	tracer       *sdktrace.TracerProvider

	// closers are the resources New opened itself.
	closers        []io.Closer
	tracerShutdown func(context.Context) error

	mu          sync.Mutex
	started     bool
	done        chan struct{}
	doneOnce    sync.Once
	v1          *reflection.Server
	v2          *reflection.Client
	v2Cancel    context.CancelFunc
	v2Done      chan struct{}
	telemetry   *tracing.Server
	telemetryLn net.Listener
}

// New creates a Flowkit instance.
func New(optFns ...func(o *Options)) (*Flowkit, error) {
	opts := Options{Config: config.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("flowkit: invalid config: %w", err)
	}

	fk := &Flowkit{cfg: cfg, registry: opts.Registry, hooks: opts.HookManager, metrics: opts.Metrics, done: make(chan struct{})}
	if fk.registry == nil {
		fk.registry = core.NewRegistry()
	}
	if fk.hooks == nil {
		fk.hooks = engine.NewHookManager()
	}
	if fk.metrics == nil {
		fk.metrics = engine.NewMetricsRecorder()
	}

	fk.logger = opts.Logger
	if fk.logger == nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("flowkit: %w", err)
		}
		fk.logger = logging.NewLogger(&logging.LoggerConfig{Level: level, Format: cfg.Log.Format, Output: os.Stderr, Component: "flowkit"})
	}

	for _, p := range opts.Plugins {
		fk.registry.UsePlugin(p)
	}

	if err := fk.openStores(opts); err != nil {
		fk.closeAll()
		return nil, err
	}

	fk.exporter = tracing.NewExporter(func(o *tracing.ExporterOptions) {
		o.Store = fk.traceStore
		o.ServerURL = cfg.Telemetry.ServerURL
		o.Logger = fk.logger
	})
	tp, shutdown, err := tracing.Setup(context.Background(), tracing.SetupOptions{
		Exporter: fk.exporter,
		Dev:      cfg.IsDev(),
		Global:   true,
	})
	if err != nil {
		fk.closeAll()
		return nil, err
	}
	fk.tracer, fk.tracerShutdown = tp, shutdown

	fk.engine = engine.New(func(o *engine.Options) {
		o.Config = engine.Config{
			MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
			StreamBufferSize:  cfg.Engine.StreamBufferSize,
		}
		o.Registry = fk.registry
		o.Logger = logging.ForComponent(fk.logger, "engine")
		o.Metrics = fk.metrics
		o.Hooks = fk.hooks
	})
	fk.sessions = session.NewManager(fk.sessionStore, fk.logger)
	return fk, nil
}

func (fk *Flowkit) openStores(opts Options) error {
	ctx := context.Background()

	fk.stateStore = opts.StateStore
	if fk.stateStore == nil {
		s, err := statestore.Open(ctx, fk.cfg.StateStore)
		if err != nil {
			return fmt.Errorf("flowkit: open state store: %w", err)
		}
		fk.stateStore = s
		fk.closers = append(fk.closers, s)
	}

	fk.sessionStore = opts.SessionStore
	if fk.sessionStore == nil {
		s, err := session.Open(ctx, fk.cfg.SessionStore)
		if err != nil {
			return fmt.Errorf("flowkit: open session store: %w", err)
		}
		fk.sessionStore = s
		if c, ok := s.(io.Closer); ok {
			fk.closers = append(fk.closers, c)
		}
	}

	fk.traceStore = opts.TraceStore
	if fk.traceStore == nil {
		switch fk.cfg.Telemetry.Store {
		case config.DriverSQLite:
			if dir := filepath.Dir(fk.cfg.Telemetry.StorePath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("flowkit: create trace store dir: %w", err)
				}
			}
			s, err := tracing.OpenSQLiteTraceStore(fk.cfg.Telemetry.StorePath)
			if err != nil {
				return fmt.Errorf("flowkit: open trace store: %w", err)
			}
			fk.traceStore = s
			fk.closers = append(fk.closers, s)
		default:
			fk.traceStore = tracing.NewMemoryTraceStore()
		}
	}
	return nil
}

func (fk *Flowkit) closeAll() error {
	var errs []error
	for i := len(fk.closers) - 1; i >= 0; i-- {
		if err := fk.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	fk.closers = nil
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (fk *Flowkit) Config() config.Config { return fk.cfg }

// Registry returns the action registry.
func (fk *Flowkit) Registry() *core.Registry { return fk.registry }

// Engine returns the action engine.
func (fk *Flowkit) Engine() *engine.Engine { return fk.engine }

// Logger returns the process logger.
func (fk *Flowkit) Logger() logging.Logger { return fk.logger }

// Hooks returns the hook manager shared by the engine, generate and agents.
func (fk *Flowkit) Hooks() *engine.HookManager { return fk.hooks }

// StateStore returns the durable flow state store.
func (fk *Flowkit) StateStore() statestore.Store { return fk.stateStore }

// Sessions returns the session manager used by agents.
func (fk *Flowkit) Sessions() *session.Manager { return fk.sessions }

// TraceStore returns the local trace store.
func (fk *Flowkit) TraceStore() tracing.TraceStore { return fk.traceStore }

// Exporter returns the span exporter.
func (fk *Flowkit) Exporter() *tracing.Exporter { return fk.exporter }

// Init initializes the plugins.
func (fk *Flowkit) Init(ctx context.Context) error {
	return fk.registry.InitPlugins(ctx)
}

// Start starts the local telemetry server and the reflection API as
// configured. V1 runs when Env is dev or reflection is enabled; V2 runs
// when a V2 server URL is set.
func (fk *Flowkit) Start(ctx context.Context) error {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	if fk.started {
		return core.NewError(core.StatusFailedPrecondition, "flowkit already started")
	}

	if addr := fk.cfg.Telemetry.ServeAddr; addr != "" {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("flowkit: telemetry listen %s: %w", addr, err)
		}
		fk.telemetry, fk.telemetryLn = tracing.NewServer(fk.traceStore, fk.logger), l
		srv := fk.telemetry
		go func() {
			if err := srv.Serve(l); err != nil {
				fk.logger.Error("telemetry.server.failed", "addr", addr, "error", err)
			}
		}()
	}

	rcfg := fk.cfg.Reflection
	if fk.cfg.IsDev() || rcfg.Enabled {
		fk.v1 = reflection.NewServer(func(o *reflection.ServerOptions) {
			o.Engine = fk.engine
			o.Exporter = fk.exporter
			o.Logger = logging.ForComponent(fk.logger, "reflection")
			o.Addr = rcfg.Addr
			o.RuntimesDir = rcfg.RuntimesDir
			o.Name = rcfg.Name
			o.OnQuit = fk.quit
		})
		if err := fk.v1.Start(ctx); err != nil {
			fk.v1 = nil
			_ = fk.stopListeners(ctx)
			return err
		}
	}

	if rcfg.V2ServerURL != "" {
		c, err := reflection.NewClient(func(o *reflection.ClientOptions) {
			o.URL = rcfg.V2ServerURL
			o.Name = rcfg.Name
			o.Engine = fk.engine
			o.Exporter = fk.exporter
			o.Sessions = fk.sessionStore
			o.Logger = logging.ForComponent(fk.logger, "reflection")
			o.ReconnectInitial = rcfg.ReconnectInitial
			o.ReconnectMax = rcfg.ReconnectMax
			o.MaxRetries = rcfg.ReconnectMaxRetries
		})
		if err != nil {
			_ = fk.stopListeners(ctx)
			return err
		}
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fk.v2, fk.v2Cancel, fk.v2Done = c, cancel, make(chan struct{})
		go func() {
			defer close(fk.v2Done)
			if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				fk.logger.Error("reflection.v2.stopped", "error", err)
			}
		}()
	}

	fk.started = true
	return nil
}

// Done is closed once Shutdown ran, either called directly or triggered by
// a quit request on the reflection API.
func (fk *Flowkit) Done() <-chan struct{} { return fk.done }

// quit shuts the instance down after a reflection quit request.
func (fk *Flowkit) quit() {
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()
	fk.logger.Info("flowkit.quit_requested")
	if err := fk.Shutdown(ctx); err != nil {
		fk.logger.Error("flowkit.shutdown_failed", "error", err)
	}
}

// stopListeners stops the V1 server and the telemetry server. Callers hold
// fk.mu.
func (fk *Flowkit) stopListeners(ctx context.Context) error {
	var errs []error
	if fk.v1 != nil {
		errs = append(errs, fk.v1.Shutdown(ctx))
		fk.v1 = nil
	}
	if fk.telemetry != nil {
		errs = append(errs, fk.telemetry.Shutdown(ctx))
		// Serve may not have taken over the listener yet.
		_ = fk.telemetryLn.Close()
		fk.telemetry, fk.telemetryLn = nil, nil
	}
	return errors.Join(errs...)
}

// ReflectionURL returns the V1 base URL, or "" when V1 is not running.
func (fk *Flowkit) ReflectionURL() string {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	if fk.v1 == nil {
		return ""
	}
	return fk.v1.URL()
}

// RuntimeID returns the V1 runtime id, or the V2 one when only V2 runs.
func (fk *Flowkit) RuntimeID() string {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	switch {
	case fk.v1 != nil:
		return fk.v1.RuntimeID()
	case fk.v2 != nil:
		return fk.v2.RuntimeID()
	default:
		return ""
	}
}

// Shutdown stops the reflection API, flushes pending spans and closes the
// stores New opened. It is safe to call more than once.
func (fk *Flowkit) Shutdown(ctx context.Context) error {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	defer fk.doneOnce.Do(func() { close(fk.done) })

	var errs []error
	if fk.v2Cancel != nil {
		fk.v2Cancel()
		select {
		case <-fk.v2Done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		fk.v2, fk.v2Cancel = nil, nil
	}
	errs = append(errs, fk.stopListeners(ctx))
	if fk.tracerShutdown != nil {
		errs = append(errs, fk.tracerShutdown(ctx))
		fk.tracerShutdown = nil
	}
	errs = append(errs, fk.closeAll())
	fk.started = false
	return errors.Join(errs...)
}

func (fk *Flowkit) flowOptions(opts []flow.Option) []flow.Option {
	return append([]flow.Option{
		flow.WithStateStore(fk.stateStore),
		flow.WithLogger(fk.logger),
		flow.WithMetrics(fk.metrics),
	}, opts...)
}

// DefineFlow registers a durable flow backed by the configured state store.
func DefineFlow[In, Out any](fk *Flowkit, name string, fn func(context.Context, In) (Out, error), opts ...flow.Option) (*flow.Flow[In, Out, struct{}], error) {
	return flow.Define(fk.registry, name, fn, fk.flowOptions(opts)...)
}

// DefineStreamingFlow registers a durable flow that streams chunks of S.
func DefineStreamingFlow[In, Out, S any](fk *Flowkit, name string, fn core.StreamingFunc[In, Out, S], opts ...flow.Option) (*flow.Flow[In, Out, S], error) {
	return flow.DefineStreaming(fk.registry, name, fn, fk.flowOptions(opts)...)
}

// DefineBidiFlow registers a durable flow that also consumes a stream of I.
func DefineBidiFlow[In, Out, S, I any](fk *Flowkit, name string, fn flow.BidiFunc[In, Out, S, I], opts ...flow.Option) (*flow.Flow[In, Out, S], error) {
	return flow.DefineBidi(fk.registry, name, fn, fk.flowOptions(opts)...)
}

// DefineTool registers t under /tool/<name>.
func DefineTool(fk *Flowkit, t tool.Tool) (*tool.Action, error) {
	return tool.Define(fk.registry, t)
}

// DefineModel registers m under /model/<provider>/<name>.
func DefineModel(fk *Flowkit, m model.Model) (*model.Action, error) {
	return model.Define(fk.registry, m)
}

// DefineAgent registers an agent that keeps its sessions in the
// configured session store.
func DefineAgent(fk *Flowkit, name string, optFns ...func(o *agent.Options)) (*agent.Agent, error) {
	base := func(o *agent.Options) {
		o.Sessions = fk.sessions
		o.Hooks = fk.hooks
		o.Metrics = fk.metrics
		o.Logger = fk.logger
	}
	// An explicit SessionStore wins over the shared manager.
	own := func(o *agent.Options) {
		if o.SessionStore != nil && o.Sessions == fk.sessions {
			o.Sessions = nil
		}
	}
	fns := append([]func(o *agent.Options){base}, optFns...)
	return agent.Define(fk.registry, name, append(fns, own)...)
}

func (fk *Flowkit) generateOptions(opts []ai.Option) []ai.Option {
	return append([]ai.Option{
		ai.WithHooks(fk.hooks),
		ai.WithMetrics(fk.metrics),
		ai.WithLogger(fk.logger),
	}, opts...)
}

// Generate runs the tool-calling generation loop against the registry.
func Generate(ctx context.Context, fk *Flowkit, opts ...ai.Option) (*ai.Response, error) {
	return ai.Generate(ctx, fk.registry, fk.generateOptions(opts)...)
}

// GenerateText is Generate returning only the final text.
func GenerateText(ctx context.Context, fk *Flowkit, opts ...ai.Option) (string, error) {
	return ai.GenerateText(ctx, fk.registry, fk.generateOptions(opts)...)
}

// GenerateData is Generate decoding the final answer into T.
func GenerateData[T any](ctx context.Context, fk *Flowkit, opts ...ai.Option) (T, *ai.Response, error) {
	return ai.GenerateData[T](ctx, fk.registry, fk.generateOptions(opts)...)
}

// Run executes a memoized flow step. See flow.Run.
func Run[Out any](ctx context.Context, name string, fn func() (Out, error)) (Out, error) {
	return flow.Run(ctx, name, fn)
}
