package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/logging"
)

// Config defines tuning parameters for the Engine.
type Config struct {
	// MaxConcurrentRuns limits the number of actions running at once.
	// 0 disables the limit.
	MaxConcurrentRuns int

	// StreamBufferSize is the channel buffer used by Stream.
	StreamBufferSize int
}

// DefaultConfig provides the default configuration values.
var DefaultConfig = Config{
	MaxConcurrentRuns: 10,
	StreamBufferSize:  100,
}

// Options configures an Engine instance.
//
//	e := engine.New(func(o *engine.Options) {
//	    o.Registry = reg
//	    o.Logger = logger
//	})
type Options struct {
	Config Config

	// Registry resolves action keys. Defaults to an empty registry.
	Registry *core.Registry

	// Logger defaults to a NoOp logger.
	Logger logging.Logger

	// Metrics defaults to the OTel recorder on the global meter provider.
	Metrics MetricsRecorder

	// Hooks defaults to an empty manager.
	Hooks *HookManager
}

// RunRequest carries the per-run options of Run and Stream.
type RunRequest struct {
	// Context is the auth/context map exposed to the action.
	Context core.ActionContext
	// TelemetryLabels are attached to the root span.
	TelemetryLabels map[string]string
	// OnChunk receives streamed chunks. Stream sets it itself.
	OnChunk core.RawStreamCallback
	// InputStream feeds bidirectional actions.
	InputStream <-chan json.RawMessage
	// OnStart is called once with the run id, before the action body runs.
	OnStart func(runID string)
}

// StreamResult is the terminal message of Stream.
type StreamResult struct {
	Result *core.RunResult
	Err    error
}

// Engine runs registered actions and keeps track of the runs in flight so
// they can be listed and cancelled.
//
// Runs are identified by their trace id. When no tracer provider is
// installed the engine falls back to a generated id.
type Engine struct {
	registry *core.Registry
	logger   logging.Logger
	metrics  MetricsRecorder
	hooks    *HookManager
	config   Config

	sem chan struct{}

	runsMu sync.RWMutex
	// runs maps a trace id to the runs sharing it. Nested runs started
	// under one parent span report the same trace id.
	runs map[string]map[*runHandle]struct{}
}

// New creates an Engine.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = core.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetricsRecorder()
	}
	if opts.Hooks == nil {
		opts.Hooks = NewHookManager()
	}

	e := &Engine{
		registry: opts.Registry,
		logger:   logging.OrNoOp(opts.Logger),
		metrics:  opts.Metrics,
		hooks:    opts.Hooks,
		config:   opts.Config,
		runs:     make(map[string]map[*runHandle]struct{}),
	}
	if opts.Config.MaxConcurrentRuns > 0 {
		e.sem = make(chan struct{}, opts.Config.MaxConcurrentRuns)
	}
	return e
}

// Registry returns the registry actions are resolved from.
func (e *Engine) Registry() *core.Registry { return e.registry }

// Hooks returns the engine's hook manager.
func (e *Engine) Hooks() *HookManager { return e.hooks }

// Metrics returns the engine's metrics recorder.
func (e *Engine) Metrics() MetricsRecorder { return e.metrics }

// Run executes the action registered under key with JSON input.
func (e *Engine) Run(ctx context.Context, key string, input json.RawMessage, req RunRequest) (*core.RunResult, error) {
	action, ok := e.registry.LookupAction(key)
	if !ok {
		return nil, core.NewError(core.StatusNotFound, "action %s not found", key)
	}

	if err := e.acquire(ctx); err != nil {
		return nil, core.WrapError(core.StatusOf(err), err, "waiting for a run slot")
	}
	defer e.release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.hooks.Execute(runCtx, &HookContext{Type: HookBeforeAction, Name: key, Input: input}); err != nil {
		return nil, core.WrapError(core.StatusAborted, err, "before_action hook rejected %s", key)
	}

	var (
		runID  string
		handle = &runHandle{cancel: cancel}
	)
	defer func() {
		if runID != "" {
			e.untrack(runID, handle)
		}
	}()

	opts := &core.RunOptions{
		OnChunk:         req.OnChunk,
		InputStream:     req.InputStream,
		Context:         req.Context,
		TelemetryLabels: req.TelemetryLabels,
		OnTrace: func(ti core.TraceInfo) {
			runID = ti.TraceID
			if runID == "" {
				runID = core.NewID()
			}
			e.track(runID, handle)
			if req.OnStart != nil {
				req.OnStart(runID)
			}
		},
	}

	start := time.Now()
	res, err := action.RunJSON(runCtx, input, opts)
	dur := time.Since(start)
	if err != nil && runCtx.Err() != nil && ctx.Err() == nil {
		err = core.WrapError(core.StatusCancelled, err, "run %s cancelled", runID).
			WithDetail("traceId", runID)
	}

	e.metrics.RecordActionRun(ctx, key, dur, err)
	logging.ActionRun(logging.ForRun(e.logger, runID, ""), key, dur, err)

	if err != nil {
		_ = e.hooks.Execute(ctx, &HookContext{Type: HookOnError, Name: key, Input: input, Err: err})
		return nil, err
	}

	if err := e.hooks.Execute(ctx, &HookContext{Type: HookAfterAction, Name: key, Input: input, Output: res.Result}); err != nil {
		return nil, core.WrapError(core.StatusAborted, err, "after_action hook rejected %s", key)
	}
	if res.Trace.TraceID == "" {
		res.Trace.TraceID = runID
	}
	return res, nil
}

// Stream runs the action asynchronously. It returns once the run has an id
// (or failed to start). Chunks are delivered on the first channel, which is
// closed before the single StreamResult is sent.
func (e *Engine) Stream(
	ctx context.Context,
	key string,
	input json.RawMessage,
	req RunRequest,
) (string, <-chan json.RawMessage, <-chan StreamResult) {
	chunks := make(chan json.RawMessage, e.config.StreamBufferSize)
	done := make(chan StreamResult, 1)
	started := make(chan string, 1)

	req.OnChunk = func(cctx context.Context, chunk json.RawMessage) error {
		select {
		case chunks <- chunk:
			return nil
		case <-cctx.Done():
			return cctx.Err()
		}
	}
	onStart := req.OnStart
	req.OnStart = func(id string) {
		started <- id
		if onStart != nil {
			onStart(id)
		}
	}

	go func() {
		res, err := e.Run(ctx, key, input, req)
		close(chunks)
		close(started)
		done <- StreamResult{Result: res, Err: err}
		close(done)
	}()

	id := <-started
	return id, chunks, done
}

// Cancel aborts every run in flight under the given trace id.
func (e *Engine) Cancel(runID string) error {
	e.runsMu.RLock()
	cancels := make([]context.CancelFunc, 0, len(e.runs[runID]))
	for h := range e.runs[runID] {
		cancels = append(cancels, h.cancel)
	}
	e.runsMu.RUnlock()
	if len(cancels) == 0 {
		return core.NewError(core.StatusNotFound, "no active run with id %s", runID)
	}
	for _, cancel := range cancels {
		cancel()
	}
	e.logger.Info("action.run.cancel_requested", "trace_id", runID, "runs", len(cancels))
	return nil
}

// ActiveRuns lists the trace ids of runs in flight, sorted.
func (e *Engine) ActiveRuns() []string {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// runHandle identifies one tracked run.
type runHandle struct {
	cancel context.CancelFunc
}

func (e *Engine) track(id string, h *runHandle) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	set, ok := e.runs[id]
	if !ok {
		set = make(map[*runHandle]struct{})
		e.runs[id] = set
	}
	set[h] = struct{}{}
}

func (e *Engine) untrack(id string, h *runHandle) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	set := e.runs[id]
	delete(set, h)
	if len(set) == 0 {
		delete(e.runs, id)
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.sem == nil {
		return nil
	}
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	if e.sem != nil {
		<-e.sem
	}
}

// IsCancelled reports whether err is the result of a cancelled run.
func IsCancelled(err error) bool {
	return core.StatusOf(err) == core.StatusCancelled || errors.Is(err, context.Canceled)
}
