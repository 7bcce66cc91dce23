package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.lsp.dev/jsonrpc2"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/session"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger logging.Logger
	// TelemetryServerURL is sent to runtimes with configure on register.
	TelemetryServerURL string
	// OnRegister is called on its own goroutine after a runtime registered,
	// so it may call back into the runtime.
	OnRegister func(RuntimeInfo)
	// OnDisconnect is called after a registered runtime went away.
	OnDisconnect func(RuntimeInfo)
}

// Manager is the tooling side of the V2 protocol. Runtimes connect to it
// over WebSocket and register; the manager then calls into them.
type Manager struct {
	opts   ManagerOptions
	logger logging.Logger
	srv    *http.Server

	mu       sync.RWMutex
	runtimes map[string]*managedRuntime
}

type managedRuntime struct {
	info RuntimeInfo
	conn jsonrpc2.Conn

	mu   sync.Mutex
	runs map[string]*pendingRun
}

// pendingRun routes notifications of one runAction call.
type pendingRun struct {
	onChunk func(json.RawMessage)
	onState func(RunState)
}

// NewManager creates a Manager.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	m := &Manager{
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		runtimes: map[string]*managedRuntime{},
	}
	m.srv = &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return m
}

// Handler accepts runtime WebSocket connections on any path.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			m.logger.Warn("reflection.v2.accept_failed", "error", err)
			return
		}
		m.serve(r.Context(), ws)
	})
}

// Serve accepts connections on l until Shutdown.
func (m *Manager) Serve(l net.Listener) error {
	m.logger.Info("reflection.v2.manager.start", "addr", l.Addr().String())
	if err := m.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (m *Manager) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.Serve(l)
}

// Shutdown closes every runtime connection and stops the server.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, rt := range m.runtimes {
		_ = rt.conn.Close()
	}
	m.mu.Unlock()
	return m.srv.Shutdown(ctx)
}

// SetTelemetryServerURL changes the URL sent to runtimes that register
// from now on.
func (m *Manager) SetTelemetryServerURL(url string) {
	m.mu.Lock()
	m.opts.TelemetryServerURL = url
	m.mu.Unlock()
}

// Runtimes lists the registered runtimes ordered by id.
func (m *Manager) Runtimes() []RuntimeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RuntimeInfo, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// serve blocks for the lifetime of one runtime connection.
func (m *Manager) serve(ctx context.Context, ws *websocket.Conn) {
	conn := jsonrpc2.NewConn(newWSStream(ws))
	rt := &managedRuntime{conn: conn, runs: map[string]*pendingRun{}}
	conn.Go(ctx, func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		return m.handle(ctx, rt, reply, req)
	})

	select {
	case <-conn.Done():
	case <-ctx.Done():
		_ = conn.Close()
		<-conn.Done()
	}

	if rt.info.ID == "" {
		return
	}
	m.mu.Lock()
	if cur, ok := m.runtimes[rt.info.ID]; ok && cur == rt {
		delete(m.runtimes, rt.info.ID)
	}
	m.mu.Unlock()
	m.logger.Info("reflection.v2.runtime.disconnected", "runtime_id", rt.info.ID)
	if m.opts.OnDisconnect != nil {
		m.opts.OnDisconnect(rt.info)
	}
}

func (m *Manager) handle(ctx context.Context, rt *managedRuntime, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case MethodRegister:
		var info RuntimeInfo
		if err := json.Unmarshal(req.Params(), &info); err != nil || info.ID == "" {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, "register requires an id"))
		}
		rt.info = info

		m.mu.Lock()
		if old, ok := m.runtimes[info.ID]; ok && old != rt {
			_ = old.conn.Close()
		}
		m.runtimes[info.ID] = rt
		telemetryURL := m.opts.TelemetryServerURL
		m.mu.Unlock()

		if err := reply(ctx, struct{}{}, nil); err != nil {
			return err
		}
		m.logger.Info("reflection.v2.runtime.registered", "runtime_id", info.ID, "name", info.Name, "pid", info.PID)
		if telemetryURL != "" {
			if err := rt.conn.Notify(ctx, MethodConfigure, configureParams{TelemetryServerURL: telemetryURL}); err != nil {
				m.logger.Warn("reflection.v2.configure_failed", "runtime_id", info.ID, "error", err)
			}
		}
		if m.opts.OnRegister != nil {
			go m.opts.OnRegister(info)
		}
		return nil

	case MethodRunActionState:
		var p stateParams
		if err := json.Unmarshal(req.Params(), &p); err == nil {
			if run := rt.run(p.RequestID); run != nil && run.onState != nil {
				p.State.RequestID = p.RequestID
				run.onState(p.State)
			}
		}
		return reply(ctx, nil, nil)

	case MethodStreamChunk:
		var p chunkParams
		if err := json.Unmarshal(req.Params(), &p); err == nil {
			if run := rt.run(p.RequestID); run != nil && run.onChunk != nil {
				run.onChunk(p.Chunk)
			}
		}
		return reply(ctx, nil, nil)

	default:
		if _, ok := req.(*jsonrpc2.Call); !ok {
			return nil
		}
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+req.Method()))
	}
}

func (rt *managedRuntime) run(requestID string) *pendingRun {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.runs[requestID]
}

func (m *Manager) runtime(id string) (*managedRuntime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[id]
	if !ok {
		return nil, core.NewError(core.StatusNotFound, "runtime %s not registered", id)
	}
	return rt, nil
}

// ListActions lists the actions of a runtime.
func (m *Manager) ListActions(ctx context.Context, runtimeID string) (map[string]core.ActionDesc, error) {
	rt, err := m.runtime(runtimeID)
	if err != nil {
		return nil, err
	}
	var res listActionsResult
	if _, err := rt.conn.Call(ctx, MethodListActions, struct{}{}, &res); err != nil {
		return nil, fromRPCError(err)
	}
	return res.Actions, nil
}

// RunAction runs an action on a runtime. onChunk receives stream chunks
// when req.Stream is set; onState receives the run state once the trace
// id is known, including the request id needed by SendInputChunk.
// Cancelling ctx after the run started also cancels it on the runtime.
func (m *Manager) RunAction(
	ctx context.Context,
	runtimeID string,
	req RunActionRequest,
	onChunk func(json.RawMessage),
	onState func(RunState),
) (*RunActionResponse, error) {
	rt, err := m.runtime(runtimeID)
	if err != nil {
		return nil, err
	}

	var (
		requestID string
		traceMu   sync.Mutex
		traceID   string
	)
	run := &pendingRun{
		onChunk: onChunk,
		onState: func(s RunState) {
			traceMu.Lock()
			traceID = s.TraceID
			traceMu.Unlock()
			if onState != nil {
				onState(s)
			}
		},
	}
	callCtx := withCallHook(ctx, func(id jsonrpc2.ID) {
		requestID = idString(id)
		rt.mu.Lock()
		rt.runs[requestID] = run
		rt.mu.Unlock()
	})
	defer func() {
		rt.mu.Lock()
		delete(rt.runs, requestID)
		rt.mu.Unlock()
	}()

	var res RunActionResponse
	if _, err := rt.conn.Call(callCtx, MethodRunAction, req, &res); err != nil {
		if ctx.Err() != nil {
			traceMu.Lock()
			id := traceID
			traceMu.Unlock()
			if id != "" {
				cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				_ = m.CancelAction(cctx, runtimeID, id)
				cancel()
			}
			return nil, ctx.Err()
		}
		return nil, fromRPCError(err)
	}
	return &res, nil
}

// CancelAction cancels the run with the given trace id.
func (m *Manager) CancelAction(ctx context.Context, runtimeID, traceID string) error {
	rt, err := m.runtime(runtimeID)
	if err != nil {
		return err
	}
	if _, err := rt.conn.Call(ctx, MethodCancelAction, cancelActionRequest{TraceID: traceID}, nil); err != nil {
		return fromRPCError(err)
	}
	return nil
}

// SendInputChunk feeds one chunk to the input stream of a bidi run.
func (m *Manager) SendInputChunk(ctx context.Context, runtimeID, requestID string, chunk any) error {
	rt, err := m.runtime(runtimeID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return core.WrapError(core.StatusInvalidArgument, err, "encode input chunk")
	}
	return rt.conn.Notify(ctx, MethodStreamInputChunk, chunkParams{RequestID: requestID, Chunk: data})
}

// EndInput closes the input stream of a bidi run.
func (m *Manager) EndInput(ctx context.Context, runtimeID, requestID string) error {
	rt, err := m.runtime(runtimeID)
	if err != nil {
		return err
	}
	return rt.conn.Notify(ctx, MethodEndStreamInput, chunkParams{RequestID: requestID})
}

// GetSession fetches a session snapshot from a runtime.
func (m *Manager) GetSession(ctx context.Context, runtimeID, sessionID string) (*session.Session, error) {
	rt, err := m.runtime(runtimeID)
	if err != nil {
		return nil, err
	}
	var s session.Session
	if _, err := rt.conn.Call(ctx, MethodGetSession, getSessionParams{SessionID: sessionID}, &s); err != nil {
		return nil, fromRPCError(err)
	}
	return &s, nil
}
