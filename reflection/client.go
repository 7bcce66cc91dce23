package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.lsp.dev/jsonrpc2"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/session"
	"github.com/hupe1980/flowkit/tracing"
)

// V2 method names.
const (
	MethodRegister         = "register"
	MethodRunActionState   = "runActionState"
	MethodStreamChunk      = "streamChunk"
	MethodConfigure        = "configure"
	MethodListActions      = "listActions"
	MethodRunAction        = "runAction"
	MethodCancelAction     = "cancelAction"
	MethodStreamInputChunk = "streamInputChunk"
	MethodEndStreamInput   = "endStreamInput"
	MethodGetSession       = "getSession"
)

// ClientOptions configures the V2 runtime client.
type ClientOptions struct {
	// URL is the manager WebSocket URL, e.g. ws://localhost:4100.
	URL       string
	RuntimeID string
	Name      string
	Engine    *engine.Engine
	// Exporter is redirected by configure. Optional.
	Exporter *tracing.Exporter
	// Sessions serves getSession. Optional.
	Sessions session.Store
	Logger   logging.Logger

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// MaxRetries bounds consecutive failed connection attempts; 0 retries
	// forever.
	MaxRetries int
}

// Client is the runtime side of the V2 protocol. It dials the manager,
// registers and serves requests, reconnecting until its context ends.
type Client struct {
	opts   ClientOptions
	logger logging.Logger

	mu        sync.Mutex
	connected bool
}

// NewClient creates a V2 client. URL and Engine are required.
func NewClient(optFns ...func(o *ClientOptions)) (*Client, error) {
	opts := ClientOptions{
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.URL == "" {
		return nil, errors.New("reflection: manager URL is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("reflection: engine is required")
	}
	if opts.RuntimeID == "" {
		opts.RuntimeID = core.NewID()
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = opts.ReconnectInitial
	}
	return &Client{opts: opts, logger: logging.OrNoOp(opts.Logger)}, nil
}

// RuntimeID returns the id sent with register.
func (c *Client) RuntimeID() string { return c.opts.RuntimeID }

// Connected reports whether the client is registered with the manager.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run connects and serves until ctx is done or MaxRetries consecutive
// attempts failed. Runs in flight are cancelled whenever the connection
// drops.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		registered, err := c.serveOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			failures = 0
		}
		failures++
		if c.opts.MaxRetries > 0 && failures > c.opts.MaxRetries {
			return fmt.Errorf("reflection: giving up after %d attempts: %w", c.opts.MaxRetries, err)
		}
		delay := backoff(c.opts.ReconnectInitial, c.opts.ReconnectMax, failures-1)
		c.logger.Warn("reflection.v2.disconnected", "error", err, "retry_in", delay, "attempt", failures)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// backoff returns a full-jitter delay for the given attempt.
func backoff(initial, maxDelay time.Duration, attempt int) time.Duration {
	d := initial
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

// serveOnce runs one connection. registered reports whether register
// succeeded.
func (c *Client) serveOnce(ctx context.Context) (registered bool, err error) {
	ws, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := jsonrpc2.NewConn(newWSStream(ws))
	rc := &runtimeConn{client: c, conn: conn, ctx: connCtx, inputs: map[string]*inputStream{}}
	conn.Go(connCtx, rc.handle)
	defer conn.Close()

	info := RuntimeInfo{
		ID:                       c.opts.RuntimeID,
		PID:                      os.Getpid(),
		Name:                     c.opts.Name,
		FlowkitVersion:           core.Version,
		ReflectionAPISpecVersion: core.ReflectionAPISpecVersion,
		Envs:                     []string{"dev"},
	}
	if _, err := conn.Call(ctx, MethodRegister, info, nil); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	c.setConnected(true)
	defer c.setConnected(false)
	c.logger.Info("reflection.v2.connect", "url", c.opts.URL, "runtime_id", c.opts.RuntimeID)

	select {
	case <-conn.Done():
		err = conn.Err()
		if err == nil {
			err = errors.New("connection closed")
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	return true, err
}

// runtimeConn serves the requests of one connection.
type runtimeConn struct {
	client *Client
	conn   jsonrpc2.Conn
	// ctx ends when the connection drops and cancels the runs it started.
	ctx context.Context

	mu     sync.Mutex
	inputs map[string]*inputStream
}

// inputStream feeds a bidi run. Chunks are queued without bound so the
// connection's read loop never waits on a slow consumer; pump hands them
// to the run in arrival order.
type inputStream struct {
	ch   chan json.RawMessage
	done chan struct{}
	wake chan struct{}

	mu     sync.Mutex
	queue  []json.RawMessage
	closed bool
}

func newInputStream() *inputStream {
	return &inputStream{
		ch:   make(chan json.RawMessage),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

func (s *inputStream) push(chunk json.RawMessage) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, chunk)
	}
	s.mu.Unlock()
	s.signal()
}

// close ends the input once the queued chunks are delivered.
func (s *inputStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *inputStream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued chunks until the input is closed and drained or
// the run is done.
func (s *inputStream) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- next:
		case <-s.done:
			return
		}
	}
}

type chunkParams struct {
	RequestID string          `json:"requestId"`
	Chunk     json.RawMessage `json:"chunk,omitempty"`
}

type stateParams struct {
	RequestID string   `json:"requestId"`
	State     RunState `json:"state"`
}

type configureParams struct {
	TelemetryServerURL string `json:"telemetryServerUrl"`
}

type getSessionParams struct {
	SessionID string `json:"sessionId"`
}

type listActionsResult struct {
	Actions map[string]core.ActionDesc `json:"actions"`
}

// handle dispatches one message. jsonrpc2 calls it serially, so long
// running requests reply from their own goroutine.
func (rc *runtimeConn) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	logger := rc.client.logger
	switch req.Method() {
	case MethodConfigure:
		var p configureParams
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
		}
		if exp := rc.client.opts.Exporter; exp != nil && p.TelemetryServerURL != "" {
			exp.SetTelemetryServerURL(p.TelemetryServerURL)
			logger.Info("reflection.v2.telemetry_configured", "url", p.TelemetryServerURL)
		}
		return reply(ctx, nil, nil)

	case MethodListActions:
		return reply(ctx, listActionsResult{Actions: listActions(rc.client.opts.Engine.Registry())}, nil)

	case MethodRunAction:
		call, ok := req.(*jsonrpc2.Call)
		if !ok {
			return nil
		}
		var p RunActionRequest
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error()))
		}
		rc.startRun(idString(call.ID()), p, reply)
		return nil

	case MethodCancelAction:
		var p cancelActionRequest
		if err := json.Unmarshal(req.Params(), &p); err != nil || p.TraceID == "" {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, "traceId is required"))
		}
		if err := rc.client.opts.Engine.Cancel(p.TraceID); err != nil {
			return reply(ctx, nil, rpcError(err, ""))
		}
		return reply(ctx, cancelActionResponse{Message: "Action " + p.TraceID + " has been cancelled"}, nil)

	case MethodStreamInputChunk:
		var p chunkParams
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			logger.Warn("reflection.v2.input.invalid", "error", err)
			return reply(ctx, nil, nil)
		}
		if in := rc.input(p.RequestID); in != nil {
			in.push(p.Chunk)
		}
		return reply(ctx, nil, nil)

	case MethodEndStreamInput:
		var p chunkParams
		if err := json.Unmarshal(req.Params(), &p); err == nil {
			if in := rc.input(p.RequestID); in != nil {
				in.close()
			}
		}
		return reply(ctx, nil, nil)

	case MethodGetSession:
		return rc.getSession(ctx, reply, req)

	default:
		if _, ok := req.(*jsonrpc2.Call); !ok {
			return nil
		}
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.MethodNotFound, "method not found: "+req.Method()))
	}
}

func (rc *runtimeConn) input(requestID string) *inputStream {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.inputs[requestID]
}

// startRun executes runAction in the background and replies when done.
// The input stream, if any, is registered before the handler returns so
// that input notifications following the call are never lost.
func (rc *runtimeConn) startRun(requestID string, p RunActionRequest, reply jsonrpc2.Replier) {
	logger := rc.client.logger
	p.Context = withFlowID(p.Key, p.Context)
	req := engine.RunRequest{Context: p.Context, TelemetryLabels: p.TelemetryLabels}

	var in *inputStream
	if p.StreamInput {
		in = newInputStream()
		rc.mu.Lock()
		rc.inputs[requestID] = in
		rc.mu.Unlock()
		req.InputStream = in.ch
		go in.pump()
	}
	if p.Stream {
		req.OnChunk = func(ctx context.Context, chunk json.RawMessage) error {
			return rc.conn.Notify(ctx, MethodStreamChunk, chunkParams{RequestID: requestID, Chunk: chunk})
		}
	}

	var traceID string
	req.OnStart = func(id string) {
		traceID = id
		state := RunState{TraceID: id, FlowID: p.Context.String("flowId")}
		if err := rc.conn.Notify(rc.ctx, MethodRunActionState, stateParams{RequestID: requestID, State: state}); err != nil {
			logger.Warn("reflection.v2.state.notify_failed", "request_id", requestID, "error", err)
		}
	}

	go func() {
		res, err := rc.client.opts.Engine.Run(rc.ctx, p.Key, p.Input, req)
		if in != nil {
			close(in.done)
			rc.mu.Lock()
			delete(rc.inputs, requestID)
			rc.mu.Unlock()
		}
		if err != nil {
			if rerr := reply(rc.ctx, nil, rpcError(err, traceID)); rerr != nil {
				logger.Warn("reflection.v2.reply_failed", "request_id", requestID, "error", rerr)
			}
			return
		}
		if rerr := reply(rc.ctx, RunActionResponse{Result: res.Result, Telemetry: res.Trace}, nil); rerr != nil {
			logger.Warn("reflection.v2.reply_failed", "request_id", requestID, "error", rerr)
		}
	}()
}

// withFlowID gives a flow run a flow id up front, so the id the flow runs
// under is the one reported in runActionState.
func withFlowID(key string, ac core.ActionContext) core.ActionContext {
	if t, _, err := core.ParseKey(key); err != nil || t != core.ActionTypeFlow || ac.String("flowId") != "" {
		return ac
	}
	out := core.ActionContext{"flowId": core.NewID()}
	for k, v := range ac {
		if k != "flowId" {
			out[k] = v
		}
	}
	return out
}

func (rc *runtimeConn) getSession(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	var p getSessionParams
	if err := json.Unmarshal(req.Params(), &p); err != nil || p.SessionID == "" {
		return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, "sessionId is required"))
	}
	store := rc.client.opts.Sessions
	if store == nil {
		return reply(ctx, nil, jsonrpc2.NewError(CodeNotFound, "no session store configured"))
	}
	s, err := store.Get(ctx, p.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return reply(ctx, nil, rpcError(core.NewError(core.StatusNotFound, "session %s not found", p.SessionID), ""))
	}
	if err != nil {
		return reply(ctx, nil, rpcError(err, ""))
	}
	return reply(ctx, s, nil)
}
