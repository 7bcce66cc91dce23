package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/engine"
	"github.com/hupe1980/flowkit/logging"
	"github.com/hupe1980/flowkit/tracing"
)

// maxRequestBody bounds runAction and notify bodies.
const maxRequestBody = 32 << 20

// ServerOptions configures the V1 server.
type ServerOptions struct {
	Engine *engine.Engine
	// Exporter is redirected by notify. Optional.
	Exporter *tracing.Exporter
	Logger   logging.Logger
	// Addr defaults to 127.0.0.1:3100.
	Addr string
	// RuntimesDir receives the discovery file. Empty disables it.
	RuntimesDir string
	RuntimeID   string
	Name        string
	// OnQuit is called after a quitquitquit request was answered.
	OnQuit func()
}

// Server is the V1 reflection API.
type Server struct {
	opts   ServerOptions
	logger logging.Logger
	srv    *http.Server

	mu          sync.Mutex
	url         string
	runtimeFile string
}

// NewServer creates a V1 server. Engine is required.
func NewServer(optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{Addr: "127.0.0.1:3100"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RuntimeID == "" {
		opts.RuntimeID = core.NewID()
	}
	if opts.Engine == nil {
		opts.Engine = engine.New()
	}
	s := &Server{opts: opts, logger: logging.OrNoOp(opts.Logger)}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// RuntimeID returns the id reported by health checks and the discovery file.
func (s *Server) RuntimeID() string { return s.opts.RuntimeID }

// URL returns the base URL once the server is listening.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/__health", s.handleHealth)
	mux.HandleFunc("POST /api/__quitquitquit", s.handleQuit)
	mux.HandleFunc("GET /api/actions", s.handleActions)
	mux.HandleFunc("GET /api/values", s.handleValues)
	mux.HandleFunc("POST /api/runAction", s.handleRunAction)
	mux.HandleFunc("POST /api/cancelAction", s.handleCancelAction)
	mux.HandleFunc("POST /api/notify", s.handleNotify)
	return mux
}

// Start listens on the configured address, writes the discovery file and
// serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("reflection: listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.url = "http://" + l.Addr().String()
	s.mu.Unlock()

	if s.opts.RuntimesDir != "" {
		if err := s.writeRuntimeFile(); err != nil {
			_ = l.Close()
			return err
		}
	}

	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("reflection.v1.serve_failed", "error", err)
		}
	}()
	s.logger.Info("reflection.v1.start", "url", s.URL(), "runtime_id", s.opts.RuntimeID)
	return nil
}

// Shutdown removes the discovery file and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	path := s.runtimeFile
	s.runtimeFile = ""
	s.mu.Unlock()
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("reflection.v1.runtime_file.remove_failed", "path", path, "error", err)
		}
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeRuntimeFile() error {
	info := RuntimeInfo{
		ID:                       s.opts.RuntimeID,
		PID:                      os.Getpid(),
		Name:                     s.opts.Name,
		ReflectionServerURL:      s.URL(),
		Timestamp:                time.Now().UTC().Format(time.RFC3339),
		FlowkitVersion:           core.Version,
		ReflectionAPISpecVersion: core.ReflectionAPISpecVersion,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.opts.RuntimesDir, 0o755); err != nil {
		return fmt.Errorf("reflection: create runtimes dir: %w", err)
	}
	path := filepath.Join(s.opts.RuntimesDir, s.opts.RuntimeID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("reflection: write runtime file: %w", err)
	}
	s.mu.Lock()
	s.runtimeFile = path
	s.mu.Unlock()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" && id != s.opts.RuntimeID {
		http.Error(w, "runtime id mismatch", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQuit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
	if s.opts.OnQuit != nil {
		go s.opts.OnQuit()
	}
}

func (s *Server) handleActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listActions(s.opts.Engine.Registry()))
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		writeError(w, core.NewError(core.StatusInvalidArgument, "query parameter type is required"), "")
		return
	}
	writeJSON(w, http.StatusOK, encodableValues(s.opts.Engine.Registry().Values(typ)))
}

func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	var body RunActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, core.WrapError(core.StatusInvalidArgument, err, "decode runAction body"), "")
		return
	}
	req := engine.RunRequest{Context: body.Context, TelemetryLabels: body.TelemetryLabels}

	if r.URL.Query().Get("stream") == "true" {
		s.streamAction(w, r, body, req)
		return
	}

	var traceID string
	req.OnStart = func(id string) { traceID = id }
	res, err := s.opts.Engine.Run(r.Context(), body.Key, body.Input, req)
	if err != nil {
		writeError(w, err, traceID)
		return
	}
	setTraceHeaders(w, res.Trace)
	writeJSON(w, http.StatusOK, RunActionResponse{Result: res.Result, Telemetry: res.Trace})
}

// streamAction writes one JSON line per chunk followed by the final
// envelope.
func (s *Server) streamAction(w http.ResponseWriter, r *http.Request, body RunActionRequest, req engine.RunRequest) {
	id, chunks, done := s.opts.Engine.Stream(r.Context(), body.Key, body.Input, req)
	if id == "" {
		res := <-done
		writeError(w, res.Err, "")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set(HeaderTraceID, id)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for chunk := range chunks {
		if err := enc.Encode(chunk); err != nil {
			s.logger.Warn("reflection.v1.stream.write_failed", "trace_id", id, "error", err)
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	for range chunks {
	}

	res := <-done
	if res.Err != nil {
		_ = enc.Encode(map[string]any{"error": newErrorBody(res.Err, id)})
		return
	}
	_ = enc.Encode(RunActionResponse{Result: res.Result.Result, Telemetry: res.Result.Trace})
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	var body cancelActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil || body.TraceID == "" {
		writeError(w, core.NewError(core.StatusInvalidArgument, "traceId is required"), "")
		return
	}
	if err := s.opts.Engine.Cancel(body.TraceID); err != nil {
		writeError(w, err, body.TraceID)
		return
	}
	writeJSON(w, http.StatusOK, cancelActionResponse{Message: "Action " + body.TraceID + " has been cancelled"})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var body notifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, core.WrapError(core.StatusInvalidArgument, err, "decode notify body"), "")
		return
	}
	if body.ReflectionAPISpecVersion != 0 && body.ReflectionAPISpecVersion != core.ReflectionAPISpecVersion {
		s.logger.Warn("reflection.v1.spec_version_mismatch",
			"runtime", core.ReflectionAPISpecVersion,
			"tooling", body.ReflectionAPISpecVersion,
		)
	}
	if s.opts.Exporter != nil && body.TelemetryServerURL != "" {
		s.opts.Exporter.SetTelemetryServerURL(body.TelemetryServerURL)
		s.logger.Info("reflection.v1.telemetry_configured", "url", body.TelemetryServerURL)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

func listActions(r *core.Registry) map[string]core.ActionDesc {
	descs := r.ListActions()
	out := make(map[string]core.ActionDesc, len(descs))
	for _, d := range descs {
		out[d.Key] = d
	}
	return out
}

func setTraceHeaders(w http.ResponseWriter, ti core.TraceInfo) {
	if ti.TraceID != "" {
		w.Header().Set(HeaderTraceID, ti.TraceID)
	}
	if ti.SpanID != "" {
		w.Header().Set(HeaderSpanID, ti.SpanID)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, traceID string) {
	body := newErrorBody(err, traceID)
	if traceID != "" {
		w.Header().Set(HeaderTraceID, traceID)
	}
	writeJSON(w, body.Code.HTTPCode(), map[string]any{"error": body})
}
