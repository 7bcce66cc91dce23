package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/logging"
)

// maxTraceBody bounds the size of a posted trace.
const maxTraceBody = 32 << 20

// Server serves a TraceStore over HTTP.
type Server struct {
	store  TraceStore
	logger logging.Logger
	srv    *http.Server
}

// NewServer creates a telemetry server backed by store.
func NewServer(store TraceStore, logger logging.Logger) *Server {
	s := &Server{store: store, logger: logging.OrNoOp(logger)}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/__health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/traces", s.handleSave)
	mux.HandleFunc("GET /api/traces/{traceId}", s.handleLoad)
	mux.HandleFunc("GET /api/traces", s.handleList)
	return mux
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("telemetry.server.start", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var t TraceData
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTraceBody)).Decode(&t); err != nil {
		writeError(w, core.WrapError(core.StatusInvalidArgument, err, "decode trace"))
		return
	}
	if t.TraceID == "" {
		writeError(w, core.NewError(core.StatusInvalidArgument, "traceId is required"))
		return
	}
	if err := s.store.Save(r.Context(), &t); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Load(r.Context(), r.PathValue("traceId"))
	if errors.Is(err, ErrTraceNotFound) {
		writeError(w, core.NewError(core.StatusNotFound, "trace %s not found", r.PathValue("traceId")))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := Query{
		ContinuationToken: r.URL.Query().Get("continuationToken"),
		Filter:            r.URL.Query().Get("filter"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, core.NewError(core.StatusInvalidArgument, "invalid limit %q", v))
			return
		}
		q.Limit = n
	}
	res, err := s.store.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	st := core.StatusOf(err)
	writeJSON(w, st.HTTPCode(), map[string]any{
		"error": map[string]any{"code": st, "message": err.Error()},
	})
}
