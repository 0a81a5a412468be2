package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raysh454/httpbridge/internal/engine"
	"github.com/raysh454/httpbridge/internal/ipc"
	"github.com/raysh454/httpbridge/internal/journal"
	"github.com/raysh454/httpbridge/internal/logging"
	"github.com/raysh454/httpbridge/internal/model"
	"github.com/raysh454/httpbridge/internal/scope"
)

// maxRequestBytes bounds a REST request body.
const maxRequestBytes = 64 << 20

// Server is the HTTP + WebSocket surface of an engine daemon.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	journal  *journal.Journal
	ipc      *ipc.Handler
	router   chi.Router
	registry *prometheus.Registry
	logger   logging.Logger
}

// NewServer creates the engine, the optional journal and the routes.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("server")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		jr   *journal.Journal
		opts = []engine.Option{engine.WithRegisterer(reg)}
	)
	if cfg.JournalPath != "" {
		path, err := expandPath(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("expanding journal path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			logger.Warn("creating journal directory", logging.Field{Key: "path", Value: path}, logging.Err(err))
		}
		jr, err = journal.Open(path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		opts = append(opts, engine.WithRecorder(jr))
	}

	eng, err := engine.New(cfg.Engine, logger, opts...)
	if err != nil {
		if jr != nil {
			jr.Close()
		}
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		engine:   eng,
		journal:  jr,
		ipc:      ipc.NewHandler(eng, logger),
		router:   chi.NewRouter(),
		registry: reg,
		logger:   logger.With(logging.Field{Key: "component", Value: "server"}),
	}
	s.routes()
	return s, nil
}

// Engine returns the in-process engine (tests, demo).
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Handle("/v1/ipc", s.ipc)

	r.Post("/v1/client/configure", s.handleConfigure)
	r.Post("/v1/requests", s.handleIssue)
	r.Post("/v1/requests/{rid}/cancel", s.handleCancel)
	r.Post("/v1/requests/{rid}/send", s.handleSend)
	r.Get("/v1/bodies/{rid}", s.handleReadBody)
	r.Get("/v1/journal", s.handleJournal)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("http_request",
		logging.Field{Key: "method", Value: r.Method},
		logging.Field{Key: "path", Value: r.URL.Path})
	s.router.ServeHTTP(w, r)
}

// CloseConnections drops open IPC connections. http.Server.Shutdown does
// not track them once upgraded.
func (s *Server) CloseConnections() error {
	return s.ipc.Close()
}

// Close shuts down IPC connections, the engine and the journal.
func (s *Server) Close() error {
	var result *multierror.Error
	if err := s.ipc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing ipc connections: %w", err))
	}
	if err := s.engine.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing engine: %w", err))
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing journal: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // send and body reads wait on upstreams
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeEngineError maps an engine error to a status and keeps its message.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadySent):
		return http.StatusConflict
	case errors.Is(err, scope.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, engine.ErrUnsupportedScheme):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusBadGateway
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func handleParam(w http.ResponseWriter, r *http.Request) (model.Handle, bool) {
	raw := chi.URLParam(r, "rid")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid resource id %q", raw))
		return 0, false
	}
	return model.Handle(n), true
}

// --- HTTP handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", LiveHandles: s.engine.LiveHandles()})
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var opts model.ClientOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	if err := s.engine.Configure(r.Context(), opts); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req model.IssueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rid, err := s.engine.Issue(r.Context(), &req)
	if err != nil {
		s.logger.Debug("issue rejected", logging.Field{Key: "url", Value: req.URL}, logging.Err(err))
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, IssueResponse{RID: rid})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rid, ok := handleParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(r.Context(), rid); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	rid, ok := handleParam(w, r)
	if !ok {
		return
	}
	resp, err := s.engine.Send(r.Context(), rid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadBody(w http.ResponseWriter, r *http.Request) {
	rid, ok := handleParam(w, r)
	if !ok {
		return
	}
	data, err := s.engine.ReadBody(r.Context(), rid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := journal.DefaultListLimit
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if v, err := strconv.Atoi(ls); err == nil && v > 0 {
			limit = v
		}
	}
	entries, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Warn("listing journal", logging.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func expandPath(p string) (string, error) {
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}
