// Package server exposes the harness over HTTP: a run endpoint, health and
// metrics probes, and a live trace stream for debugging sessions.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gambitlabs/gambit/internal/engine"
	"github.com/gambitlabs/gambit/internal/protocol"
)

// Server wires the engine to its HTTP surface.
type Server struct {
	engine   *engine.Engine
	registry *prometheus.Registry
	hub      *TraceHub
	log      *slog.Logger
}

// New creates a Server. The hub must be the same one installed as the
// engine's trace sink, otherwise /traces streams nothing.
func New(eng *engine.Engine, registry *prometheus.Registry, hub *TraceHub, log *slog.Logger) *Server {
	return &Server{engine: eng, registry: registry, hub: hub, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Post("/runs", s.handleRun)
	r.Get("/traces", s.handleTraces)

	return r
}

// runRequest is the body of POST /runs.
type runRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Deck      string `json:"deck"`
	Input     string `json:"input"`
}

// runResponse is the body of a successful run.
type runResponse struct {
	RunID  string         `json:"runId"`
	Result *engine.Result `json:"result"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, protocol.NewValidationError("bad_request", "decode run request: %v", err))
		return
	}
	if req.Deck == "" {
		s.writeError(w, http.StatusBadRequest, protocol.NewValidationError("bad_request", "deck is required"))
		return
	}

	out, err := s.engine.Run(r.Context(), engine.RunOptions{
		SessionID: req.SessionID,
		Deck:      req.Deck,
		Input:     req.Input,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(runResponse{RunID: out.RunID, Result: out.Result}); err != nil {
		s.log.Warn("encode run response", "err", err)
	}
}

// handleTraces streams trace events as server-sent events. An optional
// ?run=<id> query filters to one run.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	runFilter := r.URL.Query().Get("run")
	events, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if runFilter != "" && ev.RunID != runFilter {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]any{"error": err.Error()}
	var herr *protocol.HarnessError
	if errors.As(err, &herr) {
		body["kind"] = herr.Kind.String()
		body["code"] = herr.Code
	}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		s.log.Warn("encode error response", "err", encErr)
	}
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	kind, ok := protocol.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case protocol.ErrKindConfig, protocol.ErrKindValidation:
		return http.StatusBadRequest
	case protocol.ErrKindCancelled:
		return 499 // client closed request
	case protocol.ErrKindGuardrail:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
