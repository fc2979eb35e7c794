package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/auth"
	"github.com/mfactory-lab/multisig/pkg/journal"
	"github.com/mfactory-lab/multisig/pkg/multisig"
)

const maxBodyBytes = 1 << 20

// CreateIdentityRequest is the body of POST /v1/identities. Exactly one
// of Base and Label must be set; a label is normalized and hashed into a
// 32-byte base.
type CreateIdentityRequest struct {
	Base      []byte            `json:"base,omitempty"`
	Label     string            `json:"label,omitempty"`
	Owners    []address.Address `json:"owners"`
	Threshold uint32            `json:"threshold"`
}

// ProposeRequest is the body of POST /v1/identities/{identity}/actions.
type ProposeRequest struct {
	Instructions []multisig.Instruction `json:"instructions"`
}

// Server routes HTTP requests to an engine.
type Server struct {
	engine  *multisig.Engine
	keys    *auth.Keys
	journal *journal.Journal
	limiter *RateLimiter
	logger  *slog.Logger
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithJournal serves journal entries under /v1/identities/{identity}/events.
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithRateLimiter installs a per-caller rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for engine. Requests are authenticated with
// keys.
func NewServer(engine *multisig.Engine, keys *auth.Keys, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		keys:   keys,
		logger: slog.Default().With("component", "api"),
		mux:    http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/programs", s.handlePrograms)
	s.mux.HandleFunc("POST /v1/identities", s.handleCreateIdentity)
	s.mux.HandleFunc("GET /v1/identities/{identity}", s.handleIdentity)
	s.mux.HandleFunc("GET /v1/identities/{identity}/actions", s.handleActions)
	s.mux.HandleFunc("POST /v1/identities/{identity}/actions", s.handlePropose)
	s.mux.HandleFunc("GET /v1/identities/{identity}/actions/{index}", s.handleAction)
	s.mux.HandleFunc("DELETE /v1/identities/{identity}/actions/{index}", s.handleClose)
	s.mux.HandleFunc("POST /v1/identities/{identity}/actions/{index}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /v1/identities/{identity}/actions/{index}/execute", s.handleExecute)
	s.mux.HandleFunc("GET /v1/identities/{identity}/events", s.handleEvents)
	return s
}

// Handler returns the routes wrapped in request id, auth and rate limit
// middleware. The limiter sits on both sides of auth: per caller inside,
// per IP for failed authentication outside.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AuthMiddleware(s.keys)(h)
	if s.limiter != nil {
		h = s.limiter.AuthFailures(h)
	}
	h = s.logRequests(h)
	return RequestIDMiddleware(h)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", RequestID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePrograms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Registry().Programs())
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req CreateIdentityRequest
	if !decode(w, r, &req) {
		return
	}
	base := req.Base
	if req.Label != "" {
		if len(req.Base) > 0 {
			WriteBadRequest(w, r, "base and label are mutually exclusive")
			return
		}
		base = address.BaseFromLabel(req.Label)
	}

	id, err := s.engine.CreateIdentity(r.Context(), multisig.CreateIdentityRequest{
		Base:      base,
		Owners:    req.Owners,
		Threshold: req.Threshold,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, id)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	identity, ok := pathAddress(w, r)
	if !ok {
		return
	}
	id, err := s.engine.Identity(r.Context(), identity)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	identity, ok := pathAddress(w, r)
	if !ok {
		return
	}
	actions, err := s.engine.Actions(r.Context(), identity)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	identity, ok := pathAddress(w, r)
	if !ok {
		return
	}
	var req ProposeRequest
	if !decode(w, r, &req) {
		return
	}
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	a, err := s.engine.Propose(r.Context(), identity, caller, req.Instructions)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	identity, index, ok := pathAction(w, r)
	if !ok {
		return
	}
	a, err := s.engine.ActionAt(r.Context(), identity, index)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.callerAction(w, r, s.engine.Approve)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.callerAction(w, r, s.engine.Execute)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	identity, index, ok := pathAction(w, r)
	if !ok {
		return
	}
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	if err := s.engine.CloseAction(r.Context(), identity, index, caller); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type actionOp func(ctx context.Context, identity address.Address, index uint32, caller address.Address) (*multisig.Action, error)

// callerAction runs op on the action named by the path as the caller.
func (s *Server) callerAction(w http.ResponseWriter, r *http.Request, op actionOp) {
	identity, index, ok := pathAction(w, r)
	if !ok {
		return
	}
	caller, err := auth.CallerFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return
	}
	a, err := op(r.Context(), identity, index, caller)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	identity, ok := pathAddress(w, r)
	if !ok {
		return
	}
	if s.journal == nil {
		WriteNotFound(w, r, "event journal not enabled")
		return
	}
	f := journal.Filter{Identity: identity}
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "after must be a sequence number")
			return
		}
		f.After = after
	}
	if v := r.URL.Query().Get("type"); v != "" {
		f.Type = multisig.EventType(v)
	}
	writeJSON(w, http.StatusOK, s.journal.Query(f))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteBadRequest(w, r, fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
			return false
		}
		WriteBadRequest(w, r, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (address.Address, bool) {
	a, err := address.Parse(r.PathValue("identity"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return address.Zero, false
	}
	return a, true
}

func pathAction(w http.ResponseWriter, r *http.Request) (address.Address, uint32, bool) {
	identity, ok := pathAddress(w, r)
	if !ok {
		return address.Zero, 0, false
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 32)
	if err != nil {
		WriteBadRequest(w, r, "index must be an unsigned 32-bit integer")
		return address.Zero, 0, false
	}
	return identity, uint32(index), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
