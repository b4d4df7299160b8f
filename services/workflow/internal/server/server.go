package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"battledecks/internal/ratelimit"
	"battledecks/internal/servicetoken"
	"battledecks/internal/util"
	"battledecks/services/workflow/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App          *app.App
	SharedSecret string
	// Limiter is optional; nil disables per-client rate limiting.
	Limiter           *ratelimit.FixedWindowLimiter
	LimitWindow       time.Duration
	TrustForwardedFor bool
}

// Server exposes the workflow entry point and run inspection endpoints.
type Server struct {
	app               *app.App
	auth              *servicetoken.Verifier
	limiter           *ratelimit.FixedWindowLimiter
	retryAfter        time.Duration
	trustForwardedFor bool
	mux               *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	verifier, err := servicetoken.NewVerifier(cfg.SharedSecret)
	if err != nil {
		return nil, err
	}
	retryAfter := cfg.LimitWindow
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	s := &Server{
		app:               cfg.App,
		auth:              verifier,
		limiter:           cfg.Limiter,
		retryAfter:        retryAfter,
		trustForwardedFor: cfg.TrustForwardedFor,
		mux:               http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("workflow", util.WithSecurityHeaders(s.trustForwardedFor, s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/", s.withAuth(s.handleRoot))
	s.mux.Handle("/workflow", s.withAuth(s.handleWorkflow))
	s.mux.Handle("/runs/", s.withAuth(s.handleRunByID))
	s.mux.Handle("/decks/", s.withAuth(s.handleDeck))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withAuth checks the method before the shared secret; the limit applies last.
func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowedMethod(r) {
			methodNotAllowed(w)
			return
		}
		if err := s.auth.VerifyRequest(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if s.limiter != nil && !s.limiter.Allow(r.Context(), util.ClientIP(r, s.trustForwardedFor)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	})
}

func allowedMethod(r *http.Request) bool {
	switch {
	case r.URL.Path == "/" || r.URL.Path == "/workflow":
		return r.Method == http.MethodPost
	case strings.HasSuffix(r.URL.Path, "/acknowledge"):
		return r.Method == http.MethodPost
	default:
		return r.Method == http.MethodGet
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.handleWorkflow(w, r)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	var req app.WorkflowRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := s.app.Workflow(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	run, err := s.app.GetRun(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleDeck serves /decks/{id}/runs and /decks/{id}/acknowledge.
func (s *Server) handleDeck(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/decks/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	deckID := parts[0]
	switch parts[1] {
	case "runs":
		runs, err := s.app.ListRuns(r.Context(), deckID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	case "acknowledge":
		ok, err := s.app.AcknowledgeDeck(r.Context(), deckID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, "deck is not completed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	default:
		http.NotFound(w, r)
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrRunNotFound), errors.Is(err, app.ErrDeckNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("workflow_request_failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
