// Package httpserver exposes the token ledger over REST. The user-facing
// routes live under /v1, administrative overrides under /admin. Identity is
// injected as the user key path segment; authentication happens upstream.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fairybook/tokenledger/internal/audit"
	"github.com/fairybook/tokenledger/internal/health"
	"github.com/fairybook/tokenledger/internal/tokens"
	"github.com/fairybook/tokenledger/internal/version"
)

// Server routes HTTP requests to the token service.
type Server struct {
	svc     *tokens.Service
	audit   audit.Store
	checker *health.Checker
	logger  *log.Logger
}

// New builds a Server. The audit store and health checker are optional;
// without an audit store the audit endpoint reports 404, and without a
// checker /health reports a plain ok.
func New(svc *tokens.Service, auditStore audit.Store, checker *health.Checker, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[httpserver] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{svc: svc, audit: auditStore, checker: checker, logger: logger}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1/tokens/{userKey}", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/consume", s.handleConsume)
	})

	r.Route("/admin/tokens/{userKey}", func(r chi.Router) {
		r.Post("/", s.handleSet)
		r.Post("/topup", s.handleTopUp)
		r.Post("/refill", s.handleRefill)
		r.Get("/audit", s.handleAudit)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Info()})
		return
	}
	report := s.checker.Check(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]any{
		"status":     report.Status,
		"version":    version.Info(),
		"timestamp":  report.Timestamp,
		"components": report.Components,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Status(r.Context(), chi.URLParam(r, "userKey"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if status == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]any{"error": "no token record"})
		return
	}
	s.respondJSON(w, http.StatusOK, status.Transport())
}

type syncRequest struct {
	Now string `json:"now,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(req.Now)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.svc.SyncOnLogin(r.Context(), chi.URLParam(r, "userKey"), now)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":      res.Status.Transport(),
		"initialized": res.Initialized,
		"refilled_by": res.RefilledBy,
	})
}

type consumeRequest struct {
	Signature string `json:"signature,omitempty"`
	Now       string `json:"now,omitempty"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(req.Now)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.svc.Consume(r.Context(), chi.URLParam(r, "userKey"), req.Signature, now)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	payload := map[string]any{
		"consumed": res.Consumed,
		"status":   res.Status.Transport(),
	}
	if res.Signature != "" {
		payload["signature"] = res.Signature
	}
	s.respondJSON(w, http.StatusOK, payload)
}

type setRequest struct {
	Tokens  int    `json:"tokens"`
	AutoCap *int   `json:"auto_cap,omitempty"`
	Now     string `json:"now,omitempty"`
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(req.Now)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.svc.SetTokens(r.Context(), chi.URLParam(r, "userKey"), req.Tokens, req.AutoCap, now)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status.Transport())
}

type topUpRequest struct {
	Amount         int    `json:"amount"`
	AllowExceedCap bool   `json:"allow_exceed_cap,omitempty"`
	Now            string `json:"now,omitempty"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(req.Now)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.svc.TopUp(r.Context(), chi.URLParam(r, "userKey"), req.Amount, req.AllowExceedCap, now)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status.Transport())
}

func (s *Server) handleRefill(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	now, err := parseNow(req.Now)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	status, err := s.svc.RefillToCap(r.Context(), chi.URLParam(r, "userKey"), now)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status.Transport())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.respondError(w, http.StatusNotFound, errors.New("audit trail disabled"))
		return
	}
	userKey := chi.URLParam(r, "userKey")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	entries, err := s.audit.ListRecent(r.Context(), userKey, limit)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	summary, err := s.audit.Summary(r.Context(), userKey)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"summary": summary,
	})
}

// respondDomainError maps token service errors onto HTTP statuses: invalid
// argument 400, insufficient tokens 402, storage failure 503.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var insufficient *tokens.InsufficientTokensError
	var storeErr *tokens.StoreError
	switch {
	case errors.Is(err, tokens.ErrUserKeyRequired):
		s.respondError(w, http.StatusBadRequest, err)
	case errors.As(err, &insufficient):
		s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":            "no generation tokens available",
			"tokens_available": insufficient.Available,
		})
	case errors.As(err, &storeErr):
		s.logger.Printf("store failure: %v", err)
		s.respondError(w, http.StatusServiceUnavailable, errors.New("token store unavailable"))
	default:
		s.logger.Printf("unexpected error: %v", err)
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// decodeBody tolerates an empty body; every POST payload here is optional.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseNow(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		if parsed, err2 := time.Parse(time.RFC3339, raw); err2 == nil {
			return parsed.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("invalid now timestamp %q", raw)
	}
	return parsed.UTC(), nil
}
