package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"levergame/internal/auth"
	"levergame/internal/config"
	"levergame/internal/game"
	"levergame/internal/ledger"
	"levergame/internal/ratelimit"
	"levergame/internal/referral"
	"levergame/internal/reset"
	"levergame/internal/session"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID string
	Email  string
	Token  string
}

type Services struct {
	Sessions  *session.Manager
	Tokens    *ledger.Service
	Referrals *referral.Service
	Reset     *reset.Scheduler
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	auth    auth.Authenticator
	limiter *ratelimit.Limiter
	svc     Services
	mux     *chi.Mux
	now     func() time.Time
}

func New(cfg config.APIConfig, logger *slog.Logger, authn auth.Authenticator, limiter *ratelimit.Limiter, svc Services) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		auth:    authn,
		limiter: limiter,
		svc:     svc,
		mux:     chi.NewRouter(),
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Get("/referrals/validate/{code}", s.handleReferralValidate)
		r.Post("/admin/daily-reset", s.handleDailyReset)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.rateLimitMiddleware)

			r.Post("/games", s.handleGameStart)
			r.Post("/games/restart", s.handleGameRestart)
			r.Get("/games", s.handleGameList)
			r.Get("/games/{id}", s.handleGameGet)
			r.Post("/games/{id}/position", s.handleGamePosition)
			r.Post("/games/{id}/next-day", s.handleGameNextDay)
			r.Post("/games/{id}/close", s.handleGameClose)

			r.Get("/tokens", s.handleTokens)

			r.Get("/referrals/code", s.handleReferralCode)
			r.Post("/referrals", s.handleReferralProcess)
			r.Get("/referrals/stats", s.handleReferralStats)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", fmt.Sprintf("invalid token: %v", err))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID: user.ID,
			Email:  user.Email,
			Token:  token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware fails open when the limiter backend is unreachable.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := userFromContext(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		ok, retryAfter, err := s.limiter.Allow(r.Context(), user.UserID)
		if err != nil {
			s.log.Warn("rate limiter unavailable", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeDomainError(w, game.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, fmt.Errorf("%w: missing auth context", game.ErrUnauthorized)
	}
	return user, nil
}

func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get("X-Cron-Secret"))
	if got == "" {
		got = bearerToken(r.Header.Get("Authorization"))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.CronSecret)) == 1
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// domainStatus maps core errors onto HTTP statuses and stable error codes.
func domainStatus(err error) (int, string) {
	switch {
	case errors.Is(err, game.ErrInvalidInput), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, game.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, game.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, game.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, game.ErrInsufficientTokens):
		return http.StatusBadRequest, "insufficient_tokens"
	case errors.Is(err, game.ErrInsufficientHolding):
		return http.StatusBadRequest, "insufficient_holding"
	case errors.Is(err, game.ErrSelfReferral):
		return http.StatusBadRequest, "self_referral"
	case errors.Is(err, game.ErrAlreadyReferred):
		return http.StatusBadRequest, "already_referred"
	case errors.Is(err, game.ErrLimitExceeded):
		return http.StatusTooManyRequests, "limit_exceeded"
	case errors.Is(err, game.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, game.ErrTxConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := domainStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

// fail logs unexpected errors before writing the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := domainStatus(err); status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeDomainError(w, err)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", game.ErrInvalidInput, err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", game.ErrInvalidInput, err)
	}
	return nil
}

// writeJSON encodes before writing the header so an unencodable payload turns
// into a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	raw, err := json.Marshal(envelope{Success: status < 400, Data: payload})
	if err != nil {
		slog.Default().Error("encode response", "status", status, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}
	writeBody(w, status, raw)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	raw, err := json.Marshal(envelope{Success: false, Error: strings.TrimSpace(message), Code: code})
	if err != nil {
		slog.Default().Error("encode error response", "status", status, "err", err)
		raw = []byte(`{"success":false,"error":"internal server error","code":"internal"}`)
	}
	writeBody(w, status, raw)
}

func writeBody(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(raw, '\n')); err != nil {
		slog.Default().Warn("write response", "status", status, "err", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", game.ErrInvalidInput, key)
	}
	return n, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
