package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"levergame/internal/game"
)

type sessionView struct {
	game.Session
	RevealedCandles []game.Candle `json:"revealed_candles"`
	RemainingDays   int           `json:"remaining_days"`
}

func viewOf(s game.Session) sessionView {
	revealed := s.Revealed()
	if revealed == nil {
		revealed = []game.Candle{}
	}
	return sessionView{Session: s, RevealedCandles: revealed, RemainingDays: s.MaxCandles - s.CandleIndex}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		ReferralCode string `json:"referral_code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	sess, err := s.auth.SignUp(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusBadRequest, "signup_failed", err.Error())
		return
	}
	out := map[string]any{"session": sess}
	if sess.User.ID != "" {
		if _, err := s.svc.Tokens.GetOrInitAccount(r.Context(), sess.User.ID); err != nil {
			s.fail(w, r, err)
			return
		}
		// a bad referral code never undoes the signup; the outcome is reported alongside
		if code := strings.TrimSpace(in.ReferralCode); code != "" {
			ref, err := s.svc.Referrals.ProcessSignup(r.Context(), sess.User.ID, code)
			if err != nil {
				_, errCode := domainStatus(err)
				out["referral_error"] = errCode
				s.log.Info("signup referral rejected", "user_id", sess.User.ID, "code", errCode)
			} else {
				out["referral"] = ref
			}
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	sess, err := s.auth.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if _, err := s.svc.Tokens.GetOrInitAccount(r.Context(), sess.User.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	sess, err := s.auth.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGameStart(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		Symbol string `json:"symbol"`
	}
	if err := decodeOptionalJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := s.svc.Sessions.StartNewGame(r.Context(), user.UserID, in.Symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"session": viewOf(res.Session), "resumed": res.Resumed})
}

func (s *Server) handleGameRestart(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		Symbol string `json:"symbol"`
	}
	if err := decodeOptionalJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	sess, acc, err := s.svc.Sessions.RestartGame(r.Context(), user.UserID, in.Symbol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": viewOf(sess), "tokens": acc})
}

func (s *Server) handleGameList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	list, err := s.svc.Sessions.ListSessions(r.Context(), user.UserID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(list))
	for _, sess := range list {
		views = append(views, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleGameGet(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sess, err := s.svc.Sessions.GetSession(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleGamePosition(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		Side               string  `json:"side"`
		Leverage           int     `json:"leverage"`
		PositionPercentage int     `json:"position_percentage"`
		EntryPrice         float64 `json:"entry_price"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	sess, err := s.svc.Sessions.EnterPosition(r.Context(), user.UserID, chi.URLParam(r, "id"), in.Side, in.Leverage, in.PositionPercentage, in.EntryPrice)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleGameNextDay(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		CurrentCandleIndex *int    `json:"current_candle_index"`
		Price              float64 `json:"price"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	if in.CurrentCandleIndex == nil {
		writeDomainError(w, fmt.Errorf("%w: current_candle_index is required", game.ErrInvalidInput))
		return
	}
	res, err := s.svc.Sessions.RevealNextDay(r.Context(), user.UserID, chi.URLParam(r, "id"), *in.CurrentCandleIndex, in.Price)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": viewOf(res.Session), "liquidated": res.Liquidated, "price": res.Price})
}

func (s *Server) handleGameClose(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		ExitPrice float64 `json:"exit_price"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := s.svc.Sessions.ClosePosition(r.Context(), user.UserID, chi.URLParam(r, "id"), in.ExitPrice)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closeView{Session: viewOf(res.Session), Settled: res.Settled.StringFixed(2), Balance: res.Balance.StringFixed(2)})
}

type closeView struct {
	Session sessionView `json:"session"`
	Settled string      `json:"settled"`
	Balance string      `json:"balance"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	historyLimit, err := queryInt(r, "history", 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	acc, err := s.svc.Tokens.GetOrInitAccount(r.Context(), user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := map[string]any{"account": acc}
	if historyLimit > 0 {
		history, err := s.svc.Tokens.History(r.Context(), user.UserID, historyLimit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if history == nil {
			history = []game.LedgerEntry{}
		}
		out["history"] = history
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReferralCode(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rc, err := s.svc.Referrals.GenerateCode(r.Context(), user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleReferralValidate(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Referrals.ValidateCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReferralProcess(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeDomainError(w, err)
		return
	}
	ref, err := s.svc.Referrals.ProcessSignup(r.Context(), user.UserID, in.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"referral": ref, "reward_tokens": game.ReferralBonus})
}

func (s *Server) handleReferralStats(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stats, err := s.svc.Referrals.GetReferralStats(r.Context(), user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDailyReset(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid cron secret")
		return
	}
	now := s.now()
	res, err := s.svc.Reset.Tick(r.Context(), now)
	if err != nil {
		s.log.Error("daily reset trigger failed", "err", err, "processed", res.Processed, "failed", res.Failed)
		writeError(w, http.StatusInternalServerError, "internal", fmt.Sprintf("daily reset finished with %d failures", res.Failed))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "timestamp": now.UTC()})
}
