package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"levergame/internal/auth"
	"levergame/internal/game"
	"levergame/internal/referral"
	"levergame/internal/reset"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response. Code is the stable error code from the envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// SessionView is a game session as the API returns it.
type SessionView struct {
	game.Session
	RevealedCandles []game.Candle `json:"revealed_candles"`
	RemainingDays   int           `json:"remaining_days"`
}

type StartResponse struct {
	Session SessionView `json:"session"`
	Resumed bool        `json:"resumed"`
}

type RestartResponse struct {
	Session SessionView  `json:"session"`
	Tokens  game.Account `json:"tokens"`
}

type RevealResponse struct {
	Session    SessionView `json:"session"`
	Liquidated bool        `json:"liquidated"`
	Price      float64     `json:"price"`
}

type CloseResponse struct {
	Session SessionView `json:"session"`
	Settled string      `json:"settled"`
	Balance string      `json:"balance"`
}

type TokensResponse struct {
	Account game.Account       `json:"account"`
	History []game.LedgerEntry `json:"history"`
}

type SignupResponse struct {
	Session       auth.Session   `json:"session"`
	Referral      *game.Referral `json:"referral,omitempty"`
	ReferralError string         `json:"referral_error,omitempty"`
}

type ResetResponse struct {
	Result    reset.Result `json:"result"`
	Timestamp time.Time    `json:"timestamp"`
}

func (c *Client) Signup(ctx context.Context, email, password, referralCode string) (SignupResponse, error) {
	var out SignupResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":         email,
		"password":      password,
		"referral_code": referralCode,
	}, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": refreshToken,
	}, &out)
	return out, err
}

func (c *Client) StartGame(ctx context.Context, accessToken, symbol string) (StartResponse, error) {
	var out StartResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/games", accessToken, map[string]any{"symbol": symbol}, &out)
	return out, err
}

func (c *Client) RestartGame(ctx context.Context, accessToken, symbol string) (RestartResponse, error) {
	var out RestartResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/games/restart", accessToken, map[string]any{"symbol": symbol}, &out)
	return out, err
}

func (c *Client) ListGames(ctx context.Context, accessToken string, limit int) ([]SessionView, error) {
	var out struct {
		Sessions []SessionView `json:"sessions"`
	}
	path := "/v1/games"
	if limit > 0 {
		path = fmt.Sprintf("/v1/games?limit=%d", limit)
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out.Sessions, err
}

func (c *Client) GetGame(ctx context.Context, accessToken, sessionID string) (SessionView, error) {
	var out SessionView
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/games/"+url.PathEscape(sessionID), accessToken, nil, &out)
	return out, err
}

func (c *Client) EnterPosition(ctx context.Context, accessToken, sessionID, side string, leverage, positionPercent int, entryPrice float64) (SessionView, error) {
	var out SessionView
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/games/"+url.PathEscape(sessionID)+"/position", accessToken, map[string]any{
		"side":                side,
		"leverage":            leverage,
		"position_percentage": positionPercent,
		"entry_price":         entryPrice,
	}, &out)
	return out, err
}

func (c *Client) NextDay(ctx context.Context, accessToken, sessionID string, currentIndex int, price float64) (RevealResponse, error) {
	var out RevealResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/games/"+url.PathEscape(sessionID)+"/next-day", accessToken, map[string]any{
		"current_candle_index": currentIndex,
		"price":                price,
	}, &out)
	return out, err
}

func (c *Client) ClosePosition(ctx context.Context, accessToken, sessionID string, exitPrice float64) (CloseResponse, error) {
	var out CloseResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/games/"+url.PathEscape(sessionID)+"/close", accessToken, map[string]any{
		"exit_price": exitPrice,
	}, &out)
	return out, err
}

func (c *Client) Tokens(ctx context.Context, accessToken string, history int) (TokensResponse, error) {
	var out TokensResponse
	path := "/v1/tokens"
	if history > 0 {
		path = fmt.Sprintf("/v1/tokens?history=%d", history)
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out)
	return out, err
}

func (c *Client) ReferralCode(ctx context.Context, accessToken string) (game.ReferralCode, error) {
	var out game.ReferralCode
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/referrals/code", accessToken, nil, &out)
	return out, err
}

func (c *Client) ValidateReferral(ctx context.Context, code string) (referral.Validation, error) {
	var out referral.Validation
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/referrals/validate/"+url.PathEscape(code), "", nil, &out)
	return out, err
}

func (c *Client) ApplyReferral(ctx context.Context, accessToken, code string) (game.Referral, error) {
	var out struct {
		Referral game.Referral `json:"referral"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/referrals", accessToken, map[string]any{"code": code}, &out)
	return out.Referral, err
}

func (c *Client) ReferralStats(ctx context.Context, accessToken string) (game.ReferralStats, error) {
	var out game.ReferralStats
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/referrals/stats", accessToken, nil, &out)
	return out, err
}

// TriggerDailyReset calls the admin endpoint with the cron secret.
func (c *Client) TriggerDailyReset(ctx context.Context, cronSecret string) (ResetResponse, error) {
	var out ResetResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/daily-reset", cronSecret, nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
