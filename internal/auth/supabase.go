package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Authenticator signs users up and in, and maps bearer tokens to users.
type Authenticator interface {
	SignUp(ctx context.Context, email, password string) (Session, error)
	Login(ctx context.Context, email, password string) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	VerifyAccessToken(ctx context.Context, accessToken string) (User, error)
}

var ErrInvalidCredentials = errors.New("invalid credentials")

// SupabaseClient talks to the GoTrue endpoints of a Supabase project.
type SupabaseClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	User         User   `json:"user"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// signUpResponse covers both shapes GoTrue returns: a full session, or just
// the user while email confirmation is pending.
type signUpResponse struct {
	Session
	ID    string `json:"id"`
	Email string `json:"email"`
}

type gotrueError struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func (e gotrueError) text() string {
	for _, s := range []string{e.Msg, e.Message, e.ErrorDescription, e.ErrorCode} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func NewSupabaseClient(baseURL, anonKey string) *SupabaseClient {
	return &SupabaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *SupabaseClient) SignUp(ctx context.Context, email, password string) (Session, error) {
	if err := checkCredentials(email, password); err != nil {
		return Session{}, err
	}
	var out signUpResponse
	err := c.call(ctx, http.MethodPost, "/auth/v1/signup", "", credentials{Email: email, Password: password}, &out)
	if err != nil {
		return Session{}, credentialError("signup", err)
	}
	sess := out.Session
	if sess.User.ID == "" {
		sess.User = User{ID: out.ID, Email: out.Email}
	}
	return sess, nil
}

func (c *SupabaseClient) Login(ctx context.Context, email, password string) (Session, error) {
	if err := checkCredentials(email, password); err != nil {
		return Session{}, err
	}
	var out Session
	err := c.call(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", credentials{Email: email, Password: password}, &out)
	if err != nil {
		return Session{}, credentialError("login", err)
	}
	return out, nil
}

// Refresh trades a refresh token for a new session.
func (c *SupabaseClient) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Session{}, fmt.Errorf("%w: refresh token is required", ErrInvalidCredentials)
	}
	var out Session
	err := c.call(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", map[string]string{"refresh_token": refreshToken}, &out)
	if err != nil {
		return Session{}, credentialError("refresh", err)
	}
	return out, nil
}

func (c *SupabaseClient) VerifyAccessToken(ctx context.Context, accessToken string) (User, error) {
	var user User
	if err := c.call(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &user); err != nil {
		return User{}, fmt.Errorf("verify token: %w", err)
	}
	if user.ID == "" {
		return User{}, fmt.Errorf("verify token: empty user id")
	}
	return user, nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase status %d: %s", e.status, e.msg)
}

// credentialError marks 4xx answers to credential requests as bad credentials.
func credentialError(op string, err error) error {
	var se *statusError
	if errors.As(err, &se) && se.status >= 400 && se.status < 500 {
		return fmt.Errorf("%s: %w: %s", op, ErrInvalidCredentials, se.msg)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *SupabaseClient) call(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(raw))
		var ge gotrueError
		if json.Unmarshal(raw, &ge) == nil && ge.text() != "" {
			msg = ge.text()
		}
		return &statusError{status: resp.StatusCode, msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkCredentials(email, password string) error {
	if !strings.Contains(email, "@") || len(password) < 6 {
		return fmt.Errorf("%w: email and a password of at least 6 characters are required", ErrInvalidCredentials)
	}
	return nil
}
