package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DevAuthenticator trusts the bearer token as the user id. It is for local
// runs against the memory store only.
type DevAuthenticator struct{}

func (DevAuthenticator) SignUp(ctx context.Context, email, password string) (Session, error) {
	return DevAuthenticator{}.Login(ctx, email, password)
}

func (DevAuthenticator) Login(_ context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := checkCredentials(email, password); err != nil {
		return Session{}, err
	}
	sum := sha256.Sum256([]byte(email))
	id := "dev-" + hex.EncodeToString(sum[:8])
	return Session{
		AccessToken:  id,
		RefreshToken: id,
		TokenType:    "bearer",
		ExpiresIn:    3600,
		User:         User{ID: id, Email: email},
	}, nil
}

func (DevAuthenticator) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	user, err := DevAuthenticator{}.VerifyAccessToken(ctx, refreshToken)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return Session{AccessToken: user.ID, RefreshToken: user.ID, TokenType: "bearer", ExpiresIn: 3600, User: user}, nil
}

func (DevAuthenticator) VerifyAccessToken(_ context.Context, accessToken string) (User, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" || len(accessToken) > 128 {
		return User{}, fmt.Errorf("verify token: malformed dev token")
	}
	return User{ID: accessToken}, nil
}
