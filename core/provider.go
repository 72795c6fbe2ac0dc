package core

import (
	"context"
	"errors"
)

var (
	ErrProviderTokenExchange = errors.New("provider token exchange failed")
	ErrProviderUserInfo      = errors.New("provider user info request failed")
	ErrProviderRefreshToken  = errors.New("provider token refresh failed")
)

// OAuthTokens represents the tokens returned by an OAuth provider
type OAuthTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// UserInfo represents user information returned by an OAuth provider
type UserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
}

// AuthRequest carries the parameters for building a provider's
// authorization redirect.
type AuthRequest struct {
	State         string
	RedirectURI   string
	CodeChallenge string // S256, empty when the provider flow skips PKCE
	Nonce         string
}

type AuthProvider interface {
	// AuthorizationURL builds the provider's consent-screen redirect.
	AuthorizationURL(req AuthRequest) string

	// ExchangeCode redeems an authorization code. redirectURI must match
	// the one sent in the authorization request.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*OAuthTokens, error)

	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	RefreshAccessToken(ctx context.Context, refreshToken string) (*OAuthTokens, error)

	Provider() Provider
}
