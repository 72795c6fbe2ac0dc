package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies an external OAuth identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderYandex Provider = "yandex"
	// Future providers can be added here
)

// TokenType distinguishes the two bearer token flavours minted by the codec.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Principal is an authenticated identity. PasswordHash is nil for
// OAuth-only identities. Principals are never physically deleted;
// DeletedAt tombstones them while preserving foreign-key history.
type Principal struct {
	ID           uuid.UUID
	Email        string // stored lowercased, looked up case-insensitively
	PasswordHash *string
	IsActive     bool
	IsSuperuser  bool
	Locale       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// HasPassword reports whether the principal can authenticate with a password.
func (p *Principal) HasPassword() bool {
	return p.PasswordHash != nil && *p.PasswordHash != ""
}

// NormalizeEmail canonicalizes an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Session is one row per authenticated device. TokenID is the current
// refresh-token jti; rotation replaces it in place on the same row.
// A deactivated row is kept until cleanup so that replay of its jti is
// reported as revoked rather than unknown.
type Session struct {
	ID          uuid.UUID
	PrincipalID uuid.UUID
	TokenID     string // jti of the current refresh token, unique
	DeviceName  string
	UserAgent   string
	IPAddress   string
	IsActive    bool
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   time.Time
}

// DeviceInfo is the client metadata recorded on a session at login.
type DeviceInfo struct {
	DeviceName string
	UserAgent  string
	IPAddress  string
}

// OAuthAccount links a principal to an external identity, unique on
// (provider, provider_user_id). Provider tokens are stored AES-GCM
// encrypted.
type OAuthAccount struct {
	ID             uuid.UUID
	PrincipalID    uuid.UUID
	Provider       Provider
	ProviderUserID string
	AccessToken    string // encrypted
	RefreshToken   string // encrypted
	TokenExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OAuthState is a short-lived CSRF/PKCE record for the redirect flow.
// Single use: consumption deletes the row in the same operation that
// reads it.
type OAuthState struct {
	State              string
	Provider           Provider
	RedirectURI        string
	CodeVerifier       string
	Nonce              string
	LinkingPrincipalID *uuid.UUID
	ExpiresAt          time.Time
	CreatedAt          time.Time
}

// OAuthClient is a relying party registered with the authorization server.
type OAuthClient struct {
	ID               uuid.UUID
	ClientID         string
	ClientSecretHash *string // nil for public clients
	Name             string
	RedirectURIs     []string
	Scopes           []string
	IsActive         bool
	OwnerID          *uuid.UUID
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AllowsRedirectURI reports whether uri is in the client's allow-list.
func (c *OAuthClient) AllowsRedirectURI(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is registered for the
// client.
func (c *OAuthClient) AllowsScopes(requested []string) bool {
	for _, s := range requested {
		found := false
		for _, allowed := range c.Scopes {
			if allowed == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// OAuthAuthorizationCode is a one-time authorization code. Used flips
// false→true exactly once via a conditional update at the store layer.
type OAuthAuthorizationCode struct {
	Code                string
	ClientID            uuid.UUID
	PrincipalID         uuid.UUID
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Used                bool
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// OAuthProviderRefreshToken is a refresh token issued to a registered
// client, stored as a one-way hash. Rotation inserts a new row and marks
// the old one revoked, never mutating the token value in place.
type OAuthProviderRefreshToken struct {
	ID          uuid.UUID
	TokenHash   string // SHA-256, hex
	TokenID     string // jti, unique
	ClientID    uuid.UUID
	PrincipalID uuid.UUID
	Scopes      []string
	Revoked     bool
	ExpiresAt   time.Time
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// OAuthConsent records the union of scopes a principal has ever granted a
// client. Re-consent merges, never replaces.
type OAuthConsent struct {
	PrincipalID uuid.UUID
	ClientID    uuid.UUID
	Scopes      []string
	GrantedAt   time.Time
	UpdatedAt   time.Time
}

// MergeScopes returns the set union of two scope lists, preserving the
// order of first appearance.
func MergeScopes(existing, granted []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(granted))
	merged := make([]string, 0, len(existing)+len(granted))
	for _, s := range existing {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	for _, s := range granted {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	return merged
}

// SplitScopes parses a space-separated scope string per RFC 6749 §3.3.
func SplitScopes(scope string) []string {
	return strings.Fields(scope)
}

// JoinScopes renders a scope list as a space-separated string.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
