package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PrincipalStore persists identities. Lookups exclude tombstoned rows.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p *Principal) error

	FindPrincipalByID(ctx context.Context, id uuid.UUID) (*Principal, error)

	// FindPrincipalByEmail matches case-insensitively.
	FindPrincipalByEmail(ctx context.Context, email string) (*Principal, error)

	UpdatePrincipalPassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	// SoftDeletePrincipal tombstones the row; it is never physically removed.
	SoftDeletePrincipal(ctx context.Context, id uuid.UUID) error
}

// SessionStore persists per-device sessions keyed by rotation jti.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error

	FindSessionByID(ctx context.Context, id uuid.UUID) (*Session, error)

	// FindSessionByTokenID returns the row for a jti whether or not it is
	// still active; callers distinguish revoked from unknown.
	FindSessionByTokenID(ctx context.Context, tokenID string) (*Session, error)

	ListSessions(ctx context.Context, principalID uuid.UUID) ([]*Session, error)

	// RotateSession atomically replaces the jti, expiry and last-used time
	// on the row currently holding oldTokenID, conditional on the row being
	// active. Returns ErrNotFound when no active row holds oldTokenID, which
	// is how the loser of a concurrent rotation race observes defeat.
	RotateSession(ctx context.Context, oldTokenID, newTokenID string, expiresAt, lastUsedAt time.Time) error

	// DeactivateSession flips is_active true→false; ErrNotFound if the row
	// is absent or already inactive.
	DeactivateSession(ctx context.Context, id uuid.UUID) error

	DeactivateAllSessions(ctx context.Context, principalID uuid.UUID) (int64, error)

	// DeleteExpiredSessions purges rows that are inactive, expired and past
	// the retention cutoff.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteExpiredSessionsForPrincipal purges one principal's rows that are
	// past their absolute expiry, active flag regardless.
	DeleteExpiredSessionsForPrincipal(ctx context.Context, principalID uuid.UUID) (int64, error)
}

// OAuthAccountStore persists provider↔principal links.
type OAuthAccountStore interface {
	// UpsertOAuthAccount inserts the link or refreshes its provider tokens,
	// keyed on (provider, provider_user_id).
	UpsertOAuthAccount(ctx context.Context, a *OAuthAccount) error

	FindOAuthAccount(ctx context.Context, provider Provider, providerUserID string) (*OAuthAccount, error)

	ListOAuthAccounts(ctx context.Context, principalID uuid.UUID) ([]*OAuthAccount, error)

	CountOAuthAccounts(ctx context.Context, principalID uuid.UUID) (int64, error)

	DeleteOAuthAccount(ctx context.Context, principalID uuid.UUID, provider Provider) error
}

// OAuthStateStore persists single-use CSRF/PKCE state records.
type OAuthStateStore interface {
	CreateOAuthState(ctx context.Context, s *OAuthState) error

	// ConsumeOAuthState deletes the row in the same operation that reads it.
	// A missing (or already consumed) state is ErrNotFound.
	ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error)

	DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int64, error)
}

// OAuthProviderStore persists the authorization-server entities: clients,
// one-time codes, hashed refresh tokens and consents.
type OAuthProviderStore interface {
	CreateOAuthClient(ctx context.Context, c *OAuthClient) error

	FindOAuthClientByClientID(ctx context.Context, clientID string) (*OAuthClient, error)

	CreateAuthorizationCode(ctx context.Context, c *OAuthAuthorizationCode) error

	// ConsumeAuthorizationCode flips used false→true as a single conditional
	// update and returns the row. Exactly one of N concurrent calls for the
	// same code succeeds; the rest get ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*OAuthAuthorizationCode, error)

	// FindAuthorizationCode reads without consuming, used to detect reuse
	// after a failed consume.
	FindAuthorizationCode(ctx context.Context, code string) (*OAuthAuthorizationCode, error)

	DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int64, error)

	CreateProviderRefreshToken(ctx context.Context, t *OAuthProviderRefreshToken) error

	FindProviderRefreshTokenByHash(ctx context.Context, tokenHash string) (*OAuthProviderRefreshToken, error)

	// RevokeProviderRefreshToken flips revoked false→true conditionally;
	// ErrNotFound when the row is absent or already revoked.
	RevokeProviderRefreshToken(ctx context.Context, tokenID string) error

	TouchProviderRefreshToken(ctx context.Context, tokenID string, usedAt time.Time) error

	// RevokeAllProviderRefreshTokens revokes every outstanding token for the
	// (principal, client) pair. Incident response for detected code reuse.
	RevokeAllProviderRefreshTokens(ctx context.Context, principalID, clientID uuid.UUID) (int64, error)

	// UpsertConsent merges scopes with any existing grant for the
	// (principal, client) pair; the stored set only ever grows.
	UpsertConsent(ctx context.Context, c *OAuthConsent) error

	FindConsent(ctx context.Context, principalID, clientID uuid.UUID) (*OAuthConsent, error)
}

// Repository is the full persistence surface; storage backends implement
// all of it, services depend on the slices they need.
type Repository interface {
	PrincipalStore
	SessionStore
	OAuthAccountStore
	OAuthStateStore
	OAuthProviderStore
}
