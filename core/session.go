package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenPair is the credential pair returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	PrincipalID  uuid.UUID `json:"principal_id"`
}

// SessionManager owns the multi-device session lifecycle: login issues a
// token pair and a session row, refresh rotates the row's jti in place,
// logout and revocation deactivate rows, cleanup purges them.
type SessionManager struct {
	principals PrincipalStore
	sessions   SessionStore
	codec      *TokenCodec
	hasher     *PasswordHasher
	config     *Config
	logger     *zap.Logger
}

func NewSessionManager(principals PrincipalStore, sessions SessionStore, codec *TokenCodec, hasher *PasswordHasher, config *Config, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		principals: principals,
		sessions:   sessions,
		codec:      codec,
		hasher:     hasher,
		config:     config,
		logger:     logger,
	}
}

func (m *SessionManager) accessTTL() time.Duration {
	return time.Duration(m.config.JWT.AccessTokenDuration) * time.Second
}

func (m *SessionManager) refreshTTL() time.Duration {
	return time.Duration(m.config.JWT.RefreshTokenDuration) * time.Second
}

// Register creates a principal with a password credential.
func (m *SessionManager) Register(ctx context.Context, email, password, locale string) (*Principal, error) {
	hash, err := m.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	principal := &Principal{
		ID:           uuid.New(),
		Email:        NormalizeEmail(email),
		PasswordHash: &hash,
		IsActive:     true,
		Locale:       locale,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.principals.CreatePrincipal(ctx, principal); err != nil {
		return nil, err
	}

	return principal, nil
}

// Login verifies a password credential and opens a new device session.
// Unknown email and wrong password are indistinguishable to the caller:
// both cost one bcrypt comparison and both return ErrInvalidCredentials.
func (m *SessionManager) Login(ctx context.Context, email, password string, device DeviceInfo) (*TokenPair, error) {
	principal, err := m.principals.FindPrincipalByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.hasher.VerifyDummy(password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}

	if !principal.IsActive || principal.DeletedAt != nil || !principal.HasPassword() {
		m.hasher.VerifyDummy(password)
		return nil, ErrInvalidCredentials
	}

	if !m.hasher.Verify(password, *principal.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	pair, session, err := m.issuePair(principal.ID)
	if err != nil {
		return nil, err
	}
	session.DeviceName = device.DeviceName
	session.UserAgent = device.UserAgent
	session.IPAddress = device.IPAddress

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return pair, nil
}

// IssueTokens opens a session for an already-authenticated principal
// (OAuth callback login). The session row is best effort: a store failure
// is logged and swallowed so that bookkeeping never loses a login that
// the provider has already vouched for.
func (m *SessionManager) IssueTokens(ctx context.Context, principalID uuid.UUID, device DeviceInfo) (*TokenPair, error) {
	pair, session, err := m.issuePair(principalID)
	if err != nil {
		return nil, err
	}
	session.DeviceName = device.DeviceName
	session.UserAgent = device.UserAgent
	session.IPAddress = device.IPAddress

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		m.logger.Warn("failed to record session after oauth login",
			zap.String("principal_id", principalID.String()),
			zap.Error(err))
	}

	return pair, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the session's
// jti in place. Of N concurrent calls with the same token exactly one
// succeeds; the rest observe ErrSessionRevoked.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.codec.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	session, err := m.sessions.FindSessionByTokenID(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The signature was ours, so the jti existed once; it has been
			// rotated away or purged since.
			return nil, ErrSessionRevoked
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if !session.IsActive {
		return nil, ErrSessionRevoked
	}
	if session.PrincipalID != claims.Subject {
		return nil, ErrInvalidToken
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrExpiredToken
	}

	pair, rotated, err := m.issuePair(session.PrincipalID)
	if err != nil {
		return nil, err
	}

	// Single conditional update keyed on the old jti; the loser of a
	// concurrent rotation gets ErrNotFound here.
	if err := m.sessions.RotateSession(ctx, claims.TokenID, rotated.TokenID, rotated.ExpiresAt, time.Now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionRevoked
		}
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}

	return pair, nil
}

// Logout deactivates the session behind a refresh token. The caller must
// own the session; presenting someone else's token is ErrForbidden.
// Logging out an already-gone session succeeds.
func (m *SessionManager) Logout(ctx context.Context, callerID uuid.UUID, refreshToken string) error {
	claims, err := m.codec.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		return err
	}

	session, err := m.sessions.FindSessionByTokenID(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to find session: %w", err)
	}

	if session.PrincipalID != callerID {
		return ErrForbidden
	}

	if err := m.sessions.DeactivateSession(ctx, session.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

// RevokeSession deactivates a session by id on behalf of caller, who must
// be the owner or a superuser.
func (m *SessionManager) RevokeSession(ctx context.Context, caller *Principal, sessionID uuid.UUID) error {
	session, err := m.sessions.FindSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.PrincipalID != caller.ID && !caller.IsSuperuser {
		return ErrForbidden
	}

	return m.sessions.DeactivateSession(ctx, session.ID)
}

// LogoutAll deactivates every active session of a principal and returns
// how many were revoked.
func (m *SessionManager) LogoutAll(ctx context.Context, principalID uuid.UUID) (int64, error) {
	count, err := m.sessions.DeactivateAllSessions(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	return count, nil
}

// ListSessions returns the principal's device sessions.
func (m *SessionManager) ListSessions(ctx context.Context, principalID uuid.UUID) ([]*Session, error) {
	return m.sessions.ListSessions(ctx, principalID)
}

// GetPrincipal loads a principal by id.
func (m *SessionManager) GetPrincipal(ctx context.Context, id uuid.UUID) (*Principal, error) {
	return m.principals.FindPrincipalByID(ctx, id)
}

// SetPassword attaches or replaces a password credential.
func (m *SessionManager) SetPassword(ctx context.Context, principalID uuid.UUID, password string) error {
	hash, err := m.hasher.Hash(password)
	if err != nil {
		return err
	}
	return m.principals.UpdatePrincipalPassword(ctx, principalID, hash)
}

// DeletePrincipal tombstones a principal and revokes all their sessions.
// Caller must be the principal or a superuser.
func (m *SessionManager) DeletePrincipal(ctx context.Context, caller *Principal, principalID uuid.UUID) error {
	if caller.ID != principalID && !caller.IsSuperuser {
		return ErrForbidden
	}

	if err := m.principals.SoftDeletePrincipal(ctx, principalID); err != nil {
		return err
	}

	if _, err := m.sessions.DeactivateAllSessions(ctx, principalID); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return nil
}

// Cleanup purges sessions that are inactive, expired and older than the
// configured retention window.
func (m *SessionManager) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -m.config.SessionRetentionDays)
	return m.sessions.DeleteExpiredSessions(ctx, cutoff)
}

// CleanupOwn purges the caller's sessions whose absolute expiry has
// passed. Expired rows can never refresh again, so existence checks lose
// nothing.
func (m *SessionManager) CleanupOwn(ctx context.Context, principalID uuid.UUID) (int64, error) {
	return m.sessions.DeleteExpiredSessionsForPrincipal(ctx, principalID)
}

func (m *SessionManager) issuePair(principalID uuid.UUID) (*TokenPair, *Session, error) {
	accessToken, _, err := m.codec.Issue(principalID, TokenTypeAccess, m.accessTTL(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	refreshToken, jti, err := m.codec.Issue(principalID, TokenTypeRefresh, m.refreshTTL(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:          uuid.New(),
		PrincipalID: principalID,
		TokenID:     jti,
		IsActive:    true,
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(m.refreshTTL()),
	}

	pair := &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    m.config.JWT.AccessTokenDuration,
		PrincipalID:  principalID,
	}

	return pair, session, nil
}
