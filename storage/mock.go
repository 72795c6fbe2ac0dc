package storage

import (
	"context"
	"sync"
	"time"

	"accountd/core"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory Repository used by unit
// tests. Conditional updates (session rotation, code consumption, token
// revocation) hold the lock for the whole check-and-set, so concurrent
// callers observe the same single-winner semantics as the SQL backends.
type MemoryRepository struct {
	mu sync.Mutex

	principals map[uuid.UUID]*core.Principal
	sessions   map[uuid.UUID]*core.Session
	accounts   map[string]*core.OAuthAccount // keyed provider + "\x00" + providerUserID
	states     map[string]*core.OAuthState
	clients    map[string]*core.OAuthClient
	codes      map[string]*core.OAuthAuthorizationCode
	refresh    map[string]*core.OAuthProviderRefreshToken // keyed by token_id
	consents   map[string]*core.OAuthConsent              // keyed principal + "\x00" + client
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		principals: make(map[uuid.UUID]*core.Principal),
		sessions:   make(map[uuid.UUID]*core.Session),
		accounts:   make(map[string]*core.OAuthAccount),
		states:     make(map[string]*core.OAuthState),
		clients:    make(map[string]*core.OAuthClient),
		codes:      make(map[string]*core.OAuthAuthorizationCode),
		refresh:    make(map[string]*core.OAuthProviderRefreshToken),
		consents:   make(map[string]*core.OAuthConsent),
	}
}

func accountKey(provider core.Provider, providerUserID string) string {
	return string(provider) + "\x00" + providerUserID
}

func consentKey(principalID, clientID uuid.UUID) string {
	return principalID.String() + "\x00" + clientID.String()
}

// Principal operations

func (r *MemoryRepository) CreatePrincipal(_ context.Context, p *core.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := core.NormalizeEmail(p.Email)
	for _, existing := range r.principals {
		if existing.DeletedAt == nil && core.NormalizeEmail(existing.Email) == email {
			return core.ErrAlreadyExists
		}
	}

	clone := *p
	r.principals[p.ID] = &clone
	return nil
}

func (r *MemoryRepository) FindPrincipalByID(_ context.Context, id uuid.UUID) (*core.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok || p.DeletedAt != nil {
		return nil, core.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (r *MemoryRepository) FindPrincipalByEmail(_ context.Context, email string) (*core.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email = core.NormalizeEmail(email)
	for _, p := range r.principals {
		if p.DeletedAt == nil && core.NormalizeEmail(p.Email) == email {
			clone := *p
			return &clone, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *MemoryRepository) UpdatePrincipalPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok || p.DeletedAt != nil {
		return core.ErrNotFound
	}
	p.PasswordHash = &passwordHash
	p.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) SoftDeletePrincipal(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok || p.DeletedAt != nil {
		return core.ErrNotFound
	}
	now := time.Now()
	p.DeletedAt = &now
	p.IsActive = false
	p.UpdatedAt = now
	return nil
}

// Session operations

func (r *MemoryRepository) CreateSession(_ context.Context, s *core.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sessions {
		if existing.TokenID == s.TokenID {
			return core.ErrAlreadyExists
		}
	}

	clone := *s
	r.sessions[s.ID] = &clone
	return nil
}

func (r *MemoryRepository) FindSessionByID(_ context.Context, id uuid.UUID) (*core.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (r *MemoryRepository) FindSessionByTokenID(_ context.Context, tokenID string) (*core.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.TokenID == tokenID {
			clone := *s
			return &clone, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *MemoryRepository) ListSessions(_ context.Context, principalID uuid.UUID) ([]*core.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sessions []*core.Session
	for _, s := range r.sessions {
		if s.PrincipalID == principalID {
			clone := *s
			sessions = append(sessions, &clone)
		}
	}
	return sessions, nil
}

func (r *MemoryRepository) RotateSession(_ context.Context, oldTokenID, newTokenID string, expiresAt, lastUsedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.TokenID == oldTokenID && s.IsActive {
			s.TokenID = newTokenID
			s.ExpiresAt = expiresAt
			s.LastUsedAt = lastUsedAt
			return nil
		}
	}
	return core.ErrNotFound
}

func (r *MemoryRepository) DeactivateSession(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.IsActive {
		return core.ErrNotFound
	}
	s.IsActive = false
	return nil
}

func (r *MemoryRepository) DeactivateAllSessions(_ context.Context, principalID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, s := range r.sessions {
		if s.PrincipalID == principalID && s.IsActive {
			s.IsActive = false
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var count int64
	for id, s := range r.sessions {
		if !s.IsActive && s.ExpiresAt.Before(now) && s.LastUsedAt.Before(cutoff) {
			delete(r.sessions, id)
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) DeleteExpiredSessionsForPrincipal(_ context.Context, principalID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var count int64
	for id, s := range r.sessions {
		if s.PrincipalID == principalID && s.ExpiresAt.Before(now) {
			delete(r.sessions, id)
			count++
		}
	}
	return count, nil
}

// OAuth account operations

func (r *MemoryRepository) UpsertOAuthAccount(_ context.Context, a *core.OAuthAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := accountKey(a.Provider, a.ProviderUserID)
	if existing, ok := r.accounts[key]; ok {
		existing.AccessToken = a.AccessToken
		existing.RefreshToken = a.RefreshToken
		existing.TokenExpiresAt = a.TokenExpiresAt
		existing.UpdatedAt = a.UpdatedAt
		return nil
	}

	clone := *a
	r.accounts[key] = &clone
	return nil
}

func (r *MemoryRepository) FindOAuthAccount(_ context.Context, provider core.Provider, providerUserID string) (*core.OAuthAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[accountKey(provider, providerUserID)]
	if !ok {
		return nil, core.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (r *MemoryRepository) ListOAuthAccounts(_ context.Context, principalID uuid.UUID) ([]*core.OAuthAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var accounts []*core.OAuthAccount
	for _, a := range r.accounts {
		if a.PrincipalID == principalID {
			clone := *a
			accounts = append(accounts, &clone)
		}
	}
	return accounts, nil
}

func (r *MemoryRepository) CountOAuthAccounts(_ context.Context, principalID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, a := range r.accounts {
		if a.PrincipalID == principalID {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) DeleteOAuthAccount(_ context.Context, principalID uuid.UUID, provider core.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, a := range r.accounts {
		if a.PrincipalID == principalID && a.Provider == provider {
			delete(r.accounts, key)
			return nil
		}
	}
	return core.ErrNotFound
}

// OAuth state operations

func (r *MemoryRepository) CreateOAuthState(_ context.Context, s *core.OAuthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[s.State]; ok {
		return core.ErrAlreadyExists
	}
	clone := *s
	r.states[s.State] = &clone
	return nil
}

func (r *MemoryRepository) ConsumeOAuthState(_ context.Context, state string) (*core.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[state]
	if !ok {
		return nil, core.ErrNotFound
	}
	delete(r.states, state)
	return s, nil
}

func (r *MemoryRepository) DeleteExpiredOAuthStates(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for key, s := range r.states {
		if s.ExpiresAt.Before(now) {
			delete(r.states, key)
			count++
		}
	}
	return count, nil
}

// OAuth client operations

func (r *MemoryRepository) CreateOAuthClient(_ context.Context, c *core.OAuthClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ClientID]; ok {
		return core.ErrAlreadyExists
	}
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	clone.Scopes = append([]string(nil), c.Scopes...)
	r.clients[c.ClientID] = &clone
	return nil
}

func (r *MemoryRepository) FindOAuthClientByClientID(_ context.Context, clientID string) (*core.OAuthClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, core.ErrNotFound
	}
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	clone.Scopes = append([]string(nil), c.Scopes...)
	return &clone, nil
}

// Authorization code operations

func (r *MemoryRepository) CreateAuthorizationCode(_ context.Context, c *core.OAuthAuthorizationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codes[c.Code]; ok {
		return core.ErrAlreadyExists
	}
	clone := *c
	clone.Scopes = append([]string(nil), c.Scopes...)
	r.codes[c.Code] = &clone
	return nil
}

func (r *MemoryRepository) ConsumeAuthorizationCode(_ context.Context, code string) (*core.OAuthAuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[code]
	if !ok || c.Used {
		return nil, core.ErrNotFound
	}
	c.Used = true
	clone := *c
	clone.Scopes = append([]string(nil), c.Scopes...)
	return &clone, nil
}

func (r *MemoryRepository) FindAuthorizationCode(_ context.Context, code string) (*core.OAuthAuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[code]
	if !ok {
		return nil, core.ErrNotFound
	}
	clone := *c
	clone.Scopes = append([]string(nil), c.Scopes...)
	return &clone, nil
}

func (r *MemoryRepository) DeleteExpiredAuthorizationCodes(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for key, c := range r.codes {
		if c.ExpiresAt.Before(now) {
			delete(r.codes, key)
			count++
		}
	}
	return count, nil
}

// Provider refresh token operations

func (r *MemoryRepository) CreateProviderRefreshToken(_ context.Context, t *core.OAuthProviderRefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.refresh[t.TokenID]; ok {
		return core.ErrAlreadyExists
	}
	for _, existing := range r.refresh {
		if existing.TokenHash == t.TokenHash {
			return core.ErrAlreadyExists
		}
	}
	clone := *t
	clone.Scopes = append([]string(nil), t.Scopes...)
	r.refresh[t.TokenID] = &clone
	return nil
}

func (r *MemoryRepository) FindProviderRefreshTokenByHash(_ context.Context, tokenHash string) (*core.OAuthProviderRefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.refresh {
		if t.TokenHash == tokenHash {
			clone := *t
			clone.Scopes = append([]string(nil), t.Scopes...)
			return &clone, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *MemoryRepository) RevokeProviderRefreshToken(_ context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.refresh[tokenID]
	if !ok || t.Revoked {
		return core.ErrNotFound
	}
	t.Revoked = true
	return nil
}

func (r *MemoryRepository) TouchProviderRefreshToken(_ context.Context, tokenID string, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.refresh[tokenID]
	if !ok {
		return core.ErrNotFound
	}
	t.LastUsedAt = &usedAt
	return nil
}

func (r *MemoryRepository) RevokeAllProviderRefreshTokens(_ context.Context, principalID, clientID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, t := range r.refresh {
		if t.PrincipalID == principalID && t.ClientID == clientID && !t.Revoked {
			t.Revoked = true
			count++
		}
	}
	return count, nil
}

// Consent operations

func (r *MemoryRepository) UpsertConsent(_ context.Context, c *core.OAuthConsent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := consentKey(c.PrincipalID, c.ClientID)
	if existing, ok := r.consents[key]; ok {
		existing.Scopes = core.MergeScopes(existing.Scopes, c.Scopes)
		existing.UpdatedAt = c.UpdatedAt
		return nil
	}

	clone := *c
	clone.Scopes = append([]string(nil), c.Scopes...)
	r.consents[key] = &clone
	return nil
}

func (r *MemoryRepository) FindConsent(_ context.Context, principalID, clientID uuid.UUID) (*core.OAuthConsent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consents[consentKey(principalID, clientID)]
	if !ok {
		return nil, core.ErrNotFound
	}
	clone := *c
	clone.Scopes = append([]string(nil), c.Scopes...)
	return &clone, nil
}

var _ core.Repository = (*MemoryRepository)(nil)
