package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"accountd/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createTestPrincipal(t *testing.T, repo *SQLiteRepository, email string) *core.Principal {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	hash := "bcrypt-hash-placeholder"
	p := &core.Principal{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: &hash,
		IsActive:     true,
		Locale:       "en",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, repo.CreatePrincipal(context.Background(), p))
	return p
}

func createTestSession(t *testing.T, repo *SQLiteRepository, principalID uuid.UUID) *core.Session {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	s := &core.Session{
		ID:          uuid.New(),
		PrincipalID: principalID,
		TokenID:     uuid.NewString(),
		DeviceName:  "test-device",
		IsActive:    true,
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	return s
}

func TestSQLite_PrincipalRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")

	got, err := repo.FindPrincipalByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Email, got.Email)
	require.NotNil(t, got.PasswordHash)
	assert.Equal(t, *p.PasswordHash, *got.PasswordHash)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.DeletedAt)

	byEmail, err := repo.FindPrincipalByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byEmail.ID)
}

func TestSQLite_PrincipalDuplicateEmail(t *testing.T) {
	repo := newTestRepo(t)
	createTestPrincipal(t, repo, "alice@example.com")

	dup := &core.Principal{
		ID:        uuid.New(),
		Email:     "alice@example.com",
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	err := repo.CreatePrincipal(context.Background(), dup)
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

func TestSQLite_SoftDeletePrincipal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")

	require.NoError(t, repo.SoftDeletePrincipal(ctx, p.ID))

	_, err := repo.FindPrincipalByID(ctx, p.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = repo.FindPrincipalByEmail(ctx, "alice@example.com")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The address is free again after the tombstone.
	fresh := &core.Principal{
		ID:        uuid.New(),
		Email:     "alice@example.com",
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	assert.NoError(t, repo.CreatePrincipal(ctx, fresh))
}

func TestSQLite_UpdatePrincipalPassword(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")

	require.NoError(t, repo.UpdatePrincipalPassword(ctx, p.ID, "new-hash"))

	got, err := repo.FindPrincipalByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PasswordHash)
	assert.Equal(t, "new-hash", *got.PasswordHash)

	err = repo.UpdatePrincipalPassword(ctx, uuid.New(), "hash")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_RotateSession(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")
	s := createTestSession(t, repo, p.ID)

	newTokenID := uuid.NewString()
	newExpiry := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	require.NoError(t, repo.RotateSession(ctx, s.TokenID, newTokenID, newExpiry, time.Now()))

	// Same row, new jti.
	got, err := repo.FindSessionByTokenID(ctx, newTokenID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = repo.FindSessionByTokenID(ctx, s.TokenID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Rotating on the old jti again loses the race by construction.
	err = repo.RotateSession(ctx, s.TokenID, uuid.NewString(), newExpiry, time.Now())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_RotateInactiveSession(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")
	s := createTestSession(t, repo, p.ID)

	require.NoError(t, repo.DeactivateSession(ctx, s.ID))

	err := repo.RotateSession(ctx, s.TokenID, uuid.NewString(), time.Now().Add(time.Hour), time.Now())
	assert.ErrorIs(t, err, core.ErrNotFound)

	// The row still exists for revocation reporting.
	got, err := repo.FindSessionByTokenID(ctx, s.TokenID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestSQLite_DeactivateAllSessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")
	for i := 0; i < 3; i++ {
		createTestSession(t, repo, p.ID)
	}

	count, err := repo.DeactivateAllSessions(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = repo.DeactivateAllSessions(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSQLite_DeleteExpiredSessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")

	old := time.Now().Add(-60 * 24 * time.Hour)
	stale := &core.Session{
		ID:          uuid.New(),
		PrincipalID: p.ID,
		TokenID:     uuid.NewString(),
		IsActive:    false,
		CreatedAt:   old,
		LastUsedAt:  old,
		ExpiresAt:   old.Add(24 * time.Hour),
	}
	require.NoError(t, repo.CreateSession(ctx, stale))
	keep := createTestSession(t, repo, p.ID)

	count, err := repo.DeleteExpiredSessions(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.FindSessionByID(ctx, keep.ID)
	assert.NoError(t, err)
	_, err = repo.FindSessionByID(ctx, stale.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_OAuthAccountUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := createTestPrincipal(t, repo, "alice@example.com")

	now := time.Now().Truncate(time.Second)
	account := &core.OAuthAccount{
		ID:             uuid.New(),
		PrincipalID:    p.ID,
		Provider:       core.ProviderGoogle,
		ProviderUserID: "google-user-1",
		AccessToken:    "encrypted-access",
		RefreshToken:   "encrypted-refresh",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.UpsertOAuthAccount(ctx, account))

	// Second upsert refreshes tokens on the same row.
	account.AccessToken = "encrypted-access-2"
	account.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, repo.UpsertOAuthAccount(ctx, account))

	got, err := repo.FindOAuthAccount(ctx, core.ProviderGoogle, "google-user-1")
	require.NoError(t, err)
	assert.Equal(t, "encrypted-access-2", got.AccessToken)

	count, err := repo.CountOAuthAccounts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLite_ConsumeOAuthState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	state := &core.OAuthState{
		State:        "state-value",
		Provider:     core.ProviderGoogle,
		RedirectURI:  "https://app.test/callback",
		CodeVerifier: "verifier",
		Nonce:        "nonce",
		ExpiresAt:    now.Add(10 * time.Minute),
		CreatedAt:    now,
	}
	require.NoError(t, repo.CreateOAuthState(ctx, state))

	got, err := repo.ConsumeOAuthState(ctx, "state-value")
	require.NoError(t, err)
	assert.Equal(t, "verifier", got.CodeVerifier)

	// Delete-returning: the second consume sees nothing.
	_, err = repo.ConsumeOAuthState(ctx, "state-value")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_ConsumeAuthorizationCode(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	code := &core.OAuthAuthorizationCode{
		Code:        "one-time-code",
		ClientID:    uuid.New(),
		PrincipalID: uuid.New(),
		RedirectURI: "https://client.test/callback",
		Scopes:      []string{"profile", "email"},
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
	}
	require.NoError(t, repo.CreateAuthorizationCode(ctx, code))

	got, err := repo.ConsumeAuthorizationCode(ctx, "one-time-code")
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, []string{"profile", "email"}, got.Scopes)

	// used flipped; conditional update fails from here on.
	_, err = repo.ConsumeAuthorizationCode(ctx, "one-time-code")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// But the row remains visible for reuse detection.
	found, err := repo.FindAuthorizationCode(ctx, "one-time-code")
	require.NoError(t, err)
	assert.True(t, found.Used)
}

func TestSQLite_ProviderRefreshTokens(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	principalID, clientID := uuid.New(), uuid.New()

	now := time.Now().Truncate(time.Second)
	token := &core.OAuthProviderRefreshToken{
		ID:          uuid.New(),
		TokenHash:   core.HashOpaqueToken("refresh-value"),
		TokenID:     uuid.NewString(),
		ClientID:    clientID,
		PrincipalID: principalID,
		Scopes:      []string{"profile"},
		ExpiresAt:   now.Add(24 * time.Hour),
		CreatedAt:   now,
	}
	require.NoError(t, repo.CreateProviderRefreshToken(ctx, token))

	got, err := repo.FindProviderRefreshTokenByHash(ctx, core.HashOpaqueToken("refresh-value"))
	require.NoError(t, err)
	assert.Equal(t, token.TokenID, got.TokenID)
	assert.False(t, got.Revoked)

	usedAt := now.Add(time.Minute)
	require.NoError(t, repo.TouchProviderRefreshToken(ctx, token.TokenID, usedAt))
	got, err = repo.FindProviderRefreshTokenByHash(ctx, core.HashOpaqueToken("refresh-value"))
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, usedAt.Unix(), got.LastUsedAt.Unix())

	err = repo.TouchProviderRefreshToken(ctx, uuid.NewString(), usedAt)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, repo.RevokeProviderRefreshToken(ctx, token.TokenID))

	// Conditional: already revoked reads as not found.
	err = repo.RevokeProviderRefreshToken(ctx, token.TokenID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_RevokeAllProviderRefreshTokens(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	principalID, clientID := uuid.New(), uuid.New()

	now := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		token := &core.OAuthProviderRefreshToken{
			ID:          uuid.New(),
			TokenHash:   core.HashOpaqueToken(uuid.NewString()),
			TokenID:     uuid.NewString(),
			ClientID:    clientID,
			PrincipalID: principalID,
			Scopes:      []string{"profile"},
			ExpiresAt:   now.Add(24 * time.Hour),
			CreatedAt:   now,
		}
		require.NoError(t, repo.CreateProviderRefreshToken(ctx, token))
	}

	count, err := repo.RevokeAllProviderRefreshTokens(ctx, principalID, clientID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = repo.RevokeAllProviderRefreshTokens(ctx, principalID, clientID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSQLite_ConsentMerge(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	principalID, clientID := uuid.New(), uuid.New()

	now := time.Now().Truncate(time.Second)
	require.NoError(t, repo.UpsertConsent(ctx, &core.OAuthConsent{
		PrincipalID: principalID,
		ClientID:    clientID,
		Scopes:      []string{"profile"},
		GrantedAt:   now,
		UpdatedAt:   now,
	}))
	require.NoError(t, repo.UpsertConsent(ctx, &core.OAuthConsent{
		PrincipalID: principalID,
		ClientID:    clientID,
		Scopes:      []string{"email"},
		GrantedAt:   now.Add(time.Minute),
		UpdatedAt:   now.Add(time.Minute),
	}))

	got, err := repo.FindConsent(ctx, principalID, clientID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile", "email"}, got.Scopes)
}

func TestSQLite_OAuthClientRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	hash := "secret-hash"
	now := time.Now().Truncate(time.Second)
	client := &core.OAuthClient{
		ID:               uuid.New(),
		ClientID:         "client-abc",
		ClientSecretHash: &hash,
		Name:             "Test Client",
		RedirectURIs:     []string{"https://a.test/cb", "https://b.test/cb"},
		Scopes:           []string{"profile", "email"},
		IsActive:         true,
		AccessTokenTTL:   time.Hour,
		RefreshTokenTTL:  720 * time.Hour,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.CreateOAuthClient(ctx, client))

	got, err := repo.FindOAuthClientByClientID(ctx, "client-abc")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.Scopes, got.Scopes)
	assert.Equal(t, time.Hour, got.AccessTokenTTL)
	require.NotNil(t, got.ClientSecretHash)
	assert.Equal(t, hash, *got.ClientSecretHash)

	err = repo.CreateOAuthClient(ctx, client)
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

func TestSQLite_DeleteExpiredSessionsForPrincipal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	owner := createTestPrincipal(t, repo, "alice@example.com")
	other := createTestPrincipal(t, repo, "bob@example.com")

	past := time.Now().Add(-time.Hour)
	expired := &core.Session{
		ID:          uuid.New(),
		PrincipalID: owner.ID,
		TokenID:     uuid.NewString(),
		IsActive:    true,
		CreatedAt:   past.Add(-24 * time.Hour),
		LastUsedAt:  past,
		ExpiresAt:   past,
	}
	require.NoError(t, repo.CreateSession(ctx, expired))
	live := createTestSession(t, repo, owner.ID)

	otherExpired := &core.Session{
		ID:          uuid.New(),
		PrincipalID: other.ID,
		TokenID:     uuid.NewString(),
		IsActive:    true,
		CreatedAt:   past.Add(-24 * time.Hour),
		LastUsedAt:  past,
		ExpiresAt:   past,
	}
	require.NoError(t, repo.CreateSession(ctx, otherExpired))

	count, err := repo.DeleteExpiredSessionsForPrincipal(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.FindSessionByID(ctx, expired.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = repo.FindSessionByID(ctx, live.ID)
	assert.NoError(t, err)
	_, err = repo.FindSessionByID(ctx, otherExpired.ID)
	assert.NoError(t, err)
}

func TestSQLite_OAuthClientRedirectURIWithComma(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Commas are legal inside URIs and must survive the round trip intact.
	uris := []string{"https://a.test/cb?next=/x,/y", "https://b.test/cb"}
	now := time.Now().Truncate(time.Second)
	client := &core.OAuthClient{
		ID:           uuid.New(),
		ClientID:     "comma-client",
		Name:         "Comma Client",
		RedirectURIs: uris,
		Scopes:       []string{"profile"},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, repo.CreateOAuthClient(ctx, client))

	got, err := repo.FindOAuthClientByClientID(ctx, "comma-client")
	require.NoError(t, err)
	assert.Equal(t, uris, got.RedirectURIs)
	assert.True(t, got.AllowsRedirectURI("https://a.test/cb?next=/x,/y"))
	assert.False(t, got.AllowsRedirectURI("https://a.test/cb?next=/x"))
}
