package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"accountd/core"

	"github.com/google/uuid"
)

// Redirect URIs are stored as a JSON array; commas are legal characters
// inside a URI so a comma-joined column would corrupt the list.
func encodeURIList(uris []string) string {
	if len(uris) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(uris)
	return string(data)
}

func decodeURIList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var uris []string
	if err := json.Unmarshal([]byte(raw), &uris); err != nil {
		// Rows written before the JSON encoding hold a comma-joined list.
		return strings.Split(raw, ",")
	}
	return uris
}

// OAuth account operations

func (r *SQLiteRepository) UpsertOAuthAccount(ctx context.Context, a *core.OAuthAccount) error {
	query := `
		INSERT INTO oauth_accounts (id, principal_id, provider, provider_user_id, access_token, refresh_token, token_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		a.ID.String(),
		a.PrincipalID.String(),
		string(a.Provider),
		a.ProviderUserID,
		a.AccessToken,
		a.RefreshToken,
		nullUnix(a.TokenExpiresAt),
		a.CreatedAt.Unix(),
		a.UpdatedAt.Unix(),
	)
	return err
}

const oauthAccountColumns = `id, principal_id, provider, provider_user_id, access_token, refresh_token, token_expires_at, created_at, updated_at`

func scanOAuthAccount(scan func(dest ...any) error) (*core.OAuthAccount, error) {
	var a core.OAuthAccount
	var idStr, principalIDStr, providerStr string
	var tokenExpiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := scan(&idStr, &principalIDStr, &providerStr, &a.ProviderUserID, &a.AccessToken, &a.RefreshToken, &tokenExpiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.ID = uuid.MustParse(idStr)
	a.PrincipalID = uuid.MustParse(principalIDStr)
	a.Provider = core.Provider(providerStr)
	if tokenExpiresAt.Valid {
		t := time.Unix(tokenExpiresAt.Int64, 0)
		a.TokenExpiresAt = &t
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)

	return &a, nil
}

func (r *SQLiteRepository) FindOAuthAccount(ctx context.Context, provider core.Provider, providerUserID string) (*core.OAuthAccount, error) {
	query := `SELECT ` + oauthAccountColumns + ` FROM oauth_accounts WHERE provider = ? AND provider_user_id = ?`
	return scanOAuthAccount(r.db.QueryRowContext(ctx, query, string(provider), providerUserID).Scan)
}

func (r *SQLiteRepository) ListOAuthAccounts(ctx context.Context, principalID uuid.UUID) ([]*core.OAuthAccount, error) {
	query := `SELECT ` + oauthAccountColumns + ` FROM oauth_accounts WHERE principal_id = ? ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, principalID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*core.OAuthAccount
	for rows.Next() {
		a, err := scanOAuthAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

func (r *SQLiteRepository) CountOAuthAccounts(ctx context.Context, principalID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oauth_accounts WHERE principal_id = ?`, principalID.String()).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) DeleteOAuthAccount(ctx context.Context, principalID uuid.UUID, provider core.Provider) error {
	query := `DELETE FROM oauth_accounts WHERE principal_id = ? AND provider = ?`

	result, err := r.db.ExecContext(ctx, query, principalID.String(), string(provider))
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

// OAuth state operations

func (r *SQLiteRepository) CreateOAuthState(ctx context.Context, s *core.OAuthState) error {
	query := `
		INSERT INTO oauth_states (state, provider, redirect_uri, code_verifier, nonce, linking_principal_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.State,
		string(s.Provider),
		s.RedirectURI,
		s.CodeVerifier,
		s.Nonce,
		nullUUID(s.LinkingPrincipalID),
		s.ExpiresAt.Unix(),
		s.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *SQLiteRepository) ConsumeOAuthState(ctx context.Context, state string) (*core.OAuthState, error) {
	// Read and delete in one statement: a second consumer of the same
	// state sees zero rows.
	query := `
		DELETE FROM oauth_states WHERE state = ?
		RETURNING state, provider, redirect_uri, code_verifier, nonce, linking_principal_id, expires_at, created_at
	`

	var s core.OAuthState
	var providerStr string
	var linkingID sql.NullString
	var expiresAt, createdAt int64

	err := r.db.QueryRowContext(ctx, query, state).Scan(
		&s.State, &providerStr, &s.RedirectURI, &s.CodeVerifier, &s.Nonce, &linkingID, &expiresAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Provider = core.Provider(providerStr)
	if linkingID.Valid {
		id := uuid.MustParse(linkingID.String)
		s.LinkingPrincipalID = &id
	}
	s.ExpiresAt = time.Unix(expiresAt, 0)
	s.CreatedAt = time.Unix(createdAt, 0)

	return &s, nil
}

func (r *SQLiteRepository) DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// OAuth client operations

func (r *SQLiteRepository) CreateOAuthClient(ctx context.Context, c *core.OAuthClient) error {
	query := `
		INSERT INTO oauth_clients (id, client_id, client_secret_hash, name, redirect_uris, scopes, is_active, owner_id, access_token_ttl, refresh_token_ttl, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		c.ID.String(),
		c.ClientID,
		nullString(c.ClientSecretHash),
		c.Name,
		encodeURIList(c.RedirectURIs),
		core.JoinScopes(c.Scopes),
		boolToInt(c.IsActive),
		nullUUID(c.OwnerID),
		int64(c.AccessTokenTTL.Seconds()),
		int64(c.RefreshTokenTTL.Seconds()),
		c.CreatedAt.Unix(),
		c.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *SQLiteRepository) FindOAuthClientByClientID(ctx context.Context, clientID string) (*core.OAuthClient, error) {
	query := `
		SELECT id, client_id, client_secret_hash, name, redirect_uris, scopes, is_active, owner_id, access_token_ttl, refresh_token_ttl, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = ?
	`

	var c core.OAuthClient
	var idStr, redirectURIs, scopes string
	var secretHash, ownerID sql.NullString
	var isActive int
	var accessTTL, refreshTTL, createdAt, updatedAt int64

	err := r.db.QueryRowContext(ctx, query, clientID).Scan(
		&idStr, &c.ClientID, &secretHash, &c.Name, &redirectURIs, &scopes, &isActive, &ownerID, &accessTTL, &refreshTTL, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.ID = uuid.MustParse(idStr)
	if secretHash.Valid {
		c.ClientSecretHash = &secretHash.String
	}
	c.RedirectURIs = decodeURIList(redirectURIs)
	c.Scopes = core.SplitScopes(scopes)
	c.IsActive = isActive != 0
	if ownerID.Valid {
		id := uuid.MustParse(ownerID.String)
		c.OwnerID = &id
	}
	c.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	c.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)

	return &c, nil
}

// Authorization code operations

func (r *SQLiteRepository) CreateAuthorizationCode(ctx context.Context, c *core.OAuthAuthorizationCode) error {
	query := `
		INSERT INTO oauth_authorization_codes (code, client_id, principal_id, redirect_uri, scope, code_challenge, code_challenge_method, used, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		c.Code,
		c.ClientID.String(),
		c.PrincipalID.String(),
		c.RedirectURI,
		core.JoinScopes(c.Scopes),
		c.CodeChallenge,
		c.CodeChallengeMethod,
		boolToInt(c.Used),
		c.ExpiresAt.Unix(),
		c.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

const authorizationCodeColumns = `code, client_id, principal_id, redirect_uri, scope, code_challenge, code_challenge_method, used, expires_at, created_at`

func scanAuthorizationCode(scan func(dest ...any) error) (*core.OAuthAuthorizationCode, error) {
	var c core.OAuthAuthorizationCode
	var clientIDStr, principalIDStr, scope string
	var used int
	var expiresAt, createdAt int64

	err := scan(&c.Code, &clientIDStr, &principalIDStr, &c.RedirectURI, &scope, &c.CodeChallenge, &c.CodeChallengeMethod, &used, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.ClientID = uuid.MustParse(clientIDStr)
	c.PrincipalID = uuid.MustParse(principalIDStr)
	c.Scopes = core.SplitScopes(scope)
	c.Used = used != 0
	c.ExpiresAt = time.Unix(expiresAt, 0)
	c.CreatedAt = time.Unix(createdAt, 0)

	return &c, nil
}

func (r *SQLiteRepository) ConsumeAuthorizationCode(ctx context.Context, code string) (*core.OAuthAuthorizationCode, error) {
	// used flips false→true exactly once; a concurrent second redemption
	// matches zero rows.
	query := `
		UPDATE oauth_authorization_codes SET used = 1
		WHERE code = ? AND used = 0
		RETURNING ` + authorizationCodeColumns

	record, err := scanAuthorizationCode(r.db.QueryRowContext(ctx, query, code).Scan)
	if err != nil {
		return nil, err
	}
	// The returned row reflects the pre-image semantics except for used.
	record.Used = true
	return record, nil
}

func (r *SQLiteRepository) FindAuthorizationCode(ctx context.Context, code string) (*core.OAuthAuthorizationCode, error) {
	query := `SELECT ` + authorizationCodeColumns + ` FROM oauth_authorization_codes WHERE code = ?`
	return scanAuthorizationCode(r.db.QueryRowContext(ctx, query, code).Scan)
}

func (r *SQLiteRepository) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Provider refresh token operations

func (r *SQLiteRepository) CreateProviderRefreshToken(ctx context.Context, t *core.OAuthProviderRefreshToken) error {
	query := `
		INSERT INTO oauth_provider_refresh_tokens (id, token_hash, token_id, client_id, principal_id, scope, revoked, expires_at, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		t.ID.String(),
		t.TokenHash,
		t.TokenID,
		t.ClientID.String(),
		t.PrincipalID.String(),
		core.JoinScopes(t.Scopes),
		boolToInt(t.Revoked),
		t.ExpiresAt.Unix(),
		t.CreatedAt.Unix(),
		nullUnix(t.LastUsedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *SQLiteRepository) FindProviderRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.OAuthProviderRefreshToken, error) {
	query := `
		SELECT id, token_hash, token_id, client_id, principal_id, scope, revoked, expires_at, created_at, last_used_at
		FROM oauth_provider_refresh_tokens
		WHERE token_hash = ?
	`

	var t core.OAuthProviderRefreshToken
	var idStr, clientIDStr, principalIDStr, scope string
	var revoked int
	var expiresAt, createdAt int64
	var lastUsedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&idStr, &t.TokenHash, &t.TokenID, &clientIDStr, &principalIDStr, &scope, &revoked, &expiresAt, &createdAt, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.ID = uuid.MustParse(idStr)
	t.ClientID = uuid.MustParse(clientIDStr)
	t.PrincipalID = uuid.MustParse(principalIDStr)
	t.Scopes = core.SplitScopes(scope)
	t.Revoked = revoked != 0
	t.ExpiresAt = time.Unix(expiresAt, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	if lastUsedAt.Valid {
		used := time.Unix(lastUsedAt.Int64, 0)
		t.LastUsedAt = &used
	}

	return &t, nil
}

func (r *SQLiteRepository) RevokeProviderRefreshToken(ctx context.Context, tokenID string) error {
	query := `UPDATE oauth_provider_refresh_tokens SET revoked = 1 WHERE token_id = ? AND revoked = 0`

	result, err := r.db.ExecContext(ctx, query, tokenID)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *SQLiteRepository) TouchProviderRefreshToken(ctx context.Context, tokenID string, usedAt time.Time) error {
	query := `UPDATE oauth_provider_refresh_tokens SET last_used_at = ? WHERE token_id = ?`

	result, err := r.db.ExecContext(ctx, query, usedAt.Unix(), tokenID)
	if err != nil {
		return err
	}
	return requireRowsAffected(result)
}

func (r *SQLiteRepository) RevokeAllProviderRefreshTokens(ctx context.Context, principalID, clientID uuid.UUID) (int64, error) {
	query := `UPDATE oauth_provider_refresh_tokens SET revoked = 1 WHERE principal_id = ? AND client_id = ? AND revoked = 0`

	result, err := r.db.ExecContext(ctx, query, principalID.String(), clientID.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Consent operations

func (r *SQLiteRepository) UpsertConsent(ctx context.Context, c *core.OAuthConsent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT scope FROM oauth_consents WHERE principal_id = ? AND client_id = ?`,
		c.PrincipalID.String(), c.ClientID.String(),
	).Scan(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO oauth_consents (principal_id, client_id, scope, granted_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			c.PrincipalID.String(), c.ClientID.String(), core.JoinScopes(c.Scopes), c.GrantedAt.Unix(), c.UpdatedAt.Unix(),
		)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		merged := core.MergeScopes(core.SplitScopes(existing), c.Scopes)
		_, err = tx.ExecContext(ctx,
			`UPDATE oauth_consents SET scope = ?, updated_at = ? WHERE principal_id = ? AND client_id = ?`,
			core.JoinScopes(merged), c.UpdatedAt.Unix(), c.PrincipalID.String(), c.ClientID.String(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) FindConsent(ctx context.Context, principalID, clientID uuid.UUID) (*core.OAuthConsent, error) {
	query := `
		SELECT principal_id, client_id, scope, granted_at, updated_at
		FROM oauth_consents
		WHERE principal_id = ? AND client_id = ?
	`

	var c core.OAuthConsent
	var principalIDStr, clientIDStr, scope string
	var grantedAt, updatedAt int64

	err := r.db.QueryRowContext(ctx, query, principalID.String(), clientID.String()).Scan(
		&principalIDStr, &clientIDStr, &scope, &grantedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.PrincipalID = uuid.MustParse(principalIDStr)
	c.ClientID = uuid.MustParse(clientIDStr)
	c.Scopes = core.SplitScopes(scope)
	c.GrantedAt = time.Unix(grantedAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)

	return &c, nil
}
