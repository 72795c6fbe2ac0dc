package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Fixed lifetime for authorization codes (RFC 6749 §4.1.2 recommends a
// maximum of 10 minutes).
const authorizationCodeTTL = 10 * time.Minute

// AuthorizeRequest is a validated /oauth2/authorize submission for an
// authenticated principal.
type AuthorizeRequest struct {
	ClientID            string
	PrincipalID         uuid.UUID
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ProviderTokenResponse is the token-endpoint response body (RFC 6749 §5.1).
type ProviderTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// DiscoveryMetadata is the RFC 8414 authorization-server metadata document.
type DiscoveryMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
}

// AuthorizationServer implements the provider side of OAuth2:
// authorization-code issuance with PKCE, atomic code redemption, hashed and
// rotated refresh tokens, consent persistence and revocation
// (RFC 6749, 7009, 7636).
type AuthorizationServer struct {
	store  OAuthProviderStore
	codec  *TokenCodec
	crypto *CryptoService
	config *Config
	logger *zap.Logger
}

func NewAuthorizationServer(store OAuthProviderStore, codec *TokenCodec, crypto *CryptoService, config *Config, logger *zap.Logger) *AuthorizationServer {
	return &AuthorizationServer{
		store:  store,
		codec:  codec,
		crypto: crypto,
		config: config,
		logger: logger,
	}
}

func (s *AuthorizationServer) accessTTL() time.Duration {
	return time.Duration(s.config.ProviderMode.AccessTokenDuration) * time.Second
}

func (s *AuthorizationServer) refreshTTL() time.Duration {
	return time.Duration(s.config.ProviderMode.RefreshTokenDuration) * time.Second
}

// Per-client lifetimes win over the server-wide defaults.
func (s *AuthorizationServer) clientAccessTTL(client *OAuthClient) time.Duration {
	if client.AccessTokenTTL > 0 {
		return client.AccessTokenTTL
	}
	return s.accessTTL()
}

func (s *AuthorizationServer) clientRefreshTTL(client *OAuthClient) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return client.RefreshTokenTTL
	}
	return s.refreshTTL()
}

// RegisterClient creates a relying party. For confidential clients a random
// secret is generated and returned exactly once; only its bcrypt hash is
// stored.
func (s *AuthorizationServer) RegisterClient(ctx context.Context, name string, redirectURIs, scopes []string, confidential bool, ownerID *uuid.UUID) (*OAuthClient, string, error) {
	clientID, err := GenerateOpaqueToken(16)
	if err != nil {
		return nil, "", err
	}

	var secret string
	var secretHash *string
	if confidential {
		secret, err = GenerateOpaqueToken(32)
		if err != nil {
			return nil, "", err
		}
		hash, err := s.crypto.HashSecret(secret)
		if err != nil {
			return nil, "", err
		}
		secretHash = &hash
	}

	now := time.Now()
	client := &OAuthClient{
		ID:               uuid.New(),
		ClientID:         clientID,
		ClientSecretHash: secretHash,
		Name:             name,
		RedirectURIs:     redirectURIs,
		Scopes:           scopes,
		IsActive:         true,
		OwnerID:          ownerID,
		AccessTokenTTL:   s.accessTTL(),
		RefreshTokenTTL:  s.refreshTTL(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.CreateOAuthClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to create client: %w", err)
	}

	return client, secret, nil
}

// authenticateClient resolves and verifies a client. The unknown-client
// path burns a bcrypt comparison so it is not distinguishable from a
// wrong secret by timing.
func (s *AuthorizationServer) authenticateClient(ctx context.Context, clientID, clientSecret string) (*OAuthClient, error) {
	client, err := s.store.FindOAuthClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.crypto.VerifyDummySecret(clientSecret)
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to find client: %w", err)
	}

	if !client.IsActive {
		s.crypto.VerifyDummySecret(clientSecret)
		return nil, ErrInvalidClient
	}

	if client.ClientSecretHash == nil {
		// Public client; PKCE carries the proof instead of a secret.
		return client, nil
	}

	if !s.crypto.VerifySecretHash(clientSecret, *client.ClientSecretHash) {
		return nil, ErrInvalidClient
	}

	return client, nil
}

// Authorize validates an authorization request for an authenticated
// principal, persists the consent grant (merging with any earlier grant)
// and issues a one-time code. Only the opaque code is returned.
func (s *AuthorizationServer) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	client, err := s.store.FindOAuthClientByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidClient
		}
		return "", fmt.Errorf("failed to find client: %w", err)
	}
	if !client.IsActive {
		return "", ErrInvalidClient
	}

	if !client.AllowsRedirectURI(req.RedirectURI) {
		return "", ErrInvalidGrant
	}

	scopes := SplitScopes(req.Scope)
	if !client.AllowsScopes(scopes) {
		return "", ErrInvalidScope
	}

	if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
		return "", ErrInvalidGrant
	}
	if req.CodeChallengeMethod == "S256" && req.CodeChallenge == "" {
		return "", ErrInvalidGrant
	}

	if err := s.grantConsent(ctx, req.PrincipalID, client.ID, scopes); err != nil {
		return "", err
	}

	code, err := GenerateOpaqueToken(32)
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := &OAuthAuthorizationCode{
		Code:                code,
		ClientID:            client.ID,
		PrincipalID:         req.PrincipalID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(authorizationCodeTTL),
		CreatedAt:           now,
	}

	if err := s.store.CreateAuthorizationCode(ctx, record); err != nil {
		return "", fmt.Errorf("failed to create authorization code: %w", err)
	}

	return code, nil
}

// grantConsent persists the consent before code issuance, merging scopes
// with any earlier grant for the same (principal, client) pair.
func (s *AuthorizationServer) grantConsent(ctx context.Context, principalID, clientID uuid.UUID, scopes []string) error {
	now := time.Now()
	consent := &OAuthConsent{
		PrincipalID: principalID,
		ClientID:    clientID,
		Scopes:      scopes,
		GrantedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.UpsertConsent(ctx, consent); err != nil {
		return fmt.Errorf("failed to persist consent: %w", err)
	}
	return nil
}

// GetConsent returns the recorded grant for a (principal, client) pair.
func (s *AuthorizationServer) GetConsent(ctx context.Context, principalID, clientID uuid.UUID) (*OAuthConsent, error) {
	return s.store.FindConsent(ctx, principalID, clientID)
}

// ExchangeAuthorizationCode redeems a one-time code for an access/refresh
// pair. The code is consumed with a single conditional update, so exactly
// one of two simultaneous redemptions succeeds. Redemption of an
// already-used code is treated as interception (RFC 6749 §4.1.2): every
// outstanding refresh token for that (principal, client) pair is revoked.
func (s *AuthorizationServer) ExchangeAuthorizationCode(ctx context.Context, clientID, clientSecret, code, redirectURI, codeVerifier string) (*ProviderTokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	record, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.handleCodeReuse(ctx, code, client)
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if record.ClientID != client.ID {
		return nil, ErrInvalidGrant
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if record.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant
	}

	if record.CodeChallenge != "" {
		if codeVerifier == "" || !VerifyPKCES256(codeVerifier, record.CodeChallenge) {
			return nil, ErrInvalidGrant
		}
	}

	return s.mintTokens(ctx, client, record.PrincipalID, record.Scopes)
}

// handleCodeReuse escalates a failed consume when the code row exists with
// used=true: the code was redeemed before, which signals interception, and
// all outstanding refresh tokens for the pair are revoked in response.
func (s *AuthorizationServer) handleCodeReuse(ctx context.Context, code string, client *OAuthClient) {
	record, err := s.store.FindAuthorizationCode(ctx, code)
	if err != nil || !record.Used {
		return
	}

	count, err := s.store.RevokeAllProviderRefreshTokens(ctx, record.PrincipalID, record.ClientID)
	if err != nil {
		s.logger.Error("failed to revoke tokens after code reuse",
			zap.String("client_id", client.ClientID),
			zap.Error(err))
		return
	}

	s.logger.Warn("authorization code reuse detected, revoked outstanding tokens",
		zap.String("client_id", client.ClientID),
		zap.String("principal_id", record.PrincipalID.String()),
		zap.Int64("revoked", count))
}

// RefreshProviderToken rotates a refresh token: the presented value is
// looked up by hash, its row is conditionally revoked, and a brand new row
// is inserted for the replacement. The old value is never mutated in
// place, preserving the audit trail.
func (s *AuthorizationServer) RefreshProviderToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*ProviderTokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	row, err := s.store.FindProviderRefreshTokenByHash(ctx, HashOpaqueToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}

	if row.ClientID != client.ID || row.Revoked || time.Now().After(row.ExpiresAt) {
		return nil, ErrInvalidGrant
	}

	// Audit stamp on the presented row; best effort only.
	if err := s.store.TouchProviderRefreshToken(ctx, row.TokenID, time.Now()); err != nil {
		s.logger.Warn("failed to update refresh token last_used_at",
			zap.String("token_id", row.TokenID), zap.Error(err))
	}

	// Conditional revoke keyed on the jti; the loser of a concurrent
	// rotation race lands here with ErrNotFound.
	if err := s.store.RevokeProviderRefreshToken(ctx, row.TokenID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return s.mintTokens(ctx, client, row.PrincipalID, row.Scopes)
}

func (s *AuthorizationServer) mintTokens(ctx context.Context, client *OAuthClient, principalID uuid.UUID, scopes []string) (*ProviderTokenResponse, error) {
	scope := JoinScopes(scopes)

	accessTTL := s.clientAccessTTL(client)
	accessToken, _, err := s.codec.Issue(principalID, TokenTypeAccess, accessTTL, map[string]any{
		"client_id": client.ClientID,
		"scope":     scope,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	refreshToken, err := GenerateOpaqueToken(48)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	row := &OAuthProviderRefreshToken{
		ID:          uuid.New(),
		TokenHash:   HashOpaqueToken(refreshToken),
		TokenID:     uuid.NewString(),
		ClientID:    client.ID,
		PrincipalID: principalID,
		Scopes:      scopes,
		ExpiresAt:   now.Add(s.clientRefreshTTL(client)),
		CreatedAt:   now,
		LastUsedAt:  &now,
	}
	if err := s.store.CreateProviderRefreshToken(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return &ProviderTokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// Revoke invalidates the single token presented (RFC 7009). Revoking an
// unknown or already-revoked token succeeds, so callers learn nothing
// about token validity from this endpoint. Access tokens are stateless
// JWTs and expire on their own.
func (s *AuthorizationServer) Revoke(ctx context.Context, clientID, clientSecret, token string) error {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	row, err := s.store.FindProviderRefreshTokenByHash(ctx, HashOpaqueToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to find refresh token: %w", err)
	}

	if row.ClientID != client.ID {
		// A client cannot revoke another client's tokens; still a 200 per
		// RFC 7009, just without effect.
		return nil
	}

	if err := s.store.RevokeProviderRefreshToken(ctx, row.TokenID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForPrincipalClient is the explicit revoke-all cascade for a
// (principal, client) pair.
func (s *AuthorizationServer) RevokeAllForPrincipalClient(ctx context.Context, principalID, clientID uuid.UUID) (int64, error) {
	return s.store.RevokeAllProviderRefreshTokens(ctx, principalID, clientID)
}

// Metadata returns the discovery document for the configured issuer.
func (s *AuthorizationServer) Metadata() *DiscoveryMetadata {
	issuer := s.config.ProviderMode.Issuer
	return &DiscoveryMetadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/oauth2/authorize",
		TokenEndpoint:                 issuer + "/oauth2/token",
		RevocationEndpoint:            issuer + "/oauth2/revoke",
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		ResponseTypesSupported:        []string{"code"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethods:      []string{"client_secret_basic", "client_secret_post", "none"},
	}
}

// CleanupCodes purges expired authorization codes.
func (s *AuthorizationServer) CleanupCodes(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredAuthorizationCodes(ctx, time.Now())
}
