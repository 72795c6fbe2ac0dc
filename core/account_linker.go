package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccountLinker handles social login and account linking: it builds
// provider authorization URLs, consumes callbacks, and maintains the
// provider↔principal links with a "keep one credential" guard.
type AccountLinker struct {
	principals PrincipalStore
	accounts   OAuthAccountStore
	states     *StateManager
	sessions   *SessionManager
	crypto     *CryptoService
	providers  map[Provider]AuthProvider
	logger     *zap.Logger
}

func NewAccountLinker(principals PrincipalStore, accounts OAuthAccountStore, states *StateManager, sessions *SessionManager, crypto *CryptoService, providers map[Provider]AuthProvider, logger *zap.Logger) *AccountLinker {
	return &AccountLinker{
		principals: principals,
		accounts:   accounts,
		states:     states,
		sessions:   sessions,
		crypto:     crypto,
		providers:  providers,
		logger:     logger,
	}
}

// BuildAuthorizationURL creates a CSRF state record (with a fresh PKCE
// verifier) and returns the provider redirect URL for it. A non-nil
// linkingPrincipalID ties the eventual callback to an existing account
// instead of a fresh login.
func (l *AccountLinker) BuildAuthorizationURL(ctx context.Context, provider Provider, redirectURI string, linkingPrincipalID *uuid.UUID) (string, string, error) {
	authProvider, ok := l.providers[provider]
	if !ok {
		return "", "", ErrUnsupportedProvider
	}

	verifier, err := GenerateOpaqueToken(32)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate pkce verifier: %w", err)
	}
	nonce, err := GenerateOpaqueToken(16)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	state, err := l.states.Create(ctx, provider, redirectURI, verifier, nonce, linkingPrincipalID)
	if err != nil {
		return "", "", err
	}

	url := authProvider.AuthorizationURL(AuthRequest{
		State:         state,
		RedirectURI:   redirectURI,
		CodeChallenge: PKCEChallengeS256(verifier),
		Nonce:         nonce,
	})

	return url, state, nil
}

// HandleCallback completes the redirect flow: consume the single-use state,
// exchange the code with the provider, resolve or create the local
// principal, upsert the link, and issue local tokens. The session row is
// best effort; its failure never fails the login.
func (l *AccountLinker) HandleCallback(ctx context.Context, provider Provider, code, state, redirectURI string, device DeviceInfo) (*TokenPair, error) {
	record, err := l.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to consume state: %w", err)
	}

	if record.Provider != provider || record.RedirectURI != redirectURI {
		return nil, ErrInvalidToken
	}

	authProvider, ok := l.providers[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}

	oauthTokens, err := authProvider.ExchangeCode(ctx, code, record.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	userInfo, err := authProvider.GetUserInfo(ctx, oauthTokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	principal, err := l.resolvePrincipal(ctx, provider, userInfo, record.LinkingPrincipalID)
	if err != nil {
		return nil, err
	}

	if err := l.upsertAccount(ctx, principal.ID, provider, userInfo.ProviderUserID, oauthTokens); err != nil {
		return nil, err
	}

	return l.sessions.IssueTokens(ctx, principal.ID, device)
}

// resolvePrincipal matches the provider identity to a local principal:
// an explicit linking target wins, then an existing link, then a verified
// email match, else a fresh passwordless principal.
func (l *AccountLinker) resolvePrincipal(ctx context.Context, provider Provider, info *UserInfo, linkingPrincipalID *uuid.UUID) (*Principal, error) {
	if linkingPrincipalID != nil {
		existing, err := l.accounts.FindOAuthAccount(ctx, provider, info.ProviderUserID)
		if err == nil && existing.PrincipalID != *linkingPrincipalID {
			// Identity already linked to somebody else.
			return nil, ErrConflict
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to find oauth account: %w", err)
		}
		return l.principals.FindPrincipalByID(ctx, *linkingPrincipalID)
	}

	account, err := l.accounts.FindOAuthAccount(ctx, provider, info.ProviderUserID)
	if err == nil {
		return l.principals.FindPrincipalByID(ctx, account.PrincipalID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find oauth account: %w", err)
	}

	if info.EmailVerified && info.Email != "" {
		principal, err := l.principals.FindPrincipalByEmail(ctx, NormalizeEmail(info.Email))
		if err == nil {
			return principal, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to find principal: %w", err)
		}
	}

	now := time.Now()
	principal := &Principal{
		ID:        uuid.New(),
		Email:     NormalizeEmail(info.Email),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.principals.CreatePrincipal(ctx, principal); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// The address belongs to a local account but the provider has not
			// verified it; refusing beats handing the account over.
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create principal: %w", err)
	}

	return principal, nil
}

func (l *AccountLinker) upsertAccount(ctx context.Context, principalID uuid.UUID, provider Provider, providerUserID string, tokens *OAuthTokens) error {
	encryptedAccess, err := l.crypto.EncryptToken(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encryptedRefresh, err := l.crypto.EncryptToken(tokens.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := time.Now()
	account := &OAuthAccount{
		ID:             uuid.New(),
		PrincipalID:    principalID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		AccessToken:    encryptedAccess,
		RefreshToken:   encryptedRefresh,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if tokens.ExpiresIn > 0 {
		expiry := now.Add(time.Duration(tokens.ExpiresIn) * time.Second)
		account.TokenExpiresAt = &expiry
	}

	if err := l.accounts.UpsertOAuthAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to upsert oauth account: %w", err)
	}
	return nil
}

// ListAccounts returns a principal's linked providers.
func (l *AccountLinker) ListAccounts(ctx context.Context, principalID uuid.UUID) ([]*OAuthAccount, error) {
	return l.accounts.ListOAuthAccounts(ctx, principalID)
}

// Unlink removes a provider link, refusing with ErrConflict when doing so
// would leave the principal without any way to authenticate.
func (l *AccountLinker) Unlink(ctx context.Context, principalID uuid.UUID, provider Provider) error {
	principal, err := l.principals.FindPrincipalByID(ctx, principalID)
	if err != nil {
		return err
	}

	if !principal.HasPassword() {
		count, err := l.accounts.CountOAuthAccounts(ctx, principalID)
		if err != nil {
			return fmt.Errorf("failed to count oauth accounts: %w", err)
		}
		if count <= 1 {
			return ErrConflict
		}
	}

	if err := l.accounts.DeleteOAuthAccount(ctx, principalID, provider); err != nil {
		return err
	}

	l.logger.Info("oauth account unlinked",
		zap.String("principal_id", principalID.String()),
		zap.String("provider", string(provider)))
	return nil
}

// GetFreshProviderTokens refreshes the stored provider credential for a
// linked account and returns a currently valid provider access token,
// persisting any rotated refresh token.
func (l *AccountLinker) GetFreshProviderTokens(ctx context.Context, principalID uuid.UUID, provider Provider) (*OAuthTokens, error) {
	accounts, err := l.accounts.ListOAuthAccounts(ctx, principalID)
	if err != nil {
		return nil, err
	}

	var account *OAuthAccount
	for _, a := range accounts {
		if a.Provider == provider {
			account = a
			break
		}
	}
	if account == nil {
		return nil, ErrNotFound
	}

	authProvider, ok := l.providers[provider]
	if !ok {
		return nil, ErrUnsupportedProvider
	}

	refreshToken, err := l.crypto.DecryptToken(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	tokens, err := authProvider.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	if tokens.RefreshToken != "" && tokens.RefreshToken != refreshToken {
		if err := l.upsertAccount(ctx, principalID, provider, account.ProviderUserID, tokens); err != nil {
			l.logger.Warn("failed to persist rotated provider tokens",
				zap.String("provider", string(provider)),
				zap.Error(err))
		}
	}

	return tokens, nil
}
