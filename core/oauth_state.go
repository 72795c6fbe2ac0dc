package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StateManager issues and consumes single-use CSRF/PKCE state records for
// the OAuth redirect flow. An unknown or reused state is a hard
// authentication failure at the callback.
type StateManager struct {
	store OAuthStateStore
	ttl   time.Duration
}

func NewStateManager(store OAuthStateStore, ttl time.Duration) *StateManager {
	return &StateManager{store: store, ttl: ttl}
}

// Create persists a state record and returns its opaque random value.
func (m *StateManager) Create(ctx context.Context, provider Provider, redirectURI, codeVerifier, nonce string, linkingPrincipalID *uuid.UUID) (string, error) {
	state, err := GenerateOpaqueToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	now := time.Now()
	record := &OAuthState{
		State:              state,
		Provider:           provider,
		RedirectURI:        redirectURI,
		CodeVerifier:       codeVerifier,
		Nonce:              nonce,
		LinkingPrincipalID: linkingPrincipalID,
		ExpiresAt:          now.Add(m.ttl),
		CreatedAt:          now,
	}

	if err := m.store.CreateOAuthState(ctx, record); err != nil {
		return "", fmt.Errorf("failed to create oauth state: %w", err)
	}

	return state, nil
}

// Consume deletes and returns the record for state. An expired record is
// deleted and reported as ErrNotFound, same as an unknown or reused one.
func (m *StateManager) Consume(ctx context.Context, state string) (*OAuthState, error) {
	record, err := m.store.ConsumeOAuthState(ctx, state)
	if err != nil {
		return nil, err
	}

	if time.Now().After(record.ExpiresAt) {
		return nil, ErrNotFound
	}

	return record, nil
}

// Cleanup removes expired records that were never consumed.
func (m *StateManager) Cleanup(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredOAuthStates(ctx, time.Now())
}
