package core_test

import (
	"context"
	"testing"
	"time"

	"accountd/core"
	"accountd/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateManager_CreateAndConsume(t *testing.T) {
	repo := storage.NewMemoryRepository()
	manager := core.NewStateManager(repo, 10*time.Minute)
	ctx := context.Background()

	linkingID := uuid.New()
	state, err := manager.Create(ctx, core.ProviderGoogle, "https://app.test/callback", "verifier", "nonce", &linkingID)
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	record, err := manager.Consume(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, core.ProviderGoogle, record.Provider)
	assert.Equal(t, "https://app.test/callback", record.RedirectURI)
	assert.Equal(t, "verifier", record.CodeVerifier)
	assert.Equal(t, "nonce", record.Nonce)
	require.NotNil(t, record.LinkingPrincipalID)
	assert.Equal(t, linkingID, *record.LinkingPrincipalID)
}

func TestStateManager_ConsumeIsSingleUse(t *testing.T) {
	repo := storage.NewMemoryRepository()
	manager := core.NewStateManager(repo, 10*time.Minute)
	ctx := context.Background()

	state, err := manager.Create(ctx, core.ProviderGoogle, "https://app.test/callback", "v", "n", nil)
	require.NoError(t, err)

	_, err = manager.Consume(ctx, state)
	require.NoError(t, err)

	_, err = manager.Consume(ctx, state)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStateManager_ConsumeUnknown(t *testing.T) {
	repo := storage.NewMemoryRepository()
	manager := core.NewStateManager(repo, 10*time.Minute)

	_, err := manager.Consume(context.Background(), "never-issued")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStateManager_ConsumeExpired(t *testing.T) {
	repo := storage.NewMemoryRepository()
	manager := core.NewStateManager(repo, -time.Minute)
	ctx := context.Background()

	state, err := manager.Create(ctx, core.ProviderGoogle, "https://app.test/callback", "v", "n", nil)
	require.NoError(t, err)

	// Expired on arrival, and consumption still burns it.
	_, err = manager.Consume(ctx, state)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = manager.Consume(ctx, state)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStateManager_Cleanup(t *testing.T) {
	repo := storage.NewMemoryRepository()
	expired := core.NewStateManager(repo, -time.Minute)
	fresh := core.NewStateManager(repo, 10*time.Minute)
	ctx := context.Background()

	_, err := expired.Create(ctx, core.ProviderGoogle, "https://app.test/callback", "v", "n", nil)
	require.NoError(t, err)
	keep, err := fresh.Create(ctx, core.ProviderGoogle, "https://app.test/callback", "v", "n", nil)
	require.NoError(t, err)

	count, err := fresh.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = fresh.Consume(ctx, keep)
	assert.NoError(t, err)
}
