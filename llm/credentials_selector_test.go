//go:build cgo
// +build cgo

package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupCredentialsDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&LLMProviderAPIKey{}))
	return db
}

func TestCredentialSelector_PrefersPreferredThenWeight(t *testing.T) {
	db := setupCredentialsDB(t)
	ctx := context.Background()

	keys := []*LLMProviderAPIKey{
		{ProviderID: 1, Secret: "k1", Weight: 100, IsEnabled: true},
		{ProviderID: 1, Secret: "k2", Weight: 200, IsEnabled: true, IsPreferred: true},
		{ProviderID: 1, Secret: "k3", Weight: 300, IsEnabled: true},
		{ProviderID: 1, Secret: "k4", Weight: 500, IsEnabled: false},
	}
	for _, k := range keys {
		require.NoError(t, db.Create(k).Error)
	}

	sel := NewCredentialSelector(db, zap.NewNop())
	require.NoError(t, sel.LoadKeys(ctx, 1))

	got, err := sel.Select(1)
	require.NoError(t, err)
	assert.Equal(t, "k2", got.Secret, "is_preferred must win over raw weight")
}

func TestCredentialSelector_WeightDescThenIDAsc(t *testing.T) {
	db := setupCredentialsDB(t)
	ctx := context.Background()

	keys := []*LLMProviderAPIKey{
		{ProviderID: 1, Secret: "a", Weight: 50, IsEnabled: true},
		{ProviderID: 1, Secret: "b", Weight: 100, IsEnabled: true},
		{ProviderID: 1, Secret: "c", Weight: 100, IsEnabled: true},
	}
	for _, k := range keys {
		require.NoError(t, db.Create(k).Error)
	}

	sel := NewCredentialSelector(db, zap.NewNop())
	require.NoError(t, sel.LoadKeys(ctx, 1))

	got, err := sel.Select(1)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Secret, "ties on weight break toward lower id")
}

func TestCredentialSelector_RespectsDailyQuota(t *testing.T) {
	db := setupCredentialsDB(t)
	ctx := context.Background()

	quota := int64(10)
	keys := []*LLMProviderAPIKey{
		{ProviderID: 1, Secret: "exhausted", Weight: 1000, IsEnabled: true, DailyQuota: &quota, UsageCount: 10},
		{ProviderID: 1, Secret: "fresh", Weight: 1, IsEnabled: true, DailyQuota: &quota, UsageCount: 0},
	}
	for _, k := range keys {
		require.NoError(t, db.Create(k).Error)
	}

	sel := NewCredentialSelector(db, zap.NewNop())
	require.NoError(t, sel.LoadKeys(ctx, 1))

	got, err := sel.Select(1)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Secret)
}

func TestCredentialSelector_NoneUsable(t *testing.T) {
	db := setupCredentialsDB(t)
	sel := NewCredentialSelector(db, zap.NewNop())
	require.NoError(t, sel.LoadKeys(context.Background(), 1))

	_, err := sel.Select(1)
	assert.ErrorIs(t, err, ErrNoAvailableAPIKey)
}
