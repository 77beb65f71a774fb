//go:build cgo
// +build cgo

package gormstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/llmgateway/gateway/gateway/store"
)

func setupTestStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	s := New(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestGormStore_CredentialLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.db.Create(&CredentialRow{ID: "c1", ProviderType: "openai", Enabled: true, CreditBalance: 10}).Error)
	require.NoError(t, s.db.Create(&CredentialRow{ID: "c2", ProviderType: "openai", Enabled: false}).Error)

	cred, err := s.GetAvailableCredential(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "c1", cred.ID)

	_, err = s.GetAvailableCredential(ctx, "gemini")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AddCredentialCredit(ctx, "c1", -3))
	require.NoError(t, s.AddCredentialTokens(ctx, "c1", 100, 50))

	cred, err = s.GetAvailableCredential(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, 7.0, cred.CreditBalance)
	assert.Equal(t, int64(100), cred.TotalInputTokens)

	err = s.AddCredentialCredit(ctx, "missing", -1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGormStore_PersistCredential(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.db.Create(&CredentialRow{ID: "c1", ProviderType: "kiro", Enabled: true}).Error)

	require.NoError(t, s.PersistCredential(ctx, "c1", []byte(`{"accessToken":"new"}`)))

	cred, err := s.GetAvailableCredential(ctx, "kiro")
	require.NoError(t, err)
	assert.JSONEq(t, `{"accessToken":"new"}`, string(cred.Raw))
}

func TestGormStore_TokenAndUserQuota(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.db.Create(&TokenRow{ID: "t1", Key: "sk-test", UserID: "u1"}).Error)
	require.NoError(t, s.db.Create(&UserRow{ID: "u1", RemainingQuota: 5}).Error)

	tok, err := s.GetToken(ctx, "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "u1", tok.UserID)

	require.NoError(t, s.IncrementTokenUsage(ctx, "t1", 10, 5))
	require.NoError(t, s.DecrementUserQuota(ctx, "u1", 1.5))
	require.NoError(t, s.AddUserTokens(ctx, "u1", 10, 5))

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3.5, user.RemainingQuota)
	assert.Equal(t, int64(10), user.TotalInputTokens)
}

func TestGormStore_UnlimitedQuotaNeverDecrements(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.db.Create(&UserRow{ID: "u1", RemainingQuota: -1}).Error)

	require.NoError(t, s.DecrementUserQuota(ctx, "u1", 100))

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, -1.0, user.RemainingQuota)
}

func TestGormStore_WriteLogAndConfigRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteLog(ctx, store.LogRow{UserID: "u1", Status: 200, Model: "gpt-4o"}))

	var count int64
	require.NoError(t, s.db.Model(&LogRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, s.db.Create(&CacheConfigRow{
		PromptCacheEnabled: true, ContextCompressionStrategy: "hybrid",
	}).Error)
	cfg, err := s.GetCacheConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.PromptCacheEnabled)
	assert.Equal(t, store.CompressionHybrid, cfg.ContextCompressionStrategy)

	require.NoError(t, s.db.Create(&RiskControlConfigRow{RateLimiterEnabled: true}).Error)
	riskCfg, err := s.GetRiskControlConfig(ctx)
	require.NoError(t, err)
	assert.True(t, riskCfg.RateLimiterEnabled)
}
