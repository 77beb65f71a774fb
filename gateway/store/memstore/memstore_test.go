package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/gateway/store"
)

func TestStore_GetAvailableCredential(t *testing.T) {
	s := New()
	s.SeedCredential(&store.Credential{ID: "c1", ProviderType: "openai", Enabled: true})
	s.SeedCredential(&store.Credential{ID: "c2", ProviderType: "openai", Enabled: false})
	s.SeedCredential(&store.Credential{ID: "c3", ProviderType: "anthropic", Enabled: true})

	ctx := context.Background()
	cred, err := s.GetAvailableCredential(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "c1", cred.ID)

	_, err = s.GetAvailableCredential(ctx, "gemini")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_CredentialCreditAndTokenAccounting(t *testing.T) {
	s := New()
	s.SeedCredential(&store.Credential{ID: "c1", ProviderType: "kiro", Enabled: true, CreditBalance: 10})

	ctx := context.Background()
	require.NoError(t, s.AddCredentialCredit(ctx, "c1", -2.5))
	require.NoError(t, s.AddCredentialTokens(ctx, "c1", 100, 50))

	cred, err := s.GetAvailableCredential(ctx, "kiro")
	require.NoError(t, err)
	assert.Equal(t, 7.5, cred.CreditBalance)
	assert.Equal(t, int64(100), cred.TotalInputTokens)
	assert.Equal(t, int64(50), cred.TotalOutputTokens)
}

func TestStore_PersistCredential(t *testing.T) {
	s := New()
	s.SeedCredential(&store.Credential{ID: "c1", ProviderType: "kiro", Enabled: true})

	ctx := context.Background()
	require.NoError(t, s.PersistCredential(ctx, "c1", []byte(`{"accessToken":"new"}`)))

	cred, err := s.GetAvailableCredential(ctx, "kiro")
	require.NoError(t, err)
	assert.JSONEq(t, `{"accessToken":"new"}`, string(cred.Raw))

	err = s.PersistCredential(ctx, "missing", []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_TokenAndUserQuota(t *testing.T) {
	s := New()
	s.SeedToken(&store.Token{ID: "t1", Key: "sk-test", UserID: "u1"})
	s.SeedUser(&store.User{ID: "u1", RemainingQuota: 5})

	ctx := context.Background()
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

func TestStore_UnlimitedQuotaNeverDecrements(t *testing.T) {
	s := New()
	s.SeedUser(&store.User{ID: "u1", RemainingQuota: -1})

	ctx := context.Background()
	require.NoError(t, s.DecrementUserQuota(ctx, "u1", 100))

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, -1.0, user.RemainingQuota)
}

func TestStore_WriteLogAndConfigRows(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WriteLog(ctx, store.LogRow{UserID: "u1", Status: 200, Model: "gpt-4o"}))
	assert.Len(t, s.Logs(), 1)

	cacheCfg, err := s.GetCacheConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cacheCfg.PromptCacheEnabled)

	riskCfg, err := s.GetRiskControlConfig(ctx)
	require.NoError(t, err)
	assert.True(t, riskCfg.RateLimiterEnabled)

	s.SetCacheConfig(store.CacheConfig{ContextCompressionStrategy: store.CompressionHybrid})
	cacheCfg, err = s.GetCacheConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.CompressionHybrid, cacheCfg.ContextCompressionStrategy)
}
