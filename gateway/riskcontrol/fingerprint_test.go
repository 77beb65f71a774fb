package riskcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFingerprintGenerator_PoolSize(t *testing.T) {
	g := NewFingerprintGenerator()
	assert.Len(t, g.pool, fingerprintPoolSize)
	for _, fp := range g.pool {
		assert.NotEmpty(t, fp.UserAgent)
		assert.NotEmpty(t, fp.AcceptLanguage)
	}
}

func TestFingerprintGenerator_ForCredentialIsStable(t *testing.T) {
	g := NewFingerprintGenerator()
	first := g.ForCredential("account-42")
	second := g.ForCredential("account-42")
	assert.Equal(t, first, second)
}

func TestFingerprintGenerator_ForCredentialVariesAcrossIDs(t *testing.T) {
	g := NewFingerprintGenerator()
	seen := make(map[string]bool)
	for i := 0; i < fingerprintPoolSize*2; i++ {
		fp := g.ForCredential(string(rune('a' + i%26)))
		seen[fp.UserAgent] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestHeadersBuilder_MergesFingerprintAndAuth(t *testing.T) {
	g := NewFingerprintGenerator()
	b := NewHeadersBuilder(g)

	headers := b.BuildHeaders("cred-1", "sk-test", map[string]string{"X-Custom": "1"}, true)

	assert.Equal(t, "1", headers["X-Custom"])
	require.NotEmpty(t, headers["User-Agent"])
	assert.Equal(t, "Bearer sk-test", headers["Authorization"])
	assert.Equal(t, "empty", headers["Sec-Fetch-Dest"])
	assert.Equal(t, "cors", headers["Sec-Fetch-Mode"])
	assert.Equal(t, "same-origin", headers["Sec-Fetch-Site"])
}

func TestHeadersBuilder_DoesNotOverrideExistingAuthorization(t *testing.T) {
	g := NewFingerprintGenerator()
	b := NewHeadersBuilder(g)

	headers := b.BuildHeaders("cred-1", "sk-test", map[string]string{"Authorization": "x-api-key sk-upstream"}, true)
	assert.Equal(t, "x-api-key sk-upstream", headers["Authorization"])
}

func TestHeadersBuilder_StickyMatchesGeneratorForCredential(t *testing.T) {
	g := NewFingerprintGenerator()
	b := NewHeadersBuilder(g)

	headers := b.BuildHeaders("cred-7", "", nil, true)
	want := g.ForCredential("cred-7")
	assert.Equal(t, want.UserAgent, headers["User-Agent"])
}
