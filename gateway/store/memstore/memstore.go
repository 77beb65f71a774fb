// Package memstore is a mutex-guarded in-process implementation of
// gateway/store.Store, suitable for single-instance local running and as
// the fixture every other package's tests build against instead of a real
// database.
package memstore

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"

	"github.com/llmgateway/gateway/gateway/store"
)

// Store is an in-memory store.Store. The zero value is not usable; use New.
type Store struct {
	mu sync.Mutex

	credentials map[string]*store.Credential
	tokens      map[string]*store.Token
	users       map[string]*store.User
	logs        []store.LogRow

	cacheConfig       store.CacheConfig
	riskControlConfig store.RiskControlConfig

	rng *rand.Rand
}

// New constructs an empty Store with default values for the two config
// rows; callers typically mutate Store.SetCacheConfig/SetRiskControlConfig
// afterward to exercise non-default behavior in tests.
func New() *Store {
	return &Store{
		credentials: make(map[string]*store.Credential),
		tokens:      make(map[string]*store.Token),
		users:       make(map[string]*store.User),
		rng:         rand.New(rand.NewSource(1)),
		cacheConfig: store.CacheConfig{
			PromptCacheEnabled:          true,
			ContextCompressionEnabled:   true,
			ContextCompressionThreshold: 60000,
			ContextCompressionTarget:    40000,
			ContextCompressionStrategy:  store.CompressionSlidingWindow,
		},
		riskControlConfig: store.RiskControlConfig{
			ProxyPoolEnabled:     false,
			RateLimiterEnabled:   true,
			HealthMonitorEnabled: true,
			FingerprintEnabled:   true,
		},
	}
}

// SeedCredential registers a credential for test/local-running setup.
func (s *Store) SeedCredential(c *store.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = c
}

// SeedToken registers a token.
func (s *Store) SeedToken(t *store.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Key] = t
}

// SeedUser registers a user.
func (s *Store) SeedUser(u *store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// SetCacheConfig replaces the cache/compression config row.
func (s *Store) SetCacheConfig(c store.CacheConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheConfig = c
}

// SetRiskControlConfig replaces the risk-control toggle row.
func (s *Store) SetRiskControlConfig(c store.RiskControlConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskControlConfig = c
}

// Logs returns a snapshot of every row written via WriteLog, for test
// assertions.
func (s *Store) Logs() []store.LogRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.LogRow, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *Store) GetAvailableCredential(ctx context.Context, providerType string) (*store.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*store.Credential
	for _, c := range s.credentials {
		if c.ProviderType == providerType && c.Enabled {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}
	chosen := *candidates[s.rng.Intn(len(candidates))]
	return &chosen, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred *store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[cred.ID]; !ok {
		return store.ErrNotFound
	}
	updated := *cred
	s.credentials[cred.ID] = &updated
	return nil
}

func (s *Store) AddCredentialCredit(ctx context.Context, credentialID string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return store.ErrNotFound
	}
	c.CreditBalance += delta
	return nil
}

func (s *Store) AddCredentialTokens(ctx context.Context, credentialID string, in, out int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return store.ErrNotFound
	}
	c.TotalInputTokens += in
	c.TotalOutputTokens += out
	return nil
}

func (s *Store) GetToken(ctx context.Context, key string) (*store.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *Store) IncrementTokenUsage(ctx context.Context, tokenID string, in, out int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.ID == tokenID {
			t.TotalInputTokens += in
			t.TotalOutputTokens += out
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *Store) DecrementUserQuota(ctx context.Context, userID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if u.RemainingQuota < 0 {
		return nil // unlimited
	}
	u.RemainingQuota -= amount
	return nil
}

func (s *Store) AddUserTokens(ctx context.Context, userID string, in, out int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.TotalInputTokens += in
	u.TotalOutputTokens += out
	return nil
}

func (s *Store) WriteLog(ctx context.Context, row store.LogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, row)
	return nil
}

func (s *Store) GetCacheConfig(ctx context.Context) (*store.CacheConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cacheConfig
	return &cfg, nil
}

func (s *Store) GetRiskControlConfig(ctx context.Context) (*store.RiskControlConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.riskControlConfig
	return &cfg, nil
}

// PersistCredential implements provider.CredentialStore: it writes a
// refreshed Kiro credential JSON blob back onto the credential row.
func (s *Store) PersistCredential(ctx context.Context, credentialID string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return store.ErrNotFound
	}
	c.Raw = raw
	c.APIKey = string(raw)
	return nil
}

// AddCreditUsage implements provider.CredentialStore: it debits the
// credential's credit balance by delta (Kiro bills per-request credits).
func (s *Store) AddCreditUsage(ctx context.Context, credentialID string, delta float64) error {
	return s.AddCredentialCredit(ctx, credentialID, -delta)
}
