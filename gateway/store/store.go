// Package store defines the persistence contract the gateway core consumes
// (§6): credential/token/user lookups and counters, log rows, and the two
// small config rows (cache/compression, risk-control toggles) read per call.
// Any type satisfying Store works; memstore and gormstore are the two
// implementations this repo ships.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by lookup methods when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// Credential is one upstream API key/token entry for a provider.
type Credential struct {
	ID           string
	ProviderType string
	// APIKey is the bearer value sent upstream for most providers, or the
	// raw JSON credential blob for Kiro (see gateway/provider.KiroAdapter).
	APIKey  string
	Enabled bool

	Priority int
	Weight   int

	CreditBalance    float64
	TotalInputTokens int64
	TotalOutputTokens int64

	// Raw is set for credentials whose APIKey is itself structured JSON
	// (Kiro). Adapters persist a refreshed blob back through
	// PersistCredential/Raw rather than through APIKey.
	Raw json.RawMessage
}

// Token is a gateway-issued API key presented by a client.
type Token struct {
	ID              string
	Key             string
	UserID          string
	CrossGroupRetry bool

	TotalInputTokens  int64
	TotalOutputTokens int64
}

// User owns a Token and a quota budget.
type User struct {
	ID string
	// RemainingQuota is a credit balance; a negative value means unlimited.
	RemainingQuota    float64
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// LogRow is one relay attempt's accounting record, per §4.7 step 4/5.
type LogRow struct {
	UserID             string
	ProviderType       string
	Model              string
	InputTokens        int64
	OutputTokens       int64
	CacheReadTokens    int64
	CacheCreateTokens  int64
	DurationMs         int64
	Status             int
	Error              string
	Compressed         bool
	OriginalTokens     int64
	CompressedTokens   int64
	CreatedAt          time.Time
}

// CompressionStrategy selects the context-compressor algorithm (§4.8).
type CompressionStrategy string

const (
	CompressionSlidingWindow CompressionStrategy = "sliding_window"
	CompressionSummary       CompressionStrategy = "summary"
	CompressionHybrid        CompressionStrategy = "hybrid"
)

// CacheConfig is the per-call prompt-cache/context-compression toggle row.
type CacheConfig struct {
	PromptCacheEnabled          bool
	ContextCompressionEnabled   bool
	ContextCompressionThreshold int
	ContextCompressionTarget    int
	ContextCompressionStrategy  CompressionStrategy
	// SummaryModel names the cheap GLM-family model the summary/hybrid
	// strategies call out to (§4.8).
	SummaryModel string
}

// RiskControlConfig is the per-call toggle row for the risk-control fabric
// (§4.4): each concern can be switched off independently without removing
// the underlying pool/limiter/monitor construction.
type RiskControlConfig struct {
	ProxyPoolEnabled     bool
	RateLimiterEnabled   bool
	HealthMonitorEnabled bool
	FingerprintEnabled   bool
}

// Store is the full persistence contract the relay orchestrator and
// distributor consume (§6). Every method takes a ctx so a GORM-backed
// implementation can bound each call to a single short transaction.
type Store interface {
	// GetAvailableCredential returns a random enabled credential for
	// providerType, or ErrNotFound if none are enabled.
	GetAvailableCredential(ctx context.Context, providerType string) (*Credential, error)
	UpdateCredential(ctx context.Context, cred *Credential) error
	AddCredentialCredit(ctx context.Context, credentialID string, delta float64) error
	AddCredentialTokens(ctx context.Context, credentialID string, in, out int64) error

	GetToken(ctx context.Context, key string) (*Token, error)
	IncrementTokenUsage(ctx context.Context, tokenID string, in, out int64) error

	GetUser(ctx context.Context, id string) (*User, error)
	DecrementUserQuota(ctx context.Context, userID string, amount float64) error
	AddUserTokens(ctx context.Context, userID string, in, out int64) error

	WriteLog(ctx context.Context, row LogRow) error

	GetCacheConfig(ctx context.Context) (*CacheConfig, error)
	GetRiskControlConfig(ctx context.Context) (*RiskControlConfig, error)
}
