// Package gormstore is a GORM-backed implementation of gateway/store.Store,
// following the teacher's llm/types.go table-definition idiom (explicit
// TableName, gorm struct tags, a table per concept). Schema migration
// ownership (choosing/running a migration tool) is out of scope; AutoMigrate
// is provided for local running and tests only.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"

	"gorm.io/gorm"

	"github.com/llmgateway/gateway/gateway/store"
)

// CredentialRow is the GORM model backing store.Credential.
type CredentialRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	ProviderType      string `gorm:"size:50;index:idx_provider_enabled"`
	APIKey            string `gorm:"type:text"`
	Enabled           bool   `gorm:"index:idx_provider_enabled"`
	Priority          int    `gorm:"default:100"`
	Weight            int    `gorm:"default:100"`
	CreditBalance     float64
	TotalInputTokens  int64
	TotalOutputTokens int64
	Raw               []byte `gorm:"type:text"`
}

func (CredentialRow) TableName() string { return "gateway_credentials" }

// TokenRow is the GORM model backing store.Token.
type TokenRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	Key               string `gorm:"size:200;uniqueIndex"`
	UserID            string `gorm:"size:64;index"`
	CrossGroupRetry   bool
	TotalInputTokens  int64
	TotalOutputTokens int64
}

func (TokenRow) TableName() string { return "gateway_tokens" }

// UserRow is the GORM model backing store.User.
type UserRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	RemainingQuota    float64
	TotalInputTokens  int64
	TotalOutputTokens int64
}

func (UserRow) TableName() string { return "gateway_users" }

// LogRow is the GORM model backing store.LogRow.
type LogRow struct {
	ID                uint   `gorm:"primaryKey"`
	UserID            string `gorm:"size:64;index"`
	ProviderType      string `gorm:"size:50"`
	Model             string `gorm:"size:100"`
	InputTokens       int64
	OutputTokens      int64
	CacheReadTokens   int64
	CacheCreateTokens int64
	DurationMs        int64
	Status            int
	Error             string `gorm:"type:text"`
	Compressed        bool
	OriginalTokens    int64
	CompressedTokens  int64
	CreatedAt         int64 `gorm:"autoCreateTime"`
}

func (LogRow) TableName() string { return "gateway_logs" }

// CacheConfigRow is the single-row GORM model backing store.CacheConfig.
type CacheConfigRow struct {
	ID                          uint `gorm:"primaryKey"`
	PromptCacheEnabled          bool
	ContextCompressionEnabled   bool
	ContextCompressionThreshold int
	ContextCompressionTarget    int
	ContextCompressionStrategy  string `gorm:"size:32"`
	SummaryModel                string `gorm:"size:100"`
}

func (CacheConfigRow) TableName() string { return "gateway_cache_config" }

// RiskControlConfigRow is the single-row GORM model backing
// store.RiskControlConfig.
type RiskControlConfigRow struct {
	ID                   uint `gorm:"primaryKey"`
	ProxyPoolEnabled     bool
	RateLimiterEnabled   bool
	HealthMonitorEnabled bool
	FingerprintEnabled   bool
}

func (RiskControlConfigRow) TableName() string { return "gateway_risk_control_config" }

// Store is a store.Store backed by a *gorm.DB.
type Store struct {
	db *gorm.DB
}

// New wraps db. Callers that want the schema created for local running can
// follow with AutoMigrate.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates/updates every table this store owns. Not called
// automatically: migration strategy for a durable deployment is the
// operator's choice.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&CredentialRow{}, &TokenRow{}, &UserRow{}, &LogRow{},
		&CacheConfigRow{}, &RiskControlConfigRow{},
	)
}

func toCredential(r *CredentialRow) *store.Credential {
	return &store.Credential{
		ID: r.ID, ProviderType: r.ProviderType, APIKey: r.APIKey, Enabled: r.Enabled,
		Priority: r.Priority, Weight: r.Weight, CreditBalance: r.CreditBalance,
		TotalInputTokens: r.TotalInputTokens, TotalOutputTokens: r.TotalOutputTokens,
		Raw: json.RawMessage(r.Raw),
	}
}

func (s *Store) GetAvailableCredential(ctx context.Context, providerType string) (*store.Credential, error) {
	var rows []CredentialRow
	if err := s.db.WithContext(ctx).
		Where("provider_type = ? AND enabled = ?", providerType, true).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return toCredential(&rows[rand.Intn(len(rows))]), nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred *store.Credential) error {
	row := CredentialRow{
		ID: cred.ID, ProviderType: cred.ProviderType, APIKey: cred.APIKey, Enabled: cred.Enabled,
		Priority: cred.Priority, Weight: cred.Weight, CreditBalance: cred.CreditBalance,
		TotalInputTokens: cred.TotalInputTokens, TotalOutputTokens: cred.TotalOutputTokens,
		Raw: []byte(cred.Raw),
	}
	res := s.db.WithContext(ctx).Model(&CredentialRow{}).Where("id = ?", cred.ID).Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddCredentialCredit(ctx context.Context, credentialID string, delta float64) error {
	res := s.db.WithContext(ctx).Model(&CredentialRow{}).Where("id = ?", credentialID).
		Update("credit_balance", gorm.Expr("credit_balance + ?", delta))
	return rowsAffectedOrNotFound(res)
}

func (s *Store) AddCredentialTokens(ctx context.Context, credentialID string, in, out int64) error {
	res := s.db.WithContext(ctx).Model(&CredentialRow{}).Where("id = ?", credentialID).
		Updates(map[string]any{
			"total_input_tokens":  gorm.Expr("total_input_tokens + ?", in),
			"total_output_tokens": gorm.Expr("total_output_tokens + ?", out),
		})
	return rowsAffectedOrNotFound(res)
}

func (s *Store) GetToken(ctx context.Context, key string) (*store.Token, error) {
	var row TokenRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &store.Token{
		ID: row.ID, Key: row.Key, UserID: row.UserID, CrossGroupRetry: row.CrossGroupRetry,
		TotalInputTokens: row.TotalInputTokens, TotalOutputTokens: row.TotalOutputTokens,
	}, nil
}

func (s *Store) IncrementTokenUsage(ctx context.Context, tokenID string, in, out int64) error {
	res := s.db.WithContext(ctx).Model(&TokenRow{}).Where("id = ?", tokenID).
		Updates(map[string]any{
			"total_input_tokens":  gorm.Expr("total_input_tokens + ?", in),
			"total_output_tokens": gorm.Expr("total_output_tokens + ?", out),
		})
	return rowsAffectedOrNotFound(res)
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	var row UserRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &store.User{
		ID: row.ID, RemainingQuota: row.RemainingQuota,
		TotalInputTokens: row.TotalInputTokens, TotalOutputTokens: row.TotalOutputTokens,
	}, nil
}

func (s *Store) DecrementUserQuota(ctx context.Context, userID string, amount float64) error {
	res := s.db.WithContext(ctx).Model(&UserRow{}).
		Where("id = ? AND remaining_quota >= 0", userID).
		Update("remaining_quota", gorm.Expr("remaining_quota - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	// RowsAffected == 0 also covers "quota is unlimited (negative)", which
	// is a no-op, not an error: only treat it as not-found if the user row
	// genuinely doesn't exist.
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&UserRow{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) AddUserTokens(ctx context.Context, userID string, in, out int64) error {
	res := s.db.WithContext(ctx).Model(&UserRow{}).Where("id = ?", userID).
		Updates(map[string]any{
			"total_input_tokens":  gorm.Expr("total_input_tokens + ?", in),
			"total_output_tokens": gorm.Expr("total_output_tokens + ?", out),
		})
	return rowsAffectedOrNotFound(res)
}

func (s *Store) WriteLog(ctx context.Context, row store.LogRow) error {
	return s.db.WithContext(ctx).Create(&LogRow{
		UserID: row.UserID, ProviderType: row.ProviderType, Model: row.Model,
		InputTokens: row.InputTokens, OutputTokens: row.OutputTokens,
		CacheReadTokens: row.CacheReadTokens, CacheCreateTokens: row.CacheCreateTokens,
		DurationMs: row.DurationMs, Status: row.Status, Error: row.Error,
		Compressed: row.Compressed, OriginalTokens: row.OriginalTokens,
		CompressedTokens: row.CompressedTokens,
	}).Error
}

func (s *Store) GetCacheConfig(ctx context.Context) (*store.CacheConfig, error) {
	var row CacheConfigRow
	err := s.db.WithContext(ctx).Order("id ASC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &store.CacheConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &store.CacheConfig{
		PromptCacheEnabled:          row.PromptCacheEnabled,
		ContextCompressionEnabled:   row.ContextCompressionEnabled,
		ContextCompressionThreshold: row.ContextCompressionThreshold,
		ContextCompressionTarget:    row.ContextCompressionTarget,
		ContextCompressionStrategy:  store.CompressionStrategy(row.ContextCompressionStrategy),
		SummaryModel:                row.SummaryModel,
	}, nil
}

func (s *Store) GetRiskControlConfig(ctx context.Context) (*store.RiskControlConfig, error) {
	var row RiskControlConfigRow
	err := s.db.WithContext(ctx).Order("id ASC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &store.RiskControlConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &store.RiskControlConfig{
		ProxyPoolEnabled: row.ProxyPoolEnabled, RateLimiterEnabled: row.RateLimiterEnabled,
		HealthMonitorEnabled: row.HealthMonitorEnabled, FingerprintEnabled: row.FingerprintEnabled,
	}, nil
}

// PersistCredential implements provider.CredentialStore.
func (s *Store) PersistCredential(ctx context.Context, credentialID string, raw json.RawMessage) error {
	res := s.db.WithContext(ctx).Model(&CredentialRow{}).Where("id = ?", credentialID).
		Updates(map[string]any{"raw": []byte(raw), "api_key": string(raw)})
	return rowsAffectedOrNotFound(res)
}

// AddCreditUsage implements provider.CredentialStore.
func (s *Store) AddCreditUsage(ctx context.Context, credentialID string, delta float64) error {
	return s.AddCredentialCredit(ctx, credentialID, -delta)
}

func rowsAffectedOrNotFound(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
