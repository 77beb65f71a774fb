package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/llmgateway/gateway/config"
	"github.com/llmgateway/gateway/gateway/compress"
	"github.com/llmgateway/gateway/gateway/convert"
	"github.com/llmgateway/gateway/gateway/distribute"
	"github.com/llmgateway/gateway/gateway/httpapi"
	"github.com/llmgateway/gateway/gateway/provider"
	"github.com/llmgateway/gateway/gateway/relay"
	"github.com/llmgateway/gateway/gateway/riskcontrol"
	"github.com/llmgateway/gateway/gateway/store"
	"github.com/llmgateway/gateway/gateway/store/gormstore"
	"github.com/llmgateway/gateway/gateway/store/memstore"
	"github.com/llmgateway/gateway/gateway/tokenizer"
	"gorm.io/gorm"
)

func init() {
	tokenizer.RegisterOpenAITokenizers()
}

// newGatewayStore picks gormstore when a database connection is available,
// falling back to an in-process memstore for a single-tenant local run.
// Seeds memstore's cache/risk-control toggle rows from cfg.Gateway since it
// has no persistence of its own to read them back from; gormstore reads the
// same rows from the gateway_cache_config/gateway_risk_control_config
// tables instead and degrades to all-disabled defaults until an operator
// populates them.
func newGatewayStore(cfg *config.Config, db *gorm.DB, logger *zap.Logger) store.Store {
	if db != nil {
		gs := gormstore.New(db)
		if err := gs.AutoMigrate(); err != nil {
			logger.Error("gateway store auto-migrate failed", zap.Error(err))
		}
		return gs
	}

	logger.Warn("no database configured, gateway running on in-memory store (state does not survive restart)")
	ms := memstore.New()
	ms.SetCacheConfig(store.CacheConfig{
		PromptCacheEnabled:          cfg.Gateway.PromptCacheEnabled,
		ContextCompressionEnabled:   cfg.Gateway.ContextCompressionEnabled,
		ContextCompressionThreshold: cfg.Gateway.ContextCompressionThreshold,
		ContextCompressionTarget:    cfg.Gateway.ContextCompressionTarget,
		ContextCompressionStrategy:  store.CompressionStrategy(cfg.Gateway.ContextCompressionStrategy),
		SummaryModel:                cfg.Gateway.SummaryModel,
	})
	ms.SetRiskControlConfig(store.RiskControlConfig{
		ProxyPoolEnabled:     cfg.Gateway.ProxyPoolEnabled,
		RateLimiterEnabled:   cfg.Gateway.RateLimiterEnabled,
		HealthMonitorEnabled: cfg.Gateway.HealthMonitorEnabled,
		FingerprintEnabled:   cfg.Gateway.FingerprintEnabled,
	})
	return ms
}

// newDistributor builds the §4.6 candidate fleet from the static provider
// list in config. Credentials themselves live in the store, keyed by
// ProviderType, not here: the distributor only ever picks a provider type,
// never a specific key.
func newDistributor(cfg *config.Config) *distribute.Distributor {
	strategy := distribute.Strategy(cfg.Gateway.DistributorStrategy)
	dist := distribute.New(strategy, time.Now().UnixNano())

	providers := make([]*distribute.Provider, 0, len(cfg.Gateway.Providers))
	for _, p := range cfg.Gateway.Providers {
		models := make(map[string]bool, len(p.Models))
		for _, m := range p.Models {
			models[m] = true
		}
		providers = append(providers, &distribute.Provider{
			Name:    p.Name,
			Type:    p.Type,
			Enabled: p.Enabled,
			Models:  models,

			Priority: p.Priority,
			Weight:   p.Weight,
		})
	}
	dist.SetProviders(providers)
	return dist
}

// newAdapters wires one provider.Adapter per configured backend, sharing a
// single risk-control fabric across every adapter instance (§4.4: the
// fingerprint pool, rate limiter, proxy pool, and health monitor all track
// state across the whole fleet, not per-provider).
func newAdapters(cfg *config.Config, st provider.CredentialStore, logger *zap.Logger) map[string]provider.Adapter {
	rc := cfg.Gateway

	var limiter *riskcontrol.Limiter
	if rc.RateLimiterEnabled {
		limiter = riskcontrol.NewLimiter()
	}
	var headers *riskcontrol.HeadersBuilder
	if rc.FingerprintEnabled {
		headers = riskcontrol.NewHeadersBuilder(riskcontrol.NewFingerprintGenerator())
	}
	var proxies *riskcontrol.ProxyPool
	if rc.ProxyPoolEnabled {
		proxies = riskcontrol.NewProxyPool(riskcontrol.BindingSticky)
	}
	var health *riskcontrol.HealthMonitor
	if rc.HealthMonitorEnabled {
		health = riskcontrol.NewHealthMonitor()
	}

	adapters := make(map[string]provider.Adapter, len(rc.Providers))
	for _, p := range rc.Providers {
		if !p.Enabled {
			continue
		}
		adapterCfg := provider.Config{
			BaseURL: p.BaseURL,
			Logger:  logger,
			Limiter: limiter,
			Headers: headers,
			Proxies: proxies,
			Health:  health,
			Store:   st,
		}
		switch p.Type {
		case "openai":
			adapters[p.Type] = provider.NewOpenAIAdapter(adapterCfg)
		case "anthropic":
			adapters[p.Type] = provider.NewAnthropicAdapter(adapterCfg)
		case "gemini":
			adapters[p.Type] = provider.NewGeminiAdapter(adapterCfg)
		case "glm":
			adapters[p.Type] = provider.NewGLMAdapter(adapterCfg)
		case "kiro":
			adapters[p.Type] = provider.NewKiroAdapter(adapterCfg)
		default:
			logger.Warn("unknown gateway provider type, skipping adapter", zap.String("type", p.Type), zap.String("name", p.Name))
		}
	}
	return adapters
}

// newSummarizer builds the compress.Summarizer the context compressor's
// summary/hybrid strategies (§4.8) call out to, by routing a plain
// non-streaming OpenAI-format request through whichever configured adapter
// serves cfg.Gateway.SummaryModel. Returns nil if no adapter can serve it,
// in which case Compress falls back to sliding_window only (see
// gateway/compress.Compress).
func newSummarizer(adapters map[string]provider.Adapter, providers []config.GatewayProviderConfig, summaryModel string, st store.Store) compress.Summarizer {
	var summaryProviderType string
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		for _, m := range p.Models {
			if m == summaryModel {
				summaryProviderType = p.Type
				break
			}
		}
	}
	if summaryProviderType == "" {
		return nil
	}
	adapter, ok := adapters[summaryProviderType]
	if !ok {
		return nil
	}

	return func(ctx context.Context, model string, messages []convert.Message) (string, error) {
		cred, err := st.GetAvailableCredential(ctx, summaryProviderType)
		if err != nil {
			return "", fmt.Errorf("summarize: no credential for %s: %w", summaryProviderType, err)
		}
		conv, err := convert.New(convert.FormatOpenAI)
		if err != nil {
			return "", err
		}
		body, err := conv.RequestFromIR(&convert.Request{Model: model, Messages: messages, Stream: false})
		if err != nil {
			return "", fmt.Errorf("summarize: render request: %w", err)
		}
		chunks, err := adapter.Chat(ctx, &provider.Request{Model: model, Body: body, APIKey: cred.APIKey, CredentialID: cred.ID})
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		var out []byte
		for c := range chunks {
			if c.Err != nil {
				return "", fmt.Errorf("summarize: %w", c.Err)
			}
			out = append(out, c.Data...)
		}
		resp, err := conv.ResponseToIR(out)
		if err != nil {
			return "", fmt.Errorf("summarize: parse response: %w", err)
		}
		var text string
		for _, b := range resp.Content {
			text += b.Text
		}
		return text, nil
	}
}

// buildGatewayHandler assembles the full C1-C8 core from cfg and wires it
// into the §6 HTTP surface. Both store.Store implementations (memstore,
// gormstore) also implement provider.CredentialStore (Kiro's OIDC-refresh
// writeback, §4.5) even though store.Store itself doesn't declare those two
// methods; the type assertion below picks that up structurally, and a store
// that genuinely doesn't support it just runs adapters with a nil
// CredentialStore (handled by each adapter as a no-op persist, see
// gateway/provider/kiro.go).
func buildGatewayHandler(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *httpapi.Handler {
	st := newGatewayStore(cfg, db, logger)
	credStore, _ := st.(provider.CredentialStore)
	dist := newDistributor(cfg)
	adapters := newAdapters(cfg, credStore, logger)
	summarize := newSummarizer(adapters, cfg.Gateway.Providers, cfg.Gateway.SummaryModel, st)
	orch := relay.NewOrchestrator(dist, st, adapters, summarize, logger)
	return httpapi.New(orch, dist, st, logger)
}
