// Package riskcontrol shapes outbound traffic toward upstream providers: it
// tracks per-credential health, rate-limits requests per scope, rotates
// proxies, and varnishes requests with browser fingerprints so a pool of
// credentials doesn't read as obviously automated traffic.
package riskcontrol

import (
	"sort"
	"sync"
	"time"
)

// Status is a credential's current health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusBanned    Status = "banned"
)

// RiskLevel is the severity accompanying a Status.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ErrorType classifies why a request failed, driving the health state machine.
type ErrorType string

const (
	ErrorNone      ErrorType = ""
	ErrorRateLimit ErrorType = "rate_limit"
	ErrorAuth      ErrorType = "auth"
	ErrorServer    ErrorType = "server"
	ErrorTimeout   ErrorType = "timeout"
)

const (
	banDuration      = 24 * time.Hour
	degradeDuration  = time.Hour
	recentWindow     = time.Hour
	authBanThreshold = 3
	rateLimitDegradeThreshold = 5
	consecutiveFailUnhealthy  = 10
)

// metrics accumulates the counters the status transitions are computed from.
type metrics struct {
	totalRequests    int
	failedRequests   int
	rateLimitErrors  int
	authErrors       int
	serverErrors     int
	timeoutErrors    int
	consecutiveFails int
	consecutiveRate  int

	lastSuccessAt time.Time
	lastFailureAt time.Time

	recentRequests []time.Time
	recentFailures []time.Time
}

func (m *metrics) successRate() float64 {
	if m.totalRequests == 0 {
		return 1.0
	}
	return 1.0 - float64(m.failedRequests)/float64(m.totalRequests)
}

func (m *metrics) recentFailureRate(now time.Time) float64 {
	cutoff := now.Add(-recentWindow)
	m.recentRequests = dropBefore(m.recentRequests, cutoff)
	m.recentFailures = dropBefore(m.recentFailures, cutoff)
	if len(m.recentRequests) == 0 {
		return 0
	}
	return float64(len(m.recentFailures)) / float64(len(m.recentRequests))
}

func dropBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// AccountHealth is one credential's rolling health record.
type AccountHealth struct {
	mu sync.Mutex

	CredentialID string
	metrics      metrics
	status       Status
	riskLevel    RiskLevel

	degradedUntil time.Time
	bannedUntil   time.Time
}

func newAccountHealth(credentialID string) *AccountHealth {
	return &AccountHealth{
		CredentialID: credentialID,
		status:       StatusHealthy,
		riskLevel:    RiskLow,
	}
}

// Record reports the outcome of one completed request and recomputes status.
func (h *AccountHealth) Record(success bool, responseTime time.Duration, errType ErrorType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.metrics.totalRequests++
	h.metrics.recentRequests = append(h.metrics.recentRequests, now)

	if success {
		h.metrics.consecutiveFails = 0
		h.metrics.consecutiveRate = 0
		h.metrics.lastSuccessAt = now
	} else {
		h.metrics.failedRequests++
		h.metrics.consecutiveFails++
		h.metrics.lastFailureAt = now
		h.metrics.recentFailures = append(h.metrics.recentFailures, now)

		switch errType {
		case ErrorRateLimit:
			h.metrics.rateLimitErrors++
			h.metrics.consecutiveRate++
		case ErrorAuth:
			h.metrics.authErrors++
		case ErrorServer:
			h.metrics.serverErrors++
		case ErrorTimeout:
			h.metrics.timeoutErrors++
		}
	}

	h.updateStatusLocked(now)
}

// updateStatusLocked recomputes status/riskLevel. Caller holds h.mu.
func (h *AccountHealth) updateStatusLocked(now time.Time) {
	if h.bannedUntil.After(now) {
		h.status = StatusBanned
		h.riskLevel = RiskCritical
		return
	}
	if h.degradedUntil.After(now) {
		h.status = StatusDegraded
		h.riskLevel = RiskCritical
		return
	}

	if h.metrics.authErrors >= authBanThreshold {
		h.status = StatusBanned
		h.riskLevel = RiskCritical
		h.bannedUntil = now.Add(banDuration)
		return
	}
	if h.metrics.consecutiveRate >= rateLimitDegradeThreshold {
		h.status = StatusDegraded
		h.riskLevel = RiskCritical
		h.degradedUntil = now.Add(degradeDuration)
		return
	}
	if h.metrics.consecutiveFails >= consecutiveFailUnhealthy {
		h.status = StatusUnhealthy
		h.riskLevel = RiskHigh
		return
	}

	switch rate := h.metrics.recentFailureRate(now); {
	case rate > 0.5:
		h.status = StatusDegraded
		h.riskLevel = RiskHigh
	case rate > 0.3:
		h.status = StatusDegraded
		h.riskLevel = RiskMedium
	case rate > 0.1:
		h.status = StatusHealthy
		h.riskLevel = RiskMedium
	default:
		h.status = StatusHealthy
		h.riskLevel = RiskLow
	}
}

// ManualDegrade forces a DEGRADED state for duration, bypassing the metric
// thresholds. Used by an operator wanting to pull a credential out of
// rotation without waiting for it to fail enough to trip automatically.
func (h *AccountHealth) ManualDegrade(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusDegraded
	h.riskLevel = RiskHigh
	h.degradedUntil = time.Now().Add(duration)
}

// ManualBan forces a BANNED state for duration.
func (h *AccountHealth) ManualBan(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusBanned
	h.riskLevel = RiskCritical
	h.bannedUntil = time.Now().Add(duration)
}

// Recover resets a credential back to HEALTHY, clearing timed blocks and
// consecutive-failure counters.
func (h *AccountHealth) Recover() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusHealthy
	h.riskLevel = RiskLow
	h.degradedUntil = time.Time{}
	h.bannedUntil = time.Time{}
	h.metrics.consecutiveFails = 0
	h.metrics.consecutiveRate = 0
}

// IsAvailable reports whether the credential may still be used.
func (h *AccountHealth) IsAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == StatusHealthy || h.status == StatusDegraded
}

// PriorityPenalty is the load-balancing weight multiplier for this status.
func (h *AccountHealth) PriorityPenalty() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return priorityPenalty(h.status)
}

func priorityPenalty(status Status) float64 {
	switch status {
	case StatusBanned:
		return 0.0
	case StatusUnhealthy:
		return 0.1
	case StatusDegraded:
		return 0.5
	default:
		return 1.0
	}
}

// Stats is a JSON-able snapshot of one credential's health record.
type Stats struct {
	CredentialID      string    `json:"credential_id"`
	Status            Status    `json:"status"`
	RiskLevel         RiskLevel `json:"risk_level"`
	SuccessRate       float64   `json:"success_rate"`
	RecentFailureRate float64   `json:"recent_failure_rate"`
	TotalRequests     int       `json:"total_requests"`
	FailedRequests    int       `json:"failed_requests"`
	ConsecutiveFails  int       `json:"consecutive_failures"`
	RateLimitErrors   int       `json:"rate_limit_errors"`
	AuthErrors        int       `json:"auth_errors"`
	DegradedUntil     time.Time `json:"degraded_until,omitempty"`
	BannedUntil       time.Time `json:"banned_until,omitempty"`
}

// GetStats returns a read-only snapshot of this credential's record.
func (h *AccountHealth) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	return Stats{
		CredentialID:      h.CredentialID,
		Status:            h.status,
		RiskLevel:         h.riskLevel,
		SuccessRate:       h.metrics.successRate(),
		RecentFailureRate: h.metrics.recentFailureRate(now),
		TotalRequests:     h.metrics.totalRequests,
		FailedRequests:    h.metrics.failedRequests,
		ConsecutiveFails:  h.metrics.consecutiveFails,
		RateLimitErrors:   h.metrics.rateLimitErrors,
		AuthErrors:        h.metrics.authErrors,
		DegradedUntil:     h.degradedUntil,
		BannedUntil:       h.bannedUntil,
	}
}

// Summary counts credentials per status.
type Summary struct {
	TotalAccounts int `json:"total_accounts"`
	Healthy       int `json:"healthy"`
	Degraded      int `json:"degraded"`
	Unhealthy     int `json:"unhealthy"`
	Banned        int `json:"banned"`
	Available     int `json:"available"`
}

// HealthMonitor tracks one AccountHealth record per credential.
type HealthMonitor struct {
	mu       sync.RWMutex
	accounts map[string]*AccountHealth
}

// NewHealthMonitor constructs an empty monitor. Credentials are lazily
// created on first Record/GetAccountHealth call.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{accounts: make(map[string]*AccountHealth)}
}

// GetAccountHealth returns the record for credentialID, creating it on
// first use.
func (m *HealthMonitor) GetAccountHealth(credentialID string) *AccountHealth {
	m.mu.RLock()
	h, ok := m.accounts[credentialID]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.accounts[credentialID]; ok {
		return h
	}
	h = newAccountHealth(credentialID)
	m.accounts[credentialID] = h
	return h
}

// Record reports a completed request's outcome for credentialID.
func (m *HealthMonitor) Record(credentialID string, success bool, responseTime time.Duration, errType ErrorType) {
	m.GetAccountHealth(credentialID).Record(success, responseTime, errType)
}

// Available returns the subset of credentialIDs that are HEALTHY or
// DEGRADED, sorted by priority weight (highest first).
func (m *HealthMonitor) Available(credentialIDs []string) []string {
	type scored struct {
		id       string
		priority float64
	}
	var candidates []scored
	for _, id := range credentialIDs {
		h := m.GetAccountHealth(id)
		if h.IsAvailable() {
			candidates = append(candidates, scored{id: id, priority: h.PriorityPenalty()})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority > candidates[j].priority
	})
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// AutoRecover clears any timed BANNED/DEGRADED block whose expiry has
// passed, returning the credential IDs that were recovered. Intended to be
// called from a periodic sweep.
func (m *HealthMonitor) AutoRecover() []string {
	now := time.Now()
	m.mu.RLock()
	accounts := make([]*AccountHealth, 0, len(m.accounts))
	for _, h := range m.accounts {
		accounts = append(accounts, h)
	}
	m.mu.RUnlock()

	var recovered []string
	for _, h := range accounts {
		h.mu.Lock()
		needsRecover := (h.status == StatusDegraded && h.degradedUntil.Before(now) && !h.degradedUntil.IsZero()) ||
			(h.status == StatusBanned && h.bannedUntil.Before(now) && !h.bannedUntil.IsZero())
		h.mu.Unlock()
		if needsRecover {
			h.Recover()
			recovered = append(recovered, h.CredentialID)
		}
	}
	return recovered
}

// RunSweepLoop runs AutoRecover every interval until ctx-free stop is
// requested via the returned cancel func.
func (m *HealthMonitor) RunSweepLoop(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				m.AutoRecover()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// GetAllStats returns a snapshot of every tracked credential.
func (m *HealthMonitor) GetAllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.accounts))
	for _, h := range m.accounts {
		out = append(out, h.GetStats())
	}
	return out
}

// GetSummary aggregates counts of credentials in each status.
func (m *HealthMonitor) GetSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Summary
	s.TotalAccounts = len(m.accounts)
	for _, h := range m.accounts {
		switch h.GetStats().Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		case StatusUnhealthy:
			s.Unhealthy++
		case StatusBanned:
			s.Banned++
		}
	}
	s.Available = s.Healthy + s.Degraded
	return s
}
