package riskcontrol

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// ProxyProtocol is the scheme a proxy speaks.
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxyHTTPS  ProxyProtocol = "https"
	ProxySOCKS5 ProxyProtocol = "socks5"
	ProxySOCKS4 ProxyProtocol = "socks4"
)

// BindingStrategy selects how a proxy is chosen for a credential.
type BindingStrategy string

const (
	BindingRandom     BindingStrategy = "random"
	BindingSticky     BindingStrategy = "sticky"
	BindingRoundRobin BindingStrategy = "round_robin"
	BindingLeastUsed  BindingStrategy = "least_used"
)

// ProxyConfig describes one upstream proxy endpoint.
type ProxyConfig struct {
	Host     string
	Port     int
	Protocol ProxyProtocol
	Username string
	Password string
	Country  string
	Region   string
	ISP      string
}

// URL renders the proxy as a dialable URL string.
func (c ProxyConfig) URL() string {
	if c.Username != "" && c.Password != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", c.Protocol, c.Username, c.Password, c.Host, c.Port)
	}
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

func (c ProxyConfig) String() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

const deadAfterConsecutiveFailures = 3

// proxyStats is one proxy's rolling health counters.
type proxyStats struct {
	totalRequests     int
	failedRequests    int
	totalResponseTime time.Duration
	lastUsedAt        time.Time
	lastCheckAt       time.Time
	alive             bool
	consecutiveFails  int
}

func (s *proxyStats) successRate() float64 {
	if s.totalRequests == 0 {
		return 1.0
	}
	return 1.0 - float64(s.failedRequests)/float64(s.totalRequests)
}

func (s *proxyStats) avgResponseTime() time.Duration {
	if s.totalRequests == 0 {
		return 0
	}
	return s.totalResponseTime / time.Duration(s.totalRequests)
}

// Proxy is one entry in a ProxyPool, tracking its own liveness and the set
// of credentials bound to it under BindingSticky.
type Proxy struct {
	mu sync.Mutex

	Config        ProxyConfig
	stats         proxyStats
	boundAccounts map[string]struct{}
}

func newProxy(cfg ProxyConfig) *Proxy {
	return &Proxy{
		Config:        cfg,
		stats:         proxyStats{alive: true},
		boundAccounts: make(map[string]struct{}),
	}
}

// RecordRequest records one request's outcome through this proxy. Three
// consecutive failures marks the proxy dead until its next successful
// health check.
func (p *Proxy) RecordRequest(responseTime time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.totalRequests++
	p.stats.totalResponseTime += responseTime
	p.stats.lastUsedAt = time.Now()

	if success {
		p.stats.consecutiveFails = 0
		return
	}
	p.stats.failedRequests++
	p.stats.consecutiveFails++
	if p.stats.consecutiveFails >= deadAfterConsecutiveFailures {
		p.stats.alive = false
	}
}

func (p *Proxy) isAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.alive
}

func (p *Proxy) boundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.boundAccounts)
}

func (p *Proxy) totalRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.totalRequests
}

func (p *Proxy) bind(credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boundAccounts[credentialID] = struct{}{}
}

func (p *Proxy) unbind(credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.boundAccounts, credentialID)
}

// healthCheckEndpoint is the well-known IP-echo endpoint used to verify a
// proxy is actually forwarding traffic.
const healthCheckEndpoint = "https://api.ipify.org?format=json"

// CheckHealth probes the proxy with a GET to healthCheckEndpoint. On a 200
// response it marks the proxy alive and clears its consecutive-failure
// counter.
func (p *Proxy) CheckHealth(ctx context.Context, client *http.Client) bool {
	p.mu.Lock()
	p.stats.lastCheckAt = time.Now()
	p.mu.Unlock()

	ok := p.probe(ctx, client)

	p.mu.Lock()
	p.stats.alive = ok
	if ok {
		p.stats.consecutiveFails = 0
	}
	p.mu.Unlock()
	return ok
}

func (p *Proxy) probe(ctx context.Context, client *http.Client) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthCheckEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// PoolStats summarizes a ProxyPool's current composition.
type PoolStats struct {
	TotalProxies  int             `json:"total_proxies"`
	AliveProxies  int             `json:"alive_proxies"`
	DeadProxies   int             `json:"dead_proxies"`
	Strategy      BindingStrategy `json:"strategy"`
	BoundAccounts int             `json:"bound_accounts"`
}

// ProxyPool selects a live Proxy for outbound requests according to a
// configured BindingStrategy.
type ProxyPool struct {
	mu              sync.Mutex
	strategy        BindingStrategy
	proxies         []*Proxy
	accountProxyMap map[string]*Proxy
	roundRobinIndex int
}

// NewProxyPool constructs an empty pool using the given binding strategy.
func NewProxyPool(strategy BindingStrategy) *ProxyPool {
	return &ProxyPool{
		strategy:        strategy,
		accountProxyMap: make(map[string]*Proxy),
	}
}

// AddProxy registers a new proxy configuration in the pool.
func (pool *ProxyPool) AddProxy(cfg ProxyConfig) *Proxy {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	p := newProxy(cfg)
	pool.proxies = append(pool.proxies, p)
	return p
}

// AddProxies registers a batch of proxy configurations.
func (pool *ProxyPool) AddProxies(cfgs []ProxyConfig) {
	for _, cfg := range cfgs {
		pool.AddProxy(cfg)
	}
}

// RemoveProxy drops a proxy from the pool and clears any credential
// bindings pointing at it.
func (pool *ProxyPool) RemoveProxy(p *Proxy) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for i, existing := range pool.proxies {
		if existing == p {
			pool.proxies = append(pool.proxies[:i], pool.proxies[i+1:]...)
			break
		}
	}
	for credentialID, bound := range pool.accountProxyMap {
		if bound == p {
			delete(pool.accountProxyMap, credentialID)
		}
	}
}

func (pool *ProxyPool) aliveProxiesLocked() []*Proxy {
	var alive []*Proxy
	for _, p := range pool.proxies {
		if p.isAlive() {
			alive = append(alive, p)
		}
	}
	return alive
}

// Acquire returns a live proxy for credentialID according to the pool's
// binding strategy, or nil if no proxy is currently alive.
func (pool *ProxyPool) Acquire(credentialID string) *Proxy {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	alive := pool.aliveProxiesLocked()
	if len(alive) == 0 {
		return nil
	}

	switch pool.strategy {
	case BindingSticky:
		if bound, ok := pool.accountProxyMap[credentialID]; ok {
			if bound.isAlive() {
				return bound
			}
			delete(pool.accountProxyMap, credentialID)
			bound.unbind(credentialID)
		}
		chosen := alive[0]
		for _, p := range alive[1:] {
			if p.boundCount() < chosen.boundCount() {
				chosen = p
			}
		}
		chosen.bind(credentialID)
		pool.accountProxyMap[credentialID] = chosen
		return chosen

	case BindingRoundRobin:
		p := alive[pool.roundRobinIndex%len(alive)]
		pool.roundRobinIndex++
		return p

	case BindingLeastUsed:
		chosen := alive[0]
		for _, p := range alive[1:] {
			if p.totalRequests() < chosen.totalRequests() {
				chosen = p
			}
		}
		return chosen

	default: // BindingRandom
		return alive[rand.Intn(len(alive))]
	}
}

// HealthCheckAll probes every proxy in the pool concurrently.
func (pool *ProxyPool) HealthCheckAll(ctx context.Context, client *http.Client) {
	pool.mu.Lock()
	proxies := append([]*Proxy(nil), pool.proxies...)
	pool.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range proxies {
		wg.Add(1)
		go func(p *Proxy) {
			defer wg.Done()
			p.CheckHealth(ctx, client)
		}(p)
	}
	wg.Wait()
}

// RunHealthCheckLoop probes every proxy every interval until the returned
// stop func is called.
func (pool *ProxyPool) RunHealthCheckLoop(ctx context.Context, client *http.Client, interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				pool.HealthCheckAll(ctx, client)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// Stats summarizes the pool's current composition.
func (pool *ProxyPool) Stats() PoolStats {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	alive := pool.aliveProxiesLocked()
	return PoolStats{
		TotalProxies:  len(pool.proxies),
		AliveProxies:  len(alive),
		DeadProxies:   len(pool.proxies) - len(alive),
		Strategy:      pool.strategy,
		BoundAccounts: len(pool.accountProxyMap),
	}
}
