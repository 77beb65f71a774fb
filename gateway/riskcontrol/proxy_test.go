package riskcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfg(host string, port int) ProxyConfig {
	return ProxyConfig{Host: host, Port: port, Protocol: ProxyHTTP}
}

func TestProxyConfig_URL(t *testing.T) {
	c := ProxyConfig{Host: "10.0.0.1", Port: 8080, Protocol: ProxyHTTPS, Username: "u", Password: "p"}
	assert.Equal(t, "https://u:p@10.0.0.1:8080", c.URL())

	plain := cfg("10.0.0.2", 3128)
	assert.Equal(t, "http://10.0.0.2:3128", plain.URL())
}

func TestProxy_RecordRequestMarksDeadAfterThreeFailures(t *testing.T) {
	p := newProxy(cfg("10.0.0.1", 3128))
	assert.True(t, p.isAlive())

	p.RecordRequest(10*time.Millisecond, false)
	p.RecordRequest(10*time.Millisecond, false)
	assert.True(t, p.isAlive())

	p.RecordRequest(10*time.Millisecond, false)
	assert.False(t, p.isAlive())
}

func TestProxy_SuccessResetsConsecutiveFailures(t *testing.T) {
	p := newProxy(cfg("10.0.0.1", 3128))
	p.RecordRequest(10*time.Millisecond, false)
	p.RecordRequest(10*time.Millisecond, false)
	p.RecordRequest(10*time.Millisecond, true)
	p.RecordRequest(10*time.Millisecond, false)
	p.RecordRequest(10*time.Millisecond, false)
	assert.True(t, p.isAlive())
}

func TestProxyPool_StickyBindsSameProxyToAccount(t *testing.T) {
	pool := NewProxyPool(BindingSticky)
	pool.AddProxy(cfg("10.0.0.1", 1))
	pool.AddProxy(cfg("10.0.0.2", 2))

	first := pool.Acquire("cred-1")
	require.NotNil(t, first)
	second := pool.Acquire("cred-1")
	assert.Same(t, first, second)
}

func TestProxyPool_StickyRebindsWhenProxyDies(t *testing.T) {
	pool := NewProxyPool(BindingSticky)
	p1 := pool.AddProxy(cfg("10.0.0.1", 1))
	pool.AddProxy(cfg("10.0.0.2", 2))

	bound := pool.Acquire("cred-1")
	require.Same(t, p1, bound)

	p1.RecordRequest(time.Millisecond, false)
	p1.RecordRequest(time.Millisecond, false)
	p1.RecordRequest(time.Millisecond, false)
	require.False(t, p1.isAlive())

	rebound := pool.Acquire("cred-1")
	require.NotNil(t, rebound)
	assert.NotSame(t, p1, rebound)
}

func TestProxyPool_RoundRobinCyclesProxies(t *testing.T) {
	pool := NewProxyPool(BindingRoundRobin)
	p1 := pool.AddProxy(cfg("10.0.0.1", 1))
	p2 := pool.AddProxy(cfg("10.0.0.2", 2))

	first := pool.Acquire("x")
	secondAcquire := pool.Acquire("x")
	assert.NotSame(t, first, secondAcquire)
	assert.ElementsMatch(t, []*Proxy{p1, p2}, []*Proxy{first, secondAcquire})
}

func TestProxyPool_LeastUsedPrefersFewerRequests(t *testing.T) {
	pool := NewProxyPool(BindingLeastUsed)
	p1 := pool.AddProxy(cfg("10.0.0.1", 1))
	p2 := pool.AddProxy(cfg("10.0.0.2", 2))

	p1.RecordRequest(time.Millisecond, true)
	p1.RecordRequest(time.Millisecond, true)

	chosen := pool.Acquire("x")
	assert.Same(t, p2, chosen)
}

func TestProxyPool_NoAliveProxiesReturnsNil(t *testing.T) {
	pool := NewProxyPool(BindingRandom)
	p := pool.AddProxy(cfg("10.0.0.1", 1))
	p.RecordRequest(time.Millisecond, false)
	p.RecordRequest(time.Millisecond, false)
	p.RecordRequest(time.Millisecond, false)

	assert.Nil(t, pool.Acquire("x"))
}

func TestProxyPool_RemoveProxyClearsBinding(t *testing.T) {
	pool := NewProxyPool(BindingSticky)
	p1 := pool.AddProxy(cfg("10.0.0.1", 1))
	pool.AddProxy(cfg("10.0.0.2", 2))
	pool.Acquire("cred-1")

	pool.RemoveProxy(p1)
	stats := pool.Stats()
	assert.Equal(t, 1, stats.TotalProxies)
	assert.Equal(t, 0, stats.BoundAccounts)
}

func TestProxyPool_Stats(t *testing.T) {
	pool := NewProxyPool(BindingRandom)
	pool.AddProxy(cfg("10.0.0.1", 1))
	dead := pool.AddProxy(cfg("10.0.0.2", 2))
	dead.RecordRequest(time.Millisecond, false)
	dead.RecordRequest(time.Millisecond, false)
	dead.RecordRequest(time.Millisecond, false)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.TotalProxies)
	assert.Equal(t, 1, stats.AliveProxies)
	assert.Equal(t, 1, stats.DeadProxies)
}
