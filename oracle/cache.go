package oracle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

// DefaultCacheTTL bounds how long a cached rate is served before the next
// chain call.
const DefaultCacheTTL = 30 * time.Second

// DefaultPair is the only currency pair the engine trades.
const DefaultPair = "USDC_ARS"

type cacheEntry struct {
	rate     decimal.Decimal
	source   string
	observed time.Time
}

// Cache is the process-wide rate cache, keyed by currency pair. It is read
// by many concurrent requests and written by quote misses and the refresh
// tick; entries expire by TTL only.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clk     clock.Clock
}

// NewCache builds a cache with the given TTL. A nil clock uses wall time;
// tests inject a mock clock.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clk:     clk,
	}
}

// Get returns the cached rate for a pair when it is still fresh.
func (c *Cache) Get(pair string) (decimal.Decimal, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[pair]
	if !ok || c.clk.Now().Sub(e.observed) >= c.ttl {
		return decimal.Zero, "", false
	}
	return e.rate, e.source, true
}

// Set records an observed rate for a pair.
func (c *Cache) Set(pair string, rate decimal.Decimal, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[pair] = cacheEntry{
		rate:     rate,
		source:   source,
		observed: c.clk.Now(),
	}
}
