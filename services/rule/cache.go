package rule

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_miss_total"})
)

func init() {
	prometheus.DefaultRegisterer.MustRegister(cacheHits, cacheMiss)
}

type RuleSetKey struct {
	MerchantID string
	ProgramID  string
}

type CachedRuleSet struct {
	Rules     []PointsRule
	UpdatedAt time.Time
}

// RuleCache keeps the active rule set per {merchant, program} with a TTL.
// Concurrent misses for the same key share one load via singleflight.
type RuleCache struct {
	mu    sync.RWMutex
	items map[RuleSetKey]*CachedRuleSet
	ttl   time.Duration
	group singleflight.Group
}

func NewRuleCache(ttl time.Duration) *RuleCache {
	return &RuleCache{
		items: make(map[RuleSetKey]*CachedRuleSet),
		ttl:   ttl,
	}
}

func (c *RuleCache) Get(key RuleSetKey) (*CachedRuleSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok || (c.ttl > 0 && time.Since(v.UpdatedAt) > c.ttl) {
		return nil, false
	}
	return v, true
}

func (c *RuleCache) Set(key RuleSetKey, v *CachedRuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = v
}

func (c *RuleCache) Invalidate(key RuleSetKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// GetOrLoad returns the cached rule set or loads it, deduplicating
// concurrent loads for the same key.
func (c *RuleCache) GetOrLoad(ctx context.Context, key RuleSetKey, load func(context.Context) ([]PointsRule, error)) ([]PointsRule, error) {
	if v, ok := c.Get(key); ok {
		cacheHits.Inc()
		return v.Rules, nil
	}
	cacheMiss.Inc()

	flightKey := key.MerchantID + ":" + key.ProgramID
	result, err, _ := c.group.Do(flightKey, func() (any, error) {
		rules, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, &CachedRuleSet{Rules: rules, UpdatedAt: time.Now()})
		return rules, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]PointsRule), nil
}
