package resolver

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/wastebill/internal/domain"
)

// Cached memoizes Resolve results. A contract version never changes once
// stored, so (contract, version, asOf, wasteTypes) fully determines the RuleSet.
type Cached struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewCached wraps Resolve with a cache. A nil cache or zero ttl disables caching.
func NewCached(cache domain.Cache, ttl time.Duration) *Cached {
	return &Cached{cache: cache, ttl: ttl}
}

// Resolve returns a cached RuleSet or resolves and caches a fresh one.
// Cache failures are logged and never fail the resolution.
func (r *Cached) Resolve(ctx context.Context, c *domain.Contract, asOf time.Time, wasteTypes ...string) (*domain.RuleSet, error) {
	if r == nil || r.cache == nil || r.ttl <= 0 {
		return Resolve(c, asOf, wasteTypes...)
	}

	key := CacheKey(c, asOf, wasteTypes)
	if rs, err := r.cache.GetRuleSet(ctx, key); err != nil {
		slog.Warn("ruleset cache read failed", "key", key, "error", err)
	} else if rs != nil {
		return rs, nil
	}

	rs, err := Resolve(c, asOf, wasteTypes...)
	if err != nil {
		return nil, err
	}

	if err := r.cache.SetRuleSet(ctx, key, rs, r.ttl); err != nil {
		slog.Warn("ruleset cache write failed", "key", key, "error", err)
	}
	return rs, nil
}

// CacheKey builds the cache key for a resolution.
func CacheKey(c *domain.Contract, asOf time.Time, wasteTypes []string) string {
	types := append([]string(nil), wasteTypes...)
	sort.Strings(types)
	return strings.Join([]string{
		"ruleset",
		c.ID,
		"v" + strconv.Itoa(c.Version),
		asOf.UTC().Format(time.RFC3339Nano),
		strings.Join(types, ","),
	}, ":")
}
