package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/wastebill/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := cache.Get(ctx, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
		clocked := NewLRUCache(10)
		clocked.now = func() time.Time { return now }

		_ = clocked.Set(ctx, "expiring", []byte("temp"), time.Minute)
		if val, _ := clocked.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		now = now.Add(2 * time.Minute)
		if val, _ := clocked.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := clocked.Stats(); size != 0 {
			t.Errorf("expected expired entry to be removed, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, "c", []byte("3"), time.Minute)

		// Touch "a" so "b" becomes the oldest.
		_, _ = small.Get(ctx, "a")
		_ = small.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to survive")
		}
		if size, capacity := small.Stats(); size != 3 || capacity != 3 {
			t.Errorf("expected 3/3, got %d/%d", size, capacity)
		}
	})

	t.Run("RuleSet", func(t *testing.T) {
		rs := &domain.RuleSet{ContractID: "C-100", ContractVersion: 2, Versions: []string{"waste_rate:R-paper-1"}}
		if err := cache.SetRuleSet(ctx, "ruleset:C-100", rs, time.Minute); err != nil {
			t.Fatalf("SetRuleSet failed: %v", err)
		}

		got, err := cache.GetRuleSet(ctx, "ruleset:C-100")
		if err != nil {
			t.Fatalf("GetRuleSet failed: %v", err)
		}
		if got != rs {
			t.Error("expected the cached rule set to be returned as stored")
		}

		if miss, _ := cache.GetRuleSet(ctx, "ruleset:C-404"); miss != nil {
			t.Error("expected nil on miss")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	l1 := NewLRUCache(10)
	l2 := NewLRUCache(10)
	tp := newTwoPhase(l1, l2, time.Minute)

	t.Run("SetWritesBothLevels", func(t *testing.T) {
		_ = tp.Set(ctx, "k", []byte("v"), time.Hour)

		if val, _ := l1.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected value in L1")
		}
		if val, _ := l2.Get(ctx, "k"); string(val) != "v" {
			t.Error("expected value in L2")
		}
	})

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		rs := &domain.RuleSet{ContractID: "C-100"}
		_ = l2.SetRuleSet(ctx, "rs", rs, time.Hour)

		got, err := tp.GetRuleSet(ctx, "rs")
		if err != nil || got == nil || got.ContractID != "C-100" {
			t.Fatalf("expected rule set from L2, got %v (%v)", got, err)
		}
		if cached, _ := l1.GetRuleSet(ctx, "rs"); cached == nil {
			t.Error("expected L1 to be populated")
		}
	})

	t.Run("DeleteBothLevels", func(t *testing.T) {
		_ = tp.Delete(ctx, "k")
		if val, _ := tp.Get(ctx, "k"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("L1TTLNeverExceedsRequested", func(t *testing.T) {
		if got := tp.localTTL(time.Second); got != time.Second {
			t.Errorf("expected 1s, got %v", got)
		}
		if got := tp.localTTL(time.Hour); got != time.Minute {
			t.Errorf("expected 1m, got %v", got)
		}
	})
}

func TestNewUnsupportedType(t *testing.T) {
	if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported cache type")
	}
}
