package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"costwatch-go/internal/kv"
	kvmemory "costwatch-go/internal/kv/memory"
)

// fakeClock is a controllable time source for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) (*Cache, *kvmemory.Store, *fakeClock) {
	t.Helper()

	store := kvmemory.NewStore()
	clock := newFakeClock()
	c := New(store, testLogger(), WithClock(clock.Now))
	return c, store, clock
}

func TestCache_SetGet(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "daily:2026-08"); ok {
		t.Error("expected miss on empty cache")
	}

	payload := []byte(`[{"date":"2026-08-10","total":12.5}]`)
	if err := c.Set(ctx, "daily:2026-08", "daily_costs", payload, time.Hour); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	value, ok := c.Get(ctx, "daily:2026-08")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(value) != string(payload) {
		t.Errorf("Get = %s, want %s", value, payload)
	}

	entry, ok := c.GetEntry(ctx, "daily:2026-08")
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.Kind != "daily_costs" {
		t.Errorf("Kind = %q, want %q", entry.Kind, "daily_costs")
	}
}

func TestCache_LazyExpiry(t *testing.T) {
	c, store, clock := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "kpi:month", "kpi", []byte(`{}`), time.Hour)

	clock.Advance(59 * time.Minute)
	if _, ok := c.Get(ctx, "kpi:month"); !ok {
		t.Fatal("entry should still be live before TTL")
	}

	clock.Advance(2 * time.Minute)
	if _, ok := c.Get(ctx, "kpi:month"); ok {
		t.Fatal("entry should be expired past TTL")
	}

	// The expired read also removed the underlying record.
	if store.Len(kv.NamespaceCache) != 0 {
		t.Error("expired entry should be deleted on read")
	}
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c, _, clock := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "settings-derived", "kpi", []byte(`{}`), 0)
	clock.Advance(1000 * time.Hour)

	if _, ok := c.Get(ctx, "settings-derived"); !ok {
		t.Error("zero-TTL entry must not expire")
	}
}

func TestCache_InvalidateKind(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "daily:a", "daily_costs", []byte(`1`), time.Hour)
	_ = c.Set(ctx, "daily:b", "daily_costs", []byte(`2`), time.Hour)
	_ = c.Set(ctx, "kpi:a", "kpi", []byte(`3`), time.Hour)

	removed, err := c.InvalidateKind(ctx, "daily_costs")
	if err != nil {
		t.Fatalf("InvalidateKind error: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, ok := c.Get(ctx, "daily:a"); ok {
		t.Error("daily:a should be gone")
	}
	if _, ok := c.Get(ctx, "kpi:a"); !ok {
		t.Error("kpi:a should survive")
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "a", "daily_costs", []byte(`1`), time.Hour)
	_ = c.Set(ctx, "b", "kpi", []byte(`2`), time.Hour)

	removed, err := c.InvalidateAll(ctx)
	if err != nil {
		t.Fatalf("InvalidateAll error: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if stats := c.Stats(ctx); stats.LiveEntries != 0 {
		t.Errorf("LiveEntries = %d, want 0", stats.LiveEntries)
	}
}

func TestCache_Cleanup(t *testing.T) {
	c, store, clock := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "old", "daily_costs", []byte(`1`), time.Minute)
	_ = c.Set(ctx, "young", "daily_costs", []byte(`2`), time.Hour)
	clock.Advance(5 * time.Minute)

	removed, err := c.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if store.Len(kv.NamespaceCache) != 1 {
		t.Errorf("store entries = %d, want 1", store.Len(kv.NamespaceCache))
	}
}

func TestCache_CorruptEntryIsMissAndSwept(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()

	_ = store.Set(ctx, kv.NamespaceCache, "bad", []byte("{not json"))

	if _, ok := c.Get(ctx, "bad"); ok {
		t.Error("corrupt entry must read as miss")
	}
	if store.Len(kv.NamespaceCache) != 0 {
		t.Error("corrupt entry should be dropped on read")
	}
}

func TestCache_SetNilZeroTTLInvalidates(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", "kpi", []byte(`{}`), time.Hour)
	if err := c.Set(ctx, "k", "kpi", nil, 0); err != nil {
		t.Fatalf("Set(nil, 0) error: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("nil payload with zero TTL must invalidate the entry")
	}
}

func TestCache_Stats(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", "kpi", []byte(`{}`), time.Hour)

	c.Get(ctx, "k")       // hit
	c.Get(ctx, "absent")  // miss
	c.Get(ctx, "absent2") // miss

	stats := c.Stats(ctx)
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("stats = %+v, want 1 hit, 2 misses", stats)
	}
	if got := stats.HitRate(); got < 0.33 || got > 0.34 {
		t.Errorf("HitRate = %f, want ~0.333", got)
	}
	if stats.LiveEntries != 1 {
		t.Errorf("LiveEntries = %d, want 1", stats.LiveEntries)
	}
	if stats.EntriesByKind["kpi"] != 1 {
		t.Errorf("EntriesByKind = %v, want kpi:1", stats.EntriesByKind)
	}
	if stats.TotalSizeBytes <= 0 {
		t.Errorf("TotalSizeBytes = %d, want > 0", stats.TotalSizeBytes)
	}
}

func TestEntry_EnvelopeRoundtrip(t *testing.T) {
	entry := Entry{
		Key:      "daily:2026-08",
		Kind:     "daily_costs",
		CachedAt: time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC),
		TTL:      time.Hour,
		Value:    json.RawMessage(`{"total":1}`),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Entry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Kind != entry.Kind || decoded.TTL != entry.TTL {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}
	if !decoded.Expired(entry.CachedAt.Add(2 * time.Hour)) {
		t.Error("entry should be expired two hours after caching")
	}
	if decoded.Expired(entry.CachedAt.Add(30 * time.Minute)) {
		t.Error("entry should be live at half TTL")
	}
}
