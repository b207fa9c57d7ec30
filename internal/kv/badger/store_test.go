package badger

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value, err := s.Get(ctx, "aggcache", "missing")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if value != nil {
		t.Error("Expected nil for absent key")
	}

	if err := s.Set(ctx, "aggcache", "k1", []byte("v1")); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	value, err = s.Get(ctx, "aggcache", "k1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(value) != "v1" {
		t.Errorf("Get = %q, want %q", value, "v1")
	}

	if err := s.Delete(ctx, "aggcache", "k1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	value, _ = s.Get(ctx, "aggcache", "k1")
	if value != nil {
		t.Error("Key should be deleted")
	}

	if err := s.Delete(ctx, "aggcache", "k1"); err != nil {
		t.Errorf("Delete absent key error: %v", err)
	}
}

func TestStore_ListKeysPrefixIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "billing", "2026-08-11|vm-1", []byte("a"))
	_ = s.Set(ctx, "billing", "2026-08-10|vm-1", []byte("b"))
	_ = s.Set(ctx, "anomaly", "anomaly:latest", []byte("c"))

	keys, err := s.ListKeys(ctx, "billing")
	if err != nil {
		t.Fatalf("ListKeys error: %v", err)
	}
	want := []string{"2026-08-10|vm-1", "2026-08-11|vm-1"}
	if len(keys) != len(want) {
		t.Fatalf("ListKeys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("ListKeys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	keys, _ = s.ListKeys(ctx, "anomaly")
	if len(keys) != 1 || keys[0] != "anomaly:latest" {
		t.Errorf("anomaly ListKeys = %v", keys)
	}
}

func TestStore_DirForInMemory(t *testing.T) {
	s := newTestStore(t)
	if s.Dir() != "" {
		t.Errorf("Dir() = %q, want empty for in-memory store", s.Dir())
	}
}

func TestStore_PersistentDir(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Config{Path: dir})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	defer s.Close()

	if s.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", s.Dir(), dir)
	}

	ctx := context.Background()
	if err := s.Set(ctx, "settings", "storage", []byte(`{"mode":"persistent"}`)); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	value, err := s.Get(ctx, "settings", "storage")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if len(value) == 0 {
		t.Error("expected persisted value")
	}
}
