package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/kv"
	kvmemory "costwatch-go/internal/kv/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func controllerNow() time.Time {
	return time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
}

func newTestController(t *testing.T, cfg Config) (*Controller, *kvmemory.Store) {
	t.Helper()

	store := kvmemory.NewStore()
	c := NewController(store, cfg, testLogger(), WithClock(controllerNow))
	return c, store
}

func TestController_SettingsRoundtrip(t *testing.T) {
	c, _ := newTestController(t, Config{QuotaBytes: 1000})
	ctx := context.Background()

	// No persisted document: defaults.
	if got := c.LoadSettings(ctx); got != domain.DefaultStorageSettings() {
		t.Errorf("LoadSettings = %+v, want defaults", got)
	}

	want := domain.StorageSettings{
		Mode:                 domain.StorageSettingsEphemeral,
		RetentionDays:        7,
		AutoCleanupThreshold: 60,
	}
	if err := c.SaveSettings(ctx, want); err != nil {
		t.Fatalf("SaveSettings error: %v", err)
	}
	if got := c.LoadSettings(ctx); got != want {
		t.Errorf("LoadSettings = %+v, want %+v", got, want)
	}
}

func TestController_SaveSettingsValidates(t *testing.T) {
	c, _ := newTestController(t, Config{})

	bad := domain.StorageSettings{Mode: "sticky", AutoCleanupThreshold: 50}
	if err := c.SaveSettings(context.Background(), bad); err == nil {
		t.Error("expected validation error for unknown mode")
	}
}

func TestController_CorruptSettingsFallBackToDefaults(t *testing.T) {
	c, store := newTestController(t, Config{})
	ctx := context.Background()

	_ = store.Set(ctx, kv.NamespaceSettings, settingsKey, []byte("{not json"))
	if got := c.LoadSettings(ctx); got != domain.DefaultStorageSettings() {
		t.Errorf("LoadSettings = %+v, want defaults", got)
	}
}

func TestController_InfoEstimatesFromBlobs(t *testing.T) {
	c, store := newTestController(t, Config{QuotaBytes: 1000})
	ctx := context.Background()

	_ = store.Set(ctx, kv.NamespaceBilling, "2026-08-10|vm-1", make([]byte, 300))
	_ = store.Set(ctx, kv.NamespaceCache, "daily", make([]byte, 200))

	info := c.Info(ctx)
	if info.Exact {
		t.Error("memory-backed store should report estimated usage")
	}
	if info.UsedBytes != 500 {
		t.Errorf("UsedBytes = %d, want 500", info.UsedBytes)
	}
	if info.UsedPercent != 50 {
		t.Errorf("UsedPercent = %f, want 50", info.UsedPercent)
	}

	b := info.Breakdown
	if total := b.BillingBytes + b.IndexBytes + b.CacheBytes + b.OtherBytes; total != info.UsedBytes {
		t.Errorf("breakdown sums to %d, want %d", total, info.UsedBytes)
	}
	if b.BillingBytes != 275 { // 55% of 500
		t.Errorf("BillingBytes = %d, want 275", b.BillingBytes)
	}
}

// dirStore wraps the memory store with a directory, exercising the exact
// footprint path.
type dirStore struct {
	*kvmemory.Store
	dir string
}

func (s dirStore) Dir() string { return s.dir }

func TestController_InfoWalksStoreDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.vlog"), make([]byte, 400), 0o644); err != nil {
		t.Fatal(err)
	}

	store := dirStore{Store: kvmemory.NewStore(), dir: dir}
	c := NewController(store, Config{QuotaBytes: 800}, testLogger(), WithClock(controllerNow))

	info := c.Info(context.Background())
	if !info.Exact {
		t.Error("directory-backed store should report exact usage")
	}
	if info.UsedBytes != 400 {
		t.Errorf("UsedBytes = %d, want 400", info.UsedBytes)
	}
	if info.UsedPercent != 50 {
		t.Errorf("UsedPercent = %f, want 50", info.UsedPercent)
	}
}

func TestController_PurgeAll(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "export.csv"), []byte("a,b"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, store := newTestController(t, Config{DataDir: dataDir, PurgeGrace: time.Millisecond})
	ctx := context.Background()

	_ = store.Set(ctx, kv.NamespaceCache, "daily", []byte("1"))
	_ = store.Set(ctx, kv.NamespaceAnomaly, "anomaly:latest", []byte("2"))
	_ = store.Set(ctx, kv.NamespaceBilling, "2026-08-10|vm-1", []byte("3"))
	_ = store.Set(ctx, kv.NamespaceSettings, settingsKey, []byte(`{"mode":"ephemeral"}`))

	closed := false
	c.RegisterCloser("engine", func() error {
		closed = true
		return nil
	})

	report := c.PurgeAll(ctx)
	if !report.Complete {
		t.Errorf("report = %+v, want complete", report)
	}
	if len(report.Steps) != 5 {
		t.Errorf("steps = %d, want 5", len(report.Steps))
	}
	if !closed {
		t.Error("registered closer did not run")
	}

	for _, ns := range []string{kv.NamespaceCache, kv.NamespaceAnomaly, kv.NamespaceBilling, kv.NamespaceSettings} {
		if store.Len(ns) != 0 {
			t.Errorf("namespace %s not cleared", ns)
		}
	}
	if _, err := os.Stat(filepath.Join(dataDir, "export.csv")); !os.IsNotExist(err) {
		t.Error("loose file survived the purge")
	}
}

func TestController_PurgeAllReportsFailuresAndContinues(t *testing.T) {
	c, store := newTestController(t, Config{PurgeGrace: time.Millisecond})
	ctx := context.Background()

	_ = store.Set(ctx, kv.NamespaceBilling, "2026-08-10|vm-1", []byte("3"))

	c.RegisterCloser("broken", func() error {
		return os.ErrClosed
	})

	report := c.PurgeAll(ctx)
	if report.Complete {
		t.Error("report should not be complete with a failing closer")
	}
	if report.Steps[0].Error == "" {
		t.Errorf("close step = %+v, want recorded error", report.Steps[0])
	}

	// Later steps still ran.
	if store.Len(kv.NamespaceBilling) != 0 {
		t.Error("billing namespace should be cleared despite earlier failure")
	}
}

func TestController_PurgeSkipsLiveStoreDir(t *testing.T) {
	dataDir := t.TempDir()
	liveDir := filepath.Join(dataDir, "kv")
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(liveDir, "MANIFEST"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "scratch.tmp"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := dirStore{Store: kvmemory.NewStore(), dir: liveDir}
	c := NewController(store, Config{DataDir: dataDir, PurgeGrace: time.Millisecond}, testLogger(), WithClock(controllerNow))

	report := c.PurgeAll(context.Background())
	if !report.Complete {
		t.Fatalf("report = %+v", report)
	}

	if _, err := os.Stat(filepath.Join(liveDir, "MANIFEST")); err != nil {
		t.Error("live store files must survive the file sweep")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "scratch.tmp")); !os.IsNotExist(err) {
		t.Error("loose file should be removed")
	}
}

func TestController_RetentionCleanup(t *testing.T) {
	dataDir := t.TempDir()
	oldFile := filepath.Join(dataDir, "old-export.csv")
	newFile := filepath.Join(dataDir, "new-export.csv")
	if err := os.WriteFile(oldFile, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newFile, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	// One file a day past the 30-day retention, one a day inside it.
	stale := controllerNow().AddDate(0, 0, -31)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatal(err)
	}
	fresh := controllerNow().AddDate(0, 0, -29)
	if err := os.Chtimes(newFile, fresh, fresh); err != nil {
		t.Fatal(err)
	}

	c, store := newTestController(t, Config{DataDir: dataDir})
	ctx := context.Background()

	_ = store.Set(ctx, kv.NamespaceBilling, "2026-06-01|vm-1", []byte("old"))
	_ = store.Set(ctx, kv.NamespaceBilling, "2026-08-09|vm-1", []byte("new"))

	settings := domain.StorageSettings{Mode: domain.StorageSettingsPersistent, RetentionDays: 30, AutoCleanupThreshold: 80}
	report, err := c.RetentionCleanup(ctx, settings)
	if err != nil {
		t.Fatalf("RetentionCleanup error: %v", err)
	}
	if report.FilesRemoved != 1 {
		t.Errorf("files = %d, want 1", report.FilesRemoved)
	}
	if report.RecordsRemoved != 1 {
		t.Errorf("records = %d, want 1", report.RecordsRemoved)
	}
	// "old" on disk plus "old" in the archive.
	if report.BytesFreed != 6 {
		t.Errorf("bytes freed = %d, want 6", report.BytesFreed)
	}

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("stale file should be removed")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Error("fresh file should survive")
	}
	if v, _ := store.Get(ctx, kv.NamespaceBilling, "2026-08-09|vm-1"); v == nil {
		t.Error("fresh billing record should survive")
	}
	if v, _ := store.Get(ctx, kv.NamespaceBilling, "2026-06-01|vm-1"); v != nil {
		t.Error("stale billing record should be removed")
	}
}

func TestController_RetentionZeroIsNoop(t *testing.T) {
	c, store := newTestController(t, Config{})
	ctx := context.Background()

	_ = store.Set(ctx, kv.NamespaceBilling, "1999-01-01|vm-1", []byte("ancient"))

	settings := domain.DefaultStorageSettings()
	settings.RetentionDays = 0

	report, err := c.RetentionCleanup(ctx, settings)
	if err != nil || report.FilesRemoved != 0 || report.RecordsRemoved != 0 {
		t.Errorf("cleanup = (%+v, %v), want no-op", report, err)
	}
	if store.Len(kv.NamespaceBilling) != 1 {
		t.Error("zero retention must keep everything")
	}
}

func TestShouldAutoCleanup(t *testing.T) {
	settings := domain.StorageSettings{AutoCleanupThreshold: 80}

	tests := []struct {
		name    string
		percent float64
		want    bool
	}{
		{"below threshold", 79.9, false},
		{"at threshold", 80, true},
		{"above threshold", 95, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Info{UsedPercent: tt.percent}
			if got := ShouldAutoCleanup(info, settings); got != tt.want {
				t.Errorf("ShouldAutoCleanup(%f) = %v, want %v", tt.percent, got, tt.want)
			}
		})
	}

	if ShouldAutoCleanup(Info{UsedPercent: 100}, domain.StorageSettings{AutoCleanupThreshold: 0}) {
		t.Error("zero threshold disables auto cleanup")
	}
}
