// Package storage implements the storage lifecycle controller: footprint
// reporting, whole-document settings, full purge and retention cleanup.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/kv"
	"costwatch-go/internal/metrics"
)

// settingsKey is the whole-document settings blob inside the settings
// namespace.
const settingsKey = "storage"

// Proportional footprint split used when exact attribution is unknowable.
const (
	shareBilling = 0.55
	shareIndexes = 0.20
	shareCache   = 0.15
)

// Breakdown splits the footprint into reportable categories.
type Breakdown struct {
	BillingBytes int64 `json:"billing_bytes"`
	IndexBytes   int64 `json:"index_bytes"`
	CacheBytes   int64 `json:"cache_bytes"`
	OtherBytes   int64 `json:"other_bytes"`
}

// Info is a point-in-time storage report.
type Info struct {
	UsedBytes   int64                  `json:"used_bytes"`
	QuotaBytes  int64                  `json:"quota_bytes"`
	UsedPercent float64                `json:"used_percent"`
	Exact       bool                   `json:"exact"`
	Breakdown   Breakdown              `json:"breakdown"`
	Settings    domain.StorageSettings `json:"settings"`
}

// StepResult is the outcome of one purge step. Error is empty on success.
type StepResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// PurgeReport lists every purge step and whether all of them succeeded.
type PurgeReport struct {
	Steps    []StepResult `json:"steps"`
	Complete bool         `json:"complete"`
}

// Config tunes the controller.
type Config struct {
	// DataDir is the root directory for local files. Empty in memory mode.
	DataDir string

	// QuotaBytes is the soft quota for percentage reporting.
	QuotaBytes int64

	// PurgeGrace is how long PurgeAll waits after closing handles before
	// removing files, letting in-flight writes drain.
	PurgeGrace time.Duration
}

// Controller owns storage lifecycle operations. Safe for concurrent use as
// long as registered closers are.
type Controller struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates a storage controller over the given store.
func NewController(store kv.Store, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if cfg.PurgeGrace == 0 {
		cfg.PurgeGrace = 250 * time.Millisecond
	}
	c := &Controller{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterCloser adds a resource that PurgeAll must close before touching
// files. Closers run in registration order.
func (c *Controller) RegisterCloser(name string, close func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: close})
}

// --- settings ---

// LoadSettings returns the persisted settings merged over defaults. A
// missing or corrupt blob yields usable defaults, never an error.
func (c *Controller) LoadSettings(ctx context.Context) domain.StorageSettings {
	raw, err := c.store.Get(ctx, kv.NamespaceSettings, settingsKey)
	if err != nil {
		c.logger.Warn("failed to read settings, using defaults", "error", err)
		return domain.DefaultStorageSettings()
	}

	settings, err := domain.MergeStorageSettings(raw)
	if err != nil {
		c.logger.Warn("settings blob corrupt, using defaults", "error", err)
	}
	return settings
}

// SaveSettings validates and persists the whole settings document.
func (c *Controller) SaveSettings(ctx context.Context, settings domain.StorageSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := c.store.Set(ctx, kv.NamespaceSettings, settingsKey, raw); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}

// --- reporting ---

// Info reports the storage footprint. When the store exposes its directory
// the report walks real files; otherwise it sums stored blob sizes. The
// category breakdown is a proportional estimate either way.
func (c *Controller) Info(ctx context.Context) Info {
	used, exact := c.usedBytes(ctx)

	info := Info{
		UsedBytes:  used,
		QuotaBytes: c.cfg.QuotaBytes,
		Exact:      exact,
		Breakdown:  splitBytes(used),
		Settings:   c.LoadSettings(ctx),
	}
	if c.cfg.QuotaBytes > 0 {
		info.UsedPercent = 100 * float64(used) / float64(c.cfg.QuotaBytes)
	}

	metrics.StorageUsedBytes.WithLabelValues("billing").Set(float64(info.Breakdown.BillingBytes))
	metrics.StorageUsedBytes.WithLabelValues("indexes").Set(float64(info.Breakdown.IndexBytes))
	metrics.StorageUsedBytes.WithLabelValues("cache").Set(float64(info.Breakdown.CacheBytes))
	metrics.StorageUsedBytes.WithLabelValues("other").Set(float64(info.Breakdown.OtherBytes))
	return info
}

// usedBytes measures the footprint, preferring a real directory walk.
func (c *Controller) usedBytes(ctx context.Context) (int64, bool) {
	if dir := c.storeDir(); dir != "" {
		if size, err := dirSize(dir); err == nil {
			return size, true
		} else {
			c.logger.Warn("failed to walk store directory", "dir", dir, "error", err)
		}
	}

	// Fall back to summing blob sizes across namespaces.
	var total int64
	for _, ns := range []string{kv.NamespaceCache, kv.NamespaceAnomaly, kv.NamespaceBilling, kv.NamespaceSettings} {
		keys, err := c.store.ListKeys(ctx, ns)
		if err != nil {
			continue
		}
		for _, key := range keys {
			value, err := c.store.Get(ctx, ns, key)
			if err != nil {
				continue
			}
			total += int64(len(value))
		}
	}
	return total, false
}

// storeDir returns the store's directory when it has one.
func (c *Controller) storeDir() string {
	if provider, ok := c.store.(kv.DirProvider); ok {
		return provider.Dir()
	}
	return ""
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

func splitBytes(total int64) Breakdown {
	billing := int64(float64(total) * shareBilling)
	indexes := int64(float64(total) * shareIndexes)
	cacheBytes := int64(float64(total) * shareCache)
	return Breakdown{
		BillingBytes: billing,
		IndexBytes:   indexes,
		CacheBytes:   cacheBytes,
		OtherBytes:   total - billing - indexes - cacheBytes,
	}
}

// --- purge ---

// PurgeAll removes all locally stored data. Every step runs even if an
// earlier one failed; the report records each outcome so callers can show
// exactly what did and did not happen.
func (c *Controller) PurgeAll(ctx context.Context) PurgeReport {
	report := PurgeReport{Complete: true}
	record := func(name string, err error) {
		step := StepResult{Name: name}
		if err != nil {
			step.Error = err.Error()
			report.Complete = false
			c.logger.Error("purge step failed", "step", name, "error", err)
		}
		report.Steps = append(report.Steps, step)
	}

	// Step 1: close registered resources so no handle pins a file.
	var closeErr error
	for _, closer := range c.closers {
		if err := closer.close(); err != nil {
			closeErr = fmt.Errorf("%s: %w", closer.name, err)
		}
	}
	record("close_resources", closeErr)

	// Step 2: let in-flight writes drain.
	select {
	case <-time.After(c.cfg.PurgeGrace):
	case <-ctx.Done():
	}
	record("grace_wait", ctx.Err())

	// Step 3: remove loose files under the data dir. The live store's own
	// directory is skipped; its contents die in the namespace clears.
	record("remove_files", c.removeDataFiles())

	// Step 4: clear the data namespaces.
	var clearErr error
	for _, ns := range []string{kv.NamespaceCache, kv.NamespaceAnomaly, kv.NamespaceBilling} {
		if err := c.clearNamespace(ctx, ns); err != nil {
			clearErr = err
		}
	}
	record("clear_data", clearErr)

	// Step 5: clear settings last, so a partial purge keeps user intent.
	record("clear_settings", c.clearNamespace(ctx, kv.NamespaceSettings))

	result := "success"
	if !report.Complete {
		result = "partial"
	}
	metrics.PurgeRunsTotal.WithLabelValues(result).Inc()
	return report
}

// removeDataFiles deletes everything under the data dir except the live
// store directory.
func (c *Controller) removeDataFiles() error {
	if c.cfg.DataDir == "" {
		return nil
	}

	entries, err := os.ReadDir(c.cfg.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read data dir: %w", err)
	}

	live := c.storeDir()
	var lastErr error
	for _, entry := range entries {
		path := filepath.Join(c.cfg.DataDir, entry.Name())
		if live != "" && sameDir(path, live) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			lastErr = fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return lastErr
}

func sameDir(a, b string) bool {
	ca, err := filepath.Abs(a)
	if err != nil {
		return false
	}
	cb, err := filepath.Abs(b)
	if err != nil {
		return false
	}
	return ca == cb
}

func (c *Controller) clearNamespace(ctx context.Context, namespace string) error {
	keys, err := c.store.ListKeys(ctx, namespace)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", namespace, err)
	}

	var lastErr error
	for _, key := range keys {
		if err := c.store.Delete(ctx, namespace, key); err != nil {
			lastErr = fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
		}
	}
	return lastErr
}

// --- retention ---

// CleanupReport summarizes one retention cleanup pass.
type CleanupReport struct {
	FilesRemoved   int   `json:"files_removed"`
	RecordsRemoved int   `json:"records_removed"`
	BytesFreed     int64 `json:"bytes_freed"`
}

// RetentionCleanup removes data older than the retention window: loose
// files by modification time and billing records by their date key.
// A zero retention means keep forever; the call is a no-op.
func (c *Controller) RetentionCleanup(ctx context.Context, settings domain.StorageSettings) (CleanupReport, error) {
	var report CleanupReport
	if settings.RetentionDays <= 0 {
		return report, nil
	}

	cutoff := c.now().AddDate(0, 0, -settings.RetentionDays)

	files, fileBytes, fileErr := c.removeFilesBefore(cutoff)
	records, recordBytes, recordErr := c.removeBillingBefore(ctx, cutoff)

	report.FilesRemoved = files
	report.RecordsRemoved = records
	report.BytesFreed = fileBytes + recordBytes

	metrics.RetentionDeletesTotal.WithLabelValues("file").Add(float64(files))
	metrics.RetentionDeletesTotal.WithLabelValues("record").Add(float64(records))

	if fileErr != nil {
		return report, fileErr
	}
	return report, recordErr
}

// removeFilesBefore deletes loose files under the data dir older than the
// cutoff, skipping the live store directory.
func (c *Controller) removeFilesBefore(cutoff time.Time) (int, int64, error) {
	if c.cfg.DataDir == "" {
		return 0, 0, nil
	}

	live := c.storeDir()
	removed := 0
	var freed int64
	err := filepath.WalkDir(c.cfg.DataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if live != "" && sameDir(path, live) {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		freed += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	return removed, freed, err
}

// removeBillingBefore deletes billing records whose date key falls before
// the cutoff day. Keys are date-first ("2006-01-02|resource"), so the date
// is decidable without reading the value; the value is only read to size
// the freed bytes.
func (c *Controller) removeBillingBefore(ctx context.Context, cutoff time.Time) (int, int64, error) {
	keys, err := c.store.ListKeys(ctx, kv.NamespaceBilling)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list billing keys: %w", err)
	}

	cutoffDay := cutoff.UTC().Format("2006-01-02")
	removed := 0
	var freed int64
	var lastErr error
	for _, key := range keys {
		if len(key) < len(cutoffDay) {
			continue
		}
		if key[:len(cutoffDay)] >= cutoffDay {
			continue
		}
		if raw, err := c.store.Get(ctx, kv.NamespaceBilling, key); err == nil {
			freed += int64(len(raw))
		}
		if err := c.store.Delete(ctx, kv.NamespaceBilling, key); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	return removed, freed, lastErr
}

// ShouldAutoCleanup reports whether usage has crossed the auto-cleanup
// threshold. Pure predicate; the caller decides what cleanup to run.
func ShouldAutoCleanup(info Info, settings domain.StorageSettings) bool {
	if settings.AutoCleanupThreshold <= 0 {
		return false
	}
	return info.UsedPercent >= float64(settings.AutoCleanupThreshold)
}
