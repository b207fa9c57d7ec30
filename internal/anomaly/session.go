package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/engine"
	"costwatch-go/internal/kv"
	"costwatch-go/internal/metrics"
)

// ErrRunInProgress is returned when a detection run is requested while
// another one is still executing. The request is dropped, not queued.
var ErrRunInProgress = errors.New("detection run already in progress")

// latestBatchKey is where the most recent batch is persisted for cold starts.
const latestBatchKey = "anomaly:latest"

// persistFreshness bounds how old a persisted batch may be and still hydrate
// a cold start.
const persistFreshness = 4 * time.Hour

// Notifier receives freshly detected anomaly batches.
type Notifier interface {
	NotifyAnomalies(ctx context.Context, batch *domain.AnomalyBatch) error
}

// SessionConfig tunes the detection session.
type SessionConfig struct {
	// WindowDays is how far back each run looks.
	WindowDays int

	// RefreshInterval is the cadence of scheduled runs. Non-positive
	// disables the scheduler.
	RefreshInterval time.Duration
}

// Session owns the anomaly lifecycle: it schedules detection runs over the
// analytics engine, keeps the latest batch in memory, persists it for cold
// starts and answers filtered queries. A run's output replaces the prior
// batch atomically; readers never observe a half-written batch.
type Session struct {
	detector *Detector
	engine   engine.Engine
	store    kv.Store
	notifier Notifier
	logger   *slog.Logger
	cfg      SessionConfig
	now      func() time.Time

	running atomic.Bool

	mu    sync.RWMutex
	batch *domain.AnomalyBatch
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionClock overrides the time source. Used by tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates a detection session. The notifier may be nil.
func NewSession(detector *Detector, eng engine.Engine, store kv.Store, notifier Notifier, cfg SessionConfig, logger *slog.Logger, opts ...SessionOption) *Session {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}

	s := &Session{
		detector: detector,
		engine:   eng,
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start hydrates the session from the persisted batch, runs detection if
// the cold start found nothing usable, then keeps running on the refresh
// interval until the context is canceled. A non-positive interval disables
// the scheduler; the session then only runs on demand.
func (s *Session) Start(ctx context.Context) error {
	if s.hydrate(ctx) {
		s.logger.Info("anomaly session hydrated from persisted batch")
	} else {
		if err := s.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			// A failed initial run is not fatal: the scheduler
			// retries on the next tick.
			s.logger.Error("initial detection run failed", "error", err)
		}
	}

	if s.cfg.RefreshInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
				s.logger.Error("scheduled detection run failed", "error", err)
			}
		}
	}
}

// hydrate loads the persisted batch if it is still fresh. Older batches are
// ignored; the caller runs detection instead.
func (s *Session) hydrate(ctx context.Context) bool {
	raw, err := s.store.Get(ctx, kv.NamespaceAnomaly, latestBatchKey)
	if err != nil {
		s.logger.Warn("failed to read persisted batch", "error", err)
		return false
	}
	if raw == nil {
		return false
	}

	var batch domain.AnomalyBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		s.logger.Warn("persisted batch corrupt, ignoring", "error", err)
		return false
	}
	if s.now().Sub(batch.GeneratedAt) >= persistFreshness {
		return false
	}

	s.mu.Lock()
	s.batch = &batch
	s.mu.Unlock()
	return true
}

// Run executes one detection run. Overlapping calls are dropped with
// ErrRunInProgress. On failure the previous batch stays in place.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("detection run dropped, another run in progress")
		metrics.DetectionRunsTotal.WithLabelValues("dropped").Inc()
		return ErrRunInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	rows, err := s.engine.Query(ctx, engine.DailyResourceCostsSQL(s.cfg.WindowDays))
	if err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to load cost series: %w", err)
	}

	points := engine.PointsFromRows(rows)
	anomalies := s.detector.Detect(points)

	batch := &domain.AnomalyBatch{
		RunID:       uuid.New().String(),
		GeneratedAt: s.now(),
		WindowDays:  s.cfg.WindowDays,
		Anomalies:   anomalies,
	}

	s.persist(ctx, batch)

	s.mu.Lock()
	s.batch = batch
	s.mu.Unlock()

	metrics.DetectionRunsTotal.WithLabelValues("success").Inc()
	metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	for _, a := range anomalies {
		metrics.AnomaliesDetectedTotal.WithLabelValues(string(a.Severity)).Inc()
	}

	s.logger.Info("detection run completed",
		"run_id", batch.RunID,
		"points", len(points),
		"anomalies", len(anomalies),
		"duration", time.Since(start),
	)

	if s.notifier != nil && len(anomalies) > 0 {
		if err := s.notifier.NotifyAnomalies(ctx, batch); err != nil {
			s.logger.Warn("anomaly notification failed", "error", err)
		}
	}
	return nil
}

// persist writes the batch for cold-start hydration. Persistence is best
// effort: losing it only costs the next start a detection run.
func (s *Session) persist(ctx context.Context, batch *domain.AnomalyBatch) {
	raw, err := json.Marshal(batch)
	if err != nil {
		s.logger.Warn("failed to marshal batch", "error", err)
		return
	}
	if err := s.store.Set(ctx, kv.NamespaceAnomaly, latestBatchKey, raw); err != nil {
		s.logger.Warn("failed to persist batch", "error", err)
	}
}

// Batch returns the current batch, or nil when no run has completed yet.
func (s *Session) Batch() *domain.AnomalyBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batch
}

// Anomalies returns the anomalies of the current batch passing the filter,
// preserving the batch's impact ordering. A nil filter matches everything.
func (s *Session) Anomalies(filter *domain.AnomalyFilter) []domain.Anomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Anomaly, 0)
	if s.batch == nil {
		return result
	}
	for _, a := range s.batch.Anomalies {
		if filter == nil || filter.Matches(&a) {
			result = append(result, a)
		}
	}
	return result
}

// Summary computes the derived view over the current batch: counts by
// severity, the net signed cost impact and the top services by absolute
// impact. Spikes and drops offset each other in TotalImpact.
func (s *Session) Summary() domain.AnomalySummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.AnomalySummary{
		BySeverity:  make(map[domain.Severity]int),
		TopServices: make([]domain.ServiceImpact, 0),
	}
	if s.batch == nil {
		return summary
	}

	byService := make(map[string]*domain.ServiceImpact)
	for _, a := range s.batch.Anomalies {
		summary.Total++
		summary.BySeverity[a.Severity]++
		summary.TotalImpact += a.CostImpact

		impact, ok := byService[a.ServiceName]
		if !ok {
			impact = &domain.ServiceImpact{ServiceName: a.ServiceName}
			byService[a.ServiceName] = impact
		}
		impact.TotalImpact += math.Abs(a.CostImpact)
		impact.Count++
	}

	for _, impact := range byService {
		summary.TopServices = append(summary.TopServices, *impact)
	}
	sort.Slice(summary.TopServices, func(i, j int) bool {
		si, sj := summary.TopServices[i], summary.TopServices[j]
		if si.TotalImpact != sj.TotalImpact {
			return si.TotalImpact > sj.TotalImpact
		}
		return si.ServiceName < sj.ServiceName
	})
	if len(summary.TopServices) > 5 {
		summary.TopServices = summary.TopServices[:5]
	}
	return summary
}

// Running reports whether a detection run is currently executing.
func (s *Session) Running() bool {
	return s.running.Load()
}
