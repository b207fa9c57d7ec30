// Package processor consumes queued usage records and lands them in the
// analytics store. Every successful write invalidates the aggregation
// caches derived from usage data, so queries never serve totals that
// predate the record.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"costwatch-go/internal/cache"
	"costwatch-go/internal/domain"
	"costwatch-go/internal/engine"
	"costwatch-go/internal/kv"
	"costwatch-go/internal/metrics"
	"costwatch-go/internal/queue"
)

// Cache kinds derived from usage data, invalidated on every write.
const (
	KindDailyCosts = "daily_costs"
	KindKPI        = "kpi"
)

// Service consumes usage records from the queue and persists them.
type Service struct {
	consumer queue.Consumer
	sink     engine.Sink
	store    kv.Store
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewService creates a new processor service.
func NewService(
	consumer queue.Consumer,
	sink engine.Sink,
	store kv.Store,
	aggCache *cache.Cache,
	logger *slog.Logger,
) *Service {
	return &Service{
		consumer: consumer,
		sink:     sink,
		store:    store,
		cache:    aggCache,
		logger:   logger,
	}
}

// Start begins consuming usage records from the queue.
// This is a blocking call that runs until the context is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting processor service")
	return s.consumer.Start(ctx, s.handleMessage)
}

// handleMessage is the callback for processing each message from the queue.
func (s *Service) handleMessage(ctx context.Context, msg *queue.Message) error {
	var queued domain.QueuedUsage
	if err := json.Unmarshal(msg.Value, &queued); err != nil {
		s.logger.Error("failed to deserialize usage record", "error", err)
		// Return nil to avoid reprocessing malformed messages
		return nil
	}

	// Validation already ran at ingest; re-check so a bad producer
	// cannot poison the analytics store through the queue.
	if err := queued.UsageRecord.Validate(); err != nil {
		s.logger.Warn("dropping invalid queued record",
			"error", err,
			"resource_id", queued.ResourceID,
		)
		metrics.UsageProcessedTotal.WithLabelValues(queued.Provider, "rejected").Inc()
		return nil
	}

	if err := s.persist(ctx, &queued); err != nil {
		metrics.UsageProcessedTotal.WithLabelValues(queued.Provider, "failure").Inc()
		return err
	}
	metrics.UsageProcessedTotal.WithLabelValues(queued.Provider, "success").Inc()

	s.logger.Debug("usage record processed",
		"resource_id", queued.ResourceID,
		"date", queued.DateKey(),
	)
	return nil
}

// persist writes the record to the analytics sink and the billing archive,
// then drops the aggregation caches the write made stale.
func (s *Service) persist(ctx context.Context, queued *domain.QueuedUsage) error {
	if err := s.sink.InsertUsage(ctx, queued.UsageRecord); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	// The billing archive is keyed date-first so retention cleanup can
	// decide by key alone.
	key := billingKey(&queued.UsageRecord)
	raw, err := json.Marshal(queued.UsageRecord)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	if err := s.store.Set(ctx, kv.NamespaceBilling, key, raw); err != nil {
		// The analytics write already landed; the archive can lag.
		s.logger.Warn("failed to archive usage record", "key", key, "error", err)
	}

	for _, kind := range []string{KindDailyCosts, KindKPI} {
		if _, err := s.cache.InvalidateKind(ctx, kind); err != nil {
			s.logger.Warn("failed to invalidate cache kind", "kind", kind, "error", err)
		}
	}
	return nil
}

// billingKey builds the archive key: date, resource, then the record's
// exact timestamp to keep multiple same-day records distinct.
func billingKey(record *domain.UsageRecord) string {
	return fmt.Sprintf("%s|%s|%d", record.DateKey(), record.ResourceID, record.Timestamp.UTC().UnixNano())
}

// Stop closes the underlying consumer.
func (s *Service) Stop() error {
	s.logger.Info("stopping processor service")
	return s.consumer.Close()
}
