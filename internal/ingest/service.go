// Package ingest provides the usage ingestion service.
// It validates incoming usage records, computes partition keys and publishes
// them to the message queue for asynchronous processing.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/metrics"
	"costwatch-go/internal/queue"
)

// Errors returned by the ingest service.
var (
	ErrPublishFailed = errors.New("failed to publish usage record to queue")
)

// Service handles usage ingestion: validation, partitioning and publishing.
type Service struct {
	producer queue.Producer
	logger   *slog.Logger
}

// NewService creates a new ingest service.
func NewService(producer queue.Producer, logger *slog.Logger) *Service {
	return &Service{
		producer: producer,
		logger:   logger,
	}
}

// IngestUsage validates an incoming usage record and publishes it to the
// message queue. Records for the same resource share a partition key, so a
// resource's records are processed in order by a single consumer.
func (s *Service) IngestUsage(ctx context.Context, record *domain.UsageRecord) error {
	if err := record.Validate(); err != nil {
		metrics.UsageReceivedTotal.WithLabelValues(record.Provider, "rejected").Inc()
		return fmt.Errorf("invalid usage record: %w", err)
	}
	metrics.UsageReceivedTotal.WithLabelValues(record.Provider, "accepted").Inc()

	queued := &domain.QueuedUsage{
		UsageRecord:  *record,
		PartitionKey: computePartitionKey(record.ResourceID),
		ReceivedAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(queued)
	if err != nil {
		s.logger.Error("failed to serialize usage record", "error", err)
		return fmt.Errorf("failed to serialize usage record: %w", err)
	}

	msg := &queue.Message{
		Key:   []byte(queued.PartitionKey),
		Value: payload,
		Headers: map[string]string{
			"provider": record.Provider,
			"service":  record.ServiceName,
		},
	}

	publishStart := time.Now()
	if err := s.producer.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish usage record",
			"error", err,
			"resource_id", record.ResourceID,
		)
		return ErrPublishFailed
	}
	metrics.QueuePublishLatency.Observe(time.Since(publishStart).Seconds())

	s.logger.Debug("usage record published",
		"resource_id", record.ResourceID,
		"partition_key", queued.PartitionKey,
	)
	return nil
}

// IngestBatch publishes a batch of records, stopping at the first publish
// failure. It returns how many records were accepted and, for rejects, the
// per-index validation errors.
func (s *Service) IngestBatch(ctx context.Context, records []domain.UsageRecord) (int, map[int]error, error) {
	rejected := make(map[int]error)
	accepted := 0

	for i := range records {
		err := s.IngestUsage(ctx, &records[i])
		if err == nil {
			accepted++
			continue
		}
		if errors.Is(err, ErrPublishFailed) {
			return accepted, rejected, err
		}
		rejected[i] = err
	}
	return accepted, rejected, nil
}

// computePartitionKey generates a deterministic partition key for a
// resource. Records for the same resource always land on the same
// partition.
func computePartitionKey(resourceID string) string {
	hash := sha256.Sum256([]byte(resourceID))
	return hex.EncodeToString(hash[:8])
}
