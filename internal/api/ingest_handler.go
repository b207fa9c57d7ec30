package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/ingest"
)

// IngestHandler handles HTTP requests for usage ingestion.
type IngestHandler struct {
	service *ingest.Service
	logger  *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(service *ingest.Service, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		service: service,
		logger:  logger,
	}
}

// IngestUsage handles POST /v1/usage
// Receives a usage record, validates it, and publishes to the message queue.
// Returns 202 Accepted immediately - processing happens asynchronously.
func (h *IngestHandler) IngestUsage(c *fiber.Ctx) error {
	var record domain.UsageRecord
	if err := c.BodyParser(&record); err != nil {
		h.logger.Debug("failed to parse usage record body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	if err := h.service.IngestUsage(c.Context(), &record); err != nil {
		if errors.Is(err, ingest.ErrPublishFailed) {
			h.logger.Error("failed to ingest usage record", "error", err, "resource_id", record.ResourceID)
			return InternalError(c, "failed to ingest usage record")
		}
		h.logger.Debug("usage record validation failed", "error", err)
		return ValidationError(c, err.Error())
	}

	// Return 202 Accepted - the record will be processed asynchronously
	return Accepted(c, map[string]string{
		"status":      "accepted",
		"resource_id": record.ResourceID,
	})
}

// IngestBatch handles POST /v1/usage/batch
// Accepts a list of usage records. Valid records are published; per-record
// validation failures are reported by index without failing the batch.
func (h *IngestHandler) IngestBatch(c *fiber.Ctx) error {
	var records []domain.UsageRecord
	if err := c.BodyParser(&records); err != nil {
		h.logger.Debug("failed to parse usage batch body", "error", err)
		return BadRequest(c, "invalid request body")
	}
	if len(records) == 0 {
		return ValidationError(c, "batch must contain at least one record")
	}

	accepted, rejected, err := h.service.IngestBatch(c.Context(), records)
	if err != nil {
		h.logger.Error("failed to ingest usage batch", "error", err, "accepted", accepted)
		return InternalError(c, "failed to ingest usage batch")
	}

	errs := make(map[int]string, len(rejected))
	for i, rerr := range rejected {
		errs[i] = rerr.Error()
	}

	return Accepted(c, fiber.Map{
		"accepted": accepted,
		"rejected": errs,
	})
}
