package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"costwatch-go/internal/domain"
	"costwatch-go/internal/storage"
)

// StorageHandler exposes storage lifecycle endpoints: usage reporting,
// settings, retention cleanup and full purge.
type StorageHandler struct {
	controller *storage.Controller
	logger     *slog.Logger
}

// NewStorageHandler creates a new storage handler.
func NewStorageHandler(controller *storage.Controller, logger *slog.Logger) *StorageHandler {
	return &StorageHandler{
		controller: controller,
		logger:     logger,
	}
}

// Info handles GET /v1/storage
// Returns quota, usage, breakdown and the active settings.
func (h *StorageHandler) Info(c *fiber.Ctx) error {
	return Success(c, h.controller.Info(c.Context()))
}

// GetSettings handles GET /v1/storage/settings
func (h *StorageHandler) GetSettings(c *fiber.Ctx) error {
	return Success(c, h.controller.LoadSettings(c.Context()))
}

// PutSettings handles PUT /v1/storage/settings
// Replaces the storage settings document. Fields omitted from the body keep
// their defaults, not their previous values.
func (h *StorageHandler) PutSettings(c *fiber.Ctx) error {
	settings := domain.DefaultStorageSettings()
	if err := c.BodyParser(&settings); err != nil {
		h.logger.Debug("failed to parse storage settings body", "error", err)
		return BadRequest(c, "invalid request body")
	}
	if err := settings.Validate(); err != nil {
		return ValidationError(c, err.Error())
	}

	if err := h.controller.SaveSettings(c.Context(), settings); err != nil {
		h.logger.Error("failed to save storage settings", "error", err)
		return InternalError(c, "failed to save storage settings")
	}
	return Success(c, settings)
}

// Cleanup handles POST /v1/storage/cleanup
// Runs retention cleanup with the active settings.
func (h *StorageHandler) Cleanup(c *fiber.Ctx) error {
	settings := h.controller.LoadSettings(c.Context())
	report, err := h.controller.RetentionCleanup(c.Context(), settings)
	if err != nil {
		h.logger.Error("retention cleanup failed", "error", err)
		return InternalError(c, "retention cleanup failed")
	}
	return Success(c, report)
}

// Purge handles POST /v1/storage/purge
// Deletes all local data. Best-effort: the report lists every step and any
// step errors; a partial purge still returns 200 with complete=false.
func (h *StorageHandler) Purge(c *fiber.Ctx) error {
	report := h.controller.PurgeAll(c.Context())
	if !report.Complete {
		h.logger.Warn("purge completed with errors", "steps", len(report.Steps))
	}
	return Success(c, report)
}
