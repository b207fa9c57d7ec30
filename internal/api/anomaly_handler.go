package api

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"costwatch-go/internal/anomaly"
	"costwatch-go/internal/domain"
)

// AnomalyHandler handles HTTP requests for anomaly detection results.
type AnomalyHandler struct {
	session *anomaly.Session
	logger  *slog.Logger
}

// NewAnomalyHandler creates a new anomaly handler.
func NewAnomalyHandler(session *anomaly.Session, logger *slog.Logger) *AnomalyHandler {
	return &AnomalyHandler{
		session: session,
		logger:  logger,
	}
}

// List handles GET /v1/anomalies
// Returns anomalies from the latest detection run, filtered by query
// parameters.
func (h *AnomalyHandler) List(c *fiber.Ctx) error {
	filter, err := parseAnomalyFilter(c)
	if err != nil {
		return ValidationError(c, err.Error())
	}

	batch := h.session.Batch()
	anomalies := h.session.Anomalies(filter)

	resp := fiber.Map{
		"anomalies": anomalies,
		"count":     len(anomalies),
	}
	if batch != nil {
		resp["run_id"] = batch.RunID
		resp["generated_at"] = batch.GeneratedAt
	}
	return Success(c, resp)
}

// Summary handles GET /v1/anomalies/summary
// Returns severity counts, total impact and top impacted services for the
// latest detection run.
func (h *AnomalyHandler) Summary(c *fiber.Ctx) error {
	return Success(c, h.session.Summary())
}

// Detect handles POST /v1/anomalies/detect
// Triggers a detection run. Returns 409 Conflict if a run is already in
// flight; the existing run's results will land regardless.
func (h *AnomalyHandler) Detect(c *fiber.Ctx) error {
	if err := h.session.Run(c.Context()); err != nil {
		if errors.Is(err, anomaly.ErrRunInProgress) {
			return Conflict(c, "a detection run is already in progress")
		}
		h.logger.Error("detection run failed", "error", err)
		return InternalError(c, "detection run failed")
	}

	batch := h.session.Batch()
	resp := fiber.Map{"status": "completed"}
	if batch != nil {
		resp["run_id"] = batch.RunID
		resp["anomalies"] = len(batch.Anomalies)
	}
	return Accepted(c, resp)
}

// parseAnomalyFilter builds an anomaly filter from query parameters.
func parseAnomalyFilter(c *fiber.Ctx) (*domain.AnomalyFilter, error) {
	filter := &domain.AnomalyFilter{
		Service:    c.Query("service"),
		ResourceID: c.Query("resource_id"),
	}

	if severity := c.Query("severity"); severity != "" {
		sev := domain.Severity(severity)
		if !sev.IsValid() {
			return nil, errors.New("invalid severity: " + severity)
		}
		filter.Severity = sev
	}

	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, errors.New("invalid from timestamp, want RFC3339")
		}
		filter.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, errors.New("invalid to timestamp, want RFC3339")
		}
		filter.To = t
	}

	if minImpact := c.Query("min_impact"); minImpact != "" {
		v, err := strconv.ParseFloat(minImpact, 64)
		if err != nil || v < 0 {
			return nil, errors.New("invalid min_impact, want a non-negative number")
		}
		filter.MinImpact = v
	}

	return filter, nil
}
