// Package notification provides anomaly notification functionality.
// For now this is a stubbed implementation that logs notifications.
// Future implementations will support webhook delivery with retry logic.
package notification

import (
	"context"
	"log/slog"
	"time"

	"costwatch-go/internal/domain"
)

// Payload is the data a webhook delivery would carry for one anomaly.
type Payload struct {
	AnomalyID     string    `json:"anomaly_id"`
	ResourceID    string    `json:"resource_id"`
	ServiceName   string    `json:"service_name"`
	Severity      string    `json:"severity"`
	CostImpact    float64   `json:"cost_impact"`
	ExpectedValue float64   `json:"expected_value"`
	ActualValue   float64   `json:"actual_value"`
	Method        string    `json:"detection_method"`
	Timestamp     time.Time `json:"timestamp"`
}

// StubNotifier logs what a webhook notifier would send. Only anomalies at
// or above the minimum severity are reported.
type StubNotifier struct {
	logger      *slog.Logger
	minSeverity domain.Severity
}

// NewStubNotifier creates a stub notifier reporting high and critical
// anomalies.
func NewStubNotifier(logger *slog.Logger) *StubNotifier {
	return &StubNotifier{
		logger:      logger,
		minSeverity: domain.SeverityHigh,
	}
}

// NotifyAnomalies logs a notification for each sufficiently severe anomaly
// in the batch.
func (n *StubNotifier) NotifyAnomalies(ctx context.Context, batch *domain.AnomalyBatch) error {
	for i := range batch.Anomalies {
		a := &batch.Anomalies[i]
		if a.Severity.Rank() < n.minSeverity.Rank() {
			continue
		}

		payload := buildPayload(a)
		n.logger.Info("STUB: would send anomaly notification",
			"run_id", batch.RunID,
			"anomaly_id", payload.AnomalyID,
			"resource_id", payload.ResourceID,
			"severity", payload.Severity,
			"cost_impact", payload.CostImpact,
		)
	}
	return nil
}

// buildPayload creates a notification payload from an anomaly.
func buildPayload(a *domain.Anomaly) *Payload {
	return &Payload{
		AnomalyID:     a.ID,
		ResourceID:    a.ResourceID,
		ServiceName:   a.ServiceName,
		Severity:      string(a.Severity),
		CostImpact:    a.CostImpact,
		ExpectedValue: a.ExpectedValue,
		ActualValue:   a.ActualValue,
		Method:        string(a.DetectionMethod),
		Timestamp:     a.Timestamp,
	}
}
