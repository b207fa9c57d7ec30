package domain

import (
	"math"
	"time"
)

// Severity represents the severity tier of a detected cost anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid returns true if the severity is a known valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank orders severities for comparison: low < medium < high < critical.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// DetectionMethod identifies which detector flagged an anomaly.
type DetectionMethod string

const (
	// MethodStatistical scores distributional outliers against a robust
	// central tendency over the trailing window.
	MethodStatistical DetectionMethod = "statistical"

	// MethodTimeSeries scores deviation from a short-horizon trend forecast.
	MethodTimeSeries DetectionMethod = "time-series"

	// MethodPattern scores deviation from a recurring day-of-week baseline.
	MethodPattern DetectionMethod = "pattern-based"
)

// IsValid returns true if the method is a known valid value.
func (m DetectionMethod) IsValid() bool {
	switch m {
	case MethodStatistical, MethodTimeSeries, MethodPattern:
		return true
	default:
		return false
	}
}

// Anomaly is one detected cost anomaly. Anomalies are immutable once created;
// a detection run's output fully replaces the prior batch.
type Anomaly struct {
	// ID is a deterministic identifier derived from resource and timestamp,
	// stable across runs over the same input.
	ID string `json:"id"`

	// ResourceID is the resource whose series contained the anomalous point.
	ResourceID string `json:"resource_id"`

	// ServiceName is the cloud service the resource belongs to.
	ServiceName string `json:"service_name"`

	// Timestamp is the day of the anomalous observation.
	Timestamp time.Time `json:"timestamp"`

	// Severity is the combined severity tier.
	Severity Severity `json:"severity"`

	// CostImpact is the signed deviation from the expected baseline in
	// currency units. Positive means costlier than expected.
	CostImpact float64 `json:"cost_impact"`

	// ActualValue is the observed cost for the day.
	ActualValue float64 `json:"actual_value"`

	// ExpectedValue is the winning method's baseline for the day.
	ExpectedValue float64 `json:"expected_value"`

	// Score is the combined anomaly score that produced the severity tier.
	Score float64 `json:"score"`

	// DetectionMethod is the method that contributed the highest score.
	DetectionMethod DetectionMethod `json:"detection_method"`
}

// AnomalyBatch is the full output of one detection run.
type AnomalyBatch struct {
	// RunID identifies the detection run that produced this batch.
	RunID string `json:"run_id"`

	// GeneratedAt is when the run completed.
	GeneratedAt time.Time `json:"generated_at"`

	// WindowDays is the trailing window the detector was configured with.
	WindowDays int `json:"window_days"`

	// Anomalies is the ranked anomaly list, highest absolute impact first.
	Anomalies []Anomaly `json:"anomalies"`
}

// AnomalyFilter selects a subset of a batch. Zero-valued fields match everything.
type AnomalyFilter struct {
	Severity   Severity  `json:"severity,omitempty"`
	Service    string    `json:"service,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	From       time.Time `json:"from,omitempty"`
	To         time.Time `json:"to,omitempty"`
	MinImpact  float64   `json:"min_impact,omitempty"`
}

// Matches reports whether the anomaly passes every set filter field.
func (f *AnomalyFilter) Matches(a *Anomaly) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Service != "" && a.ServiceName != f.Service {
		return false
	}
	if f.ResourceID != "" && a.ResourceID != f.ResourceID {
		return false
	}
	if !f.From.IsZero() && a.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.Timestamp.After(f.To) {
		return false
	}
	if f.MinImpact > 0 && math.Abs(a.CostImpact) < f.MinImpact {
		return false
	}
	return true
}

// ServiceImpact aggregates anomaly impact for one service.
type ServiceImpact struct {
	ServiceName string  `json:"service_name"`
	TotalImpact float64 `json:"total_impact"`
	Count       int     `json:"count"`
}

// AnomalySummary is a derived view over a batch. It is recomputed from the
// authoritative anomaly set on demand, never stored independently.
type AnomalySummary struct {
	Total       int              `json:"total"`
	BySeverity  map[Severity]int `json:"by_severity"`
	TotalImpact float64          `json:"total_impact"`
	TopServices []ServiceImpact  `json:"top_services"`
}
