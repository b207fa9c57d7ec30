// Package domain contains the core business entities and value objects for CostWatch.
// These models represent the ubiquitous language of the cloud-cost analytics domain.
package domain

import (
	"errors"
	"math"
	"time"
)

// CostPoint is one observation in a per-resource daily cost time series.
// Absence of a day is treated as missing data, never as a zero-cost point.
type CostPoint struct {
	// Timestamp is the day this cost was incurred (UTC, truncated to day).
	Timestamp time.Time `json:"timestamp"`

	// Value is the cost amount in the source currency.
	Value float64 `json:"value"`

	// ResourceID identifies the billed resource this point belongs to.
	ResourceID string `json:"resource_id"`

	// ServiceName is the cloud service the resource belongs to.
	ServiceName string `json:"service_name"`
}

// IsValid returns true if the point carries a usable observation.
func (p *CostPoint) IsValid() bool {
	return p.ResourceID != "" &&
		!p.Timestamp.IsZero() &&
		!math.IsNaN(p.Value) &&
		!math.IsInf(p.Value, 0)
}

// UsageRecord represents a raw usage/cost record received at the ingestion endpoint.
type UsageRecord struct {
	// ResourceID identifies the billed resource.
	ResourceID string `json:"resource_id"`

	// ServiceName is the cloud service the resource belongs to.
	ServiceName string `json:"service_name"`

	// Provider is the cloud provider the record originates from.
	Provider string `json:"provider"`

	// Region is the provider region, if known.
	Region string `json:"region,omitempty"`

	// Timestamp is when the usage was incurred.
	Timestamp time.Time `json:"timestamp"`

	// Amount is the cost amount in the source currency.
	Amount float64 `json:"amount"`

	// Currency is the ISO currency code of Amount.
	Currency string `json:"currency"`
}

// Validation errors for UsageRecord.
var (
	ErrEmptyResourceID = errors.New("resource_id is required")
	ErrEmptyService    = errors.New("service_name is required")
	ErrEmptyProvider   = errors.New("provider is required")
	ErrZeroTimestamp   = errors.New("timestamp is required")
	ErrInvalidAmount   = errors.New("amount must be a finite number")
)

// Validate checks if the record has all required fields with valid values.
// Returns an error describing the first validation failure, or nil if valid.
func (r *UsageRecord) Validate() error {
	if r.ResourceID == "" {
		return ErrEmptyResourceID
	}
	if r.ServiceName == "" {
		return ErrEmptyService
	}
	if r.Provider == "" {
		return ErrEmptyProvider
	}
	if r.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}
	if math.IsNaN(r.Amount) || math.IsInf(r.Amount, 0) {
		return ErrInvalidAmount
	}
	return nil
}

// DateKey returns the record's day formatted for date-prefixed storage keys,
// so retention sweeps can order and cut billing records by day.
func (r *UsageRecord) DateKey() string {
	return r.Timestamp.UTC().Format("2006-01-02")
}

// QueuedUsage is a UsageRecord enriched for queue transport.
type QueuedUsage struct {
	UsageRecord

	// PartitionKey routes records for the same resource to the same partition,
	// preserving per-resource ordering.
	PartitionKey string `json:"partition_key"`

	// ReceivedAt is when the ingestion endpoint accepted the record.
	ReceivedAt time.Time `json:"received_at"`
}
