package domain

import (
	"encoding/json"
	"fmt"
)

// StorageSettingsMode controls whether stored data survives a purge-on-exit policy.
type StorageSettingsMode string

const (
	// StorageSettingsPersistent keeps data across sessions.
	StorageSettingsPersistent StorageSettingsMode = "persistent"
	// StorageSettingsEphemeral marks data as disposable session state.
	StorageSettingsEphemeral StorageSettingsMode = "ephemeral"
)

// IsValid returns true if the mode is a known valid value.
func (m StorageSettingsMode) IsValid() bool {
	return m == StorageSettingsPersistent || m == StorageSettingsEphemeral
}

// StorageSettings is the persisted storage policy document. It is stored as a
// whole JSON blob, last-write-wins, and hydrated by shallow-merging over
// defaults so every field always has a value.
type StorageSettings struct {
	// Mode selects persistent or ephemeral storage.
	Mode StorageSettingsMode `json:"mode"`

	// RetentionDays is the age-based eviction horizon. 0 disables age-based
	// eviction unconditionally (keep forever).
	RetentionDays int `json:"retention_days"`

	// AutoCleanupThreshold is the usage percentage at or above which
	// automatic cleanup should run.
	AutoCleanupThreshold float64 `json:"auto_cleanup_threshold"`
}

// DefaultStorageSettings returns the total default settings document.
func DefaultStorageSettings() StorageSettings {
	return StorageSettings{
		Mode:                 StorageSettingsPersistent,
		RetentionDays:        90,
		AutoCleanupThreshold: 80,
	}
}

// Validate checks the document for out-of-range values.
func (s *StorageSettings) Validate() error {
	if !s.Mode.IsValid() {
		return fmt.Errorf("mode must be %q or %q", StorageSettingsPersistent, StorageSettingsEphemeral)
	}
	if s.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0")
	}
	if s.AutoCleanupThreshold < 0 || s.AutoCleanupThreshold > 100 {
		return fmt.Errorf("auto_cleanup_threshold must be between 0 and 100")
	}
	return nil
}

// MergeStorageSettings hydrates a settings document from a raw JSON blob by
// unmarshaling over the defaults. Fields absent from the blob keep their
// default value, so a partially written document never yields a
// partially-hydrated result. A nil or empty blob yields the defaults.
func MergeStorageSettings(raw []byte) (StorageSettings, error) {
	merged := DefaultStorageSettings()
	if len(raw) == 0 {
		return merged, nil
	}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return DefaultStorageSettings(), fmt.Errorf("parse storage settings: %w", err)
	}
	// Empty strings from explicit nulls fall back to defaults too.
	if merged.Mode == "" {
		merged.Mode = StorageSettingsPersistent
	}
	return merged, nil
}
