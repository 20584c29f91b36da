package model

import (
	"strings"
	"time"
)

// RiskLevel classifies the current tracking danger.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Sensitivity is the detection tier active when a notification fired.
type Sensitivity string

const (
	SensitivityUnknown Sensitivity = "unknown"
	SensitivityLow     Sensitivity = "low"
	SensitivityMedium  Sensitivity = "medium"
	SensitivityHigh    Sensitivity = "high"
)

// ParseSensitivity maps a config string to a Sensitivity. Empty means unknown.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch Sensitivity(strings.ToLower(strings.TrimSpace(s))) {
	case "", SensitivityUnknown:
		return SensitivityUnknown, nil
	case SensitivityLow:
		return SensitivityLow, nil
	case SensitivityMedium:
		return SensitivityMedium, nil
	case SensitivityHigh:
		return SensitivityHigh, nil
	}
	return "", Invalid("sensitivity", "unknown tier %q", s)
}

// Thresholds returns the extra qualification a tier imposes on a tracker: the
// number of distinct locations and the tracked duration inside the window.
// The unknown tier imposes none.
func (s Sensitivity) Thresholds() (minLocations int, minTracked time.Duration) {
	switch s {
	case SensitivityLow:
		return 5, 60 * time.Minute
	case SensitivityMedium:
		return 3, 30 * time.Minute
	case SensitivityHigh:
		return 2, 15 * time.Minute
	}
	return 0, 0
}
