// Package config loads the tuning file holding the cycle and solve
// parameters. Fields omitted from the JSON fall back to the canonical
// defaults through the Get* accessors, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Default tuning values, mirrored in the defaults file.
const (
	DefaultRateFrames           = 30
	DefaultMinDurationFrames    = 15
	DefaultDetectThreshold      = 0.1
	DefaultDetectMinDistancePx  = 60
	DefaultDetectMarginPx       = 0
	DefaultDetectPlacement      = "frame"
	DefaultFilterErrorThreshold = 5.0
	DefaultSolveMaxIterations   = 20
	DefaultSolveTargetError     = 0.3
	DefaultSolveDeleteCount     = 1
)

// TuningConfig is the root configuration for cycle and solve parameters.
// Pointer fields distinguish "omitted" from zero values.
type TuningConfig struct {
	// Tracking cycle params
	RateFrames           *int     `json:"rate_frames,omitempty"`
	MinDurationFrames    *int     `json:"min_duration_frames,omitempty"`
	DetectThreshold      *float64 `json:"detect_threshold,omitempty"`
	DetectMinDistancePx  *float64 `json:"detect_min_distance_px,omitempty"`
	DetectMarginPx       *int     `json:"detect_margin_px,omitempty"`
	DetectPlacement      *string  `json:"detect_placement,omitempty"`
	FilterErrorThreshold *float64 `json:"filter_error_threshold,omitempty"`

	// Solve-prune cycle params
	SolveMaxIterations      *int     `json:"solve_max_iterations,omitempty"`
	SolveTargetError        *float64 `json:"solve_target_error,omitempty"`
	SolveDeleteCount        *int     `json:"solve_delete_count,omitempty"`
	SolveDeleteFailedBundle *bool    `json:"solve_delete_failed_bundles,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The path is
// validated for a .json extension and a sane maximum size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching the current directory and common parent
// directories. Panics if the file cannot be loaded; intended for test setup
// and binaries that have already validated config availability.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/storage/sqlite/
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that any set values are in range.
func (c *TuningConfig) Validate() error {
	if c.RateFrames != nil && *c.RateFrames < 1 {
		return fmt.Errorf("rate_frames must be >= 1, got %d", *c.RateFrames)
	}
	if c.MinDurationFrames != nil && *c.MinDurationFrames < 0 {
		return fmt.Errorf("min_duration_frames must be non-negative, got %d", *c.MinDurationFrames)
	}
	if c.DetectThreshold != nil && *c.DetectThreshold <= 0 {
		return fmt.Errorf("detect_threshold must be positive, got %f", *c.DetectThreshold)
	}
	if c.DetectMinDistancePx != nil && *c.DetectMinDistancePx < 0 {
		return fmt.Errorf("detect_min_distance_px must be non-negative, got %f", *c.DetectMinDistancePx)
	}
	if c.DetectMarginPx != nil && *c.DetectMarginPx < 0 {
		return fmt.Errorf("detect_margin_px must be non-negative, got %d", *c.DetectMarginPx)
	}
	if c.DetectPlacement != nil {
		switch *c.DetectPlacement {
		case "frame", "inside_mask", "outside_mask":
		default:
			return fmt.Errorf("detect_placement must be frame, inside_mask or outside_mask, got %q", *c.DetectPlacement)
		}
	}
	if c.FilterErrorThreshold != nil && *c.FilterErrorThreshold < 0 {
		return fmt.Errorf("filter_error_threshold must be non-negative, got %f", *c.FilterErrorThreshold)
	}
	if c.SolveMaxIterations != nil && *c.SolveMaxIterations < 1 {
		return fmt.Errorf("solve_max_iterations must be >= 1, got %d", *c.SolveMaxIterations)
	}
	if c.SolveTargetError != nil && *c.SolveTargetError < 0 {
		return fmt.Errorf("solve_target_error must be non-negative, got %f", *c.SolveTargetError)
	}
	if c.SolveDeleteCount != nil && *c.SolveDeleteCount < 1 {
		return fmt.Errorf("solve_delete_count must be >= 1, got %d", *c.SolveDeleteCount)
	}
	return nil
}

// GetRateFrames returns the cycle interval in frames.
func (c *TuningConfig) GetRateFrames() int {
	if c.RateFrames != nil {
		return *c.RateFrames
	}
	return DefaultRateFrames
}

// GetMinDurationFrames returns the minimum useful track length in frames.
func (c *TuningConfig) GetMinDurationFrames() int {
	if c.MinDurationFrames != nil {
		return *c.MinDurationFrames
	}
	return DefaultMinDurationFrames
}

// GetDetectThreshold returns the feature detection quality threshold.
func (c *TuningConfig) GetDetectThreshold() float64 {
	if c.DetectThreshold != nil {
		return *c.DetectThreshold
	}
	return DefaultDetectThreshold
}

// GetDetectMinDistancePx returns the minimum pixel distance between features.
func (c *TuningConfig) GetDetectMinDistancePx() float64 {
	if c.DetectMinDistancePx != nil {
		return *c.DetectMinDistancePx
	}
	return DefaultDetectMinDistancePx
}

// GetDetectMarginPx returns the image-edge margin for detection.
func (c *TuningConfig) GetDetectMarginPx() int {
	if c.DetectMarginPx != nil {
		return *c.DetectMarginPx
	}
	return DefaultDetectMarginPx
}

// GetDetectPlacement returns the detection placement mode name.
func (c *TuningConfig) GetDetectPlacement() string {
	if c.DetectPlacement != nil {
		return *c.DetectPlacement
	}
	return DefaultDetectPlacement
}

// GetFilterErrorThreshold returns the per-cycle reprojection error cutoff.
// Zero disables the per-cycle error filter.
func (c *TuningConfig) GetFilterErrorThreshold() float64 {
	if c.FilterErrorThreshold != nil {
		return *c.FilterErrorThreshold
	}
	return DefaultFilterErrorThreshold
}

// GetSolveMaxIterations returns the prune iteration cap.
func (c *TuningConfig) GetSolveMaxIterations() int {
	if c.SolveMaxIterations != nil {
		return *c.SolveMaxIterations
	}
	return DefaultSolveMaxIterations
}

// GetSolveTargetError returns the reprojection error at which pruning stops.
func (c *TuningConfig) GetSolveTargetError() float64 {
	if c.SolveTargetError != nil {
		return *c.SolveTargetError
	}
	return DefaultSolveTargetError
}

// GetSolveDeleteCount returns how many worst-error tracks each prune
// iteration removes.
func (c *TuningConfig) GetSolveDeleteCount() int {
	if c.SolveDeleteCount != nil {
		return *c.SolveDeleteCount
	}
	return DefaultSolveDeleteCount
}

// GetSolveDeleteFailedBundles reports whether tracks the solver could not
// place are always pruned.
func (c *TuningConfig) GetSolveDeleteFailedBundles() bool {
	if c.SolveDeleteFailedBundle != nil {
		return *c.SolveDeleteFailedBundle
	}
	return true
}
