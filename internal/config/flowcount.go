package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/flowcount/internal/security"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/flowcount.defaults.json"

// Aggregation modes understood by the flow engine.
const (
	ModeSnapshot   = "snapshot"
	ModeCumulative = "cumulative"
)

// FlowConfig is the flat configuration document shared by the counting and
// analytics binaries. Absent fields fall back to the defaults returned by
// the Get* accessors.
type FlowConfig struct {
	// Counting
	StreamID        *string           `json:"stream_id,omitempty"`
	ROI             [][]float64       `json:"roi,omitempty"` // [[x,y],...]; two points are rectangle corners
	CountConfidence *float64          `json:"count_confidence,omitempty"`
	Classes         []string          `json:"classes,omitempty"`
	ClassAliases    map[string]string `json:"class_aliases,omitempty"`

	// Persistence
	SaveInterval *string `json:"save_interval,omitempty"` // duration string like "60s"
	LogDir       *string `json:"log_dir,omitempty"`
	Timezone     *string `json:"timezone,omitempty"` // IANA name, "Local" or "UTC"
	DBPath       *string `json:"db_path,omitempty"`  // optional sqlite mirror

	// Analytics
	Window          *string `json:"window,omitempty"` // duration string like "1m"
	AggregationMode *string `json:"aggregation_mode,omitempty"`
	LookbackMinutes *int    `json:"lookback_minutes,omitempty"`
	PeakWindow      *int    `json:"peak_window,omitempty"`
	PeakThreshold   *int    `json:"peak_threshold,omitempty"`
	TailLines       *int    `json:"tail_lines,omitempty"`
	OutDir          *string `json:"out_dir,omitempty"`
	PollInterval    *string `json:"poll_interval,omitempty"`

	// Live density levels
	BusyThreshold      *int `json:"busy_threshold,omitempty"`
	CongestedThreshold *int `json:"congested_threshold,omitempty"`
}

// EmptyFlowConfig returns a FlowConfig with all fields unset.
func EmptyFlowConfig() *FlowConfig {
	return &FlowConfig{}
}

// LoadFlowConfig loads a FlowConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadFlowConfig(path string) (*FlowConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFlowConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded; intended for test setup.
func MustLoadDefaultConfig() *FlowConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadFlowConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *FlowConfig) Validate() error {
	if c.StreamID != nil {
		if err := security.ValidateStreamID(*c.StreamID); err != nil {
			return err
		}
	}

	if c.ROI != nil {
		if len(c.ROI) != 2 && len(c.ROI) < 3 {
			return fmt.Errorf("roi needs 2 corner points or at least 3 vertices, got %d", len(c.ROI))
		}
		for i, p := range c.ROI {
			if len(p) != 2 {
				return fmt.Errorf("roi point %d must be [x, y], got %d values", i, len(p))
			}
			if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
				return fmt.Errorf("roi point %d is not finite", i)
			}
		}
	}

	if c.CountConfidence != nil && (*c.CountConfidence < 0 || *c.CountConfidence > 1) {
		return fmt.Errorf("count_confidence must be between 0 and 1, got %f", *c.CountConfidence)
	}

	if c.Classes != nil {
		if len(c.Classes) == 0 {
			return fmt.Errorf("classes must not be empty")
		}
		seen := make(map[string]bool, len(c.Classes))
		for _, name := range c.Classes {
			if name == "" {
				return fmt.Errorf("classes must not contain empty names")
			}
			if seen[name] {
				return fmt.Errorf("duplicate class %q", name)
			}
			seen[name] = true
		}
	}

	for key, val := range map[string]*string{
		"save_interval": c.SaveInterval,
		"window":        c.Window,
		"poll_interval": c.PollInterval,
	} {
		if val == nil || *val == "" {
			continue
		}
		d, err := time.ParseDuration(*val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", key, *val, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, *val)
		}
	}

	if c.Timezone != nil && *c.Timezone != "" {
		if _, err := time.LoadLocation(*c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", *c.Timezone, err)
		}
	}

	if c.AggregationMode != nil && *c.AggregationMode != ModeSnapshot && *c.AggregationMode != ModeCumulative {
		return fmt.Errorf("aggregation_mode must be %q or %q, got %q", ModeSnapshot, ModeCumulative, *c.AggregationMode)
	}

	if c.LookbackMinutes != nil && *c.LookbackMinutes < 0 {
		return fmt.Errorf("lookback_minutes must be non-negative, got %d", *c.LookbackMinutes)
	}
	if c.PeakWindow != nil && *c.PeakWindow < 1 {
		return fmt.Errorf("peak_window must be at least 1, got %d", *c.PeakWindow)
	}
	if c.PeakThreshold != nil && *c.PeakThreshold < 0 {
		return fmt.Errorf("peak_threshold must be non-negative, got %d", *c.PeakThreshold)
	}
	if c.TailLines != nil && *c.TailLines < 0 {
		return fmt.Errorf("tail_lines must be non-negative, got %d", *c.TailLines)
	}

	if c.GetCongestedThreshold() < c.GetBusyThreshold() {
		return fmt.Errorf("congested_threshold (%d) must not be below busy_threshold (%d)",
			c.GetCongestedThreshold(), c.GetBusyThreshold())
	}

	return nil
}

// GetStreamID returns the stream_id value or the default.
func (c *FlowConfig) GetStreamID() string {
	if c.StreamID == nil || *c.StreamID == "" {
		return "default"
	}
	return *c.StreamID
}

// GetROI returns the ROI polygon vertices. A two-point ROI is expanded to
// the rectangle with those opposite corners.
func (c *FlowConfig) GetROI() [][]float64 {
	roi := c.ROI
	if len(roi) == 0 {
		roi = [][]float64{{200, 300}, {900, 700}}
	}
	if len(roi) == 2 {
		x1, y1, x2, y2 := roi[0][0], roi[0][1], roi[1][0], roi[1][1]
		return [][]float64{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}}
	}
	out := make([][]float64, len(roi))
	copy(out, roi)
	return out
}

// GetCountConfidence returns the count_confidence value or the default.
func (c *FlowConfig) GetCountConfidence() float64 {
	if c.CountConfidence == nil {
		return 0.4
	}
	return *c.CountConfidence
}

// GetClasses returns the configured vehicle classes in output order.
func (c *FlowConfig) GetClasses() []string {
	if len(c.Classes) == 0 {
		return []string{"car", "motor", "bus", "truck"}
	}
	out := make([]string, len(c.Classes))
	copy(out, c.Classes)
	return out
}

// GetClassAliases returns the detector-label to class mapping.
func (c *FlowConfig) GetClassAliases() map[string]string {
	src := c.ClassAliases
	if src == nil {
		src = map[string]string{"bike": "motor", "motorbike": "motor", "motorcycle": "motor"}
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// GetSaveInterval returns the snapshot interval.
func (c *FlowConfig) GetSaveInterval() time.Duration {
	return parseDurationOr(c.SaveInterval, 60*time.Second)
}

// GetLogDir returns the snapshot log root.
func (c *FlowConfig) GetLogDir() string {
	if c.LogDir == nil || *c.LogDir == "" {
		return "logs/traffic_count"
	}
	return *c.LogDir
}

// GetLocation returns the location used for calendar-day boundaries.
func (c *FlowConfig) GetLocation() *time.Location {
	if c.Timezone == nil || *c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(*c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// GetDBPath returns the sqlite mirror path, or "" when mirroring is off.
func (c *FlowConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetWindow returns the aggregation window width.
func (c *FlowConfig) GetWindow() time.Duration {
	return parseDurationOr(c.Window, time.Minute)
}

// GetAggregationMode returns "snapshot" or "cumulative".
func (c *FlowConfig) GetAggregationMode() string {
	if c.AggregationMode == nil || *c.AggregationMode == "" {
		return ModeSnapshot
	}
	return *c.AggregationMode
}

// GetLookbackMinutes returns the lookback, 0 meaning the whole log.
func (c *FlowConfig) GetLookbackMinutes() int {
	if c.LookbackMinutes == nil {
		return 10
	}
	return *c.LookbackMinutes
}

// GetPeakWindow returns the rolling window length in windows.
func (c *FlowConfig) GetPeakWindow() int {
	if c.PeakWindow == nil {
		return 5
	}
	return *c.PeakWindow
}

// GetPeakThreshold returns the fixed peak threshold, or nil when unset.
func (c *FlowConfig) GetPeakThreshold() *int {
	if c.PeakThreshold == nil {
		return nil
	}
	v := *c.PeakThreshold
	return &v
}

// GetTailLines returns the tail read size, 0 meaning a full read.
func (c *FlowConfig) GetTailLines() int {
	if c.TailLines == nil {
		return 500
	}
	return *c.TailLines
}

// GetOutDir returns the export directory.
func (c *FlowConfig) GetOutDir() string {
	if c.OutDir == nil || *c.OutDir == "" {
		return "data/processed"
	}
	return *c.OutDir
}

// GetPollInterval returns the analytics re-run period.
func (c *FlowConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 30*time.Second)
}

// GetBusyThreshold returns the vehicles-in-ROI level above which traffic is busy.
func (c *FlowConfig) GetBusyThreshold() int {
	if c.BusyThreshold == nil {
		return 15
	}
	return *c.BusyThreshold
}

// GetCongestedThreshold returns the vehicles-in-ROI level above which traffic is congested.
func (c *FlowConfig) GetCongestedThreshold() int {
	if c.CongestedThreshold == nil {
		return 25
	}
	return *c.CongestedThreshold
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
