// Package config holds the tunable parameter set for the droplet
// detection pipeline: preprocessing, segmentation, measurement,
// artifact rejection, histogram, and calibration parameters, plus
// JSON profile load/save in both flat and nested layouts.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Background correction methods.
const (
	BackgroundStatic   = "static"
	BackgroundHighpass = "highpass"
)

// Threshold methods.
const (
	ThresholdOtsu     = "otsu"
	ThresholdAdaptive = "adaptive"
)

// Morphological operations.
const (
	MorphOpen  = "open"
	MorphClose = "close"
	MorphBoth  = "both"
	MorphNone  = "none"
)

// Config contains every tunable parameter of the detection pipeline.
//
// A Config handed to a Detector is treated as immutable; runtime
// reconfiguration constructs a new Config and a new Detector rather
// than mutating one that is in use.
type Config struct {
	// Preprocessing parameters.
	BackgroundMethod   string `json:"background_method"`
	BackgroundFrames   int    `json:"background_frames"`
	GaussianBlurKernel [2]int `json:"gaussian_blur_kernel"`
	ThresholdMethod    string `json:"threshold_method"`
	AdaptiveBlockSize  int    `json:"adaptive_block_size"`
	AdaptiveC          int    `json:"adaptive_C"`
	MorphKernelSize    [2]int `json:"morph_kernel_size"`
	MorphOperation     string `json:"morph_operation"`

	// Segmentation parameters.
	MinArea           int     `json:"min_area"`
	MaxArea           int     `json:"max_area"`
	MinAspectRatio    float64 `json:"min_aspect_ratio"`
	MaxAspectRatio    float64 `json:"max_aspect_ratio"`
	ChannelBandMargin int     `json:"channel_band_margin"`

	// Artifact rejection parameters.
	MinMotion          float64 `json:"min_motion"`
	MaxPerpDrift       float64 `json:"max_perp_drift"`
	UseFrameDiff       bool    `json:"use_frame_diff"`
	FrameDiffThreshold int     `json:"frame_diff_threshold"`

	// Measurement parameters.
	MinContourPoints int `json:"min_contour_points"`

	// Histogram parameters.
	HistogramWindowSize int `json:"histogram_window_size"`
	HistogramBins       int `json:"histogram_bins"`

	// Calibration: micrometers per pixel.
	PixelRatio float64 `json:"pixel_ratio"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BackgroundMethod:    BackgroundStatic,
		BackgroundFrames:    30,
		GaussianBlurKernel:  [2]int{11, 11},
		ThresholdMethod:     ThresholdOtsu,
		AdaptiveBlockSize:   11,
		AdaptiveC:           2,
		MorphKernelSize:     [2]int{3, 3},
		MorphOperation:      MorphOpen,
		MinArea:             20,
		MaxArea:             5000,
		MinAspectRatio:      1.5,
		MaxAspectRatio:      10.0,
		ChannelBandMargin:   10,
		MinMotion:           2.0,
		MaxPerpDrift:        5.0,
		UseFrameDiff:        false,
		FrameDiffThreshold:  30,
		MinContourPoints:    5,
		HistogramWindowSize: 2000,
		HistogramBins:       40,
		PixelRatio:          1.0,
	}
}

// SmallDroplets returns a profile tuned for small, fast droplets.
func SmallDroplets() *Config {
	c := Default()
	c.MinArea = 10
	c.MaxArea = 1000
	c.MinAspectRatio = 1.2
	c.MaxAspectRatio = 8.0
	return c
}

// LargeDroplets returns a profile tuned for large plugs.
func LargeDroplets() *Config {
	c := Default()
	c.MinArea = 100
	c.MaxArea = 10000
	c.MinAspectRatio = 2.0
	c.MaxAspectRatio = 15.0
	return c
}

// HighDensity returns a profile for densely packed droplet trains. The
// larger morphological kernel helps separate touching droplets.
func HighDensity() *Config {
	c := Default()
	c.MorphKernelSize = [2]int{5, 5}
	return c
}

// knownKeys is the set of recognized option names, matching the JSON
// field tags above.
var knownKeys = map[string]struct{}{
	"background_method":     {},
	"background_frames":     {},
	"gaussian_blur_kernel":  {},
	"threshold_method":      {},
	"adaptive_block_size":   {},
	"adaptive_C":            {},
	"morph_kernel_size":     {},
	"morph_operation":       {},
	"min_area":              {},
	"max_area":              {},
	"min_aspect_ratio":      {},
	"max_aspect_ratio":      {},
	"channel_band_margin":   {},
	"min_motion":            {},
	"max_perp_drift":        {},
	"use_frame_diff":        {},
	"frame_diff_threshold":  {},
	"min_contour_points":    {},
	"histogram_window_size": {},
	"histogram_bins":        {},
	"pixel_ratio":           {},
}

// IsKnownKey reports whether name is a recognized configuration option.
func IsKnownKey(name string) bool {
	_, ok := knownKeys[name]
	return ok
}

// Update applies the recognized keys of values to the configuration.
// Unknown keys are logged at warn level and skipped. A type mismatch
// on a recognized key returns an error without applying any change.
func (c *Config) Update(values map[string]interface{}, log zerolog.Logger) error {
	filtered := make(map[string]interface{}, len(values))
	for k, v := range values {
		if !IsKnownKey(k) {
			log.Warn().Str("key", k).Msg("unknown configuration key")
			continue
		}
		filtered[k] = v
	}
	if len(filtered) == 0 {
		return nil
	}

	raw, err := json.Marshal(filtered)
	if err != nil {
		return errors.Wrap(err, "encoding configuration update")
	}
	next := *c
	if err := json.Unmarshal(raw, &next); err != nil {
		return errors.Wrap(err, "applying configuration update")
	}
	*c = next
	return nil
}

// ToMap converts the configuration into a flat option map.
func (c *Config) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding configuration")
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	return out, nil
}

// Validate checks every numeric bound and enumerated field. It returns
// true when the configuration is usable, otherwise false together with
// one message per violated constraint.
func (c *Config) Validate() (bool, []string) {
	var problems []string

	switch c.BackgroundMethod {
	case BackgroundStatic, BackgroundHighpass:
	default:
		problems = append(problems, fmt.Sprintf("invalid background_method: %q", c.BackgroundMethod))
	}
	if c.BackgroundFrames < 1 {
		problems = append(problems, "background_frames must be >= 1")
	}
	if !oddPair(c.GaussianBlurKernel) {
		problems = append(problems, fmt.Sprintf("gaussian_blur_kernel must be a pair of odd positive integers, got %v", c.GaussianBlurKernel))
	}

	switch c.ThresholdMethod {
	case ThresholdOtsu, ThresholdAdaptive:
	default:
		problems = append(problems, fmt.Sprintf("invalid threshold_method: %q", c.ThresholdMethod))
	}
	if c.AdaptiveBlockSize < 3 || c.AdaptiveBlockSize%2 == 0 {
		problems = append(problems, "adaptive_block_size must be an odd integer >= 3")
	}

	switch c.MorphOperation {
	case MorphOpen, MorphClose, MorphBoth, MorphNone:
	default:
		problems = append(problems, fmt.Sprintf("invalid morph_operation: %q", c.MorphOperation))
	}
	if c.MorphKernelSize[0] < 1 || c.MorphKernelSize[1] < 1 {
		problems = append(problems, "morph_kernel_size sides must be >= 1")
	}

	if c.MinArea < 0 {
		problems = append(problems, "min_area must be >= 0")
	}
	if c.MaxArea <= c.MinArea {
		problems = append(problems, "max_area must be > min_area")
	}
	if c.MinAspectRatio <= 0 {
		problems = append(problems, "min_aspect_ratio must be > 0")
	}
	if c.MaxAspectRatio <= c.MinAspectRatio {
		problems = append(problems, "max_aspect_ratio must be > min_aspect_ratio")
	}
	if c.ChannelBandMargin < 0 {
		problems = append(problems, "channel_band_margin must be >= 0")
	}

	if c.MinMotion < 0 {
		problems = append(problems, "min_motion must be >= 0")
	}
	if c.MaxPerpDrift < 0 {
		problems = append(problems, "max_perp_drift must be >= 0")
	}
	if c.FrameDiffThreshold < 0 || c.FrameDiffThreshold > 255 {
		problems = append(problems, "frame_diff_threshold must be in 0..255")
	}

	if c.MinContourPoints < 5 {
		problems = append(problems, "min_contour_points must be >= 5")
	}

	if c.HistogramWindowSize < 1 {
		problems = append(problems, "histogram_window_size must be >= 1")
	}
	if c.HistogramBins < 1 {
		problems = append(problems, "histogram_bins must be >= 1")
	}
	if c.PixelRatio <= 0 {
		problems = append(problems, "pixel_ratio must be > 0")
	}

	return len(problems) == 0, problems
}

func oddPair(k [2]int) bool {
	return k[0] >= 1 && k[1] >= 1 && k[0]%2 == 1 && k[1]%2 == 1
}
