// Package controller drives the detection pipeline: it owns the
// Detector and Histogram, a bounded frame queue, the worker goroutine,
// timing instrumentation, and the raw-measurement buffer, and it
// exposes aggregated state and CSV/TSV exports to the host
// application.
package controller

import (
	"image"

	"github.com/mfx-lab/go-droplet/histogram"
)

// Calibration maps pixel measurements to physical units.
type Calibration struct {
	// UmPerPx is the linear calibration factor, micrometers per pixel.
	UmPerPx float64 `json:"um_per_px"`
	// RadiusOffsetPx corrects the systematic threshold bias of the
	// apparent droplet radius.
	RadiusOffsetPx float64 `json:"radius_offset_px"`
}

// FrameSource is the required capability of whatever produces ROI
// frames, typically the camera driver. The source outlives the
// Controller; the Controller reads the ROI once at Start.
type FrameSource interface {
	// ROI returns the region of interest in source-image coordinates,
	// or false when no ROI has been configured yet.
	ROI() (image.Rectangle, bool)
}

// CalibratedSource is the optional capability of frame sources that
// know their optical calibration. Controllers check for it with a type
// assertion and fall back to the configured pixel ratio otherwise.
type CalibratedSource interface {
	Calibration() Calibration
}

// Status is the coarse run-state snapshot.
type Status struct {
	Running           bool    `json:"running"`
	FrameCount        int64   `json:"frame_count"`
	DropletCountTotal int64   `json:"droplet_count_total"`
	ProcessingRateHz  float64 `json:"processing_rate_hz"`
}

// Statistics is the histogram statistics block augmented with the
// controller's counters.
type Statistics struct {
	histogram.Stats
	FrameCount        int64   `json:"frame_count"`
	DropletCountTotal int64   `json:"droplet_count_total"`
	ProcessingRateHz  float64 `json:"processing_rate_hz"`
}

// ResultSink consumes the rate-limited emissions of a running
// Controller. Implementations must not block; a typical sink forwards
// to a WebSocket broadcaster. All three shapes serialize to JSON.
type ResultSink interface {
	PublishStatistics(Statistics)
	PublishHistogram(histogram.Snapshot)
	PublishPerformance(map[string]TimingStats)
}
