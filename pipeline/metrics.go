// Package pipeline implements the droplet detection pipeline: binary
// mask preprocessing, contour segmentation, temporal artifact
// rejection, geometric measurement, and the Detector that sequences
// those stages per frame.
//
// Frames are gocv.Mat values with 8-bit grayscale or RGB pixels. The
// pipeline borrows each frame read-only for the duration of one
// ProcessFrame call; callers keep ownership and release the Mat
// afterwards.
package pipeline

import "image"

// DropletMetrics is the measurement record of one detected droplet.
// Records are immutable once created.
type DropletMetrics struct {
	// Area is the contour area in pixels².
	Area float64
	// MajorAxis is the longest axis of the fitted ellipse, or the
	// longer bounding-box side when the fit is unavailable. Pixels.
	MajorAxis float64
	// EquivalentDiameter is the diameter of the circle with the same
	// area, after radius-offset correction. Pixels.
	EquivalentDiameter float64
	// Centroid is the area-moment center in ROI coordinates.
	Centroid Centroid
	// BoundingBox is the axis-aligned bounding box in ROI coordinates.
	BoundingBox image.Rectangle
	// AspectRatio is max(w, h) / max(1, min(w, h)) of the bounding box.
	AspectRatio float64
}
