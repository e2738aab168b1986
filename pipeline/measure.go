package pipeline

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/mfx-lab/go-droplet/config"
)

// Measurer computes the geometric metrics of accepted contours.
//
// The radius offset compensates the systematic boundary bias of
// binarization: Otsu tends to include a partial penumbra around the
// droplet, so the apparent radius is off by a roughly constant number
// of pixels. The operator calibrates the offset against a reference;
// it is added to every radius-like quantity and the result floored at
// zero. Contour area is reported uncorrected.
type Measurer struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewMeasurer creates a measurer for the given configuration.
func NewMeasurer(cfg *config.Config, log zerolog.Logger) *Measurer {
	return &Measurer{cfg: cfg, log: log}
}

// Measure returns one DropletMetrics per contour, in input order.
// Contours with zero area are skipped.
func (m *Measurer) Measure(contours []Contour, radiusOffsetPx float64) []DropletMetrics {
	metrics := make([]DropletMetrics, 0, len(contours))

	for _, cnt := range contours {
		area := cnt.Area()
		if area == 0 {
			continue
		}

		box := cnt.BoundingRect()
		w, h := box.Dx(), box.Dy()
		longSide, shortSide := w, h
		if h > w {
			longSide, shortSide = h, w
		}
		if shortSide < 1 {
			shortSide = 1
		}
		aspect := float64(longSide) / float64(shortSide)

		majorAxis := float64(longSide)
		if len(cnt) >= m.cfg.MinContourPoints {
			if axis, ok := fitEllipseMajorAxis(cnt); ok {
				majorAxis = axis
			} else {
				m.log.Debug().Int("points", len(cnt)).Msg("ellipse fit rejected, using bounding box")
			}
		}

		rawDiameter := math.Sqrt(4 * area / math.Pi)
		metrics = append(metrics, DropletMetrics{
			Area:               area,
			MajorAxis:          correctDiameter(majorAxis, radiusOffsetPx),
			EquivalentDiameter: correctDiameter(rawDiameter, radiusOffsetPx),
			Centroid:           cnt.Centroid(),
			BoundingBox:        box,
			AspectRatio:        aspect,
		})
	}
	return metrics
}

// correctDiameter applies the radius-offset calibration to a quantity
// expressed as a diameter: half it, add the offset, floor at zero,
// double it again.
func correctDiameter(diameter, radiusOffsetPx float64) float64 {
	radius := diameter/2 + radiusOffsetPx
	if radius < 0 {
		radius = 0
	}
	return radius * 2
}
