package pipeline

import (
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
)

// ChannelBand is the vertical extent of the microfluidic channel in
// the source image's y coordinates. Contours whose bounding-box center
// falls outside the band (plus the configured margin) are rejected.
type ChannelBand struct {
	YMin int
	YMax int
}

// Segmenter extracts droplet candidate contours from binary masks.
//
// Filters are applied per contour in order, short-circuiting on the
// first failure: contour area bounds, bounding-box aspect-ratio
// bounds, then the optional channel band. Contours are returned in
// the order the contour finder emits them.
type Segmenter struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewSegmenter creates a segmenter for the given configuration.
func NewSegmenter(cfg *config.Config, log zerolog.Logger) *Segmenter {
	return &Segmenter{cfg: cfg, log: log}
}

// DetectContours finds the external contours of mask that pass every
// filter. A nil band disables the spatial filter.
func (s *Segmenter) DetectContours(mask gocv.Mat, band *ChannelBand) []Contour {
	if mask.Empty() {
		s.log.Warn().Msg("empty mask, no contours")
		return nil
	}

	var kept []Contour
	for _, cnt := range contoursFromMask(mask) {
		area := cnt.Area()
		if area < float64(s.cfg.MinArea) || area > float64(s.cfg.MaxArea) {
			continue
		}

		ratio := cnt.AspectRatio()
		if ratio < s.cfg.MinAspectRatio || ratio > s.cfg.MaxAspectRatio {
			continue
		}

		if band != nil {
			box := cnt.BoundingRect()
			cy := float64(box.Min.Y) + float64(box.Dy())/2
			margin := float64(s.cfg.ChannelBandMargin)
			if cy < float64(band.YMin)-margin || cy > float64(band.YMax)+margin {
				continue
			}
		}

		kept = append(kept, cnt)
	}
	return kept
}
