package pipeline

import (
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
)

// ArtifactRejector drops contours that do not behave like droplets in
// a flow: stationary debris, lighting inhomogeneities, and anything
// drifting across the channel instead of along it.
//
// Two modes exist. Motion mode (the default) compares each contour
// centroid against the previous frame's accepted centroids and keeps
// the contour only when some previous centroid lies upstream of it
// within the allowed cross-stream drift. Frame-difference mode keeps a
// contour when its centroid falls on a pixel that changed between the
// previous and current grayscale frames.
//
// Flow is assumed left to right: positive x displacement is
// downstream. Reverse flow would need a direction parameter that the
// instrument does not currently expose.
type ArtifactRejector struct {
	cfg *config.Config
	log zerolog.Logger

	prevCentroids []Centroid
	prevFrame     gocv.Mat
}

// NewArtifactRejector creates a rejector for the given configuration.
func NewArtifactRejector(cfg *config.Config, log zerolog.Logger) *ArtifactRejector {
	return &ArtifactRejector{cfg: cfg, log: log, prevFrame: gocv.NewMat()}
}

// Filter returns the contours that moved downstream since the previous
// frame. prev replaces the rejector's stored centroids when non-nil;
// pass nil to use the internal state. When no previous centroids exist
// (first frame), every contour is accepted. In both cases the current
// centroids become the stored state for the next call.
func (r *ArtifactRejector) Filter(contours []Contour, prev []Centroid) []Contour {
	if prev != nil {
		r.prevCentroids = prev
	}

	current := make([]Centroid, len(contours))
	for i, cnt := range contours {
		current[i] = cnt.Centroid()
	}

	if len(r.prevCentroids) == 0 {
		r.prevCentroids = current
		return contours
	}

	var moving []Contour
	for i, cnt := range contours {
		if r.movedDownstream(current[i]) {
			moving = append(moving, cnt)
		}
	}

	r.prevCentroids = current
	return moving
}

// movedDownstream reports whether some previous centroid is a
// plausible earlier position of c: strictly upstream by more than
// MinMotion, within MaxPerpDrift across the channel.
func (r *ArtifactRejector) movedDownstream(c Centroid) bool {
	for _, p := range r.prevCentroids {
		dx := c.X - p.X
		dy := c.Y - p.Y
		if dy < 0 {
			dy = -dy
		}
		if dx > r.cfg.MinMotion && dy < r.cfg.MaxPerpDrift {
			return true
		}
	}
	return false
}

// FilterWithFrameDiff keeps the contours whose centroid lies in a
// region that changed between gray and the previously stored frame.
// The first call accepts everything and only stores the frame. Falls
// back to motion filtering when frame differencing is disabled.
//
// Previous-frame centroids are deliberately not consulted here; the
// two artifact tests are independent.
func (r *ArtifactRejector) FilterWithFrameDiff(contours []Contour, gray gocv.Mat) []Contour {
	if !r.cfg.UseFrameDiff {
		return r.Filter(contours, nil)
	}

	if r.prevFrame.Empty() {
		r.prevFrame.Close()
		r.prevFrame = gray.Clone()
		return contours
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(gray, r.prevFrame, &diff)

	changed := gocv.NewMat()
	defer changed.Close()
	gocv.Threshold(diff, &changed, float32(r.cfg.FrameDiffThreshold), 255, gocv.ThresholdBinary)

	var kept []Contour
	rows, cols := changed.Rows(), changed.Cols()
	for _, cnt := range contours {
		c := cnt.Centroid()
		cx, cy := int(c.X), int(c.Y)
		if cx < 0 || cx >= cols || cy < 0 || cy >= rows {
			continue
		}
		if changed.GetUCharAt(cy, cx) > 0 {
			kept = append(kept, cnt)
		}
	}

	r.prevFrame.Close()
	r.prevFrame = gray.Clone()
	return kept
}

// Reset clears the stored centroids and previous frame.
func (r *ArtifactRejector) Reset() {
	r.prevCentroids = nil
	r.prevFrame.Close()
	r.prevFrame = gocv.NewMat()
	r.log.Debug().Msg("artifact rejector state reset")
}

// Close releases native resources.
func (r *ArtifactRejector) Close() {
	r.prevFrame.Close()
}
