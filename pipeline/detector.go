package pipeline

import (
	"image"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
)

// Stage names reported to timing callbacks.
const (
	StagePreprocessing     = "preprocessing"
	StageSegmentation      = "segmentation"
	StageArtifactRejection = "artifact_rejection"
	StageMeasurement       = "measurement"
)

// TimingFunc receives the elapsed wall time of each pipeline stage.
type TimingFunc func(stage string, elapsedMs float64)

// Detector sequences the pipeline stages for a fixed region of
// interest: preprocess, segment, reject artifacts, measure.
//
// The ROI and configuration are constant for the detector's lifetime;
// changing either means constructing a new Detector. ProcessFrame must
// not be called concurrently.
type Detector struct {
	roi            image.Rectangle
	cfg            *config.Config
	radiusOffsetPx float64
	log            zerolog.Logger

	preprocessor *Preprocessor
	segmenter    *Segmenter
	measurer     *Measurer
	rejector     *ArtifactRejector

	prevCentroids []Centroid
	frameCount    int64
}

// NewDetector creates a detector for frames cropped to roi. The
// configuration must stay valid and unmodified for the detector's
// lifetime. radiusOffsetPx is the calibration described in Measurer.
func NewDetector(roi image.Rectangle, cfg *config.Config, radiusOffsetPx float64, log zerolog.Logger) *Detector {
	return &Detector{
		roi:            roi,
		cfg:            cfg,
		radiusOffsetPx: radiusOffsetPx,
		log:            log,
		preprocessor:   NewPreprocessor(cfg, log),
		segmenter:      NewSegmenter(cfg, log),
		measurer:       NewMeasurer(cfg, log),
		rejector:       NewArtifactRejector(cfg, log),
	}
}

// ROI returns the detector's region of interest.
func (d *Detector) ROI() image.Rectangle { return d.roi }

// FrameCount returns the number of frames seen, including warm-up and
// rejected frames.
func (d *Detector) FrameCount() int64 { return d.frameCount }

// BackgroundInitialized reports whether the background model is ready.
func (d *Detector) BackgroundInitialized() bool {
	return d.preprocessor.BackgroundInitialized()
}

// InitializeBackground feeds a batch of frames to the static
// background model, as an alternative to warming up on the live
// stream.
func (d *Detector) InitializeBackground(frames []gocv.Mat) {
	d.log.Info().Int("frames", len(frames)).Msg("initializing background")
	for _, f := range frames {
		gray := grayscale(f)
		d.preprocessor.accumulate(gray)
		gray.Close()
	}
}

// ProcessFrame runs one frame through the pipeline and returns the
// metrics of every accepted droplet. The frame is borrowed read-only
// for the duration of the call.
//
// Invalid frames, warm-up frames, and frames on which any stage fails
// yield an empty result; stage failures are logged and the detector
// keeps going on the next frame. timing may be nil.
func (d *Detector) ProcessFrame(frame gocv.Mat, timing TimingFunc) (metrics []DropletMetrics) {
	d.frameCount++

	if frame.Empty() || frame.Rows() < 1 || frame.Cols() < 1 {
		d.log.Warn().Int64("frame", d.frameCount).Msg("invalid frame, skipping")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Int64("frame", d.frameCount).Msg("stage failure, dropping frame")
			metrics = nil
		}
	}()

	// 1. Preprocess. A shape mismatch is recovered inside the
	// preprocessor by resetting the background; the frame yields an
	// all-zero mask and warm-up resumes.
	start := time.Now()
	mask, err := d.preprocessor.Process(frame)
	report(timing, StagePreprocessing, start)
	if err != nil {
		d.log.Error().Err(err).Int64("frame", d.frameCount).Msg("preprocessing failed")
		return nil
	}
	defer mask.Close()

	if !d.preprocessor.BackgroundInitialized() {
		if d.frameCount%10 == 0 {
			d.log.Debug().
				Int64("frame", d.frameCount).
				Int("needed", d.cfg.BackgroundFrames).
				Msg("accumulating background")
		}
		return nil
	}

	// 2. Segment within the channel band spanned by the ROI.
	start = time.Now()
	band := &ChannelBand{YMin: d.roi.Min.Y, YMax: d.roi.Max.Y}
	contours := d.segmenter.DetectContours(mask, band)
	report(timing, StageSegmentation, start)
	if len(contours) == 0 {
		return nil
	}

	// 3. Reject artifacts.
	start = time.Now()
	var moving []Contour
	if d.cfg.UseFrameDiff {
		gray := grayscale(frame)
		moving = d.rejector.FilterWithFrameDiff(contours, gray)
		gray.Close()
	} else {
		moving = d.rejector.Filter(contours, d.prevCentroids)
	}
	report(timing, StageArtifactRejection, start)
	if len(moving) == 0 {
		return nil
	}

	// 4. Measure.
	start = time.Now()
	metrics = d.measurer.Measure(moving, d.radiusOffsetPx)
	report(timing, StageMeasurement, start)

	d.prevCentroids = make([]Centroid, len(metrics))
	for i, m := range metrics {
		d.prevCentroids[i] = m.Centroid
	}
	return metrics
}

func report(timing TimingFunc, stage string, start time.Time) {
	if timing != nil {
		timing(stage, float64(time.Since(start))/float64(time.Millisecond))
	}
}

// Reset clears all per-stream state: background model, previous
// centroids, previous frame, and the frame counter.
func (d *Detector) Reset() {
	d.preprocessor.Reset()
	d.rejector.Reset()
	d.prevCentroids = nil
	d.frameCount = 0
	d.log.Debug().Msg("detector reset")
}

// Close releases native resources held by the stages.
func (d *Detector) Close() {
	d.preprocessor.Close()
	d.rejector.Close()
}
