package pipeline

import (
	"image"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
)

// ErrInvalidFrame reports a frame that is not a usable 8-bit image.
var ErrInvalidFrame = errors.New("invalid frame")

// Preprocessor turns raw ROI frames into binary masks.
//
// The pipeline is grayscale conversion, background correction (static
// median model or Gaussian high-pass), thresholding (Otsu or adaptive
// mean), and elliptical morphology. In static mode the preprocessor
// accumulates the most recent BackgroundFrames grayscale frames and
// uses their per-pixel median as the background; until the window
// fills, Process returns an all-zero mask to signal warm-up.
//
// Not safe for concurrent use; a Preprocessor belongs to exactly one
// Detector.
type Preprocessor struct {
	cfg *config.Config
	log zerolog.Logger

	window      []gocv.Mat // grayscale warm-up FIFO, static mode only
	background  gocv.Mat
	initialized bool
	shape       image.Point // (cols, rows) of the accumulated frames
	hasShape    bool
}

// NewPreprocessor creates a preprocessor for the given configuration.
func NewPreprocessor(cfg *config.Config, log zerolog.Logger) *Preprocessor {
	return &Preprocessor{cfg: cfg, log: log, background: gocv.NewMat()}
}

// BackgroundInitialized reports whether the static background model is
// ready. Highpass mode needs no model and always reports true.
func (p *Preprocessor) BackgroundInitialized() bool {
	if p.cfg.BackgroundMethod != config.BackgroundStatic {
		return true
	}
	return p.initialized
}

// Process converts a frame into a binary mask (0 or 255) of the same
// height and width. The returned Mat is owned by the caller. During
// static-mode warm-up, and on the first frame after a shape change,
// the mask is all zero.
func (p *Preprocessor) Process(frame gocv.Mat) (gocv.Mat, error) {
	if frame.Empty() || frame.Rows() < 1 || frame.Cols() < 1 {
		return gocv.Mat{}, errors.Wrap(ErrInvalidFrame, "empty frame")
	}

	gray := grayscale(frame)
	defer gray.Close()

	corrected := gocv.NewMat()
	defer corrected.Close()

	switch p.cfg.BackgroundMethod {
	case config.BackgroundStatic:
		if !p.initialized {
			p.accumulate(gray)
			return gocv.Zeros(gray.Rows(), gray.Cols(), gocv.MatTypeCV8UC1), nil
		}
		if p.shape.X != gray.Cols() || p.shape.Y != gray.Rows() {
			p.log.Warn().
				Int("have_cols", p.shape.X).Int("have_rows", p.shape.Y).
				Int("got_cols", gray.Cols()).Int("got_rows", gray.Rows()).
				Msg("frame shape changed, rebuilding background")
			p.Reset()
			p.accumulate(gray)
			return gocv.Zeros(gray.Rows(), gray.Cols(), gocv.MatTypeCV8UC1), nil
		}
		gocv.AbsDiff(gray, p.background, &corrected)

	case config.BackgroundHighpass:
		blurred := gocv.NewMat()
		defer blurred.Close()
		k := p.cfg.GaussianBlurKernel
		gocv.GaussianBlur(gray, &blurred, image.Pt(k[0], k[1]), 0, 0, gocv.BorderDefault)
		// Saturating 8-bit subtraction clamps the result at zero.
		gocv.Subtract(gray, blurred, &corrected)

	default:
		return gocv.Mat{}, errors.Errorf("unknown background method %q", p.cfg.BackgroundMethod)
	}

	mask := gocv.NewMat()
	switch p.cfg.ThresholdMethod {
	case config.ThresholdOtsu:
		gocv.Threshold(corrected, &mask, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	case config.ThresholdAdaptive:
		gocv.AdaptiveThreshold(corrected, &mask, 255,
			gocv.AdaptiveThresholdMean, gocv.ThresholdBinary,
			p.cfg.AdaptiveBlockSize, float32(p.cfg.AdaptiveC))
	default:
		mask.Close()
		return gocv.Mat{}, errors.Errorf("unknown threshold method %q", p.cfg.ThresholdMethod)
	}

	p.applyMorphology(&mask)
	return mask, nil
}

func (p *Preprocessor) applyMorphology(mask *gocv.Mat) {
	if p.cfg.MorphOperation == config.MorphNone {
		return
	}
	k := p.cfg.MorphKernelSize
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(k[0], k[1]))
	defer kernel.Close()

	switch p.cfg.MorphOperation {
	case config.MorphOpen:
		gocv.MorphologyEx(*mask, mask, gocv.MorphOpen, kernel)
	case config.MorphClose:
		gocv.MorphologyEx(*mask, mask, gocv.MorphClose, kernel)
	case config.MorphBoth:
		gocv.MorphologyEx(*mask, mask, gocv.MorphOpen, kernel)
		gocv.MorphologyEx(*mask, mask, gocv.MorphClose, kernel)
	}
}

// accumulate adds one grayscale frame to the static background window
// and builds the median model once the window is full. The window holds
// the most recent BackgroundFrames frames; further frames slide it
// forward and rebuild the model.
func (p *Preprocessor) accumulate(gray gocv.Mat) {
	size := image.Pt(gray.Cols(), gray.Rows())
	if p.hasShape && p.shape != size {
		p.log.Warn().Msg("frame shape changed during warm-up, restarting background accumulation")
		p.Reset()
	}
	p.shape = size
	p.hasShape = true

	p.window = append(p.window, gray.Clone())
	if evict := len(p.window) - p.cfg.BackgroundFrames; evict > 0 {
		for _, f := range p.window[:evict] {
			f.Close()
		}
		p.window = append(p.window[:0], p.window[evict:]...)
	}
	if len(p.window) < p.cfg.BackgroundFrames {
		return
	}

	median, err := medianOfFrames(p.window, size)
	if err != nil {
		p.log.Error().Err(err).Msg("building median background")
		return
	}
	if !p.background.Empty() {
		p.background.Close()
	}
	p.background = median
	p.initialized = true
	p.log.Info().
		Int("frames", len(p.window)).
		Int("cols", size.X).Int("rows", size.Y).
		Msg("background initialized")
}

// medianOfFrames computes the per-pixel median of same-shaped 8-bit
// grayscale frames.
func medianOfFrames(frames []gocv.Mat, size image.Point) (gocv.Mat, error) {
	n := len(frames)
	pixels := size.X * size.Y
	data := make([][]byte, n)
	for i, f := range frames {
		buf := f.ToBytes()
		if len(buf) != pixels {
			return gocv.Mat{}, errors.Errorf("frame %d has %d bytes, want %d", i, len(buf), pixels)
		}
		data[i] = buf
	}

	median := make([]byte, pixels)
	column := make([]byte, n)
	for px := 0; px < pixels; px++ {
		for i := 0; i < n; i++ {
			column[i] = data[i][px]
		}
		median[px] = medianByte(column)
	}
	return gocv.NewMatFromBytes(size.Y, size.X, gocv.MatTypeCV8UC1, median)
}

// medianByte selects the median with a 256-bucket counting pass. For
// an even count it averages the two middle values, matching the usual
// median definition.
func medianByte(values []byte) byte {
	var counts [256]int
	for _, v := range values {
		counts[v]++
	}
	n := len(values)
	lowRank := (n - 1) / 2
	highRank := n / 2

	low, high := -1, -1
	seen := 0
	for v := 0; v < 256; v++ {
		seen += counts[v]
		if low < 0 && seen > lowRank {
			low = v
		}
		if seen > highRank {
			high = v
			break
		}
	}
	return byte((low + high) / 2)
}

// Reset discards the background model, the warm-up window, and the
// recorded frame shape.
func (p *Preprocessor) Reset() {
	for _, f := range p.window {
		f.Close()
	}
	p.window = nil
	if !p.background.Empty() {
		p.background.Close()
	}
	p.background = gocv.NewMat()
	p.initialized = false
	p.hasShape = false
	p.shape = image.Point{}
	p.log.Debug().Msg("background model reset")
}

// Close releases native resources. The preprocessor is unusable after
// Close.
func (p *Preprocessor) Close() {
	p.Reset()
	p.background.Close()
}

// grayscale returns an owned single-channel copy of frame, converting
// from RGB when the frame has three channels.
func grayscale(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() == 3 {
		gocv.CvtColor(frame, &gray, gocv.ColorRGBToGray)
	} else {
		frame.CopyTo(&gray)
	}
	return gray
}
