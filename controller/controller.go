package controller

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
	"github.com/mfx-lab/go-droplet/histogram"
	"github.com/mfx-lab/go-droplet/pipeline"
)

const (
	// queueCapacity bounds the frame mailbox: one frame in flight, one
	// pending. Producers overrunning the worker lose frames on offer.
	queueCapacity = 2

	maxTimingSamples = 1000
	maxRawRecords    = 10000

	framePollTimeout = 100 * time.Millisecond
	joinTimeout      = 5 * time.Second
	rateWindow       = time.Second

	statisticsInterval  = 2 * time.Second // 0.5 Hz
	histogramInterval   = 2 * time.Second // 0.5 Hz
	performanceInterval = time.Second     // 1 Hz
)

// Controller owns one Detector and one Histogram and runs the
// detection worker. Frames are offered non-blockingly via AddFrame,
// typically from the camera thread; results are pulled through the
// snapshot accessors or pushed to an optional ResultSink at bounded
// rates.
type Controller struct {
	source FrameSource
	sink   ResultSink
	log    zerolog.Logger
	timing *TimingTracker

	mu             sync.Mutex
	cfg            *config.Config
	detector       *pipeline.Detector
	hist           *histogram.Histogram
	running        bool
	frames         chan gocv.Mat
	stop           chan struct{}
	done           chan struct{}
	frameCount     int64
	dropletTotal   int64
	umPerPx        float64
	radiusOffsetPx float64
	raw            []RawRecord

	rateHz          float64
	rateFrames      int
	rateWindowStart time.Time

	lastStatisticsEmit  time.Time
	lastHistogramEmit   time.Time
	lastPerformanceEmit time.Time
}

// NewController creates a controller reading frames and calibration
// from source. The Detector itself is constructed at Start so the ROI
// is read at that moment. sink may be nil.
func NewController(source FrameSource, cfg *config.Config, sink ResultSink, log zerolog.Logger) *Controller {
	umPerPx := cfg.PixelRatio
	return &Controller{
		source:  source,
		sink:    sink,
		log:     log,
		timing:  NewTimingTracker(maxTimingSamples),
		cfg:     cfg,
		hist:    histogram.New(cfg.HistogramWindowSize, cfg.HistogramBins, umPerPx, unitFor(umPerPx), log),
		umPerPx: umPerPx,
	}
}

func unitFor(umPerPx float64) string {
	if umPerPx != 1.0 {
		return "um"
	}
	return "px"
}

// Start reads the ROI and calibration from the frame source, builds
// the Detector, and spawns the worker. It fails when already running
// or when the source has no usable ROI.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("detection already running")
	}

	roi, ok := c.source.ROI()
	if !ok {
		return errors.New("ROI not set in frame source")
	}
	if roi.Dx() <= 0 || roi.Dy() <= 0 {
		return errors.Errorf("invalid ROI dimensions: %dx%d", roi.Dx(), roi.Dy())
	}
	if roi.Min.X < 0 || roi.Min.Y < 0 {
		return errors.Errorf("invalid ROI position: (%d, %d)", roi.Min.X, roi.Min.Y)
	}

	if cs, ok := c.source.(CalibratedSource); ok {
		cal := cs.Calibration()
		if cal.UmPerPx > 0 {
			c.umPerPx = cal.UmPerPx
		}
		c.radiusOffsetPx = cal.RadiusOffsetPx
	}
	c.hist.SetCalibration(c.umPerPx, unitFor(c.umPerPx))

	if c.detector != nil {
		c.detector.Close()
	}
	c.detector = pipeline.NewDetector(roi, c.cfg, c.radiusOffsetPx, c.log)

	c.frames = make(chan gocv.Mat, queueCapacity)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true
	c.rateHz = 0
	c.rateFrames = 0
	c.rateWindowStart = time.Now()

	go c.worker()

	c.log.Info().
		Int("roi_x", roi.Min.X).Int("roi_y", roi.Min.Y).
		Int("roi_w", roi.Dx()).Int("roi_h", roi.Dy()).
		Float64("um_per_px", c.umPerPx).
		Float64("radius_offset_px", c.radiusOffsetPx).
		Msg("droplet detection started")
	return nil
}

// Stop signals the worker, joins it with a bounded deadline, and
// drains the frame queue. A hung worker is reported but not killed.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		c.log.Error().Msg("detection worker did not exit within deadline")
	}

	c.mu.Lock()
	for {
		select {
		case f := <-c.frames:
			f.Close()
		default:
			c.mu.Unlock()
			c.log.Info().Msg("droplet detection stopped")
			return
		}
	}
}

// Running reports whether the worker is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// AddFrame offers one ROI frame to the worker without blocking. The
// frame is cloned; the caller keeps ownership of its Mat. Returns
// false when the controller is not running, the frame is invalid, or
// the queue is full, in which case the frame is dropped.
func (c *Controller) AddFrame(frame gocv.Mat) bool {
	if frame.Empty() || frame.Rows() < 1 || frame.Cols() < 1 {
		c.log.Warn().Msg("invalid frame offered")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}

	clone := frame.Clone()
	select {
	case c.frames <- clone:
		return true
	default:
		clone.Close()
		c.log.Debug().Msg("frame queue full, dropping frame")
		return false
	}
}

// worker is the single consumer of the frame queue.
func (c *Controller) worker() {
	defer close(c.done)
	c.log.Info().Msg("processing loop started")

	for {
		frame, ok := c.nextFrame()
		if !ok {
			select {
			case <-c.stop:
				c.log.Info().Msg("processing loop stopped")
				return
			default:
				continue
			}
		}

		c.safeProcess(frame)
		frame.Close()
	}
}

// nextFrame waits briefly for a frame. When the worker fell behind and
// several frames are pending, the backlog is drained and only the
// newest frame survives.
func (c *Controller) nextFrame() (gocv.Mat, bool) {
	var frame gocv.Mat
	select {
	case <-c.stop:
		return gocv.Mat{}, false
	case frame = <-c.frames:
	case <-time.After(framePollTimeout):
		return gocv.Mat{}, false
	}

	for {
		select {
		case newer := <-c.frames:
			frame.Close()
			frame = newer
		default:
			return frame, true
		}
	}
}

// safeProcess isolates the worker loop from stage panics: log, pause
// briefly, carry on with the next frame.
func (c *Controller) safeProcess(frame gocv.Mat) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("error in processing loop")
			time.Sleep(10 * time.Millisecond)
		}
	}()
	c.processFrame(frame)
}

func (c *Controller) processFrame(frame gocv.Mat) {
	c.mu.Lock()
	det := c.detector
	hist := c.hist
	c.mu.Unlock()
	if det == nil {
		c.log.Warn().Msg("detector not initialized, skipping frame")
		return
	}

	totalStart := time.Now()
	metrics := det.ProcessFrame(frame, c.timing.Record)
	c.timing.Record(StageTotalPerFrame, msSince(totalStart))

	histStart := time.Now()
	hist.Update(metrics)
	c.timing.Record(StageHistogramUpdate, msSince(histStart))

	c.mu.Lock()
	c.frameCount++
	c.dropletTotal += int64(len(metrics))
	c.appendRawLocked(metrics, c.frameCount)
	c.updateRateLocked()
	frameCount := c.frameCount
	dropletTotal := c.dropletTotal
	rate := c.rateHz
	c.mu.Unlock()

	if frameCount%100 == 0 {
		c.log.Debug().
			Int64("frames", frameCount).
			Int64("droplets", dropletTotal).
			Float64("rate_hz", rate).
			Msg("processing statistics")
	}

	c.emit()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// appendRawLocked stores flattened measurements, truncating from the
// front to respect the buffer bound. Callers hold c.mu.
func (c *Controller) appendRawLocked(metrics []pipeline.DropletMetrics, frameID int64) {
	if len(metrics) == 0 {
		return
	}
	now := time.Now().UnixMilli()
	for _, m := range metrics {
		c.raw = append(c.raw, newRawRecord(m, now, frameID, c.umPerPx))
	}
	if len(c.raw) > maxRawRecords {
		c.raw = c.raw[len(c.raw)-maxRawRecords:]
	}
}

// updateRateLocked tracks the processing rate over a one-second
// window. Callers hold c.mu.
func (c *Controller) updateRateLocked() {
	c.rateFrames++
	elapsed := time.Since(c.rateWindowStart)
	if elapsed < rateWindow {
		return
	}
	c.rateHz = float64(c.rateFrames) / elapsed.Seconds()
	c.rateFrames = 0
	c.rateWindowStart = time.Now()
}

// emit pushes rate-limited snapshots to the sink. Only the worker
// calls this, so the last-emit stamps need no lock.
func (c *Controller) emit() {
	if c.sink == nil {
		return
	}
	now := time.Now()
	if now.Sub(c.lastStatisticsEmit) >= statisticsInterval {
		c.lastStatisticsEmit = now
		c.sink.PublishStatistics(c.Statistics())
	}
	if now.Sub(c.lastHistogramEmit) >= histogramInterval {
		c.lastHistogramEmit = now
		c.sink.PublishHistogram(c.HistogramSnapshot())
	}
	if now.Sub(c.lastPerformanceEmit) >= performanceInterval {
		c.lastPerformanceEmit = now
		c.sink.PublishPerformance(c.timing.Statistics())
	}
}

// InitializeBackground feeds warm-up frames to the Detector's static
// background model. Requires Start.
func (c *Controller) InitializeBackground(frames []gocv.Mat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detector == nil {
		return errors.New("detector not initialized, call Start first")
	}
	c.detector.InitializeBackground(frames)
	return nil
}

// Status returns the coarse run state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Running:           c.running,
		FrameCount:        c.frameCount,
		DropletCountTotal: c.dropletTotal,
		ProcessingRateHz:  round2(c.rateHz),
	}
}

// Statistics returns the histogram statistics block augmented with the
// controller's counters.
func (c *Controller) Statistics() Statistics {
	c.mu.Lock()
	hist := c.hist
	frameCount := c.frameCount
	dropletTotal := c.dropletTotal
	rate := c.rateHz
	c.mu.Unlock()

	return Statistics{
		Stats:             hist.Statistics(),
		FrameCount:        frameCount,
		DropletCountTotal: dropletTotal,
		ProcessingRateHz:  round2(rate),
	}
}

// HistogramSnapshot returns the serialized histogram state.
func (c *Controller) HistogramSnapshot() histogram.Snapshot {
	c.mu.Lock()
	hist := c.hist
	c.mu.Unlock()
	return hist.ToSnapshot()
}

// PerformanceMetrics returns the per-stage timing statistics.
func (c *Controller) PerformanceMetrics() map[string]TimingStats {
	return c.timing.Statistics()
}

// Config returns a copy of the active configuration.
func (c *Controller) Config() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.cfg
}

// UpdateConfig validates and applies a set of option updates. Nothing
// is applied when validation fails. The calibration keys um_per_px and
// radius_offset_px are peeled off before the configuration update;
// histogram_window_size or histogram_bins recreate the histogram,
// clearing its data, even when the value is unchanged. While running,
// the Detector is recreated so the new parameters take effect.
func (c *Controller) UpdateConfig(values map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	options := make(map[string]interface{}, len(values))
	for k, v := range values {
		if k == "um_per_px" || k == "radius_offset_px" {
			continue
		}
		options[k] = v
	}

	next := *c.cfg
	if err := next.Update(options, c.log); err != nil {
		return err
	}
	if ok, problems := next.Validate(); !ok {
		return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	c.cfg = &next

	if v, ok := numericValue(values, "um_per_px"); ok {
		c.umPerPx = v
	} else if v, ok := numericValue(values, "pixel_ratio"); ok {
		c.umPerPx = v
	}
	c.hist.SetCalibration(c.umPerPx, unitFor(c.umPerPx))

	if v, ok := numericValue(values, "radius_offset_px"); ok {
		c.radiusOffsetPx = v
		c.log.Info().Float64("radius_offset_px", v).Msg("radius offset updated")
	}

	_, windowChanged := values["histogram_window_size"]
	_, binsChanged := values["histogram_bins"]
	if windowChanged || binsChanged {
		c.log.Info().
			Int("window", c.cfg.HistogramWindowSize).
			Int("bins", c.cfg.HistogramBins).
			Msg("recreating histogram")
		c.hist = histogram.New(c.cfg.HistogramWindowSize, c.cfg.HistogramBins, c.umPerPx, unitFor(c.umPerPx), c.log)
	}

	if c.running {
		c.recreateDetectorLocked()
	}
	return nil
}

// numericValue reads values[key] as a float64, accepting the numeric
// types JSON decoding and in-process callers produce.
func numericValue(values map[string]interface{}, key string) (float64, bool) {
	v, ok := values[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// LoadProfile replaces the configuration from a JSON profile file.
func (c *Controller) LoadProfile(path string) error {
	cfg, err := config.Load(path, c.log)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.cfg
	c.cfg = cfg
	c.umPerPx = cfg.PixelRatio
	if cfg.HistogramWindowSize != prev.HistogramWindowSize || cfg.HistogramBins != prev.HistogramBins {
		c.log.Info().
			Int("window", cfg.HistogramWindowSize).
			Int("bins", cfg.HistogramBins).
			Msg("recreating histogram")
		c.hist = histogram.New(cfg.HistogramWindowSize, cfg.HistogramBins, c.umPerPx, unitFor(c.umPerPx), c.log)
	} else {
		c.hist.SetCalibration(c.umPerPx, unitFor(c.umPerPx))
	}
	if c.running {
		c.recreateDetectorLocked()
	}
	c.log.Info().Str("path", path).Msg("profile loaded")
	return nil
}

// SaveProfile writes the active configuration to a JSON profile file
// in the chosen layout.
func (c *Controller) SaveProfile(path string, nested, includeModules bool) error {
	c.mu.Lock()
	cfg := *c.cfg
	c.mu.Unlock()
	if err := config.Save(&cfg, path, nested, includeModules, c.log); err != nil {
		return err
	}
	c.log.Info().Str("path", path).Bool("nested", nested).Msg("profile saved")
	return nil
}

// recreateDetectorLocked swaps in a fresh Detector with the current
// configuration and calibration. Callers hold c.mu.
func (c *Controller) recreateDetectorLocked() {
	roi, ok := c.source.ROI()
	if !ok {
		c.log.Warn().Msg("frame source lost its ROI, keeping current detector")
		return
	}
	if c.detector != nil {
		c.detector.Close()
	}
	c.detector = pipeline.NewDetector(roi, c.cfg, c.radiusOffsetPx, c.log)
	c.log.Info().Msg("detector recreated with updated configuration")
}

// ExportData serializes the raw-record buffer as "csv" or "txt". An
// empty buffer returns ErrNoMeasurements.
func (c *Controller) ExportData(format string) (string, error) {
	c.mu.Lock()
	records := make([]RawRecord, len(c.raw))
	copy(records, c.raw)
	c.mu.Unlock()
	return exportRecords(records, format)
}

// Reset clears the Detector state, the histogram, timing, raw records,
// counters, and rate tracking.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detector != nil {
		c.detector.Reset()
	}
	c.hist.Clear()
	c.timing.Reset()
	c.frameCount = 0
	c.dropletTotal = 0
	c.raw = nil
	c.rateHz = 0
	c.rateFrames = 0
	c.rateWindowStart = time.Now()
	c.log.Info().Msg("detector reset")
}
