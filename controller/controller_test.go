package controller

import (
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
	"github.com/mfx-lab/go-droplet/histogram"
)

// stubSource is a FrameSource with a fixed ROI.
type stubSource struct {
	roi    image.Rectangle
	hasROI bool
}

func (s *stubSource) ROI() (image.Rectangle, bool) { return s.roi, s.hasROI }

// calibratedStubSource additionally reports optical calibration.
type calibratedStubSource struct {
	stubSource
	cal Calibration
}

func (s *calibratedStubSource) Calibration() Calibration { return s.cal }

// recordingSink captures every published snapshot.
type recordingSink struct {
	mu    sync.Mutex
	stats []Statistics
	hists []histogram.Snapshot
	perf  []map[string]TimingStats
}

func (s *recordingSink) PublishStatistics(st Statistics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, st)
}

func (s *recordingSink) PublishHistogram(h histogram.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hists = append(s.hists, h)
}

func (s *recordingSink) PublishPerformance(p map[string]TimingStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf = append(s.perf, p)
}

func (s *recordingSink) statisticsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stats)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BackgroundFrames = 3
	cfg.MinAspectRatio = 0.5
	cfg.MaxAspectRatio = 3.0
	cfg.MinArea = 50
	return cfg
}

func testSource() *stubSource {
	return &stubSource{roi: image.Rect(0, 0, 200, 100), hasROI: true}
}

func newTestController(t *testing.T, source FrameSource, sink ResultSink) *Controller {
	t.Helper()
	c := NewController(source, testConfig(), sink, zerolog.Nop())
	t.Cleanup(c.Stop)
	return c
}

// startWithBackground starts the controller and primes the static
// background model with dark frames.
func startWithBackground(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.Start())

	frames := make([]gocv.Mat, 3)
	for i := range frames {
		frames[i] = gocv.Zeros(100, 200, gocv.MatTypeCV8UC1)
	}
	defer func() {
		for _, f := range frames {
			f.Close()
		}
	}()
	require.NoError(t, c.InitializeBackground(frames))
}

// dropletFrame returns a dark ROI frame with one bright circle.
func dropletFrame(cx, cy, r int) gocv.Mat {
	frame := gocv.Zeros(100, 200, gocv.MatTypeCV8UC1)
	gocv.Circle(&frame, image.Pt(cx, cy), r, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	return frame
}

// offerFrame retries AddFrame until the bounded queue accepts the
// frame.
func offerFrame(t *testing.T, c *Controller, frame gocv.Mat) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.AddFrame(frame)
	}, 3*time.Second, 5*time.Millisecond)
}

func TestControllerStartRequiresROI(t *testing.T) {
	c := newTestController(t, &stubSource{}, nil)

	err := c.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROI")
	assert.False(t, c.Running())
}

func TestControllerStartRejectsInvalidROI(t *testing.T) {
	c := newTestController(t, &stubSource{roi: image.Rect(0, 0, 0, 100), hasROI: true}, nil)
	assert.Error(t, c.Start())
}

func TestControllerStartTwiceFails(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	require.NoError(t, c.Start())
	assert.Error(t, c.Start())
}

func TestControllerStartStop(t *testing.T) {
	c := newTestController(t, testSource(), nil)

	require.NoError(t, c.Start())
	assert.True(t, c.Running())

	c.Stop()
	assert.False(t, c.Running())

	// Stop is idempotent.
	c.Stop()

	// And the controller can be started again.
	require.NoError(t, c.Start())
	assert.True(t, c.Running())
}

func TestControllerAddFrameBeforeStart(t *testing.T) {
	c := newTestController(t, testSource(), nil)

	frame := dropletFrame(100, 50, 15)
	defer frame.Close()
	assert.False(t, c.AddFrame(frame))
}

func TestControllerAddFrameRejectsEmpty(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	require.NoError(t, c.Start())
	assert.False(t, c.AddFrame(gocv.NewMat()))
}

func TestControllerProcessesFrames(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(t, testSource(), sink)
	startWithBackground(t, c)

	// Offer one frame at a time: the queue keeps only the newest frame
	// when the worker falls behind, which would break the motion
	// tracking this test relies on.
	for i := 0; i < 3; i++ {
		frame := dropletFrame(50+i*10, 50, 15)
		offerFrame(t, c, frame)
		frame.Close()

		want := int64(i + 1)
		require.Eventually(t, func() bool {
			return c.Status().FrameCount >= want
		}, 5*time.Second, 10*time.Millisecond)
	}

	status := c.Status()
	assert.True(t, status.Running)
	// First appearance plus two downstream steps.
	assert.GreaterOrEqual(t, status.DropletCountTotal, int64(2))

	stats := c.Statistics()
	assert.Equal(t, status.DropletCountTotal, stats.DropletCountTotal)
	assert.Greater(t, stats.Count, 0)
	assert.InDelta(t, 30.0, float64(stats.Diameter.Mean), 2.0)

	require.Eventually(t, func() bool {
		return sink.statisticsCount() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestControllerCalibratedSource(t *testing.T) {
	source := &calibratedStubSource{
		stubSource: *testSource(),
		cal:        Calibration{UmPerPx: 2.0, RadiusOffsetPx: -1.0},
	}
	c := newTestController(t, source, nil)
	startWithBackground(t, c)

	stats := c.Statistics()
	assert.Equal(t, 2.0, stats.PixelRatio)
	assert.Equal(t, "um", stats.Unit)
}

func TestControllerExport(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	startWithBackground(t, c)

	frame := dropletFrame(100, 50, 15)
	offerFrame(t, c, frame)
	frame.Close()

	require.Eventually(t, func() bool {
		return c.Status().DropletCountTotal >= 1
	}, 5*time.Second, 10*time.Millisecond)

	out, err := c.ExportData("csv")
	require.NoError(t, err)
	assert.Contains(t, out, "timestamp_ms")
	assert.Contains(t, out, "equivalent_diameter_um")
}

func TestControllerExportEmpty(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	_, err := c.ExportData("csv")
	assert.ErrorIs(t, err, ErrNoMeasurements)
}

func TestControllerUpdateConfig(t *testing.T) {
	c := newTestController(t, testSource(), nil)

	require.NoError(t, c.UpdateConfig(map[string]interface{}{
		"min_area": 100,
		"max_area": 8000,
	}))
	cfg := c.Config()
	assert.Equal(t, 100, cfg.MinArea)
	assert.Equal(t, 8000, cfg.MaxArea)
}

func TestControllerUpdateConfigRejectsInvalid(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	before := c.Config()

	err := c.UpdateConfig(map[string]interface{}{"min_area": -5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_area")

	// Nothing was applied.
	assert.Equal(t, before, c.Config())
}

func TestControllerUpdateConfigCalibration(t *testing.T) {
	c := newTestController(t, testSource(), nil)

	require.NoError(t, c.UpdateConfig(map[string]interface{}{"um_per_px": 2.5}))
	stats := c.Statistics()
	assert.Equal(t, 2.5, stats.PixelRatio)
	assert.Equal(t, "um", stats.Unit)
}

func TestControllerUpdateConfigRecreatesHistogram(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	startWithBackground(t, c)

	frame := dropletFrame(100, 50, 15)
	offerFrame(t, c, frame)
	frame.Close()
	require.Eventually(t, func() bool {
		return c.Status().DropletCountTotal >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Setting histogram_bins, even unchanged, clears the window.
	bins := c.Config().HistogramBins
	require.NoError(t, c.UpdateConfig(map[string]interface{}{"histogram_bins": bins}))
	assert.Equal(t, 0, c.HistogramSnapshot().Count)
}

func TestControllerUpdateConfigWhileRunning(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	startWithBackground(t, c)

	require.NoError(t, c.UpdateConfig(map[string]interface{}{"min_area": 60}))
	assert.True(t, c.Running())
	assert.Equal(t, 60, c.Config().MinArea)
}

func TestControllerReset(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	startWithBackground(t, c)

	frame := dropletFrame(100, 50, 15)
	offerFrame(t, c, frame)
	frame.Close()
	require.Eventually(t, func() bool {
		return c.Status().DropletCountTotal >= 1
	}, 5*time.Second, 10*time.Millisecond)

	c.Reset()
	status := c.Status()
	assert.Equal(t, int64(0), status.FrameCount)
	assert.Equal(t, int64(0), status.DropletCountTotal)
	assert.Equal(t, 0, c.HistogramSnapshot().Count)

	_, err := c.ExportData("csv")
	assert.ErrorIs(t, err, ErrNoMeasurements)
}

func TestControllerProfileRoundTrip(t *testing.T) {
	c := newTestController(t, testSource(), nil)

	require.NoError(t, c.UpdateConfig(map[string]interface{}{"min_area": 123}))
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, c.SaveProfile(path, true, true))

	other := newTestController(t, testSource(), nil)
	require.NoError(t, other.LoadProfile(path))
	assert.Equal(t, 123, other.Config().MinArea)
}

func TestControllerLoadProfileRecreatesHistogram(t *testing.T) {
	other := newTestController(t, testSource(), nil)
	require.NoError(t, other.UpdateConfig(map[string]interface{}{"histogram_bins": 20}))
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, other.SaveProfile(path, true, true))

	c := newTestController(t, testSource(), nil)
	startWithBackground(t, c)

	frame := dropletFrame(100, 50, 15)
	offerFrame(t, c, frame)
	frame.Close()
	require.Eventually(t, func() bool {
		return c.Status().DropletCountTotal >= 1
	}, 5*time.Second, 10*time.Millisecond)

	// Loading a profile with a different bin count swaps in a fresh
	// histogram instead of rebinning the old window.
	require.NoError(t, c.LoadProfile(path))
	snap := c.HistogramSnapshot()
	assert.Equal(t, 0, snap.Count)
	assert.Len(t, snap.Histograms[histogram.MetricDiameter].Counts, 20)
}

func TestControllerLoadProfileResetsCalibration(t *testing.T) {
	other := newTestController(t, testSource(), nil)
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, other.SaveProfile(path, true, true))

	c := newTestController(t, testSource(), nil)
	require.NoError(t, c.UpdateConfig(map[string]interface{}{"um_per_px": 2.5}))
	require.Equal(t, 2.5, c.Statistics().PixelRatio)

	// The saved profile carries the default pixel_ratio of 1.0; loading
	// it must take the calibration back to pixels.
	require.NoError(t, c.LoadProfile(path))
	stats := c.Statistics()
	assert.Equal(t, 1.0, stats.PixelRatio)
	assert.Equal(t, "px", stats.Unit)
}

func TestControllerQueueSaturation(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	startWithBackground(t, c)

	// Offer frames far faster than the worker consumes them. Excess
	// frames are dropped on offer; nothing blocks or panics.
	frame := dropletFrame(100, 50, 15)
	defer frame.Close()

	accepted := 0
	for i := 0; i < 500; i++ {
		if c.AddFrame(frame) {
			accepted++
		}
	}
	assert.Less(t, accepted, 500)

	require.Eventually(t, func() bool {
		return c.Status().FrameCount >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.Running())
	assert.LessOrEqual(t, c.Status().FrameCount, int64(accepted))
}

func TestControllerPerformanceMetrics(t *testing.T) {
	c := newTestController(t, testSource(), nil)
	startWithBackground(t, c)

	frame := dropletFrame(100, 50, 15)
	offerFrame(t, c, frame)
	frame.Close()

	require.Eventually(t, func() bool {
		return c.PerformanceMetrics()[StageTotalPerFrame].Count > 0
	}, 5*time.Second, 10*time.Millisecond)

	perf := c.PerformanceMetrics()
	assert.GreaterOrEqual(t, perf[StageTotalPerFrame].Mean, 0.0)
	require.Len(t, perf, 6)
}
