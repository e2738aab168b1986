// Package histogram maintains sliding-window population statistics
// over the four droplet size metrics: width (major axis), height
// (minor bounding-box side), equivalent diameter, and area.
//
// Samples are stored as float32, which halves the window's footprint
// on the instrument's single-board computer without losing anything at
// pixel resolution.
package histogram

import (
	"sort"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/mfx-lab/go-droplet/pipeline"
)

// Metric names accepted by the query methods.
const (
	MetricWidth    = "width"
	MetricHeight   = "height"
	MetricDiameter = "diameter"
	MetricArea     = "area"
)

// ErrUnknownMetric reports a metric name outside the four known ones.
var ErrUnknownMetric = errors.New("unknown metric")

// Range restricts a histogram query to [Min, Max].
type Range struct {
	Min float64
	Max float64
}

// Bar is one entry of the run-length representation: an
// integer-rounded sample value and how often it occurs in the window.
type Bar struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// MetricStats are the per-metric descriptive statistics in physical
// units, rounded to the nearest integer.
type MetricStats struct {
	Mean int `json:"mean"`
	Std  int `json:"std"`
	Min  int `json:"min"`
	Max  int `json:"max"`
	Mode int `json:"mode"`
}

// Stats is the full statistics block.
type Stats struct {
	Count      int         `json:"count"`
	Unit       string      `json:"unit"`
	PixelRatio float64     `json:"pixel_ratio"`
	Width      MetricStats `json:"width"`
	Height     MetricStats `json:"height"`
	Diameter   MetricStats `json:"diameter"`
	Area       MetricStats `json:"area"`
}

// MetricSnapshot is the serialized form of one metric's histogram.
type MetricSnapshot struct {
	Counts []int     `json:"counts"`
	Bins   []float64 `json:"bins"`
	Bars   []Bar     `json:"bars"`
}

// Snapshot is the JSON-serializable state of the whole histogram.
type Snapshot struct {
	Histograms map[string]MetricSnapshot `json:"histograms"`
	Statistics Stats                     `json:"statistics"`
	PixelRatio float64                   `json:"pixel_ratio"`
	Unit       string                    `json:"unit"`
	Count      int                       `json:"count"`
}

// Histogram is a sliding-window estimator of the droplet-size
// population. All methods are safe for concurrent use.
type Histogram struct {
	mu         sync.Mutex
	maxLen     int
	bins       int
	pixelRatio float64
	unit       string
	log        zerolog.Logger

	widths    []float32
	heights   []float32
	diameters []float32
	areas     []float32
}

// New creates a histogram with a window of maxLen samples per metric,
// the given bin count, and the pixel-to-physical-unit calibration.
func New(maxLen, bins int, pixelRatio float64, unit string, log zerolog.Logger) *Histogram {
	return &Histogram{
		maxLen:     maxLen,
		bins:       bins,
		pixelRatio: pixelRatio,
		unit:       unit,
		log:        log,
	}
}

// Update appends one sample per metric for each measurement. On
// overflow the oldest samples are discarded.
func (h *Histogram) Update(metrics []pipeline.DropletMetrics) {
	if len(metrics) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range metrics {
		w, ht := m.BoundingBox.Dx(), m.BoundingBox.Dy()
		minorSide := w
		if ht < w {
			minorSide = ht
		}
		h.widths = push(h.widths, float32(m.MajorAxis), h.maxLen)
		h.heights = push(h.heights, float32(minorSide), h.maxLen)
		h.diameters = push(h.diameters, float32(m.EquivalentDiameter), h.maxLen)
		h.areas = push(h.areas, float32(m.Area), h.maxLen)
	}
}

func push(window []float32, v float32, maxLen int) []float32 {
	window = append(window, v)
	if len(window) > maxLen {
		window = window[len(window)-maxLen:]
	}
	return window
}

// Len returns the number of samples currently in the window.
func (h *Histogram) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.widths)
}

// PixelRatio returns the current calibration factor.
func (h *Histogram) PixelRatio() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pixelRatio
}

// Unit returns the current physical unit label.
func (h *Histogram) Unit() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unit
}

// SetCalibration rewrites the pixel ratio and unit label without
// touching the stored samples.
func (h *Histogram) SetCalibration(pixelRatio float64, unit string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pixelRatio = pixelRatio
	h.unit = unit
}

func (h *Histogram) window(metric string) ([]float32, error) {
	switch metric {
	case MetricWidth:
		return h.widths, nil
	case MetricHeight:
		return h.heights, nil
	case MetricDiameter:
		return h.diameters, nil
	case MetricArea:
		return h.areas, nil
	default:
		return nil, errors.Wrap(ErrUnknownMetric, metric)
	}
}

// Counts bins the window of the named metric into the configured
// number of equal-width bins and returns the counts together with the
// bins+1 bin edges. With rng nil the edges span the observed data;
// values outside a supplied range are ignored. An empty window yields
// zero counts over the requested range, or [0, 100] without one.
func (h *Histogram) Counts(metric string, rng *Range) ([]int, []float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	window, err := h.window(metric)
	if err != nil {
		return nil, nil, err
	}

	if len(window) == 0 {
		lo, hi := 0.0, 100.0
		if rng != nil {
			lo, hi = rng.Min, rng.Max
		}
		return make([]int, h.bins), linspace(lo, hi, h.bins+1), nil
	}

	lo, hi := float64(window[0]), float64(window[0])
	if rng != nil {
		lo, hi = rng.Min, rng.Max
	} else {
		for _, v := range window[1:] {
			lo = min(lo, float64(v))
			hi = max(hi, float64(v))
		}
	}
	// A degenerate span still needs distinct edges.
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}

	counts := make([]int, h.bins)
	width := (hi - lo) / float64(h.bins)
	for _, v32 := range window {
		v := float64(v32)
		if v < lo || v > hi {
			continue
		}
		idx := int((v - lo) / width)
		if idx == h.bins {
			idx--
		}
		counts[idx]++
	}
	return counts, linspace(lo, hi, h.bins+1), nil
}

// Bars returns the run-length representation of the named metric: for
// each integer-rounded sample value present in the window, the value
// and its count, sorted ascending by value.
func (h *Histogram) Bars(metric string) ([]Bar, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	window, err := h.window(metric)
	if err != nil {
		return nil, err
	}
	return barsOf(window), nil
}

func barsOf(window []float32) []Bar {
	if len(window) == 0 {
		return nil
	}
	counts := make(map[int]int, len(window))
	for _, v := range window {
		counts[int(math32.Round(v))]++
	}
	bars := make([]Bar, 0, len(counts))
	for v, n := range counts {
		bars = append(bars, Bar{Value: float64(v), Count: n})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Value < bars[j].Value })
	return bars
}

// Statistics reports count plus mean, std, min, max, and mode per
// metric, scaled into physical units (pixel ratio, squared for area)
// and rounded to integers. An empty window reports zeros.
func (h *Histogram) Statistics() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	areaRatio := h.pixelRatio * h.pixelRatio
	return Stats{
		Count:      len(h.widths),
		Unit:       h.unit,
		PixelRatio: h.pixelRatio,
		Width:      metricStats(h.widths, h.pixelRatio),
		Height:     metricStats(h.heights, h.pixelRatio),
		Diameter:   metricStats(h.diameters, h.pixelRatio),
		Area:       metricStats(h.areas, areaRatio),
	}
}

func metricStats(window []float32, ratio float64) MetricStats {
	if len(window) == 0 {
		return MetricStats{}
	}

	scaled := make([]float64, len(window))
	minV, maxV := window[0], window[0]
	for i, v := range window {
		scaled[i] = float64(v) * ratio
		minV = math32.Min(minV, v)
		maxV = math32.Max(maxV, v)
	}

	return MetricStats{
		Mean: roundInt(stat.Mean(scaled, nil)),
		Std:  roundInt(stat.PopStdDev(scaled, nil)),
		Min:  roundInt(float64(minV) * ratio),
		Max:  roundInt(float64(maxV) * ratio),
		Mode: roundInt(modeOf(window) * ratio),
	}
}

// modeOf returns the most frequent integer-rounded sample value, in
// pixel units. Ties resolve to the smallest value.
func modeOf(window []float32) float64 {
	rounded := make([]float64, len(window))
	for i, v := range window {
		rounded[i] = float64(math32.Round(v))
	}
	sort.Float64s(rounded)
	mode, _ := stat.Mode(rounded, nil)
	return mode
}

// ToSnapshot serializes the histogram: per-metric counts, bin edges
// and bars, plus the statistics block and calibration.
func (h *Histogram) ToSnapshot() Snapshot {
	histograms := make(map[string]MetricSnapshot, 4)
	for _, metric := range []string{MetricWidth, MetricHeight, MetricDiameter, MetricArea} {
		counts, bins, err := h.Counts(metric, nil)
		if err != nil {
			h.log.Error().Err(err).Str("metric", metric).Msg("snapshotting histogram")
			continue
		}
		bars, _ := h.Bars(metric)
		histograms[metric] = MetricSnapshot{Counts: counts, Bins: bins, Bars: bars}
	}

	return Snapshot{
		Histograms: histograms,
		Statistics: h.Statistics(),
		PixelRatio: h.PixelRatio(),
		Unit:       h.Unit(),
		Count:      h.Len(),
	}
}

// Clear discards every stored sample.
func (h *Histogram) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.widths = nil
	h.heights = nil
	h.diameters = nil
	h.areas = nil
	h.log.Debug().Msg("histogram cleared")
}

func roundInt(v float64) int {
	if v < 0 {
		return -int(-v + 0.5)
	}
	return int(v + 0.5)
}

func linspace(lo, hi float64, n int) []float64 {
	edges := make([]float64, n)
	if n == 1 {
		edges[0] = lo
		return edges
	}
	step := (hi - lo) / float64(n-1)
	for i := range edges {
		edges[i] = lo + float64(i)*step
	}
	edges[n-1] = hi
	return edges
}
