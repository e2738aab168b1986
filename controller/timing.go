package controller

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/mfx-lab/go-droplet/pipeline"
)

// Stage names tracked in addition to the pipeline stages.
const (
	StageHistogramUpdate = "histogram_update"
	StageTotalPerFrame   = "total_per_frame"
)

// TimingStats summarizes the recent samples of one stage.
type TimingStats struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// TimingTracker keeps a bounded FIFO of wall-time samples per pipeline
// stage, in milliseconds. Safe for concurrent use.
type TimingTracker struct {
	mu         sync.Mutex
	maxSamples int
	samples    map[string][]float64
}

// NewTimingTracker creates a tracker holding at most maxSamples recent
// samples per stage.
func NewTimingTracker(maxSamples int) *TimingTracker {
	return &TimingTracker{
		maxSamples: maxSamples,
		samples: map[string][]float64{
			pipeline.StagePreprocessing:     nil,
			pipeline.StageSegmentation:      nil,
			pipeline.StageArtifactRejection: nil,
			pipeline.StageMeasurement:       nil,
			StageHistogramUpdate:            nil,
			StageTotalPerFrame:              nil,
		},
	}
}

// Record appends one sample for the named stage, discarding the oldest
// on overflow. Unknown stage names are ignored.
func (t *TimingTracker) Record(stage string, elapsedMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window, ok := t.samples[stage]
	if !ok {
		return
	}
	window = append(window, elapsedMs)
	if len(window) > t.maxSamples {
		window = window[len(window)-t.maxSamples:]
	}
	t.samples[stage] = window
}

// Samples returns a copy of the recorded samples for one stage.
func (t *TimingTracker) Samples(stage string) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]float64, len(t.samples[stage]))
	copy(out, t.samples[stage])
	return out
}

// Statistics summarizes every stage. Stages without samples report
// zeros.
func (t *TimingTracker) Statistics() map[string]TimingStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]TimingStats, len(t.samples))
	for stage, window := range t.samples {
		if len(window) == 0 {
			out[stage] = TimingStats{}
			continue
		}

		sorted := make([]float64, len(window))
		copy(sorted, window)
		sort.Float64s(sorted)

		out[stage] = TimingStats{
			Mean:  stat.Mean(sorted, nil),
			Std:   stat.PopStdDev(sorted, nil),
			Min:   sorted[0],
			Max:   sorted[len(sorted)-1],
			P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
			P99:   stat.Quantile(0.99, stat.Empirical, sorted, nil),
			Count: len(window),
		}
	}
	return out
}

// Reset discards all samples.
func (t *TimingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for stage := range t.samples {
		t.samples[stage] = nil
	}
}
