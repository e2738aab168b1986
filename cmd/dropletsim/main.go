// dropletsim runs the detection pipeline against a synthetic droplet
// stream or a recorded frame sequence and exports the measurements.
//
// Examples:
//
//	dropletsim -count 200 -out droplets.csv
//	dropletsim -frames ./recording -profile small.json -out run.csv
//	dropletsim -image chip.png -count 100
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
	"github.com/mfx-lab/go-droplet/controller"
	"github.com/mfx-lab/go-droplet/util"
)

const (
	roiWidth  = 320
	roiHeight = 120
)

// simSource is a FrameSource with a fixed ROI and calibration.
type simSource struct {
	roi image.Rectangle
	cal controller.Calibration
}

func (s *simSource) ROI() (image.Rectangle, bool)        { return s.roi, true }
func (s *simSource) Calibration() controller.Calibration { return s.cal }

func main() {
	var (
		frameDir  string
		imagePath string
		profile   string
		outPath   string
		format    string
		count     int
		radius    int
		speed     int
		umPerPx   float64
		interval  time.Duration
		verbose   bool
	)
	flag.StringVar(&frameDir, "frames", "", "directory with a recorded frame sequence")
	flag.StringVar(&imagePath, "image", "", "still image used as the channel background")
	flag.StringVar(&profile, "profile", "", "JSON configuration profile")
	flag.StringVar(&outPath, "out", "", "export file for the raw measurements")
	flag.StringVar(&format, "format", "csv", "export format: csv or txt")
	flag.IntVar(&count, "count", 120, "number of synthetic frames")
	flag.IntVar(&radius, "radius", 14, "synthetic droplet radius in pixels")
	flag.IntVar(&speed, "speed", 9, "synthetic droplet speed in pixels per frame")
	flag.Float64Var(&umPerPx, "um-per-px", 1.0, "optical calibration, micrometers per pixel")
	flag.DurationVar(&interval, "interval", 3*time.Millisecond, "delay between offered frames")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if !verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg := config.Default()
	if profile != "" {
		var err error
		cfg, err = config.Load(profile, log)
		if err != nil {
			log.Fatal().Err(err).Str("profile", profile).Msg("loading profile")
		}
	} else {
		// Synthetic droplets are round; the default aspect band is
		// tuned for elongated plugs.
		cfg.MinAspectRatio = 0.5
		cfg.MaxAspectRatio = 3.0
		cfg.BackgroundFrames = 10
	}

	source := &simSource{
		roi: image.Rect(0, 0, roiWidth, roiHeight),
		cal: controller.Calibration{UmPerPx: umPerPx},
	}
	ctl := controller.NewController(source, cfg, nil, log)
	if err := ctl.Start(); err != nil {
		log.Fatal().Err(err).Msg("starting detection")
	}
	defer ctl.Stop()

	background, err := loadBackground(imagePath)
	if err != nil {
		log.Fatal().Err(err).Str("image", imagePath).Msg("loading background image")
	}
	defer background.Close()

	if cfg.BackgroundMethod == config.BackgroundStatic {
		primeBackground(ctl, background, cfg.BackgroundFrames, log)
	}

	var offered int
	if frameDir != "" {
		offered = replayFrames(ctl, frameDir, interval, log)
	} else {
		offered = simulateFrames(ctl, background, count, radius, speed, interval)
	}

	waitForDrain(ctl, offered)

	stats := ctl.Statistics()
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("encoding statistics")
	}
	fmt.Println(string(out))

	perf := ctl.PerformanceMetrics()
	for stage, s := range perf {
		if s.Count == 0 {
			continue
		}
		log.Info().
			Str("stage", stage).
			Float64("mean_ms", s.Mean).
			Float64("p95_ms", s.P95).
			Int("samples", s.Count).
			Msg("stage timing")
	}

	if outPath == "" {
		return
	}
	data, err := ctl.ExportData(format)
	if err != nil {
		log.Fatal().Err(err).Msg("exporting measurements")
	}
	if err := os.WriteFile(outPath, []byte(data), 0o644); err != nil {
		log.Fatal().Err(err).Str("path", outPath).Msg("writing export")
	}
	log.Info().Str("path", outPath).Str("format", format).Msg("measurements exported")
}

// loadBackground returns the ROI-sized channel background: a flat dark
// frame, or the given image fitted to the ROI.
func loadBackground(path string) (gocv.Mat, error) {
	if path == "" {
		return gocv.Zeros(roiHeight, roiWidth, gocv.MatTypeCV8UC1), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return gocv.Mat{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return gocv.Mat{}, err
	}

	fitted := resize.Resize(roiWidth, roiHeight, img, resize.Bilinear)
	mat, err := gocv.ImageToMatRGB(fitted)
	if err != nil {
		return gocv.Mat{}, err
	}
	return mat, nil
}

// primeBackground feeds copies of the clean background to the static
// model so detection starts immediately.
func primeBackground(ctl *controller.Controller, background gocv.Mat, n int, log zerolog.Logger) {
	frames := make([]gocv.Mat, n)
	for i := range frames {
		frames[i] = background.Clone()
	}
	defer func() {
		for _, f := range frames {
			f.Close()
		}
	}()
	if err := ctl.InitializeBackground(frames); err != nil {
		log.Fatal().Err(err).Msg("initializing background")
	}
	log.Info().Int("frames", n).Msg("background primed")
}

// simulateFrames renders a train of bright droplets flowing left to
// right through the channel and offers each frame to the controller.
func simulateFrames(ctl *controller.Controller, background gocv.Mat, count, radius, speed int, interval time.Duration) int {
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	spacing := 6 * radius
	centerY := roiHeight / 2

	offered := 0
	for i := 0; i < count; i++ {
		frame := background.Clone()

		// Droplets enter at the left edge every spacing/speed frames.
		head := i * speed
		for x := head % spacing; x <= head; x += spacing {
			if x-radius > roiWidth {
				continue
			}
			gocv.Circle(&frame, image.Pt(x, centerY), radius, white, -1)
		}

		if ctl.AddFrame(frame) {
			offered++
		}
		frame.Close()
		time.Sleep(interval)
	}
	return offered
}

// replayFrames feeds a recorded frame sequence from disk.
func replayFrames(ctl *controller.Controller, dir string, interval time.Duration, log zerolog.Logger) int {
	frames, err := util.LoadFrameSequence(dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("loading frame sequence")
	}
	log.Info().Int("frames", len(frames)).Str("dir", dir).Msg("replaying sequence")

	offered := 0
	for _, f := range frames {
		mat, err := gocv.IMDecode(f.Data, gocv.IMReadGrayScale)
		if err != nil || mat.Empty() {
			log.Warn().Str("path", f.Path).Msg("skipping undecodable frame")
			continue
		}
		if ctl.AddFrame(mat) {
			offered++
		}
		mat.Close()
		time.Sleep(interval)
	}
	return offered
}

// waitForDrain blocks until the worker has consumed the queue.
func waitForDrain(ctl *controller.Controller, offered int) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ctl.Status().FrameCount >= int64(offered) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
