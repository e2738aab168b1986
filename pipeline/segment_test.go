package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/mfx-lab/go-droplet/config"
)

// maskWithRects returns a binary mask with the given filled white
// rectangles.
func maskWithRects(rows, cols int, rects ...image.Rectangle) gocv.Mat {
	m := gocv.Zeros(rows, cols, gocv.MatTypeCV8UC1)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for _, r := range rects {
		gocv.Rectangle(&m, r, white, -1)
	}
	return m
}

func segmentConfig() *config.Config {
	cfg := config.Default()
	cfg.MinArea = 50
	cfg.MaxArea = 2000
	cfg.MinAspectRatio = 1.5
	cfg.MaxAspectRatio = 10.0
	cfg.ChannelBandMargin = 5
	return cfg
}

func TestSegmenterKeepsElongatedBlob(t *testing.T) {
	s := NewSegmenter(segmentConfig(), zerolog.Nop())

	mask := maskWithRects(100, 200, image.Rect(40, 45, 80, 60))
	defer mask.Close()

	contours := s.DetectContours(mask, nil)
	require.Len(t, contours, 1)

	box := contours[0].BoundingRect()
	assert.Equal(t, 40, box.Dx())
	assert.Equal(t, 15, box.Dy())
}

func TestSegmenterAreaBounds(t *testing.T) {
	s := NewSegmenter(segmentConfig(), zerolog.Nop())

	// 4x2: far below MinArea. 80x50: above MaxArea.
	mask := maskWithRects(200, 300,
		image.Rect(10, 10, 14, 12),
		image.Rect(100, 100, 180, 150),
	)
	defer mask.Close()

	contours := s.DetectContours(mask, nil)
	assert.Empty(t, contours)
}

func TestSegmenterAspectBounds(t *testing.T) {
	s := NewSegmenter(segmentConfig(), zerolog.Nop())

	// A 20x20 square (aspect 1.0) fails the minimum; a 180x10 sliver
	// (aspect 18) fails the maximum; a 40x15 blob passes.
	mask := maskWithRects(200, 300,
		image.Rect(10, 10, 30, 30),
		image.Rect(20, 150, 200, 160),
		image.Rect(100, 50, 140, 65),
	)
	defer mask.Close()

	contours := s.DetectContours(mask, nil)
	require.Len(t, contours, 1)
	c := contours[0].Centroid()
	assert.InDelta(t, 119.5, c.X, 1.0)
	assert.InDelta(t, 57.0, c.Y, 1.0)
}

func TestSegmenterChannelBand(t *testing.T) {
	s := NewSegmenter(segmentConfig(), zerolog.Nop())

	// Same shape inside and outside the band.
	mask := maskWithRects(300, 300,
		image.Rect(50, 100, 90, 115),
		image.Rect(50, 250, 90, 265),
	)
	defer mask.Close()

	band := &ChannelBand{YMin: 90, YMax: 130}
	contours := s.DetectContours(mask, band)
	require.Len(t, contours, 1)
	assert.InDelta(t, 107.0, contours[0].Centroid().Y, 1.5)
}

func TestSegmenterBandMargin(t *testing.T) {
	cfg := segmentConfig()
	s := NewSegmenter(cfg, zerolog.Nop())

	// Blob center at y=107, band ends at 105: inside only thanks to
	// the 5 px margin.
	mask := maskWithRects(300, 300, image.Rect(50, 100, 90, 115))
	defer mask.Close()

	band := &ChannelBand{YMin: 60, YMax: 105}
	assert.Len(t, s.DetectContours(mask, band), 1)

	cfg.ChannelBandMargin = 0
	assert.Empty(t, s.DetectContours(mask, band))
}

func TestSegmenterNilBandDisablesSpatialFilter(t *testing.T) {
	s := NewSegmenter(segmentConfig(), zerolog.Nop())

	mask := maskWithRects(300, 300,
		image.Rect(50, 10, 90, 25),
		image.Rect(50, 250, 90, 265),
	)
	defer mask.Close()

	assert.Len(t, s.DetectContours(mask, nil), 2)
}

func TestSegmenterEmptyMask(t *testing.T) {
	s := NewSegmenter(segmentConfig(), zerolog.Nop())
	assert.Nil(t, s.DetectContours(gocv.NewMat(), nil))
}
