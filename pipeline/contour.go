package pipeline

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Contour is a closed polygon outlining one connected region of a
// binary mask, as emitted by external contour extraction with simple
// chain approximation. Points are in ROI-local pixel coordinates.
type Contour []image.Point

// Centroid is a sub-pixel point in ROI-local coordinates.
type Centroid struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// contoursFromMask extracts the external contours of mask, copying the
// point data out of native memory so the result outlives the mask.
func contoursFromMask(mask gocv.Mat) []Contour {
	pv := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer pv.Close()

	contours := make([]Contour, 0, pv.Size())
	for i := 0; i < pv.Size(); i++ {
		contours = append(contours, Contour(pv.At(i).ToPoints()))
	}
	return contours
}

// signedArea is the Green's-theorem area of the polygon. Positive for
// counter-clockwise orientation in image coordinates.
func (c Contour) signedArea() float64 {
	if len(c) < 3 {
		return 0
	}
	sum := 0.0
	for i, p := range c {
		q := c[(i+1)%len(c)]
		sum += float64(p.X)*float64(q.Y) - float64(q.X)*float64(p.Y)
	}
	return sum / 2
}

// Area returns the absolute contour area in pixels².
func (c Contour) Area() float64 {
	return math.Abs(c.signedArea())
}

// BoundingRect returns the axis-aligned bounding box of the contour.
// Max is exclusive, so Dx/Dy count the covered pixel columns and rows.
func (c Contour) BoundingRect() image.Rectangle {
	if len(c) == 0 {
		return image.Rectangle{}
	}
	minX, minY := c[0].X, c[0].Y
	maxX, maxY := c[0].X, c[0].Y
	for _, p := range c[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// Centroid returns the area-moment center (m10/m00, m01/m00) of the
// contour polygon. A degenerate polygon with zero area yields (0, 0).
func (c Contour) Centroid() Centroid {
	m00 := c.signedArea()
	if m00 == 0 {
		return Centroid{}
	}
	var m10, m01 float64
	for i, p := range c {
		q := c[(i+1)%len(c)]
		cross := float64(p.X)*float64(q.Y) - float64(q.X)*float64(p.Y)
		m10 += (float64(p.X) + float64(q.X)) * cross
		m01 += (float64(p.Y) + float64(q.Y)) * cross
	}
	m10 /= 6
	m01 /= 6
	return Centroid{X: m10 / m00, Y: m01 / m00}
}

// AspectRatio returns max(w, h) / max(1, min(w, h)) of the bounding
// box, the elongation measure used by the segmentation filters.
func (c Contour) AspectRatio() float64 {
	r := c.BoundingRect()
	w, h := r.Dx(), r.Dy()
	longSide, shortSide := w, h
	if h > w {
		longSide, shortSide = h, w
	}
	if shortSide < 1 {
		shortSide = 1
	}
	return float64(longSide) / float64(shortSide)
}

// fitEllipseMajorAxis fits an ellipse to the contour and returns the
// longer of its two axes. The fit can be rejected by the underlying
// solver for degenerate point sets; ok is false in that case.
func fitEllipseMajorAxis(c Contour) (axis float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			axis, ok = 0, false
		}
	}()

	pv := gocv.NewPointVectorFromPoints(c)
	defer pv.Close()

	rr := gocv.FitEllipse(pv)
	axis = math.Max(float64(rr.Width), float64(rr.Height))
	if axis <= 0 || math.IsNaN(axis) {
		return 0, false
	}
	return axis, true
}
