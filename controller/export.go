package controller

import (
	"encoding/csv"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mfx-lab/go-droplet/pipeline"
)

// ErrNoMeasurements reports an export attempt on an empty raw-record
// buffer.
var ErrNoMeasurements = errors.New("no measurements recorded")

// exportHeader is the fixed 12-column export schema.
var exportHeader = []string{
	"timestamp_ms",
	"frame_id",
	"radius_px",
	"radius_um",
	"area_px",
	"area_um2",
	"x_center_px",
	"y_center_px",
	"major_axis_px",
	"major_axis_um",
	"equivalent_diameter_px",
	"equivalent_diameter_um",
}

// RawRecord is one detection flattened for export, in both pixel and
// micrometer units. Values are rounded to two decimals at capture.
type RawRecord struct {
	TimestampMs          int64   `json:"timestamp_ms"`
	FrameID              int64   `json:"frame_id"`
	RadiusPx             float64 `json:"radius_px"`
	RadiusUm             float64 `json:"radius_um"`
	AreaPx               float64 `json:"area_px"`
	AreaUm2              float64 `json:"area_um2"`
	XCenterPx            float64 `json:"x_center_px"`
	YCenterPx            float64 `json:"y_center_px"`
	MajorAxisPx          float64 `json:"major_axis_px"`
	MajorAxisUm          float64 `json:"major_axis_um"`
	EquivalentDiameterPx float64 `json:"equivalent_diameter_px"`
	EquivalentDiameterUm float64 `json:"equivalent_diameter_um"`
}

// newRawRecord flattens one measurement using the given calibration.
func newRawRecord(m pipeline.DropletMetrics, timestampMs, frameID int64, umPerPx float64) RawRecord {
	radiusPx := m.EquivalentDiameter / 2
	return RawRecord{
		TimestampMs:          timestampMs,
		FrameID:              frameID,
		RadiusPx:             round2(radiusPx),
		RadiusUm:             round2(radiusPx * umPerPx),
		AreaPx:               round2(m.Area),
		AreaUm2:              round2(m.Area * umPerPx * umPerPx),
		XCenterPx:            round2(m.Centroid.X),
		YCenterPx:            round2(m.Centroid.Y),
		MajorAxisPx:          round2(m.MajorAxis),
		MajorAxisUm:          round2(m.MajorAxis * umPerPx),
		EquivalentDiameterPx: round2(m.EquivalentDiameter),
		EquivalentDiameterUm: round2(m.EquivalentDiameter * umPerPx),
	}
}

func (r RawRecord) row() []string {
	return []string{
		strconv.FormatInt(r.TimestampMs, 10),
		strconv.FormatInt(r.FrameID, 10),
		formatValue(r.RadiusPx),
		formatValue(r.RadiusUm),
		formatValue(r.AreaPx),
		formatValue(r.AreaUm2),
		formatValue(r.XCenterPx),
		formatValue(r.YCenterPx),
		formatValue(r.MajorAxisPx),
		formatValue(r.MajorAxisUm),
		formatValue(r.EquivalentDiameterPx),
		formatValue(r.EquivalentDiameterUm),
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// exportRecords serializes records in the given format: "csv" for RFC
// 4180 comma-separated values, "txt" for tab-separated text. The first
// row is always the header.
func exportRecords(records []RawRecord, format string) (string, error) {
	if len(records) == 0 {
		return "", ErrNoMeasurements
	}

	switch strings.ToLower(format) {
	case "csv":
		var b strings.Builder
		w := csv.NewWriter(&b)
		if err := w.Write(exportHeader); err != nil {
			return "", errors.Wrap(err, "writing export header")
		}
		for _, r := range records {
			if err := w.Write(r.row()); err != nil {
				return "", errors.Wrap(err, "writing export row")
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return "", errors.Wrap(err, "flushing export")
		}
		return b.String(), nil

	case "txt":
		var b strings.Builder
		b.WriteString(strings.Join(exportHeader, "\t"))
		b.WriteByte('\n')
		for _, r := range records {
			b.WriteString(strings.Join(r.row(), "\t"))
			b.WriteByte('\n')
		}
		return b.String(), nil

	default:
		return "", errors.Errorf("unsupported export format %q, use csv or txt", format)
	}
}
