// droplet-report turns a dropletsim CSV export into a standalone HTML
// page with size-distribution charts.
//
//	droplet-report -in droplets.csv -out report.html
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

func main() {
	var (
		inPath  string
		outPath string
		bins    int
	)
	flag.StringVar(&inPath, "in", "", "CSV export produced by dropletsim or the instrument")
	flag.StringVar(&outPath, "out", "report.html", "output HTML file")
	flag.IntVar(&bins, "bins", 30, "number of histogram bins")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if inPath == "" {
		log.Fatal().Msg("missing -in: path to a CSV export")
	}
	if bins < 1 {
		log.Fatal().Int("bins", bins).Msg("bins must be >= 1")
	}

	diameters, areas, err := readExport(inPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", inPath).Msg("reading export")
	}
	if len(diameters) == 0 {
		log.Fatal().Str("path", inPath).Msg("export holds no measurements")
	}
	log.Info().Int("measurements", len(diameters)).Msg("export loaded")

	page := components.NewPage()
	page.AddCharts(
		histogramChart("Equivalent diameter", "µm", diameters, bins),
		histogramChart("Area", "µm²", areas, bins),
	)

	f, err := os.Create(outPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", outPath).Msg("creating report")
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatal().Err(err).Msg("rendering report")
	}
	log.Info().Str("path", outPath).Msg("report written")
}

// readExport pulls the calibrated diameter and area columns out of a
// CSV export.
func readExport(path string) (diameters, areas []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing CSV")
	}
	if len(rows) < 1 {
		return nil, nil, errors.New("empty file")
	}

	diameterCol, areaCol := -1, -1
	for i, name := range rows[0] {
		switch name {
		case "equivalent_diameter_um":
			diameterCol = i
		case "area_um2":
			areaCol = i
		}
	}
	if diameterCol < 0 || areaCol < 0 {
		return nil, nil, errors.New("not a droplet export: missing diameter or area column")
	}

	for _, row := range rows[1:] {
		d, err := strconv.ParseFloat(row[diameterCol], 64)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "bad diameter %q", row[diameterCol])
		}
		a, err := strconv.ParseFloat(row[areaCol], 64)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "bad area %q", row[areaCol])
		}
		diameters = append(diameters, d)
		areas = append(areas, a)
	}
	return diameters, areas, nil
}

// histogramChart bins values into a bar chart annotated with the mean
// and coefficient of variation.
func histogramChart(title, unit string, values []float64, bins int) *charts.Bar {
	labels, counts := binValues(values, bins)

	mean := stat.Mean(values, nil)
	cv := 0.0
	if mean != 0 {
		cv = stat.PopStdDev(values, nil) / mean * 100
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Droplet Size Report", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s (%s)", title, unit),
			Subtitle: fmt.Sprintf("n=%d mean=%.1f CV=%.1f%%", len(values), mean, cv),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: unit}),
		charts.WithYAxisOpts(opts.YAxis{Name: "count"}),
	)

	data := make([]opts.BarData, len(counts))
	for i, c := range counts {
		data[i] = opts.BarData{Value: c}
	}
	bar.SetXAxis(labels).AddSeries("count", data)
	return bar
}

// binValues splits values into equal-width bins over their observed
// span and labels each bin by its center.
func binValues(values []float64, bins int) ([]string, []int) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}
	width := (hi - lo) / float64(bins)

	counts := make([]int, bins)
	for _, v := range values {
		idx := int((v - lo) / width)
		if idx == bins {
			idx--
		}
		counts[idx]++
	}

	labels := make([]string, bins)
	for i := range labels {
		center := lo + (float64(i)+0.5)*width
		labels[i] = strconv.FormatFloat(math.Round(center*10)/10, 'f', -1, 64)
	}
	return labels, counts
}
