package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/s0uth-cloud/droptimize-driver/internal/httputil"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
	"github.com/s0uth-cloud/droptimize-driver/internal/units"
)

func unitsLabel(u string) string {
	switch u {
	case units.MPH:
		return "mph"
	case units.MPS:
		return "m/s"
	default:
		return "km/h"
	}
}

func shiftSubtitle(snap tracking.ShiftSnapshot, target string) string {
	return fmt.Sprintf("started %s, %.2f km, top %.0f %s, avg %.0f %s",
		snap.ShiftStartedAt.Format(time.RFC3339), snap.TotalDistanceKm,
		convert(snap.TopSpeedKmh, target), unitsLabel(target),
		convert(snap.AvgSpeedKmh, target), unitsLabel(target))
}

// handleShiftChart renders the shift's speed readings as an interactive
// HTML line chart.
func (s *Server) handleShiftChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	target, err := s.unitsFor(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	snap, ok := s.activeShift(w, r)
	if !ok {
		return
	}

	x := make([]string, len(snap.SpeedReadings))
	data := make([]opts.LineData, len(snap.SpeedReadings))
	for i, v := range snap.SpeedReadings {
		x[i] = strconv.Itoa(i + 1)
		data[i] = opts.LineData{Value: convert(v, target)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Shift Speed", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Shift " + snap.ShiftID, Subtitle: shiftSubtitle(snap, target)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Reading", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: unitsLabel(target), NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).AddSeries("speed", data)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// speedPlot draws the speed readings as a static line plot.
func speedPlot(snap tracking.ShiftSnapshot, target string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Shift " + snap.ShiftID
	p.X.Label.Text = "Reading"
	p.Y.Label.Text = "Speed (" + unitsLabel(target) + ")"
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	if len(snap.SpeedReadings) == 0 {
		return p, nil
	}
	pts := make(plotter.XYs, len(snap.SpeedReadings))
	for i, v := range snap.SpeedReadings {
		pts[i] = plotter.XY{X: float64(i + 1), Y: convert(v, target)}
	}
	speedLine, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to build speed line: %w", err)
	}
	speedLine.Width = vg.Points(1)
	p.Add(speedLine)
	p.Legend.Add("speed", speedLine)
	return p, nil
}

func (s *Server) handleShiftPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	target, err := s.unitsFor(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	snap, ok := s.activeShift(w, r)
	if !ok {
		return
	}
	p, err := speedPlot(snap, target)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
