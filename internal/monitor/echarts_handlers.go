package monitor

import (
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Debugging-only chart endpoints (no auth): quick visual inspection of
// innovation behaviour without the full UI.

// handleInnovationCharts renders line charts of the buffered innovation
// history for the velocity/position components and the heading.
func (ws *WebServer) handleInnovationCharts(w http.ResponseWriter, r *http.Request) {
	series := ws.history.series()
	if len(series) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no snapshots buffered yet")
		return
	}

	xAxis := make([]float64, len(series))
	for i, s := range series {
		xAxis[i] = float64(s.TimeUs) * 1e-6
	}

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	labels := []string{"velN", "velE", "velD", "posN", "posE", "posD"}
	for ci, label := range labels {
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{Title: label + " innovation"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
			charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		)
		innov := make([]opts.LineData, len(series))
		bound := make([]opts.LineData, len(series))
		for i, s := range series {
			innov[i] = opts.LineData{Value: []interface{}{xAxis[i], s.VelPosInnov[ci]}}
			bound[i] = opts.LineData{Value: []interface{}{xAxis[i], sqrtOr0(s.VelPosInnovVar[ci])}}
		}
		line.AddSeries("innovation", innov)
		line.AddSeries("1-sigma", bound)
		page.AddCharts(line)
	}

	heading := charts.NewLine()
	heading.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "heading innovation"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
	)
	hd := make([]opts.LineData, len(series))
	for i, s := range series {
		hd[i] = opts.LineData{Value: []interface{}{xAxis[i], s.HeadingInnov}}
	}
	heading.AddSeries("innovation", hd)
	page.AddCharts(heading)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	page.Render(w)
}

// handleNISChart renders the normalised innovation squared for the six
// velocity/position components, the first-line consistency check for tuning.
func (ws *WebServer) handleNISChart(w http.ResponseWriter, r *http.Request) {
	series := ws.history.series()
	if len(series) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no snapshots buffered yet")
		return
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "normalised innovation squared",
			Subtitle: "values persistently above 1 mean the filter is overconfident",
		}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	labels := []string{"velN", "velE", "velD", "posN", "posE", "posD"}
	for ci, label := range labels {
		data := make([]opts.LineData, len(series))
		for i, s := range series {
			nis := 0.0
			if s.VelPosInnovVar[ci] > 0 {
				nis = s.VelPosInnov[ci] * s.VelPosInnov[ci] / s.VelPosInnovVar[ci]
			}
			data[i] = opts.LineData{Value: []interface{}{float64(s.TimeUs) * 1e-6, nis}}
		}
		line.AddSeries(label, data)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	line.Render(w)
}

func sqrtOr0(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
