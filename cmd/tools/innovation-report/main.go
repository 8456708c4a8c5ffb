// innovation-report replays a recorded run and writes a standalone HTML page
// of innovation, variance and test-ratio charts for offline tuning review.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/attitude.report/internal/nav"
	"github.com/banshee-data/attitude.report/internal/navdb"
	"github.com/banshee-data/attitude.report/internal/replay"
)

var (
	dbFile = flag.String("db", "nav_data.db", "Path to the nav database")
	runID  = flag.String("run", "", "Run to replay (default: most recent)")
	output = flag.String("out", "innovation_report.html", "Output HTML file")
)

func main() {
	flag.Parse()

	db, err := navdb.NewNavDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	id := *runID
	if id == "" {
		runs, err := db.Runs()
		if err != nil || len(runs) == 0 {
			log.Fatalf("no runs available: %v", err)
		}
		id = runs[0].RunID
	}

	r := &replay.Replayer{DB: db, Params: nav.DefaultParams()}
	res, err := r.Run(id)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	page.AddCharts(velPosChart(res))
	page.AddCharts(magChart(res))
	page.AddCharts(trajectoryChart(res))

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *output, err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}

	log.Printf("report written to %s (%d ticks)", *output, res.Ticks)
	for name, s := range res.Stats {
		fmt.Printf("%-6s mean=%.4f std=%.4f p95=%.4f max=%.4f\n", name, s.Mean, s.Std, s.P95, s.Max)
	}
}

func velPosChart(res *replay.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "velocity and position innovations"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)
	labels := []string{"velN", "velE", "velD", "posN", "posE", "posD"}
	for ci, label := range labels {
		data := make([]opts.LineData, len(res.Solutions))
		for i, s := range res.Solutions {
			data[i] = opts.LineData{Value: []interface{}{
				float64(s.TimeUs) * 1e-6, s.Innovations["vel_pos"][ci],
			}}
		}
		line.AddSeries(label, data)
	}
	return line
}

func magChart(res *replay.Result) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "magnetometer innovations"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
	)
	for ci, label := range []string{"magX", "magY", "magZ"} {
		data := make([]opts.LineData, len(res.Solutions))
		for i, s := range res.Solutions {
			data[i] = opts.LineData{Value: []interface{}{
				float64(s.TimeUs) * 1e-6, s.Innovations["mag"][ci],
			}}
		}
		line.AddSeries(label, data)
	}
	return line
}

func trajectoryChart(res *replay.Result) *charts.Scatter {
	sc := charts.NewScatter()
	sc.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "horizontal trajectory (NE)"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "east (m)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "north (m)"}),
	)
	data := make([]opts.ScatterData, len(res.Solutions))
	for i, s := range res.Solutions {
		data[i] = opts.ScatterData{Value: []interface{}{s.PosNED[1], s.PosNED[0]}, SymbolSize: 4}
	}
	sc.AddSeries("position", data)
	return sc
}
