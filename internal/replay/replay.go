package replay

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/attitude.report/internal/monitoring"
	"github.com/banshee-data/attitude.report/internal/nav"
	"github.com/banshee-data/attitude.report/internal/navdb"
)

// Replayer pumps a recorded run through a fresh estimator, honoring the tick
// protocol: aiding samples are delivered before the IMU sample whose update
// tick they precede, and Update runs once per IMU sample.
type Replayer struct {
	DB     *navdb.NavDB
	Params nav.Params

	// OnSolution, when set, receives the estimator after every completed
	// prediction tick. Used by the live monitor during replay-serve.
	OnSolution func(e *nav.Ekf, timeUs uint64)
}

// Result summarises one replayed run.
type Result struct {
	RunID     string
	Ticks     int
	Solutions []navdb.Solution

	// Innovation test ratio statistics per sensor family.
	Stats map[string]SeriesStats

	FinalState nav.State
}

// SeriesStats are summary statistics over a replay series.
type SeriesStats struct {
	Mean float64
	Std  float64
	P95  float64
	Max  float64
}

func summarize(series []float64) SeriesStats {
	if len(series) == 0 {
		return SeriesStats{}
	}
	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	return SeriesStats{
		Mean: mean,
		Std:  std,
		P95:  stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Max:  sorted[len(sorted)-1],
	}
}

// Run replays the recorded streams of runID and returns the solution series.
func (r *Replayer) Run(runID string) (*Result, error) {
	imu, err := r.DB.LoadIMU(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load imu stream: %w", err)
	}
	if len(imu) == 0 {
		return nil, fmt.Errorf("run %s has no IMU data", runID)
	}
	gps, err := r.DB.LoadGPS(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load gps stream: %w", err)
	}
	mag, err := r.DB.LoadMag(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mag stream: %w", err)
	}
	baro, err := r.DB.LoadBaro(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load baro stream: %w", err)
	}

	e := nav.NewEkf(r.Params)
	e.Init(imu[0].TimeUs)

	res := &Result{RunID: runID, Stats: map[string]SeriesStats{}}
	var velRatios, posRatios, hgtRatios, magRatios []float64

	gi, mi, bi := 0, 0, 0
	for _, s := range imu {
		// Deliver every aiding sample timestamped at or before this IMU
		// sample, oldest first, before the tick consumes it.
		for gi < len(gps) && gps[gi].TimeUsec <= s.TimeUs {
			e.SetGPSData(gps[gi])
			gi++
		}
		for mi < len(mag) && mag[mi].TimeUs <= s.TimeUs {
			e.SetMagData(mag[mi].TimeUs, mag[mi].Mag)
			mi++
		}
		for bi < len(baro) && baro[bi].TimeUs <= s.TimeUs {
			e.SetBaroData(baro[bi].TimeUs, baro[bi].Hgt)
			bi++
		}

		e.SetIMUData(s.TimeUs, s.Dt, s.DeltaAng, s.DeltaVel)
		if !e.Update() {
			continue
		}
		res.Ticks++

		_, magR, velR, posR, hgtR, _, _, _ := e.InnovationTestStatus()
		magRatios = append(magRatios, magR)
		velRatios = append(velRatios, velR)
		posRatios = append(posRatios, posR)
		hgtRatios = append(hgtRatios, hgtR)

		res.Solutions = append(res.Solutions, SolutionRow(e, s.TimeUs))

		if r.OnSolution != nil {
			r.OnSolution(e, s.TimeUs)
		}
	}

	res.Stats["mag"] = summarize(magRatios)
	res.Stats["vel"] = summarize(velRatios)
	res.Stats["pos"] = summarize(posRatios)
	res.Stats["hgt"] = summarize(hgtRatios)
	res.FinalState = e.StateAtFusionHorizon()

	monitoring.Logf("replay: run %s, %d ticks, pos p95 ratio %.3f", runID, res.Ticks, res.Stats["pos"].P95)
	return res, nil
}

// SolutionRow captures the estimator output as a storable solution record.
func SolutionRow(e *nav.Ekf, timeUs uint64) navdb.Solution {
	st := e.StateAtFusionHorizon()
	velPos := e.VelPosInnov()
	magInnov := e.MagInnov()
	headingInnov, _ := e.HeadingInnov()

	return navdb.Solution{
		TimeUs: timeUs,
		Quat:   st.Quat,
		VelNED: st.VelNED,
		PosNED: st.PosNED,
		WindNE: st.WindNE,
		Innovations: map[string][]float64{
			"vel_pos": velPos[:],
			"mag":     {magInnov[0], magInnov[1], magInnov[2]},
			"heading": {headingInnov},
		},
		ControlStatus:  e.ControlStatusWord(),
		FaultStatus:    e.FilterFault(),
		SolutionStatus: e.SolutionStatus(),
	}
}

// Record persists a replay's solutions back to the database under the source
// run id, replacing nothing (duplicate timestamps are ignored by schema).
func (r *Replayer) Record(res *Result) error {
	return r.DB.RecordSolutionBatch(res.RunID, res.Solutions)
}
