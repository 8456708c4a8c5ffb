package replay

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/banshee-data/attitude.report/internal/nav"
	"github.com/banshee-data/attitude.report/internal/navdb"
)

// recordSyntheticRun writes a stationary 5 s run into a fresh database.
func recordSyntheticRun(t *testing.T) (*navdb.NavDB, string) {
	t.Helper()
	db, err := navdb.NewNavDB(filepath.Join(t.TempDir(), "replay_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	runID, err := db.StartRun("synthetic stationary")
	if err != nil {
		t.Fatal(err)
	}

	const dt = 0.008
	var imu []navdb.IMURecord
	var now uint64 = 1_000_000
	for i := 0; i < 625; i++ { // 5 s
		now += 8000
		imu = append(imu, navdb.IMURecord{
			TimeUs:   now,
			Dt:       dt,
			DeltaAng: nav.Vec3{},
			DeltaVel: nav.Vec3{0, 0, -9.80665 * dt},
		})
		if now%24000 == 0 {
			if err := db.RecordMag(runID, navdb.MagRecord{TimeUs: now, Mag: nav.Vec3{0.21, 0, 0.45}}); err != nil {
				t.Fatal(err)
			}
		}
		if now%40000 == 0 {
			if err := db.RecordBaro(runID, navdb.BaroRecord{TimeUs: now, Hgt: 0}); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := db.RecordIMUBatch(runID, imu); err != nil {
		t.Fatal(err)
	}
	return db, runID
}

func TestReplayStationaryRun(t *testing.T) {
	db, runID := recordSyntheticRun(t)

	r := &Replayer{DB: db, Params: nav.DefaultParams()}
	res, err := r.Run(runID)
	if err != nil {
		t.Fatal(err)
	}

	if res.Ticks < 500 {
		t.Errorf("only %d ticks replayed from a 625 sample run", res.Ticks)
	}
	if v := res.FinalState.VelNED.Norm(); v > 0.05 {
		t.Errorf("stationary replay ended with %v m/s velocity", v)
	}
	q := res.FinalState.Quat
	if math.Abs(q.Norm()-1) > 1e-6 {
		t.Errorf("quaternion norm %v after replay", q.Norm())
	}
	if len(res.Solutions) != res.Ticks {
		t.Errorf("%d solutions for %d ticks", len(res.Solutions), res.Ticks)
	}
}

func TestReplayDeterministic(t *testing.T) {
	db, runID := recordSyntheticRun(t)

	r := &Replayer{DB: db, Params: nav.DefaultParams()}
	res1, err := r.Run(runID)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := r.Run(runID)
	if err != nil {
		t.Fatal(err)
	}

	if res1.FinalState != res2.FinalState {
		t.Error("two replays of the same run diverged")
	}
	if res1.Ticks != res2.Ticks {
		t.Errorf("tick counts differ: %d vs %d", res1.Ticks, res2.Ticks)
	}
}

func TestReplayRecordsSolutions(t *testing.T) {
	db, runID := recordSyntheticRun(t)

	r := &Replayer{DB: db, Params: nav.DefaultParams()}
	res, err := r.Run(runID)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Record(res); err != nil {
		t.Fatal(err)
	}

	stored, err := db.LoadSolutions(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(res.Solutions) {
		t.Errorf("stored %d solutions, want %d", len(stored), len(res.Solutions))
	}
}

func TestReplayMissingRun(t *testing.T) {
	db, _ := recordSyntheticRun(t)
	r := &Replayer{DB: db, Params: nav.DefaultParams()}
	if _, err := r.Run("no-such-run"); err == nil {
		t.Error("replay of a missing run succeeded")
	}
}
