package nav

import (
	"math"
	"testing"
)

func TestTerrainEstimatorTracksRange(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.e.SetInAirStatus(true)

	// Hover at constant height with a steady 2.0 m range return.
	for i := 0; i < 500; i++ {
		r.now += rigDtUs
		r.e.SetIMUData(r.now, rigDt, Vec3{}, Vec3{0, 0, -gravityMSS * rigDt})
		if r.now%24000 == 0 {
			r.e.SetMagData(r.now, r.magField)
		}
		if r.now%40000 == 0 {
			r.e.SetBaroData(r.now, r.baroAlt)
			r.e.SetRangeData(r.now, 2.0, 1.0)
		}
		r.e.Update()
	}

	if !r.e.TerrainValid() {
		t.Fatal("terrain estimate not valid after steady range data")
	}
	hagl := r.e.TerrainVertPos() - r.e.StateAtFusionHorizon().PosNED[2]
	if math.Abs(hagl-2.0) > 0.3 {
		t.Errorf("HAGL = %v, want about 2.0", hagl)
	}
	if r.e.TerrainVar() > 1.0 {
		t.Errorf("terrain variance %v did not converge", r.e.TerrainVar())
	}
}

func TestTerrainPinnedOnGround(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(100)

	if hagl := r.e.TerrainVertPos() - r.e.StateAtFusionHorizon().PosNED[2]; math.Abs(hagl) > 1e-9 {
		t.Errorf("on-ground HAGL = %v, want 0", hagl)
	}
}
