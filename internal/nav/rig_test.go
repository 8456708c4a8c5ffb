package nav

import (
	"math"
	"testing"
)

// testRig drives an Ekf with a deterministic synthetic sensor stream. One
// step is one 8 ms IMU interval; magnetometer and baro run at fixed
// submultiples so the alignment prerequisites are met without wall clock.
type testRig struct {
	t   *testing.T
	e   *Ekf
	now uint64

	// Ambient truth fed to the sensors.
	magField Vec3    // body frame field (Gauss)
	baroAlt  float64 // pressure altitude (m)
	baroOn   bool
	magOn    bool

	gpsLat, gpsLon float64 // degrees
	gpsAlt         float64 // m
	gpsVel         Vec3
	gpsOn          bool
}

const rigDtUs = 8000
const rigDt = 0.008

func newTestRig(t *testing.T, params Params) *testRig {
	r := &testRig{
		t:        t,
		e:        NewEkf(params),
		now:      1_000_000,
		magField: Vec3{0.21, 0.0, 0.45},
		baroOn:   true,
		magOn:    true,
		gpsLat:   47.3977,
		gpsLon:   8.5456,
		gpsAlt:   488.0,
	}
	r.e.Init(r.now)
	return r
}

// goodFix returns a GPS message passing every quality check.
func (r *testRig) goodFix() GPSMessage {
	return GPSMessage{
		TimeUsec:    r.now,
		Lat:         int32(r.gpsLat * 1e7),
		Lon:         int32(r.gpsLon * 1e7),
		Alt:         int32(r.gpsAlt * 1e3),
		YawDeg:      math.NaN(),
		FixType:     3,
		EPH:         0.5,
		EPV:         0.8,
		SAcc:        0.2,
		PDOP:        1.2,
		VelNED:      r.gpsVel,
		VelNEDValid: true,
		NSats:       12,
	}
}

// step advances n IMU intervals with the given body angular rate (rad/s) and
// specific force (m/s^2).
func (r *testRig) step(n int, angRate, accel Vec3) {
	for i := 0; i < n; i++ {
		r.now += rigDtUs
		dAng := angRate.Scale(rigDt)
		dVel := accel.Scale(rigDt)
		r.e.SetIMUData(r.now, rigDt, dAng, dVel)

		if r.magOn && r.now%24000 == 0 {
			r.e.SetMagData(r.now, r.magField)
		}
		if r.baroOn && r.now%40000 == 0 {
			r.e.SetBaroData(r.now, r.baroAlt)
		}
		if r.gpsOn && r.now%200000 == 0 {
			r.e.SetGPSData(r.goodFix())
		}
		r.e.Update()
	}
}

// stepStationary advances n intervals of a level, motionless vehicle.
func (r *testRig) stepStationary(n int) {
	r.step(n, Vec3{}, Vec3{0, 0, -gravityMSS})
}

// align runs the stationary alignment until the filter initialises.
func (r *testRig) align() {
	r.t.Helper()
	for i := 0; i < 1000 && !r.e.filterInitialised; i++ {
		r.stepStationary(1)
	}
	if !r.e.filterInitialised {
		r.t.Fatal("filter failed to initialise within 8 s of stationary data")
	}
}

// startGPS feeds good fixes until GPS aiding engages.
func (r *testRig) startGPS() {
	r.t.Helper()
	r.gpsOn = true
	r.e.SetVehicleAtRest(true)
	for i := 0; i < 4000 && !r.e.control.gps; i++ {
		r.stepStationary(1)
	}
	if !r.e.control.gps {
		r.t.Fatal("GPS aiding did not start within 32 s of good fixes")
	}
}

// checkInvariants asserts the universal filter invariants.
func (r *testRig) checkInvariants() {
	r.t.Helper()
	e := r.e

	if n := e.state.quat.Norm(); math.Abs(n-1) > 1e-5 {
		r.t.Errorf("quaternion norm %v outside [1-1e-5, 1+1e-5]", n)
	}
	for i := 0; i < numStates; i++ {
		if e.P[i][i] < 0 {
			r.t.Errorf("negative variance P[%d][%d] = %v", i, i, e.P[i][i])
		}
		for j := 0; j < i; j++ {
			a, b := e.P[i][j], e.P[j][i]
			scale := maxF(math.Abs(a), math.Abs(b))
			if scale > 0 && math.Abs(a-b)/scale > 1e-6 {
				r.t.Errorf("P asymmetric at (%d,%d): %v vs %v", i, j, a, b)
			}
		}
	}
}
