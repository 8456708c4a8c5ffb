package nav

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStationaryAlignment(t *testing.T) {
	r := newTestRig(t, DefaultParams())

	// 3 s of stationary data.
	r.stepStationary(375)
	if !r.e.filterInitialised {
		t.Fatal("filter did not initialise")
	}

	q := r.e.StateAtFusionHorizon().Quat
	roll, pitch, yaw := q.Euler()
	if math.Abs(roll) > 0.02 || math.Abs(pitch) > 0.02 {
		t.Errorf("tilt misaligned: roll=%v pitch=%v", roll, pitch)
	}
	// Yaw should match the mag: field (0.21, 0, 0.45) points north, decl 0.
	if math.Abs(wrapPi(yaw)) > 0.05 {
		t.Errorf("yaw misaligned: %v", yaw)
	}

	vel := r.e.StateAtFusionHorizon().VelNED
	if vel.Norm() > 0.05 {
		t.Errorf("stationary velocity drift %v m/s", vel.Norm())
	}
	pos := r.e.StateAtFusionHorizon().PosNED
	if math.Hypot(pos[0], pos[1]) > 0.1 {
		t.Errorf("stationary position drift %v m", math.Hypot(pos[0], pos[1]))
	}

	r.checkInvariants()
}

func TestPureYawSpin(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()

	yaw0 := r.e.StateAtFusionHorizon().Quat.Yaw()

	// Heading aiding off during the spin so yaw integrates from the gyro.
	r.magOn = false
	spinRate := math.Pi / 4
	r.step(500, Vec3{0, 0, spinRate}, Vec3{0, 0, -gravityMSS}) // 4 s
	// Let the delayed horizon consume the whole spin before measuring.
	r.stepStationary(imuBufferLength + 5)

	yaw1 := r.e.StateAtFusionHorizon().Quat.Yaw()
	advance := wrapPi(yaw1 - yaw0 - math.Pi)
	if math.Abs(advance) > math.Pi*0.01 {
		t.Errorf("yaw advanced by pi%+v rad, want within 1%%", advance)
	}

	vel := r.e.StateAtFusionHorizon().VelNED
	if vel.Norm() > 0.1 {
		t.Errorf("velocity drift %v m/s during pure yaw spin", vel.Norm())
	}
	pos := r.e.StateAtFusionHorizon().PosNED
	if math.Hypot(pos[0], pos[1]) > 0.2 {
		t.Errorf("position drift %v m during pure yaw spin", math.Hypot(pos[0], pos[1]))
	}

	r.checkInvariants()
}

func TestGPSPositionStepIn(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.startGPS()

	_, counter0 := r.e.PosNEReset()

	// Step the reported position 10 m north and keep it there well past the
	// innovation-failure reset horizon.
	r.gpsLat += 10.0 / (earthRadiusM * math.Pi / 180)
	r.step(1250, Vec3{}, Vec3{0, 0, -gravityMSS}) // 10 s

	pos := r.e.StateAtFusionHorizon().PosNED
	eph, _ := r.e.LocalPosAccuracy()
	if math.Abs(pos[0]-10) > 3*eph+0.5 {
		t.Errorf("north position %v, want 10 within 3 sigma (%v)", pos[0], 3*eph)
	}

	_, counter1 := r.e.PosNEReset()
	if d := counter1 - counter0; d != 1 {
		t.Errorf("posNE reset counter advanced by %d, want exactly 1", d)
	}

	r.checkInvariants()
}

func TestHeightSourceFallback(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.startGPS()

	if !r.e.control.baroHgt {
		t.Fatal("expected baro as initial height reference")
	}
	_, hgtCounter0 := r.e.PosDReset()

	// Stop baro; within the 5 s timeout the filter must fall back to GPS
	// height and reset.
	r.baroOn = false
	r.step(875, Vec3{}, Vec3{0, 0, -gravityMSS}) // 7 s

	baroFaulty, _, _ := r.e.HeightSensorFaults()
	if !baroFaulty {
		t.Error("baro not flagged faulty after timeout")
	}
	if !r.e.control.gpsHgt {
		t.Error("height reference did not fall back to GPS")
	}
	_, hgtCounter1 := r.e.PosDReset()
	if d := hgtCounter1 - hgtCounter0; d != 1 {
		t.Errorf("posD reset counter advanced by %d, want exactly 1", d)
	}

	if v := math.Abs(r.e.StateAtFusionHorizon().VelNED[2]); v > 1.0 {
		t.Errorf("vertical velocity unbounded after height fallback: %v", v)
	}

	r.checkInvariants()
}

func TestMagOutlierRejected(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(200)

	e := r.e
	lastFuse := e.timeLastMagFuseUs

	// Inject a 10 sigma outlier directly into the delayed sample and run the
	// kernel: state and covariance must be untouched byte for byte.
	stateBefore := e.state
	pBefore := e.P

	e.magSampleDelayed = magSample{
		mag:    Vec3{0.21 + 1.0, -1.0, 0.45},
		timeUs: e.imuSampleDelayed.timeUs,
	}
	e.fuseMag()

	if e.state != stateBefore {
		t.Error("state mutated by gated magnetometer fusion")
	}
	if diff := cmp.Diff(pBefore, e.P); diff != "" {
		t.Errorf("covariance mutated by gated magnetometer fusion:\n%s", diff)
	}
	if e.timeLastMagFuseUs != lastFuse {
		t.Error("last mag fuse timestamp advanced on a rejected sample")
	}

	_, magRatio, _, _, _, _, _, _ := e.InnovationTestStatus()
	if magRatio <= 1 {
		t.Errorf("mag test ratio %v, want > 1 for a 10 sigma outlier", magRatio)
	}
}

func TestCovarianceNaNTriggersQuatReset(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(100)

	_, quat0 := r.e.QuatReset()
	_, posNE0 := r.e.PosNEReset()

	r.e.P[0][0] = math.NaN()
	r.stepStationary(1)

	_, quat1 := r.e.QuatReset()
	if d := quat1 - quat0; d != 1 {
		t.Errorf("quat reset counter advanced by %d, want 1", d)
	}
	_, posNE1 := r.e.PosNEReset()
	if posNE1 != posNE0 {
		t.Error("position group reset by an attitude covariance fault")
	}

	// Filter keeps running with finite covariance.
	r.stepStationary(50)
	for i := 0; i < numStates; i++ {
		if math.IsNaN(r.e.P[i][i]) {
			t.Fatalf("P[%d][%d] still NaN after reset", i, i)
		}
	}
	r.checkInvariants()
}

func TestZeroInnovationFusionShrinksCovariance(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(50)

	e := r.e
	stateBefore := e.state
	var diagBefore [numStates]float64
	for i := range diagBefore {
		diagBefore[i] = e.P[i][i]
	}

	if _, ok := e.fuseScalar(unitJacobian(stateVelN), 0, 1e-9); !ok {
		t.Fatal("zero-innovation fusion refused")
	}

	if e.state.vel != stateBefore.vel {
		t.Error("zero innovation changed the velocity state")
	}
	for i := 0; i < numStates; i++ {
		if e.P[i][i] > diagBefore[i]+1e-12 {
			t.Errorf("P[%d][%d] grew from %v to %v on a perfect observation", i, i, diagBefore[i], e.P[i][i])
		}
	}
}

func TestUnaidedDriftStaysInsideEnvelope(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()

	// All aiding off: only the synthetic position observation remains.
	r.magOn = false
	r.baroOn = false
	r.stepStationary(625) // 5 s

	vel := r.e.StateAtFusionHorizon().VelNED
	evh, evv := r.e.VelAccuracy()
	if math.Hypot(vel[0], vel[1]) > 3*evh+0.1 {
		t.Errorf("horizontal velocity %v outside 3 sigma envelope %v", math.Hypot(vel[0], vel[1]), 3*evh)
	}
	if math.Abs(vel[2]) > 3*evv+0.1 {
		t.Errorf("vertical velocity %v outside 3 sigma envelope %v", vel[2], 3*evv)
	}

	r.checkInvariants()
}

func TestResetCountersMonotonic(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.startGPS()

	_, q0 := r.e.QuatReset()
	_, p0 := r.e.PosNEReset()

	r.step(2500, Vec3{}, Vec3{0, 0, -gravityMSS})

	_, q1 := r.e.QuatReset()
	_, p1 := r.e.PosNEReset()
	// Unsigned difference semantics: counters never step backwards.
	if int8(q1-q0) < 0 {
		t.Errorf("quat reset counter regressed: %d -> %d", q0, q1)
	}
	if int8(p1-p0) < 0 {
		t.Errorf("posNE reset counter regressed: %d -> %d", p0, p1)
	}
}

func TestResetImuBiasLockout(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()

	if !r.e.ResetImuBias() {
		t.Fatal("first bias reset rejected")
	}
	if r.e.ResetImuBias() {
		t.Error("bias reset accepted inside the 10 s lockout")
	}
	r.stepStationary(1300) // > 10 s
	if !r.e.ResetImuBias() {
		t.Error("bias reset rejected after the lockout expired")
	}
}

func TestDeterministicReplay(t *testing.T) {
	run := func() (State, SquareMatrix) {
		r := newTestRig(t, DefaultParams())
		r.align()
		r.startGPS()
		r.step(500, Vec3{0, 0, 0.1}, Vec3{0.2, 0, -gravityMSS})
		return r.e.StateAtFusionHorizon(), r.e.Covariances()
	}
	s1, p1 := run()
	s2, p2 := run()
	if s1 != s2 {
		t.Error("identical input streams produced different states")
	}
	if p1 != p2 {
		t.Error("identical input streams produced different covariances")
	}
}
