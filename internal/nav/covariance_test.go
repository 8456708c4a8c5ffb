package nav

import (
	"math"
	"testing"
)

func TestCovarianceSymmetryAfterPropagation(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()

	// A rich manoeuvre keeps the off-diagonal structure busy.
	r.step(200, Vec3{0.2, -0.1, 0.4}, Vec3{0.5, -0.3, -gravityMSS})
	r.checkInvariants()
}

func TestQuatVarianceConversionRoundTrip(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()

	in := Vec3{sq(0.05), sq(0.07), sq(0.2)}
	r.e.initialiseQuatCovariances(in)
	out := r.e.calcRotVecVariances()

	for i := 0; i < 3; i++ {
		if math.Abs(out[i]-in[i]) > 0.05*in[i] {
			t.Errorf("rot vec variance axis %d: %v -> %v", i, in[i], out[i])
		}
	}
}

func TestGroupResetLeavesOthersUntouched(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(100)

	e := r.e
	magVar := e.P[stateMagN][stateMagN]
	windRow := e.P[stateWindN]

	e.resetCovarianceGroup(stateVelN, stateVelD)

	if e.P[stateMagN][stateMagN] != magVar {
		t.Error("mag variance disturbed by velocity group reset")
	}
	for j := 0; j < numStates; j++ {
		if j >= stateVelN && j <= stateVelD {
			if e.P[stateWindN][j] != 0 {
				t.Error("wind-velocity cross covariance not zeroed")
			}
			continue
		}
		if e.P[stateWindN][j] != windRow[j] {
			t.Errorf("wind row col %d disturbed by velocity reset", j)
		}
	}
}

func TestIncreaseQuatYawErrVariance(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()

	before := r.e.calcRotVecVariances()
	r.e.increaseQuatYawErrVariance(sq(0.3))
	after := r.e.calcRotVecVariances()

	if after[2]-before[2] < 0.5*sq(0.3) {
		t.Errorf("yaw variance grew by %v, want about %v", after[2]-before[2], sq(0.3))
	}
	// Tilt variances stay put for a level vehicle.
	for i := 0; i < 2; i++ {
		if math.Abs(after[i]-before[i]) > 0.1*sq(0.3) {
			t.Errorf("tilt axis %d variance moved by %v on a yaw-only inflation", i, after[i]-before[i])
		}
	}
}

func TestUncorrelateQuatStates(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.step(100, Vec3{0.1, 0.05, -0.1}, Vec3{0.2, 0.1, -gravityMSS})

	r.e.uncorrelateQuatStates()
	for i := 0; i < 4; i++ {
		for j := 4; j < numStates; j++ {
			if r.e.P[i][j] != 0 || r.e.P[j][i] != 0 {
				t.Fatalf("quat cross covariance (%d,%d) not zeroed", i, j)
			}
		}
	}
}

func TestSaveRestoreMagCovData(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(100)

	bf, ef := r.e.SaveMagCovData()

	r2 := newTestRig(t, DefaultParams())
	r2.align()
	r2.e.RestoreMagCovData(bf, ef)

	if r2.e.P[stateMagN][stateMagN] != ef[0][0] {
		t.Error("earth field covariance not restored")
	}
	if r2.e.P[stateMagBiasX][stateMagBiasX] != bf[1] {
		t.Error("body field variance not restored")
	}
}
