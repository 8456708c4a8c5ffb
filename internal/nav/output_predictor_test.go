package nav

import (
	"math"
	"testing"
)

func TestOutputTracksDelayedState(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.step(500, Vec3{0, 0, 0.2}, Vec3{0, 0, -gravityMSS})

	delayed := r.e.StateAtFusionHorizon()
	trackErr := r.e.OutputTrackingError()

	// The present-time output leads the delayed state by the buffer delay;
	// under a constant-rate manoeuvre the reported tracking error bounds the
	// residual disagreement.
	qOut := r.e.Quaternion()
	angDiff := qOut.Mul(delayed.Quat.Inverse()).RotVec().Norm()
	// Expected lead: spin rate x buffer delay.
	lead := 0.2 * float64(imuBufferLength) * FilterUpdatePeriodS
	if angDiff > lead+trackErr[0]+0.05 {
		t.Errorf("attitude lead %v exceeds expected %v + tracking error %v", angDiff, lead, trackErr[0])
	}

	velDiff := r.e.VelocityNED().Sub(delayed.VelNED).Norm()
	if velDiff > trackErr[1]+0.2 {
		t.Errorf("velocity difference %v exceeds tracking error %v", velDiff, trackErr[1])
	}
	posDiff := r.e.PositionNED().Sub(delayed.PosNED).Norm()
	if posDiff > trackErr[2]+0.5 {
		t.Errorf("position difference %v exceeds tracking error %v", posDiff, trackErr[2])
	}
}

func TestOutputTrackingErrorConvergesWhenStationary(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(1000)

	te := r.e.OutputTrackingError()
	if te[0] > 0.01 {
		t.Errorf("angular tracking error %v rad while stationary", te[0])
	}
	if te[1] > 0.05 {
		t.Errorf("velocity tracking error %v m/s while stationary", te[1])
	}
	if te[2] > 0.1 {
		t.Errorf("position tracking error %v m while stationary", te[2])
	}
}

func TestQuatResetPropagatesToOutput(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(100)

	yawBefore := r.e.Quaternion().Yaw()
	r.e.resetYawTo(yawBefore+1.0, false)

	yawAfter := r.e.Quaternion().Yaw()
	if d := math.Abs(wrapPi(yawAfter - yawBefore - 1.0)); d > 1e-6 {
		t.Errorf("present-time yaw moved by %v, want exactly the reset delta", wrapPi(yawAfter-yawBefore))
	}
}

func TestHeightResetPropagatesToOutput(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.stepStationary(100)

	before := r.e.PositionNED()[2]
	r.e.propagateHgtResetToOutput(-3.0, 0)
	after := r.e.PositionNED()[2]
	if math.Abs(after-before+3.0) > 1e-12 {
		t.Errorf("output height moved by %v, want -3", after-before)
	}
}

func TestCalculateQuaternionFinite(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.step(100, Vec3{0.1, 0, 0.3}, Vec3{0, 0, -gravityMSS})

	q := r.e.CalculateQuaternion()
	if math.Abs(q.Norm()-1) > 1e-9 {
		t.Errorf("CalculateQuaternion norm %v", q.Norm())
	}
}
