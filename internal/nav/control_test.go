package nav

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPSCheckBitmask(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.e.SetVehicleAtRest(true)

	bad := r.goodFix()
	bad.FixType = 2
	bad.NSats = 4
	bad.PDOP = 9.9
	bad.EPH = 50
	r.e.SetGPSData(bad)

	status := r.e.GPSCheckStatus()
	assert.NotZero(t, status&GPSCheckFailFix, "fix type check")
	assert.NotZero(t, status&GPSCheckFailNSats, "satellite count check")
	assert.NotZero(t, status&GPSCheckFailPDOP, "PDOP check")
	assert.NotZero(t, status&GPSCheckFailHAcc, "horizontal accuracy check")
	assert.Zero(t, status&GPSCheckFailSAcc, "speed accuracy should pass")

	// A clean fix clears the mask.
	r.stepStationary(3)
	r.e.SetGPSData(r.goodFix())
	assert.Zero(t, r.e.GPSCheckStatus())
}

func TestGPSAidingRequiresContinuousPass(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.e.SetVehicleAtRest(true)
	r.gpsOn = true

	// 5 s of good fixes: not yet enough.
	r.stepStationary(625)
	require.False(t, r.e.control.gps, "aiding started before the 10 s window elapsed")

	// One bad fix resets the window. Step past the minimum observation
	// interval so the injected fix is not deduplicated.
	r.stepStationary(2)
	bad := r.goodFix()
	bad.EPH = 50
	r.e.SetGPSData(bad)
	r.stepStationary(625)
	require.False(t, r.e.control.gps, "aiding started despite an interrupted pass window")

	// A further 11 s of clean fixes arms it.
	r.stepStationary(1400)
	require.True(t, r.e.control.gps, "aiding did not start after continuous passes")
	require.True(t, r.e.OriginValid())
}

func TestOriginLatchedOnce(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.startGPS()

	_, lat0, lon0, _, valid := r.e.EkfOrigin()
	require.True(t, valid)

	// Move the reported position; the origin must not follow.
	r.gpsLat += 0.001
	r.step(250, Vec3{}, Vec3{0, 0, -gravityMSS})
	_, lat1, lon1, _, _ := r.e.EkfOrigin()
	assert.Equal(t, lat0, lat1)
	assert.Equal(t, lon0, lon1)
}

func TestDeadReckoningAfterAidingLoss(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.startGPS()
	require.True(t, r.e.GlobalPositionValid())

	// Kill GPS entirely: position validity must lapse after the horizon.
	r.gpsOn = false
	r.step(2500, Vec3{}, Vec3{0, 0, -gravityMSS}) // 20 s
	assert.False(t, r.e.GlobalPositionValid(), "global position still valid after 20 s unaided")
}

func TestAccelBiasInhibitUnderHighManoeuvre(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()

	require.False(t, r.e.accelBiasInhibit)
	biasVar := r.e.P[stateDVelBiasX][stateDVelBiasX]

	// Sustained extreme horizontal acceleration freezes bias learning.
	r.step(50, Vec3{}, Vec3{30, 0, -gravityMSS})
	require.True(t, r.e.accelBiasInhibit, "bias learning not inhibited at 30 m/s^2")

	// Variances are restored when the envelope relaxes.
	r.step(200, Vec3{}, Vec3{0, 0, -gravityMSS})
	require.False(t, r.e.accelBiasInhibit)
	assert.InDelta(t, biasVar, r.e.P[stateDVelBiasX][stateDVelBiasX], biasVar*2)
}

func TestMagUseInhibitedAtRest(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.e.SetVehicleAtRest(true)
	r.stepStationary(50)

	assert.True(t, r.e.magUseInhibit, "mag use not inhibited for a yaw-static grounded vehicle")

	// Long inhibit queues a yaw reset for when conditions improve.
	r.stepStationary(700) // > 5 s
	assert.True(t, r.e.magInhibitYawResetReq)

	_, quat0 := r.e.QuatReset()
	r.e.SetVehicleAtRest(false)
	r.step(50, Vec3{0, 0, 0.3}, Vec3{0, 0, -gravityMSS})
	_, quat1 := r.e.QuatReset()
	assert.Equal(t, uint8(1), quat1-quat0, "yaw reset not performed after inhibit lifted")
}

func TestRangeStuckDetection(t *testing.T) {
	p := DefaultParams()
	r := newTestRig(t, p)
	r.align()
	r.e.SetInAirStatus(true)

	// Climb while the range finder repeats the same value.
	for i := 0; i < 400; i++ {
		r.now += rigDtUs
		r.e.SetIMUData(r.now, rigDt, Vec3{}, Vec3{0, 0, -gravityMSS - 0.5})
		if r.now%24000 == 0 {
			r.e.SetMagData(r.now, r.magField)
		}
		if r.now%40000 == 0 {
			r.e.SetBaroData(r.now, r.baroAlt)
			r.e.SetRangeData(r.now, 1.5, 1.0) // frozen reading
		}
		r.e.Update()
	}
	assert.True(t, r.e.control.rngStuck, "frozen range data not detected while climbing")
}

func TestControlStatusWordPacksFlags(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.startGPS()

	w := r.e.ControlStatusWord()
	assert.NotZero(t, w&ctrlBitTiltAlign)
	assert.NotZero(t, w&ctrlBitYawAlign)
	assert.NotZero(t, w&ctrlBitGPS)
	assert.NotZero(t, w&ctrlBitBaroHgt)
	assert.Zero(t, w&ctrlBitOptFlow)
}

func TestSolutionStatusProgression(t *testing.T) {
	r := newTestRig(t, DefaultParams())

	// Before alignment nothing is valid.
	require.Zero(t, r.e.SolutionStatus()&SolnAttitude)

	r.align()
	s := r.e.SolutionStatus()
	require.NotZero(t, s&SolnAttitude)
	require.Zero(t, s&SolnPosHorizAbs)

	r.startGPS()
	s = r.e.SolutionStatus()
	require.NotZero(t, s&SolnPosHorizAbs)
	require.NotZero(t, s&SolnVelocityHoriz)
}

func TestFakeGPSConstrainsTiltAtRest(t *testing.T) {
	r := newTestRig(t, DefaultParams())
	r.align()
	r.e.SetVehicleAtRest(true)
	r.magOn = false
	r.baroOn = false

	r.stepStationary(1250) // 10 s with no aiding at all
	assert.True(t, r.e.usingSyntheticPosition)
	vel := r.e.StateAtFusionHorizon().VelNED
	assert.Less(t, math.Hypot(vel[0], vel[1]), 0.5, "horizontal velocity ran away without fake aiding")
}
