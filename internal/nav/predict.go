package nav

import "math"

// predictState runs the strapdown integration at the delayed time horizon
// using the downsampled IMU sample for this tick.
func (e *Ekf) predictState() {
	imu := e.imuSampleDelayed

	// Bias-corrected increments. Earth rotation is removed from the delta
	// angle once latitude is known so it does not alias into the gyro bias.
	corrDeltaAng := imu.deltaAng.Sub(e.state.deltaAngBias)
	if e.earthRateInitialised {
		bodyEarthRate := e.rToEarth.ApplyTranspose(e.earthRateNED)
		corrDeltaAng = corrDeltaAng.Sub(bodyEarthRate.Scale(imu.deltaAngDT))
	}
	corrDeltaVel := imu.deltaVel.Sub(e.state.deltaVelBias)

	// Attitude: small-angle quaternion product, renormalised.
	dq := QuatFromRotVec(corrDeltaAng)
	e.state.quat = e.state.quat.Mul(dq).Normalized()
	e.rToEarth = e.state.quat.ToDcm()

	// Velocity: rotate the increment to NED and remove gravity.
	dvNav := e.rToEarth.Apply(corrDeltaVel)
	dvNav[2] += gravityMSS * imu.deltaVelDT

	velPrev := e.state.vel
	e.state.vel = e.state.vel.Add(dvNav)

	// Position: trapezoidal integration of velocity.
	avgVel := velPrev.Add(e.state.vel).Scale(0.5)
	e.state.pos = e.state.pos.Add(avgVel.Scale(imu.deltaVelDT))

	e.constrainStates()
}

// constrainStates keeps every state inside its physically plausible envelope.
func (e *Ekf) constrainStates() {
	e.state.quat = e.state.quat.Normalized()

	for i := range e.state.vel {
		e.state.vel[i] = clampF(e.state.vel[i], -1000, 1000)
	}
	for i := range e.state.pos {
		e.state.pos[i] = clampF(e.state.pos[i], -1e6, 1e6)
	}

	dtBias := e.dtEkfAvg
	maxDAngBias := 0.349 * dtBias // 20 deg/s of gyro bias
	for i := range e.state.deltaAngBias {
		e.state.deltaAngBias[i] = clampF(e.state.deltaAngBias[i], -maxDAngBias, maxDAngBias)
	}
	maxDVelBias := e.params.AccBiasLim * dtBias
	for i := range e.state.deltaVelBias {
		e.state.deltaVelBias[i] = clampF(e.state.deltaVelBias[i], -maxDVelBias, maxDVelBias)
	}
	for i := range e.state.magI {
		e.state.magI[i] = clampF(e.state.magI[i], -1, 1)
	}
	for i := range e.state.magB {
		e.state.magB[i] = clampF(e.state.magB[i], -0.5, 0.5)
	}
	for i := range e.state.wind {
		e.state.wind[i] = clampF(e.state.wind[i], -100, 100)
	}
}

// checkVertAccelHealth flags clipping or persistent large vertical innovation
// disagreement as a bad vertical accelerometer.
func (e *Ekf) checkVertAccelHealth() {
	t := e.imuSampleDelayed.timeUs

	clipping := t-e.timeClipVertAccelUs < 500_000

	// Large vertical velocity and height innovations of the same sign point
	// at an accelerometer problem rather than a sensor fault.
	badVertVel := false
	if e.velPosInnovVar[2] > 0 && e.velPosInnovVar[5] > 0 {
		velRatio := e.velPosInnov[2] / math.Sqrt(e.velPosInnovVar[2])
		hgtRatio := e.velPosInnov[5] / math.Sqrt(e.velPosInnovVar[5])
		badVertVel = (velRatio*hgtRatio > 0) && (math.Abs(e.velPosInnov[2]) > e.params.BadAccResetDeltaVel)
	}

	if clipping && badVertVel {
		e.timeBadVertAccelUs = t
	} else {
		e.timeGoodVertAccelUs = t
	}

	if e.badVertAccelDetected {
		// Require a sustained period of good data before clearing.
		e.badVertAccelDetected = t-e.timeBadVertAccelUs < 500_000
	} else {
		e.badVertAccelDetected = t-e.timeGoodVertAccelUs > 1_000_000
	}
	if e.badVertAccelDetected {
		e.faultStatus |= FaultBadAccelVertical
	} else {
		e.faultStatus &^= FaultBadAccelVertical
	}
}
