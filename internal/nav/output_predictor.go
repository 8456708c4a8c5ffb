package nav

import "math"

// Output complementary predictor. The delayed EKF solution is propagated to
// present time by re-integrating raw IMU samples; a feedback correction slews
// the present-time states toward the delayed solution so resets and fusion
// corrections reach the control loops without transport delay steps.

// calculateOutputStates advances the present-time states with one sensor-rate
// IMU sample and, when a delayed EKF update has run, derives the tracking
// corrections.
func (e *Ekf) calculateOutputStates(imu imuSample) {
	dt := imu.deltaAngDT

	// Apply the bias estimates scaled from the filter period to this sample,
	// plus the attitude tracking correction.
	scale := dt / maxF(e.dtEkfAvg, 1e-3)
	deltaAng := imu.deltaAng.Sub(e.state.deltaAngBias.Scale(scale)).Add(e.deltaAngleCorr.Scale(dt))
	deltaVel := imu.deltaVel.Sub(e.state.deltaVelBias.Scale(scale))

	dq := QuatFromRotVec(deltaAng)
	e.outputNew.quat = e.outputNew.quat.Mul(dq).Normalized()
	r := e.outputNew.quat.ToDcm()

	dvNav := r.Apply(deltaVel)
	dvNav[2] += gravityMSS * imu.deltaVelDT

	velPrev := e.outputNew.vel
	e.outputNew.vel = e.outputNew.vel.Add(dvNav).Add(e.velCorrection.Scale(dt))
	avgVel := velPrev.Add(e.outputNew.vel).Scale(0.5)
	e.outputNew.pos = e.outputNew.pos.Add(avgVel.Scale(imu.deltaVelDT)).Add(e.posCorrection.Scale(dt))

	e.outputNew.timeUs = imu.timeUs
	e.outputBuffer.push(e.outputNew)
}

// updateOutputCorrections runs once per completed fusion tick: it replays the
// buffered output history to the delayed horizon, measures the tracking error
// against the corrected EKF state and derives the slew corrections.
func (e *Ekf) updateOutputCorrections() {
	// Replay: the output sample at the fusion horizon is the oldest entry.
	delayed, ok := e.outputBuffer.popFirstOlderThan(e.imuSampleDelayed.timeUs)
	if !ok {
		return
	}

	// Attitude tracking error as a rotation vector.
	qErr := e.state.quat.Mul(delayed.quat.Inverse()).Normalized()
	angErr := qErr.RotVec()
	velErr := e.state.vel.Sub(delayed.vel)
	posErr := e.state.pos.Sub(delayed.pos)

	e.outputTrackingError[0] = angErr.Norm()
	e.outputTrackingError[1] = velErr.Norm()
	e.outputTrackingError[2] = posErr.Norm()

	// Attitude correction: slew over roughly one buffer length.
	attGain := e.dtEkfAvg / maxF(float64(imuBufferLength)*e.dtEkfAvg, 1e-3)
	e.deltaAngleCorr = angErr.Scale(attGain / maxF(e.dtEkfAvg, 1e-3))

	// Velocity and position: proportional plus integral tracking.
	velTau := maxF(e.params.VelTau, 0.05)
	posTau := maxF(e.params.PosTau, 0.05)
	e.velErrInteg = e.velErrInteg.Add(velErr.Scale(e.dtEkfAvg))
	e.posErrInteg = e.posErrInteg.Add(posErr.Scale(e.dtEkfAvg))
	e.velCorrection = velErr.Scale(1.0 / velTau).Add(e.velErrInteg.Scale(0.1 / (velTau * velTau)))
	e.posCorrection = posErr.Scale(1.0 / posTau).Add(e.posErrInteg.Scale(0.1 / (posTau * posTau)))
}

// alignOutputFilter snaps the present-time states onto the delayed solution.
// Used at initialisation and after any event that invalidates the tracking
// history.
func (e *Ekf) alignOutputFilter() {
	e.outputNew.quat = e.state.quat
	e.outputNew.vel = e.state.vel
	e.outputNew.pos = e.state.pos
	e.outputNew.timeUs = e.timeLastImuUs
	e.deltaAngleCorr = Vec3{}
	e.velErrInteg = Vec3{}
	e.posErrInteg = Vec3{}
	e.velCorrection = Vec3{}
	e.posCorrection = Vec3{}
	for i := 0; i < e.outputBuffer.len(); i++ {
		idx := (e.outputBuffer.oldest + i) % len(e.outputBuffer.buf)
		e.outputBuffer.buf[idx].quat = e.state.quat
		e.outputBuffer.buf[idx].vel = e.state.vel
		e.outputBuffer.buf[idx].pos = e.state.pos
	}
	e.outputBuffer.push(e.outputNew)
}

// Reset propagation: every state reset re-anchors the present-time outputs by
// the same delta so consumers see exactly one step, reported through the
// reset counters.

func (e *Ekf) propagateQuatResetToOutput(deltaQuat Quat) {
	e.outputNew.quat = deltaQuat.Mul(e.outputNew.quat).Normalized()
	for i := 0; i < e.outputBuffer.len(); i++ {
		idx := (e.outputBuffer.oldest + i) % len(e.outputBuffer.buf)
		e.outputBuffer.buf[idx].quat = deltaQuat.Mul(e.outputBuffer.buf[idx].quat).Normalized()
	}
}

func (e *Ekf) propagateVelResetToOutput(delta Vec3) {
	e.outputNew.vel = e.outputNew.vel.Add(delta)
	for i := 0; i < e.outputBuffer.len(); i++ {
		idx := (e.outputBuffer.oldest + i) % len(e.outputBuffer.buf)
		e.outputBuffer.buf[idx].vel = e.outputBuffer.buf[idx].vel.Add(delta)
	}
}

func (e *Ekf) propagatePosNEResetToOutput(delta Vec2) {
	e.outputNew.pos[0] += delta[0]
	e.outputNew.pos[1] += delta[1]
	for i := 0; i < e.outputBuffer.len(); i++ {
		idx := (e.outputBuffer.oldest + i) % len(e.outputBuffer.buf)
		e.outputBuffer.buf[idx].pos[0] += delta[0]
		e.outputBuffer.buf[idx].pos[1] += delta[1]
	}
}

func (e *Ekf) propagateHgtResetToOutput(deltaPosD, deltaVelD float64) {
	e.outputNew.pos[2] += deltaPosD
	e.outputNew.vel[2] += deltaVelD
	for i := 0; i < e.outputBuffer.len(); i++ {
		idx := (e.outputBuffer.oldest + i) % len(e.outputBuffer.buf)
		e.outputBuffer.buf[idx].pos[2] += deltaPosD
		e.outputBuffer.buf[idx].vel[2] += deltaVelD
	}
}

// Quaternion returns the present-time attitude.
func (e *Ekf) Quaternion() Quat { return e.outputNew.quat }

// VelocityNED returns the present-time NED velocity.
func (e *Ekf) VelocityNED() Vec3 { return e.outputNew.vel }

// PositionNED returns the present-time NED position.
func (e *Ekf) PositionNED() Vec3 { return e.outputNew.pos }

// OutputTrackingError returns the magnitudes of the angular (rad), velocity
// (m/s) and position (m) tracking errors between the output predictor and
// the delayed solution.
func (e *Ekf) OutputTrackingError() [3]float64 { return e.outputTrackingError }

// CalculateQuaternion returns the delayed-horizon attitude advanced by the
// uncorrected angular tracking error, a cheap present-time attitude for
// consumers that do not need the full output predictor state.
func (e *Ekf) CalculateQuaternion() Quat {
	corr := e.deltaAngleCorr.Scale(e.dtEkfAvg)
	if corr.Norm() < 1e-12 || math.IsNaN(corr.Norm()) {
		return e.state.quat
	}
	return e.state.quat.Mul(QuatFromRotVec(corr)).Normalized()
}
