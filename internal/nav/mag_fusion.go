package nav

import (
	"log"
	"math"
)

// transposeRotJacobian returns the 3x4 partial of Rᵀ(q)·m with respect to q,
// using Rᵀ(q) = R(q⁻¹) and the conjugate chain rule.
func transposeRotJacobian(q Quat, m Vec3) [3][4]float64 {
	j := rotJacobian(q.Inverse(), m)
	for r := 0; r < 3; r++ {
		for c := 1; c < 4; c++ {
			j[r][c] = -j[r][c]
		}
	}
	return j
}

// fuseMag sequentially fuses the three body-frame magnetometer axes against
// the earth field and body bias states. The predicted measurement is
// Rᵀ·magI + magB.
func (e *Ekf) fuseMag() {
	q := e.state.quat
	magI := e.state.magI
	magB := e.state.magB
	meas := e.magSampleDelayed.mag

	gate := maxF(e.params.MagInnovGate, 1)
	obsVar := sq(e.params.MagNoise)

	failBits := [3]uint16{InnovCheckFailMagX, InnovCheckFailMagY, InnovCheckFailMagZ}
	faultBits := [3]uint16{FaultBadMagX, FaultBadMagY, FaultBadMagZ}

	// Synthetic Z: when the Z axis is unreliable (field disturbance near
	// ground) substitute the predicted value so the axis carries no
	// information but the sequential update order is preserved.
	synthZ := e.control.syntheticMagZ

	// Gate all three axes against the pre-update state: a single disturbed
	// axis marks the whole sample as failed.
	anyFail := false
	for axis := 0; axis < 3; axis++ {
		pred := e.rToEarth.ApplyTranspose(magI)[axis] + magB[axis]
		innov := meas[axis] - pred
		if synthZ && axis == 2 {
			innov = 0
		}
		S := e.magAxisInnovVar(axis, obsVar)
		e.magInnov[axis] = innov
		e.magInnovVar[axis] = S
		if sq(innov) > sq(gate)*S {
			anyFail = true
			e.innovCheckFail |= failBits[axis]
		} else {
			e.innovCheckFail &^= failBits[axis]
		}
	}
	if anyFail {
		e.faultStatus |= FaultBadMagX
		// Near the ground a rejected sample is far more likely a local field
		// disturbance than a filter error; remember it so the Z axis can be
		// synthesised until the field clears.
		if !e.control.inAir {
			e.control.magFieldDisturbed = true
			e.control.syntheticMagZ = true
		}
		return
	}
	e.control.magFieldDisturbed = false
	if e.control.inAir {
		e.control.syntheticMagZ = false
	}

	// Sequential scalar updates; later axes see the corrections from earlier
	// ones through the refreshed state and covariance.
	for axis := 0; axis < 3; axis++ {
		q = e.state.quat
		magI = e.state.magI
		magB = e.state.magB

		pred := e.rToEarth.ApplyTranspose(magI)[axis] + magB[axis]
		innov := meas[axis] - pred
		if synthZ && axis == 2 {
			innov = 0
		}

		jq := transposeRotJacobian(q, magI)
		rt := e.rToEarth // R column = Rᵀ row

		h := obsJacobian{
			idx: []int{0, 1, 2, 3, stateMagN, stateMagE, stateMagD, stateMagBiasX + axis},
			val: []float64{
				jq[axis][0], jq[axis][1], jq[axis][2], jq[axis][3],
				rt[0][axis], rt[1][axis], rt[2][axis],
				1,
			},
		}
		if _, ok := e.fuseScalar(h, innov, obsVar); ok {
			e.faultStatus &^= faultBits[axis]
			e.timeLastMagFuseUs = e.imuSampleDelayed.timeUs
		} else {
			e.faultStatus |= faultBits[axis]
		}
	}

	// Declination fusion runs immediately after a 3-axis update so the earth
	// field azimuth cannot wander when yaw is weakly observable.
	if e.control.magDec {
		e.fuseDeclination(e.params.MagDeclSigma)
	}
	e.limitDeclination()
}

// magAxisInnovVar computes H·P·Hᵀ + R for one magnetometer axis without
// mutating state.
func (e *Ekf) magAxisInnovVar(axis int, obsVar float64) float64 {
	jq := transposeRotJacobian(e.state.quat, e.state.magI)
	rt := e.rToEarth

	idx := []int{0, 1, 2, 3, stateMagN, stateMagE, stateMagD, stateMagBiasX + axis}
	val := []float64{
		jq[axis][0], jq[axis][1], jq[axis][2], jq[axis][3],
		rt[0][axis], rt[1][axis], rt[2][axis],
		1,
	}
	S := obsVar
	for a, i := range idx {
		for b, j := range idx {
			S += val[a] * val[b] * e.P[i][j]
		}
	}
	return S
}

// fuseHeading fuses a single yaw observation extracted from the magnetometer
// using whichever Euler sequence keeps the intermediate rotation away from
// the gimbal singularity.
func (e *Ekf) fuseHeading() {
	q := e.state.quat
	r := e.rToEarth
	use321 := math.Abs(r[2][0]) < math.Abs(r[2][1])

	magBody := e.magSampleDelayed.mag.Sub(e.state.magB)
	decl := e.magDeclination()

	var predYaw, measYaw float64
	var hq [4]float64

	if use321 {
		a := 2 * (q[1]*q[2] + q[0]*q[3])
		b := q[0]*q[0] + q[1]*q[1] - q[2]*q[2] - q[3]*q[3]
		predYaw = math.Atan2(a, b)
		denom := a*a + b*b
		if denom < 1e-12 {
			return
		}
		hq = [4]float64{
			(b*2*q[3] - a*2*q[0]) / denom,
			(b*2*q[2] - a*2*q[1]) / denom,
			(b*2*q[1] + a*2*q[2]) / denom,
			(b*2*q[0] + a*2*q[3]) / denom,
		}
		// Tilt-only rotation: zero-yaw 321 frame.
		pitch := math.Asin(clampF(-r[2][0], -1, 1))
		roll := math.Atan2(r[2][1], r[2][2])
		rTilt := QuatFromEuler(roll, pitch, 0).ToDcm()
		magEarth := rTilt.Apply(magBody)
		measYaw = decl - math.Atan2(magEarth[1], magEarth[0])
	} else {
		c := 2 * (q[0]*q[3] - q[1]*q[2])
		d := q[0]*q[0] - q[1]*q[1] + q[2]*q[2] - q[3]*q[3]
		predYaw = math.Atan2(c, d)
		denom := c*c + d*d
		if denom < 1e-12 {
			return
		}
		hq = [4]float64{
			(d*2*q[3] - c*2*q[0]) / denom,
			(d*(-2*q[2]) - c*(-2*q[1])) / denom,
			(d*(-2*q[1]) - c*2*q[2]) / denom,
			(d*2*q[0] - c*(-2*q[3])) / denom,
		}
		// Zero-yaw 312 frame: R = Rz(yaw)·Rx(roll)·Ry(pitch).
		roll := math.Asin(clampF(r[2][1], -1, 1))
		pitch := math.Atan2(-r[2][0], r[2][2])
		sr, cr := math.Sin(roll), math.Cos(roll)
		sp, cp := math.Sin(pitch), math.Cos(pitch)
		rTilt := Dcm{
			{cp, sp * sr, sp * cr},
			{0, cr, -sr},
			{-sp, cp * sr, cp * cr},
		}
		magEarth := rTilt.Apply(magBody)
		measYaw = decl - math.Atan2(magEarth[1], magEarth[0])
	}

	innov := wrapPi(measYaw - predYaw)
	obsVar := sq(maxF(e.params.MagHeadingNoise, 1e-2))

	// Innovation variance from the quaternion block only.
	S := obsVar
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			S += hq[i] * hq[j] * e.P[i][j]
		}
	}
	e.headingInnov = innov
	e.headingInnovVar = S

	gate := maxF(e.params.HeadingInnovGate, 1)
	if sq(innov) > sq(gate)*S {
		e.innovCheckFail |= InnovCheckFailYaw
		e.faultStatus |= FaultBadHeading
		// A persistently large yaw innovation in flight requests a reset.
		if e.control.inAir && e.imuSampleDelayed.timeUs-e.timeLastMagFuseUs > e.params.MagFuseTimeoutUs {
			e.magYawResetReq = true
		}
		return
	}
	e.innovCheckFail &^= InnovCheckFailYaw
	e.faultStatus &^= FaultBadHeading

	h := obsJacobian{idx: []int{0, 1, 2, 3}, val: hq[:]}
	if _, ok := e.fuseScalar(h, innov, obsVar); ok {
		e.timeLastMagFuseUs = e.imuSampleDelayed.timeUs
	}
}

// fuseGpsAntYaw fuses the yaw observation from a dual antenna GPS receiver.
func (e *Ekf) fuseGpsAntYaw() {
	if math.IsNaN(e.gpsSampleDelayed.yaw) {
		return
	}
	measYaw := wrapPi(e.gpsSampleDelayed.yaw - e.gpsSampleDelayed.yawOffset)

	q := e.state.quat
	a := 2 * (q[1]*q[2] + q[0]*q[3])
	b := q[0]*q[0] + q[1]*q[1] - q[2]*q[2] - q[3]*q[3]
	predYaw := math.Atan2(a, b)
	denom := a*a + b*b
	if denom < 1e-12 {
		return
	}
	hq := [4]float64{
		(b*2*q[3] - a*2*q[0]) / denom,
		(b*2*q[2] - a*2*q[1]) / denom,
		(b*2*q[1] + a*2*q[2]) / denom,
		(b*2*q[0] + a*2*q[3]) / denom,
	}

	innov := wrapPi(measYaw - predYaw)
	obsVar := sq(0.1)

	S := obsVar
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			S += hq[i] * hq[j] * e.P[i][j]
		}
	}
	gate := maxF(e.params.HeadingInnovGate, 1)
	if sq(innov) > sq(gate)*S {
		e.innovCheckFail |= InnovCheckFailYaw
		return
	}
	e.innovCheckFail &^= InnovCheckFailYaw

	h := obsJacobian{idx: []int{0, 1, 2, 3}, val: hq[:]}
	if _, ok := e.fuseScalar(h, innov, obsVar); ok {
		e.timeLastMagFuseUs = e.imuSampleDelayed.timeUs
	}
}

// resetGpsAntYaw resets the yaw state directly from the dual antenna yaw.
func (e *Ekf) resetGpsAntYaw() bool {
	if math.IsNaN(e.gpsSampleDelayed.yaw) {
		return false
	}
	yaw := wrapPi(e.gpsSampleDelayed.yaw - e.gpsSampleDelayed.yawOffset)
	e.resetYawTo(yaw, true)
	return true
}

// fuseDeclination constrains the earth field azimuth to the local declination.
func (e *Ekf) fuseDeclination(declSigma float64) {
	magN := e.state.magI[0]
	magE := e.state.magI[1]
	hSq := magN*magN + magE*magE
	if hSq < sq(0.001) {
		return
	}

	pred := math.Atan2(magE, magN)
	decl := e.magDeclination()
	innov := wrapPi(decl - pred)

	h := obsJacobian{
		idx: []int{stateMagN, stateMagE},
		val: []float64{-magE / hSq, magN / hSq},
	}
	obsVar := sq(declSigma)
	if _, ok := e.fuseScalar(h, innov, obsVar); ok {
		e.faultStatus &^= FaultBadMagDecl
		e.magDeclCovReset = true
	} else {
		e.faultStatus |= FaultBadMagDecl
	}
}

// limitDeclination keeps the horizontal earth field consistent with the
// expected declination and a plausible field strength when yaw is weakly
// observable.
func (e *Ekf) limitDeclination() {
	hFieldMin := 0.001
	magN := e.state.magI[0]
	magE := e.state.magI[1]
	h := math.Hypot(magN, magE)
	if h < hFieldMin {
		decl := e.magDeclination()
		e.state.magI[0] = hFieldMin * math.Cos(decl)
		e.state.magI[1] = hFieldMin * math.Sin(decl)
		return
	}
	// Total field strength is capped at 1 Gauss; only the horizontal
	// component has a lower bound (above).
	total := e.state.magI.Norm()
	if total > 1.0 {
		e.state.magI = e.state.magI.Scale(1.0 / total)
	}
}

// magDeclination returns the declination used by alignment and fusion.
func (e *Ekf) magDeclination() float64 {
	if e.magDeclFromGPSValid {
		return e.magDeclGPS
	}
	return e.params.MagDeclDeg * math.Pi / 180
}

// resetMagHeading resets yaw and the magnetic field states from a body-frame
// field measurement and the declination.
func (e *Ekf) resetMagHeading(magInit Vec3, increaseYawVar, updateBuffer bool) bool {
	if magInit.Norm() < 1e-4 {
		return false
	}

	// Yaw from the tilt-corrected measurement.
	r := e.state.quat.ToDcm()
	pitch := math.Asin(clampF(-r[2][0], -1, 1))
	roll := math.Atan2(r[2][1], r[2][2])
	rTilt := QuatFromEuler(roll, pitch, 0).ToDcm()
	magEarth := rTilt.Apply(magInit.Sub(e.state.magB))
	decl := e.magDeclination()
	yaw := decl - math.Atan2(magEarth[1], magEarth[0])

	e.resetYawTo(yaw, increaseYawVar)

	// Earth field from the declination and the measured strength; body bias
	// left unchanged.
	hStrength := math.Hypot(magEarth[0], magEarth[1])
	e.state.magI = Vec3{
		hStrength * math.Cos(decl),
		hStrength * math.Sin(decl),
		magEarth[2],
	}
	if !e.magDeclCovReset {
		e.resetMagCovariance()
	}

	if updateBuffer && e.control.inAir {
		e.control.magAlignedInFlight = true
	}
	e.control.yawAlign = true
	return true
}

// resetYawTo rotates the quaternion state to the given yaw keeping roll and
// pitch, records the reset delta, uncorrelates the quaternion block and
// re-anchors the output predictor.
func (e *Ekf) resetYawTo(yaw float64, increaseYawVar bool) {
	old := e.state.quat
	roll, pitch, _ := old.Euler()
	newQuat := QuatFromEuler(roll, pitch, yaw).Normalized()

	deltaQuat := newQuat.Mul(old.Inverse()).Normalized()
	e.state.quat = newQuat
	e.rToEarth = newQuat.ToDcm()

	e.resetStatus.quatChange = deltaQuat
	e.resetStatus.quatCounter++

	e.uncorrelateQuatStates()
	if increaseYawVar {
		e.increaseQuatYawErrVariance(sq(maxF(e.params.InitialYawErr, 1e-2)))
	}

	e.propagateQuatResetToOutput(deltaQuat)
	log.Printf("nav: yaw reset to %.3f rad", yaw)
}

// realignYawGPS re-aligns yaw with the GPS ground track. Used after a
// fixed-wing launch when the magnetometer yaw is untrustworthy.
func (e *Ekf) realignYawGPS() bool {
	vel := e.gpsSampleDelayed.vel
	hSpeed := math.Hypot(vel[0], vel[1])
	if hSpeed < 5.0 || e.gpsSampleDelayed.sacc > hSpeed*0.2 {
		return false
	}

	yaw := math.Atan2(vel[1], vel[0])
	e.resetYawTo(yaw, true)
	e.numBadFlightYawEvents++

	// Repeated in-flight yaw failures condemn the magnetometer.
	if e.numBadFlightYawEvents >= 2 {
		e.control.magFault = true
		log.Printf("nav: magnetometer declared faulty after repeated yaw failures")
	}

	e.velPosResetRequest = true
	return true
}
