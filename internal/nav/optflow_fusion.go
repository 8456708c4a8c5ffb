package nav

import "math"

// fuseOptFlow fuses the two optical flow line-of-sight rate observations.
// The raw integrated flow must already be compensated for sensor body
// rotation (calcOptFlowBodyRateComp) before the kernel runs.
func (e *Ekf) fuseOptFlow() {
	dt := e.flowSampleDelayed.dt
	if dt < 1e-3 {
		return
	}

	// Distance from the focal point to the ground along the sensor axis.
	hagl := e.terrainVpos - e.state.pos[2]
	r := e.rToEarth
	if r[2][2] < 0.7071 || hagl < e.params.RangeValidMin {
		// Excessive tilt or on the ground: flow geometry is unusable.
		return
	}
	rng := hagl / r[2][2]

	vb := e.rToEarth.ApplyTranspose(e.state.vel)
	flowRate := Vec2{e.flowRadXYcomp[0] / dt, e.flowRadXYcomp[1] / dt}

	// Predicted LOS rates: rotation about body X sees body-Y translation.
	pred := Vec2{vb[1] / rng, -vb[0] / rng}

	obsVar := e.calcOptFlowMeasVar()
	gate := maxF(e.params.FlowInnovGate, 1)

	jq := transposeRotJacobian(e.state.quat, e.state.vel)

	failBits := [2]uint16{InnovCheckFailOptFlowX, InnovCheckFailOptFlowY}
	faultBits := [2]uint16{FaultBadOptFlowX, FaultBadOptFlowY}

	for axis := 0; axis < 2; axis++ {
		innov := flowRate[axis] - pred[axis]

		// ∂pred/∂vb then chain to q and v.
		var dPredDvb Vec3
		if axis == 0 {
			dPredDvb[1] = 1 / rng
		} else {
			dPredDvb[0] = -1 / rng
		}

		var hq [4]float64
		for c := 0; c < 4; c++ {
			for j := 0; j < 3; j++ {
				hq[c] += dPredDvb[j] * jq[j][c]
			}
		}
		var hv [3]float64
		for n := 0; n < 3; n++ {
			for j := 0; j < 3; j++ {
				hv[n] += dPredDvb[j] * r[n][j]
			}
		}

		h := obsJacobian{
			idx: []int{0, 1, 2, 3, stateVelN, stateVelE, stateVelD},
			val: []float64{hq[0], hq[1], hq[2], hq[3], hv[0], hv[1], hv[2]},
		}

		S := obsVar
		for a, i := range h.idx {
			for b, j := range h.idx {
				S += h.val[a] * h.val[b] * e.P[i][j]
			}
		}
		e.flowInnov[axis] = innov
		e.flowInnovVar[axis] = S

		if sq(innov) > sq(gate)*S || math.IsNaN(S) {
			e.innovCheckFail |= failBits[axis]
			e.faultStatus |= faultBits[axis]
			continue
		}
		e.innovCheckFail &^= failBits[axis]

		if _, ok := e.fuseScalar(h, innov, obsVar); ok {
			e.faultStatus &^= faultBits[axis]
			e.timeLastOfFuseUs = e.imuSampleDelayed.timeUs
		} else {
			e.faultStatus |= faultBits[axis]
		}
	}
}

// calcOptFlowBodyRateComp subtracts the vehicle body rotation from the raw
// integrated flow. IMU delta angles are accumulated over the flow interval
// (bias corrected) and the flow sensor's own gyro bias is learned against
// them. Returns false when no usable rate data spans the interval.
func (e *Ekf) calcOptFlowBodyRateComp() bool {
	s := e.flowSampleDelayed
	if s.dt < 1e-3 {
		return false
	}

	if e.deltaTimeOf < 1e-3 {
		// No accumulated IMU rotation: fall back to the sensor gyro alone.
		e.flowRadXYcomp = Vec2{
			s.flowRadXY[0] - (s.gyroXYZ[0] - e.flowGyroBias[0]*s.dt),
			s.flowRadXY[1] - (s.gyroXYZ[1] - e.flowGyroBias[1]*s.dt),
		}
		e.flowCompensated = e.flowRadXYcomp
		return false
	}

	// Learn the flow gyro bias against the IMU when rates are low.
	if e.deltaTimeOf > 0.5*s.dt && e.deltaTimeOf < 2*s.dt {
		for i := 0; i < 3; i++ {
			rateErr := (s.gyroXYZ[i] - e.imuDelAngOf[i]) / e.deltaTimeOf
			if math.Abs(rateErr) < 0.2 {
				e.flowGyroBias[i] = 0.99*e.flowGyroBias[i] + 0.01*rateErr
			}
		}
	}

	// Compensate with the IMU-derived rotation over the same interval.
	scale := s.dt / e.deltaTimeOf
	e.flowRadXYcomp = Vec2{
		s.flowRadXY[0] - e.imuDelAngOf[0]*scale,
		s.flowRadXY[1] - e.imuDelAngOf[1]*scale,
	}
	e.flowCompensated = e.flowRadXYcomp

	e.imuDelAngOf = Vec3{}
	e.deltaTimeOf = 0
	return true
}

// accumulateFlowGyro integrates bias-corrected IMU rotation for the next
// flow compensation interval. Runs every prediction tick.
func (e *Ekf) accumulateFlowGyro() {
	imu := e.imuSampleDelayed
	e.imuDelAngOf = e.imuDelAngOf.Add(imu.deltaAng.Sub(e.state.deltaAngBias))
	e.deltaTimeOf += imu.deltaAngDT
}

// calcOptFlowMeasVar interpolates the flow observation noise between the
// best-quality and worst-quality tuning values.
func (e *Ekf) calcOptFlowMeasVar() float64 {
	p := &e.params
	qual := float64(e.flowSampleDelayed.quality)
	qualMin := float64(p.FlowQualityMin)

	weight := 1.0
	if qualMin < 255 {
		weight = clampF((qual-qualMin)/(255-qualMin), 0, 1)
	}
	noise := p.FlowNoiseQualMin*(1-weight) + p.FlowNoise*weight
	return sq(maxF(noise, 0.05))
}
