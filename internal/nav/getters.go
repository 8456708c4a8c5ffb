package nav

import "math"

// Telemetry and consumer accessors. Everything here reads the delayed-horizon
// state unless documented otherwise; present-time outputs live on the output
// predictor.

// State is the public snapshot of the delayed-horizon state vector.
type State struct {
	Quat         Quat
	VelNED       Vec3
	PosNED       Vec3
	DeltaAngBias Vec3
	DeltaVelBias Vec3
	MagEarth     Vec3
	MagBias      Vec3
	WindNE       Vec2
}

// StateAtFusionHorizon returns the delayed-horizon state.
func (e *Ekf) StateAtFusionHorizon() State {
	return State{
		Quat:         e.state.quat,
		VelNED:       e.state.vel,
		PosNED:       e.state.pos,
		DeltaAngBias: e.state.deltaAngBias,
		DeltaVelBias: e.state.deltaVelBias,
		MagEarth:     e.state.magI,
		MagBias:      e.state.magB,
		WindNE:       e.state.wind,
	}
}

// Covariances returns a copy of the full covariance matrix.
func (e *Ekf) Covariances() SquareMatrix { return e.P }

// CovarianceDiagonal returns the 24 diagonal variances.
func (e *Ekf) CovarianceDiagonal() [numStates]float64 {
	var d [numStates]float64
	for i := 0; i < numStates; i++ {
		d[i] = e.P[i][i]
	}
	return d
}

// AccelBias returns the accelerometer bias estimate in m/s^2.
func (e *Ekf) AccelBias() Vec3 {
	dt := maxF(e.dtEkfAvg, 1e-3)
	return e.state.deltaVelBias.Scale(1 / dt)
}

// GyroBias returns the gyroscope bias estimate in rad/s.
func (e *Ekf) GyroBias() Vec3 {
	dt := maxF(e.dtEkfAvg, 1e-3)
	return e.state.deltaAngBias.Scale(1 / dt)
}

// WindVelocity returns the NE wind estimate in m/s.
func (e *Ekf) WindVelocity() Vec2 { return e.state.wind }

// WindVelocityVar returns the wind state variances.
func (e *Ekf) WindVelocityVar() Vec2 {
	return Vec2{e.P[stateWindN][stateWindN], e.P[stateWindE][stateWindE]}
}

// VelocityVar returns the NED velocity state variances.
func (e *Ekf) VelocityVar() Vec3 {
	return Vec3{e.P[stateVelN][stateVelN], e.P[stateVelE][stateVelE], e.P[stateVelD][stateVelD]}
}

// PositionVar returns the NED position state variances.
func (e *Ekf) PositionVar() Vec3 {
	return Vec3{e.P[statePosN][statePosN], e.P[statePosE][statePosE], e.P[statePosD][statePosD]}
}

// --- innovations ---

// VelPosInnov returns the six velocity/position innovations (vN vE vD pN pE pD).
func (e *Ekf) VelPosInnov() [6]float64 { return e.velPosInnov }

// VelPosInnovVar returns the matching innovation variances.
func (e *Ekf) VelPosInnovVar() [6]float64 { return e.velPosInnovVar }

// AuxVelInnov returns the auxiliary velocity innovations.
func (e *Ekf) AuxVelInnov() [2]float64 { return e.auxVelInnov }

// MagInnov returns the 3-axis magnetometer innovations.
func (e *Ekf) MagInnov() Vec3 { return e.magInnov }

// MagInnovVar returns the magnetometer innovation variances.
func (e *Ekf) MagInnovVar() Vec3 { return e.magInnovVar }

// HeadingInnov returns the yaw innovation and variance.
func (e *Ekf) HeadingInnov() (innov, innovVar float64) {
	return e.headingInnov, e.headingInnovVar
}

// AirspeedInnov returns the airspeed innovation and variance.
func (e *Ekf) AirspeedInnov() (innov, innovVar float64) {
	return e.airspeedInnov, e.airspeedInnovVar
}

// BetaInnov returns the synthetic sideslip innovation and variance.
func (e *Ekf) BetaInnov() (innov, innovVar float64) {
	return e.betaInnov, e.betaInnovVar
}

// DragInnov returns the drag specific force innovations and variances.
func (e *Ekf) DragInnov() (innov, innovVar [2]float64) {
	return e.dragInnov, e.dragInnovVar
}

// FlowInnov returns the optical flow innovations and variances.
func (e *Ekf) FlowInnov() (innov, innovVar [2]float64) {
	return e.flowInnov, e.flowInnovVar
}

// --- reset reporting ---

// PosDReset returns the vertical position delta of the last reset and the
// reset counter.
func (e *Ekf) PosDReset() (delta float64, counter uint8) {
	return e.resetStatus.posDChange, e.resetStatus.posDCounter
}

// VelDReset returns the vertical velocity delta of the last reset and the
// reset counter.
func (e *Ekf) VelDReset() (delta float64, counter uint8) {
	return e.resetStatus.velDChange, e.resetStatus.velDCounter
}

// PosNEReset returns the horizontal position delta of the last reset and the
// reset counter.
func (e *Ekf) PosNEReset() (delta Vec2, counter uint8) {
	return e.resetStatus.posNEChange, e.resetStatus.posNECounter
}

// VelNEReset returns the horizontal velocity delta of the last reset and the
// reset counter.
func (e *Ekf) VelNEReset() (delta Vec2, counter uint8) {
	return e.resetStatus.velNEChange, e.resetStatus.velNECounter
}

// QuatReset returns the attitude delta of the last reset (multiply the
// pre-reset quaternion by it) and the reset counter.
func (e *Ekf) QuatReset() (delta Quat, counter uint8) {
	return e.resetStatus.quatChange, e.resetStatus.quatCounter
}

// --- accuracy, limits and status ---

// LocalPosAccuracy returns the 1-sigma horizontal and vertical local
// position uncertainty.
func (e *Ekf) LocalPosAccuracy() (eph, epv float64) {
	eph = math.Sqrt(maxF(e.P[statePosN][statePosN]+e.P[statePosE][statePosE], 0))
	epv = math.Sqrt(maxF(e.P[statePosD][statePosD], 0))
	return
}

// GlobalPosAccuracy returns the 1-sigma WGS-84 position uncertainty. While
// dead reckoning it inflates with the normalised GPS error.
func (e *Ekf) GlobalPosAccuracy() (eph, epv float64) {
	eph, epv = e.LocalPosAccuracy()
	if !e.GlobalPositionValid() {
		eph *= maxF(e.gpsErrorNorm, 1)
		epv *= maxF(e.gpsErrorNorm, 1)
	}
	return
}

// VelAccuracy returns the 1-sigma horizontal and vertical velocity
// uncertainty.
func (e *Ekf) VelAccuracy() (evh, evv float64) {
	evh = math.Sqrt(maxF(e.P[stateVelN][stateVelN]+e.P[stateVelE][stateVelE], 0))
	evv = math.Sqrt(maxF(e.P[stateVelD][stateVelD], 0))
	return
}

// ControlLimits reports the flight envelope the estimator needs the vehicle
// to respect: maximum horizontal and vertical speed and the usable HAGL
// window. Limits are only imposed while the range finder is the height
// reference; otherwise the values are +Inf / the full window.
func (e *Ekf) ControlLimits() (vxyMax, vzMax, haglMin, haglMax float64) {
	vxyMax = math.Inf(1)
	vzMax = math.Inf(1)
	haglMin = math.Inf(-1)
	haglMax = math.Inf(1)

	if e.control.rngHgt || e.rangeAidModeSelected {
		haglMin = e.params.RangeValidMin
		haglMax = e.params.MaxHaglForRangeAid
		vxyMax = e.params.MaxVelForRangeAid
	}
	return
}

// InnovationTestStatus returns the innovation check fail bitmask plus the
// worst test ratio per observation family.
func (e *Ekf) InnovationTestStatus() (status uint16, mag, vel, pos, hgt, tas, hagl, beta float64) {
	status = e.innovCheckFail

	for i := 0; i < 3; i++ {
		if e.magInnovVar[i] > 0 {
			mag = maxF(mag, sq(e.magInnov[i])/(sq(e.params.MagInnovGate)*e.magInnovVar[i]))
		}
	}
	for i := 0; i < 2; i++ {
		if e.velPosInnovVar[i] > 0 {
			vel = maxF(vel, sq(e.velPosInnov[i])/(sq(e.params.GPSVelInnovGate)*e.velPosInnovVar[i]))
		}
	}
	if e.velPosInnovVar[2] > 0 {
		vel = maxF(vel, sq(e.velPosInnov[2])/(sq(e.params.GPSVelInnovGate)*e.velPosInnovVar[2]))
	}
	for i := 3; i < 5; i++ {
		if e.velPosInnovVar[i] > 0 {
			pos = maxF(pos, sq(e.velPosInnov[i])/(sq(e.params.GPSPosInnovGate)*e.velPosInnovVar[i]))
		}
	}
	if e.velPosInnovVar[5] > 0 {
		hgt = sq(e.velPosInnov[5]) / (sq(e.params.BaroInnovGate) * e.velPosInnovVar[5])
	}
	if e.airspeedInnovVar > 0 {
		tas = sq(e.airspeedInnov) / (sq(e.params.TasInnovGate) * e.airspeedInnovVar)
	}
	if e.haglInnovVar > 0 {
		hagl = sq(e.haglInnov) / (sq(e.params.RangeInnovGate) * e.haglInnovVar)
	}
	if e.betaInnovVar > 0 {
		beta = sq(e.betaInnov) / (sq(e.params.BetaInnovGate) * e.betaInnovVar)
	}
	return
}

// SolutionStatus returns the bitmask describing which state estimates are
// usable for flight control.
func (e *Ekf) SolutionStatus() uint16 {
	var s uint16
	if e.AttitudeValid() {
		s |= SolnAttitude
	}
	horizAiding := e.control.gps || e.control.optFlow || e.control.evPos
	if horizAiding {
		s |= SolnVelocityHoriz
		s |= SolnPosHorizRel
		s |= SolnPredPosHorizRel
	}
	if e.control.baroHgt || e.control.gpsHgt || e.control.rngHgt || e.control.evHgt {
		s |= SolnVelocityVert
		s |= SolnPosVertAbs
	}
	if e.control.gps {
		s |= SolnPosHorizAbs
		s |= SolnPredPosHorizAbs
	}
	if e.terrainValid {
		s |= SolnPosVertAGL
	}
	if e.usingSyntheticPosition {
		s |= SolnConstPosMode
	}
	if e.badVertAccelDetected {
		s |= SolnAccelError
	}
	return s
}

// FilterFault returns the fault status bitmask.
func (e *Ekf) FilterFault() uint16 { return e.faultStatus }

// HeightSensorFaults reports which height references are currently declared
// unusable.
func (e *Ekf) HeightSensorFaults() (baro, gps, rng bool) {
	return e.baroHgtFaulty, e.gpsHgtFaulty, e.rngHgtFaulty
}

// ControlStatusWord returns the packed fusion control flags.
func (e *Ekf) ControlStatusWord() uint32 { return e.control.pack() }

// ImuVibeMetrics returns the coning, gyro HF and accel HF vibration metrics.
func (e *Ekf) ImuVibeMetrics() Vec3 { return e.vibeMetrics }

// ResetImuBias zeroes both IMU bias state groups and reinitialises their
// covariance. Rejected within 10 seconds of the previous reset so repeated
// host retries cannot starve bias convergence.
func (e *Ekf) ResetImuBias() bool {
	t := e.timeLastImuUs
	if e.lastImuBiasCovResetUs != 0 && t-e.lastImuBiasCovResetUs < 10_000_000 {
		return false
	}
	e.lastImuBiasCovResetUs = t

	e.state.deltaAngBias = Vec3{}
	e.state.deltaVelBias = Vec3{}

	dt := FilterUpdatePeriodS
	e.setDiag(stateDAngBiasX, stateDAngBiasZ, sq(e.params.SwitchOnGyroBias*dt))
	e.setDiag(stateDVelBiasX, stateDVelBiasZ, sq(e.params.SwitchOnAccelBias*dt))
	return true
}
