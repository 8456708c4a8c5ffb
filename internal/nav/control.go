package nav

import (
	"log"
	"math"
)

// Fusion mode control. One coupled state machine per measurement class
// decides, each tick, whether its kernel initialises, fuses, inhibits or
// resets. Ordering is fixed: attitude-affecting observations run before
// position-affecting ones, and the yaw-reset / height-reset convention
// (yaw first) is preserved by the call order below.

func (e *Ekf) controlFusionModes() {
	e.updateVehicleMotionStates()
	e.updateAccelBiasInhibit()

	// Per-tick fusion staging is rebuilt from scratch.
	e.fuseHeight = false
	e.fusePos = false
	e.fuseHorVel = false
	e.fuseVertVel = false
	e.fuseHorVelAux = false
	e.fuseHposAsOdom = false

	e.controlMagFusion()
	e.controlExternalVisionFusion()
	e.controlOpticalFlowFusion()
	e.controlGpsFusion()
	e.controlHeightSensorTimeouts()
	e.controlHeightFusion()
	e.controlAirDataFusion()
	e.controlBetaFusion()
	e.controlDragFusion()
	e.controlVelPosFusion()
	e.controlAuxVelFusion()

	e.controlPrev = e.control
}

// updateVehicleMotionStates maintains the low-pass envelopes used by the
// yaw observability and rest-detection logic.
func (e *Ekf) updateVehicleMotionStates() {
	imu := e.imuSampleDelayed
	dt := maxF(imu.deltaAngDT, 1e-3)

	// Earth-frame horizontal acceleration.
	accNav := e.rToEarth.Apply(imu.deltaVel.Scale(1 / dt))
	e.accelLpfNE[0] = 0.95*e.accelLpfNE[0] + 0.05*accNav[0]
	e.accelLpfNE[1] = 0.95*e.accelLpfNE[1] + 0.05*accNav[1]

	// Earth-frame yaw rate.
	yawRate := (imu.deltaAng[2] - e.state.deltaAngBias[2]) / dt * e.rToEarth[2][2]
	e.yawRateLpfEf = 0.95*e.yawRateLpfEf + 0.05*yawRate
	e.yawDeltaEf += yawRate * dt

	// A sustained yaw manoeuvre makes the body field bias observable.
	if math.Abs(e.yawRateLpfEf) > 0.25 {
		e.timeYawStartedUs = imu.timeUs
		e.magBiasObservable = true
	} else if imu.timeUs-e.timeYawStartedUs > 5_000_000 {
		e.magBiasObservable = false
	}
	e.yawAngleObservable = e.accelLpfNE.Norm() > e.params.MagAccGate && e.control.gps

	if e.control.vehicleAtRest && !e.vehicleAtRestPrev {
		e.lastStaticYaw = e.state.quat.Yaw()
	}
	e.vehicleAtRestPrev = e.control.vehicleAtRest

	if !e.control.inAir {
		e.lastOnGroundPosD = e.state.pos[2]
	}
}

// updateAccelBiasInhibit freezes accel bias learning when the manoeuvre
// envelope would corrupt it, saving and restoring the bias variances across
// the inhibit window.
func (e *Ekf) updateAccelBiasInhibit() {
	imu := e.imuSampleDelayed
	dt := maxF(imu.deltaAngDT, 1e-3)
	alpha := clampF(dt/e.params.AccBiasLearnTCs, 0, 1)

	accel := imu.deltaVel.Scale(1 / dt)
	angRate := imu.deltaAng.Scale(1 / dt).Norm()

	e.accelMagFilt = maxF(accel.Norm(), (1-alpha)*e.accelMagFilt)
	e.angRateMagFilt = maxF(angRate, (1-alpha)*e.angRateMagFilt)

	inhibit := e.accelMagFilt > e.params.AccBiasLearnAccLim ||
		e.angRateMagFilt > e.params.AccBiasLearnGyrLim ||
		e.badVertAccelDetected

	if inhibit && !e.accelBiasInhibit {
		e.prevDvelBiasVar = Vec3{
			e.P[stateDVelBiasX][stateDVelBiasX],
			e.P[stateDVelBiasY][stateDVelBiasY],
			e.P[stateDVelBiasZ][stateDVelBiasZ],
		}
	} else if !inhibit && e.accelBiasInhibit {
		for i := 0; i < 3; i++ {
			e.P[stateDVelBiasX+i][stateDVelBiasX+i] = e.prevDvelBiasVar[i]
		}
	}
	e.accelBiasInhibit = inhibit
}

// --- magnetometer ---

func (e *Ekf) controlMagFusion() {
	p := &e.params

	if p.MagFuseType == MagFuseTypeNone || e.control.magFault {
		e.control.magHdg = false
		e.control.mag3D = false
		e.control.magDec = false
		return
	}

	// Ground-level field disturbance: inhibit mag use while at rest if the
	// heading has not moved (nothing to learn, much to corrupt).
	e.magUseInhibitPrev = e.magUseInhibit
	e.magUseInhibit = e.control.vehicleAtRest && !e.control.inAir &&
		math.Abs(wrapPi(e.state.quat.Yaw()-e.lastStaticYaw)) < 0.01 &&
		e.control.yawAlign
	if e.magUseInhibit {
		if !e.magUseInhibitPrev {
			e.magUseNotInhibitUs = e.imuSampleDelayed.timeUs
		}
		if e.imuSampleDelayed.timeUs-e.magUseNotInhibitUs > 5_000_000 {
			// Long inhibit: a yaw reset is required when conditions improve.
			e.magInhibitYawResetReq = true
		}
	} else if e.magInhibitYawResetReq && e.magDataReady {
		if e.resetMagHeading(e.magSampleDelayed.mag, true, true) {
			e.magInhibitYawResetReq = false
		}
	}

	// Mode selection.
	use3D := false
	switch p.MagFuseType {
	case MagFuseType3D:
		use3D = e.control.yawAlign
	case MagFuseTypeHeading:
		use3D = false
	default: // auto
		use3D = e.control.inAir && e.control.magAlignedInFlight
	}

	// First time airborne with auto mode: re-align the field states away
	// from ground-level disturbance, reusing saved covariances if present.
	if p.MagFuseType == MagFuseTypeAuto && e.control.inAir && !e.control.magAlignedInFlight && e.magDataReady {
		if e.resetMagHeading(e.magSampleDelayed.mag, true, true) {
			e.control.magAlignedInFlight = true
			if e.savedMagBFVariance[0] > 0 {
				e.loadMagCovData()
			}
			use3D = true
		}
	}

	e.control.mag3D = use3D
	e.control.magHdg = !use3D
	e.control.magDec = use3D

	if !e.magDataReady || e.magUseInhibit {
		e.checkMagFuseTimeout()
		return
	}

	// A requested yaw reset takes priority over fusion this tick.
	if e.magYawResetReq {
		if e.resetMagHeading(e.magSampleDelayed.mag, true, true) {
			e.magYawResetReq = false
			if e.velPosResetRequest {
				e.velPosReset()
				e.velPosResetRequest = false
			}
		}
		return
	}

	// Heading-only fusion is unreliable during fast yaw.
	yawRate := (e.imuSampleDelayed.deltaAng[2] - e.state.deltaAngBias[2]) / maxF(e.imuSampleDelayed.deltaAngDT, 1e-3)
	if e.control.magHdg && math.Abs(yawRate) > e.params.MagYawRateGate {
		return
	}

	if e.control.mag3D {
		e.fuseMag()
	} else {
		e.fuseHeading()
	}
	e.checkMagFuseTimeout()
}

func (e *Ekf) checkMagFuseTimeout() {
	t := e.imuSampleDelayed.timeUs
	if e.timeLastMagFuseUs == 0 || t-e.timeLastMagFuseUs < e.params.MagFuseTimeoutUs {
		return
	}
	// Persistent failure: on the ground force a reset from the next sample,
	// in flight prefer a GPS ground-track realignment for fixed wing.
	if e.control.inAir && e.control.fixedWing && e.control.gps {
		if e.realignYawGPS() {
			e.timeLastMagFuseUs = t
			return
		}
	}
	e.magYawResetReq = true
}

// --- external vision ---

func (e *Ekf) controlExternalVisionFusion() {
	if !e.evDataReady {
		// Stop aiding after a stale period.
		if e.control.evPos && e.imuSampleDelayed.timeUs-e.timeLastEvUs > 2*e.params.NoAidTimeoutMaxUs {
			e.control.evPos = false
			e.control.evVel = false
			e.control.evYaw = false
			e.control.evHgt = e.control.evHgt && false
			log.Printf("nav: external vision aiding stopped")
		}
		return
	}

	e.evCounter++

	// Require a short run of samples before trusting the stream.
	if !e.control.evPos && e.evCounter >= 10 && e.control.tiltAlign {
		e.control.evPos = true
		e.control.evVel = e.evSampleDelayed.velErr < 1.0
		if !e.control.gps {
			// EV is the primary source: align yaw to the EV frame directly.
			e.resetYawTo(e.evSampleDelayed.quat.Yaw(), true)
			e.control.evYaw = true
			e.control.yawAlign = true
			e.resetPosition()
			e.resetVelocity()
		}
		log.Printf("nav: external vision aiding started")
	}
	if !e.control.evPos {
		return
	}

	e.calcExtVisRotMat()

	// Stage position fusion. When GPS is also aiding, EV position fuses as
	// odometry so the two absolute references cannot fight.
	evPosNED := e.evRotMat.Apply(e.evSampleDelayed.pos)
	if e.control.gps {
		e.fuseHposAsOdom = true
		if e.hposPrevAvailable {
			e.fusePos = true
			e.posObsNE = Vec2{evPosNED[0], evPosNED[1]}
			e.posObsNoiseNE = maxF(e.evSampleDelayed.posErr, 0.01)
			e.posInnovGateNE = maxF(e.params.EVInnovGate, 1)
		}
		e.posMeasPrev = evPosNED
		e.hposPredPrev = Vec2{e.state.pos[0], e.state.pos[1]}
		e.hposPrevAvailable = true
	} else {
		e.fusePos = true
		e.posObsNE = Vec2{evPosNED[0], evPosNED[1]}
		e.posObsNoiseNE = maxF(e.evSampleDelayed.posErr, 0.01)
		e.posInnovGateNE = maxF(e.params.EVInnovGate, 1)
	}

	if e.control.evVel {
		evVelNED := e.evRotMat.Apply(e.evSampleDelayed.vel)
		e.fuseHorVel = true
		e.velObs = evVelNED
		ev2 := sq(maxF(e.evSampleDelayed.velErr, 0.01))
		e.velObsVarNE = Vec2{ev2, ev2}
		e.hvelInnovGate = maxF(e.params.EVInnovGate, 1)
	}
}

// calcExtVisRotMat tracks the yaw misalignment between the EV navigation
// frame and the EKF NED frame with a slow complementary filter.
func (e *Ekf) calcExtVisRotMat() {
	// Rotation taking EV frame attitude to EKF attitude.
	qErr := e.state.quat.Mul(e.evSampleDelayed.quat.Inverse()).Normalized()
	rotVec := qErr.RotVec()

	dt := clampF(float64(e.imuSampleDelayed.timeUs-e.evRotLastTimeUs)*1e-6, 0, 1)
	e.evRotLastTimeUs = e.imuSampleDelayed.timeUs

	if e.control.evYaw {
		// Yaw comes from EV itself; hold the alignment fixed.
		return
	}
	alpha := clampF(dt/10.0, 0, 0.05)
	for i := 0; i < 3; i++ {
		e.evRotVecFilt[i] = (1-alpha)*e.evRotVecFilt[i] + alpha*rotVec[i]
	}
	e.evRotMat = QuatFromRotVec(e.evRotVecFilt).ToDcm()
}

// resetExtVisRotMat snaps the EV alignment to the current attitude pair.
func (e *Ekf) resetExtVisRotMat() {
	qErr := e.state.quat.Mul(e.evSampleDelayed.quat.Inverse()).Normalized()
	e.evRotVecFilt = qErr.RotVec()
	e.evRotMat = QuatFromRotVec(e.evRotVecFilt).ToDcm()
}

// EV2EKFQuaternion returns the rotation from the EV navigation frame to the
// EKF navigation frame.
func (e *Ekf) EV2EKFQuaternion() Quat {
	return QuatFromRotVec(e.evRotVecFilt)
}

// --- optical flow ---

func (e *Ekf) controlOpticalFlowFusion() {
	// Motion gating on ground: rotor spin-up shakes the airframe enough to
	// invalidate flow.
	if !e.control.inAir {
		if e.vibeMetrics[1] > 0.002 {
			e.timeBadMotionUs = e.imuSampleDelayed.timeUs
		} else {
			e.timeGoodMotionUs = e.imuSampleDelayed.timeUs
		}
		e.inhibitFlowUse = e.imuSampleDelayed.timeUs-e.timeBadMotionUs < 1_000_000
	} else {
		e.inhibitFlowUse = false
	}

	if !e.flowDataReady {
		if e.control.optFlow && e.imuSampleDelayed.timeUs-e.timeLastOfFuseUs > e.params.ResetTimeoutMaxUs {
			e.control.optFlow = false
			log.Printf("nav: optical flow aiding stopped")
		}
		return
	}

	e.calcOptFlowBodyRateComp()

	// Start flow aiding when there is no other horizontal reference and the
	// geometry works.
	if !e.control.optFlow && !e.inhibitFlowUse && e.control.tiltAlign &&
		(e.terrainValid || !e.control.inAir) && !e.control.gps && !e.control.evPos {
		e.control.optFlow = true
		e.resetVelocity()
		e.lastKnownPosNE = Vec2{e.state.pos[0], e.state.pos[1]}
		log.Printf("nav: optical flow aiding started")
	}

	if e.control.optFlow && !e.inhibitFlowUse {
		e.fuseOptFlow()
	}
}

// --- GPS ---

func (e *Ekf) controlGpsFusion() {
	p := &e.params
	t := e.imuSampleDelayed.timeUs

	if e.gpsDataReady {
		// Start aiding once the quality checks have passed continuously for
		// the arming window and yaw is aligned.
		checksPassedLongEnough := e.gpsPassSinceUs != 0 && t > e.gpsPassSinceUs &&
			t-e.gpsPassSinceUs > 10_000_000
		if !e.control.gps && e.NEDOriginInitialised && e.control.yawAlign && checksPassedLongEnough {
			e.control.gps = true
			e.resetPosition()
			e.resetVelocity()
			log.Printf("nav: GPS aiding started")
		}

		if e.control.gps {
			// Dual antenna yaw when present.
			if !math.IsNaN(e.gpsSampleDelayed.yaw) {
				if !e.control.gpsYaw {
					e.control.gpsYaw = e.resetGpsAntYaw()
				} else {
					e.fuseGpsAntYaw()
				}
			}

			e.fuseHorVel = true
			e.fuseVertVel = true
			e.fusePos = true
			e.velObs = e.gpsSampleDelayed.vel
			e.posObsNE = e.gpsSampleDelayed.pos

			velNoise := 1.5 * clampF(e.gpsSampleDelayed.sacc, p.GPSVelNoise, p.VelNoiseAccMax)
			e.velObsVarNE = Vec2{sq(velNoise), sq(velNoise)}
			e.hvelInnovGate = maxF(p.GPSVelInnovGate, 1)
			e.posObsNoiseNE = clampF(e.gpsSampleDelayed.hacc, p.GPSPosNoise, p.PosNoiseAccMax)
			e.posInnovGateNE = maxF(p.GPSPosInnovGate, 1)
		}
	}

	if !e.control.gps {
		return
	}

	// Timeout handling: stale data stops aiding, persistent innovation
	// failure with fresh data forces a reset.
	if t-e.gpsSampleDelayed.timeUs > 2*e.params.ResetTimeoutMaxUs {
		e.control.gps = false
		e.control.gpsYaw = false
		log.Printf("nav: GPS aiding stopped (no data)")
		return
	}
	// Sustained position rejection (with no delta-position or flow aiding
	// covering for it) forces a reset onto the measurements.
	if t-e.timeLastPosFuseUs > p.ResetTimeoutMaxUs &&
		t-e.timeLastDelPosFuseUs > p.ResetTimeoutMaxUs &&
		t-e.timeLastOfFuseUs > p.ResetTimeoutMaxUs {
		e.resetPosition()
		e.resetVelocity()
	}
}

// --- height source management ---

// controlHeightSensorTimeouts walks the fallback cascade when the active
// height reference has not fused for the timeout period. Yaw resets (in
// controlMagFusion) have already run this tick; height resets follow them.
func (e *Ekf) controlHeightSensorTimeouts() {
	t := e.imuSampleDelayed.timeUs
	if e.timeLastHgtFuseUs == 0 {
		e.timeLastHgtFuseUs = t
		return
	}
	if t-e.timeLastHgtFuseUs < e.params.HgtSenseTimeoutUs {
		return
	}

	// Mark the active source faulty and pick the next source with recent
	// data. Recency rather than this-tick readiness: observation rates are
	// well below the tick rate.
	fresh := func(sampleTime uint64) bool {
		return sampleTime != 0 && t-sampleTime < 2*e.params.NoAidTimeoutMaxUs
	}
	baroAvail := fresh(e.baroSampleDelayed.timeUs) && !e.baroHgtFaulty
	gpsAvail := fresh(e.gpsSampleDelayed.timeUs) && e.control.gps
	rngAvail := fresh(e.rangeSampleDelayed.timeUs) && !e.rngHgtFaulty

	switched := false
	switch {
	case e.control.baroHgt:
		e.baroHgtFaulty = true
		if gpsAvail {
			e.setControlGPSHeight()
			switched = true
			log.Printf("nav: height source baro -> gps")
		} else if rngAvail {
			e.setControlRangeHeight()
			switched = true
			log.Printf("nav: height source baro -> range")
		}
	case e.control.gpsHgt:
		e.gpsHgtFaulty = true
		if baroAvail {
			e.setControlBaroHeight()
			switched = true
			log.Printf("nav: height source gps -> baro")
		} else if rngAvail {
			e.setControlRangeHeight()
			switched = true
			log.Printf("nav: height source gps -> range")
		}
	case e.control.rngHgt:
		e.rngHgtFaulty = true
		if baroAvail {
			e.setControlBaroHeight()
			switched = true
			log.Printf("nav: height source range -> baro")
		} else if gpsAvail {
			e.setControlGPSHeight()
			switched = true
			log.Printf("nav: height source range -> gps")
		}
	case e.control.evHgt:
		if baroAvail {
			e.setControlBaroHeight()
			switched = true
			log.Printf("nav: height source ev -> baro")
		}
	}

	if switched {
		e.resetHeight()
		e.timeLastHgtFuseUs = t
	}
}

// controlHeightFusion selects the height reference for this tick and stages
// the vertical position observation.
func (e *Ekf) controlHeightFusion() {
	// The ground effect window closes on its own if the host forgets to.
	if e.control.gndEffect && e.imuSampleDelayed.timeUs-e.timeGndEffectOnUs > 5_000_000 {
		e.control.gndEffect = false
	}

	e.rangeAidConditionsMet()

	switch e.primaryHgtSource {
	case HeightSourceRange:
		if !e.control.rngHgt && !e.rngHgtFaulty {
			e.setControlRangeHeight()
		}
	case HeightSourceGPS:
		if !e.control.gpsHgt && e.control.gps && !e.gpsHgtFaulty {
			e.setControlGPSHeight()
		}
	case HeightSourceEV:
		if !e.control.evHgt && e.control.evPos {
			e.setControlEVHeight()
		}
	default:
		if e.rangeAidModeSelected {
			if !e.control.rngHgt {
				e.setControlRangeHeight()
			}
		} else if !e.control.baroHgt && !e.baroHgtFaulty {
			e.setControlBaroHeight()
		}
	}

	// Recovered baro clears its fault once data flows again.
	if e.baroHgtFaulty && e.baroDataReady && !e.control.baroHgt {
		e.baroHgtFaulty = false
	}

	switch {
	case e.control.baroHgt && e.baroDataReady:
		e.fuseHeight = true
	case e.control.gpsHgt && e.gpsDataReady:
		e.fuseHeight = true
	case e.control.rngHgt && e.rangeDataReady && !e.control.rngStuck:
		e.fuseHeight = true
	case e.control.evHgt && e.evDataReady:
		e.fuseHeight = true
	}

	// Track the baro offset against the active reference so a later
	// fallback to baro is step free.
	if !e.control.baroHgt && e.baroDataReady {
		offsetErr := (e.baroSampleDelayed.hgt - e.baroHgtOffset) - (-e.state.pos[2])
		e.baroHgtOffset += 0.02 * offsetErr
	}
}

// rangeAidConditionsMet decides whether the range finder may opportunistically
// replace the primary height reference: low HAGL, low speed, tight terrain
// variance.
func (e *Ekf) rangeAidConditionsMet() {
	if !e.params.RangeAid || !e.control.inAir || e.rngHgtFaulty || !e.rangeDataContinuous {
		e.rangeAidModeSelected = false
		return
	}

	hagl := e.terrainVpos - e.state.pos[2]
	hSpeed := math.Hypot(e.state.vel[0], e.state.vel[1])

	// Hysteresis: harder to enter than to stay.
	if e.rangeAidModeSelected {
		e.rangeAidModeSelected = hagl < 1.1*e.params.MaxHaglForRangeAid &&
			hSpeed < 1.1*e.params.MaxVelForRangeAid && e.terrainValid
	} else {
		e.rangeAidModeSelected = hagl < e.params.MaxHaglForRangeAid &&
			hSpeed < e.params.MaxVelForRangeAid && e.terrainValid &&
			e.terrainVar < 1.0
	}
}

// checkRangeDataValidity runs the stuck-sensor envelope and out-of-range
// screening on incoming range data.
func (e *Ekf) checkRangeDataValidity() {
	if e.rangeBuffer.len() == 0 {
		return
	}
	newest := e.rangeBuffer.newest()

	// Out of range readings are faulted immediately.
	if newest.rng < e.params.RangeValidMin || newest.rng > e.params.RangeValidMax {
		e.rngHgtFaulty = true
		return
	}
	e.rngHgtFaulty = false

	// Stuck detection: the min/max envelope of in-air readings must exceed a
	// minimum spread while the vehicle is moving vertically. The envelope has
	// no time window; it restarts only once its spread exceeds the threshold.
	if e.control.inAir {
		if newest.rng > e.rngStuckMaxVal {
			e.rngStuckMaxVal = newest.rng
		}
		if e.rngStuckMinVal == 0 || newest.rng < e.rngStuckMinVal {
			e.rngStuckMinVal = newest.rng
		}
		if math.Abs(e.state.vel[2]) > 0.5 &&
			e.rngStuckMaxVal-e.rngStuckMinVal < e.params.RangeStuckThreshold {
			e.control.rngStuck = true
		} else if e.rngStuckMaxVal-e.rngStuckMinVal > e.params.RangeStuckThreshold {
			e.control.rngStuck = false
			e.rngStuckMinVal = 0
			e.rngStuckMaxVal = 0
		}
	}
}

// checkRangeDataContinuity tracks whether range data arrives fast enough to
// serve as a height reference (2 Hz filtered).
func (e *Ekf) checkRangeDataContinuity() {
	dt := float64(e.imuSampleDelayed.timeUs-e.timeLastRngReadyUs) // us
	e.dtLastRangeUpdateFiltUs = 0.9*e.dtLastRangeUpdateFiltUs + 0.1*dt
	e.rangeDataContinuous = e.dtLastRangeUpdateFiltUs < 500_000
}

func (e *Ekf) setControlBaroHeight() {
	e.control.baroHgt = true
	e.control.gpsHgt = false
	e.control.rngHgt = false
	e.control.evHgt = false
	e.hgtSensorOffset = 0
}

func (e *Ekf) setControlRangeHeight() {
	e.control.rngHgt = true
	e.control.baroHgt = false
	e.control.gpsHgt = false
	e.control.evHgt = false
	e.hgtSensorOffset = 0
}

func (e *Ekf) setControlGPSHeight() {
	e.control.gpsHgt = true
	e.control.baroHgt = false
	e.control.rngHgt = false
	e.control.evHgt = false
	// Maintain height continuity across the switch.
	e.hgtSensorOffset = e.gpsSampleDelayed.hgt + e.state.pos[2]
}

func (e *Ekf) setControlEVHeight() {
	e.control.evHgt = true
	e.control.baroHgt = false
	e.control.gpsHgt = false
	e.control.rngHgt = false
	e.hgtSensorOffset = 0
}

// --- air data ---

func (e *Ekf) controlAirDataFusion() {
	t := e.imuSampleDelayed.timeUs

	// Wind states deactivate when airborne aiding of them is impossible.
	if e.control.wind && !e.control.inAir {
		e.control.wind = false
	}

	if !e.tasDataReady {
		if e.control.fuseAspd && t-e.timeLastArspFuseUs > 10_000_000 {
			e.control.fuseAspd = false
		}
		return
	}
	if !e.control.inAir || e.airspeedSampleDelayed.trueAirspeed < e.params.ArspFusionThreshold {
		return
	}

	if !e.control.wind {
		e.control.wind = true
		e.resetWindStates()
		e.resetWindCovariance()
	}
	e.control.fuseAspd = true
	e.fuseAirspeed()
}

func (e *Ekf) controlBetaFusion() {
	e.control.fuseBeta = e.control.fixedWing && e.control.inAir && !e.control.fuseAspd

	if !e.control.fuseBeta {
		return
	}
	// Sideslip fuses at a low duty cycle; it is a weak shaping observation.
	if e.imuSampleDelayed.timeUs-e.timeLastBetaFuseUs < 300_000 {
		return
	}
	if !e.control.wind {
		e.control.wind = true
		e.resetWindStates()
		e.resetWindCovariance()
	}
	e.fuseSideslip()
}

func (e *Ekf) controlDragFusion() {
	if !e.params.DragFusionEnable || e.control.fixedWing || !e.control.inAir {
		return
	}
	if !e.control.wind {
		e.control.wind = true
		e.resetWindStates()
		e.resetWindCovariance()
	}
	e.fuseDrag()
}

// --- velocity/position staging and fake aiding ---

func (e *Ekf) controlVelPosFusion() {
	t := e.imuSampleDelayed.timeUs

	horizAiding := e.control.gps || e.control.optFlow || e.control.evPos

	// With no horizontal aiding, synthetic position observations at the last
	// known position constrain tilt-error growth.
	if !horizAiding {
		e.usingSyntheticPosition = true
		if t-e.timeLastFakeGpsUs > 200_000 {
			e.timeLastFakeGpsUs = t
			e.fusePos = true
			e.posObsNE = e.lastKnownPosNE
			e.posInnovGateNE = 3.0
			if e.control.vehicleAtRest {
				e.posObsNoiseNE = 0.5
			} else {
				e.posObsNoiseNE = e.params.PosNoiseAccMax
			}
		}
	} else {
		e.usingSyntheticPosition = false
		e.lastKnownPosNE = Vec2{e.state.pos[0], e.state.pos[1]}
	}

	if e.fusePos || e.fuseHorVel || e.fuseVertVel || e.fuseHeight || e.fuseHorVelAux {
		e.fuseVelPosHeight()
	}
}

func (e *Ekf) controlAuxVelFusion() {
	if !e.auxVelDataReady {
		return
	}
	horizAiding := e.control.gps || e.control.optFlow || e.control.evPos
	if !horizAiding {
		return
	}
	e.fuseHorVelAux = true
	e.hvelInnovGate = maxF(e.params.GPSVelInnovGate, 1)
	e.fuseVelPosHeight()
	e.fuseHorVelAux = false
}

// updateDeadReckoningStatus tracks how long the filter has been inertial
// only.
func (e *Ekf) updateDeadReckoningStatus() {
	t := e.imuSampleDelayed.timeUs
	aiding := t-e.timeLastPosFuseUs < e.params.NoAidTimeoutMaxUs ||
		t-e.timeLastVelFuseUs < e.params.NoAidTimeoutMaxUs ||
		t-e.timeLastOfFuseUs < e.params.NoAidTimeoutMaxUs ||
		t-e.timeLastDelPosFuseUs < e.params.NoAidTimeoutMaxUs

	if aiding && !e.usingSyntheticPosition {
		e.timeInsDeadreckonStartUs = 0
	} else if e.timeInsDeadreckonStartUs == 0 {
		e.timeInsDeadreckonStartUs = t
	}
}

// GlobalPositionValid reports whether the WGS-84 position output can be
// trusted for navigation.
func (e *Ekf) GlobalPositionValid() bool {
	if !e.NEDOriginInitialised || !e.filterInitialised {
		return false
	}
	if e.timeInsDeadreckonStartUs != 0 &&
		e.imuSampleDelayed.timeUs-e.timeInsDeadreckonStartUs > e.params.ResetTimeoutMaxUs {
		return false
	}
	return e.control.gps || e.control.evPos
}

// LocalPositionValid reports whether the NED position output is usable,
// including flow or EV only navigation.
func (e *Ekf) LocalPositionValid() bool {
	if !e.filterInitialised {
		return false
	}
	if e.timeInsDeadreckonStartUs != 0 &&
		e.imuSampleDelayed.timeUs-e.timeInsDeadreckonStartUs > e.params.ResetTimeoutMaxUs {
		return false
	}
	return e.control.gps || e.control.optFlow || e.control.evPos
}
