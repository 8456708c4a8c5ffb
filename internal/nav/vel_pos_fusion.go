package nav

import (
	"log"
	"math"
)

// fuseVelPosHeight performs up to six sequential scalar updates against the
// velocity and position states. Which components fuse this tick, their
// observation noise and gates are staged by the control layer.
func (e *Ekf) fuseVelPosHeight() {
	var fuseMask [6]bool
	var observation [6]float64
	var obsVar [6]float64
	var gate [6]float64

	if e.fuseHorVel {
		fuseMask[0], fuseMask[1] = true, true
		observation[0] = e.velObs[0]
		observation[1] = e.velObs[1]
		obsVar[0] = e.velObsVarNE[0]
		obsVar[1] = e.velObsVarNE[1]
		gate[0], gate[1] = e.hvelInnovGate, e.hvelInnovGate
	}
	if e.fuseHorVelAux {
		fuseMask[0], fuseMask[1] = true, true
		observation[0] = e.auxVelSampleDelayed.velNE[0]
		observation[1] = e.auxVelSampleDelayed.velNE[1]
		obsVar[0] = e.auxVelSampleDelayed.velVar[0]
		obsVar[1] = e.auxVelSampleDelayed.velVar[1]
		gate[0], gate[1] = e.hvelInnovGate, e.hvelInnovGate
	}
	if e.fuseVertVel {
		fuseMask[2] = true
		observation[2] = e.velObs[2]
		obsVar[2] = sq(1.5 * clampF(e.gpsSampleDelayed.sacc, e.params.GPSVelNoise, e.params.VelNoiseAccMax))
		gate[2] = e.params.GPSVelInnovGate
	}
	if e.fusePos {
		fuseMask[3], fuseMask[4] = true, true
		if e.fuseHposAsOdom {
			// Relative position: innovation computed against the change
			// since the previous odometry sample.
			observation[3] = e.hposPredPrev[0] + (e.posObsNE[0] - e.posMeasPrev[0])
			observation[4] = e.hposPredPrev[1] + (e.posObsNE[1] - e.posMeasPrev[1])
		} else {
			observation[3] = e.posObsNE[0]
			observation[4] = e.posObsNE[1]
		}
		obsVar[3] = sq(e.posObsNoiseNE)
		obsVar[4] = sq(e.posObsNoiseNE)
		gate[3], gate[4] = e.posInnovGateNE, e.posInnovGateNE
	}
	if e.fuseHeight {
		fuseMask[5] = true
		observation[5], obsVar[5], gate[5] = e.heightObservation()
	}

	// Innovations against the current state.
	innovations := [6]float64{
		e.state.vel[0] - observation[0],
		e.state.vel[1] - observation[1],
		e.state.vel[2] - observation[2],
		e.state.pos[0] - observation[3],
		e.state.pos[1] - observation[4],
		e.state.pos[2] - observation[5],
	}

	// Baro ground effect: deadzone positive height innovations while rotor
	// wash is corrupting static pressure.
	if e.fuseHeight && e.control.gndEffect && e.control.baroHgt {
		if innovations[5] > 0 && innovations[5] < e.params.GndEffectDeadzone {
			innovations[5] = 0
		}
	}

	stateIdx := [6]int{stateVelN, stateVelE, stateVelD, statePosN, statePosE, statePosD}
	failBits := [6]uint16{
		InnovCheckFailVelNE, InnovCheckFailVelNE, InnovCheckFailVelD,
		InnovCheckFailPosNE, InnovCheckFailPosNE, InnovCheckFailPosD,
	}
	faultBits := [6]uint16{
		FaultBadVelN, FaultBadVelE, FaultBadVelD,
		FaultBadPosN, FaultBadPosE, FaultBadPosD,
	}

	// Gate the horizontal groups jointly so one bad axis rejects its pair.
	var testRatio [6]float64
	for i := 0; i < 6; i++ {
		if !fuseMask[i] {
			continue
		}
		e.velPosInnov[i] = innovations[i]
		if e.fuseHorVelAux && i < 2 {
			e.auxVelInnov[i] = innovations[i]
		}
		S := e.P[stateIdx[i]][stateIdx[i]] + obsVar[i]
		e.velPosInnovVar[i] = S
		testRatio[i] = sq(innovations[i]) / (sq(gate[i]) * S)
	}

	velCheckPass := maxF(testRatio[0], testRatio[1]) <= 1
	posCheckPass := maxF(testRatio[3], testRatio[4]) <= 1

	for i := 0; i < 6; i++ {
		if !fuseMask[i] {
			continue
		}
		pass := testRatio[i] <= 1
		if i <= 1 {
			pass = velCheckPass
		} else if i == 3 || i == 4 {
			pass = posCheckPass
		}

		// Height fusion is never allowed to time out into free fall: force
		// the fusion when the height has been failing for too long.
		if i == 5 && !pass && e.imuSampleDelayed.timeUs-e.timeLastHgtFuseUs > e.params.HgtSenseTimeoutUs {
			pass = true
		}

		if !pass {
			e.innovCheckFail |= failBits[i]
			continue
		}
		e.innovCheckFail &^= failBits[i]

		if _, ok := e.fuseScalar(unitJacobian(stateIdx[i]), -innovations[i], obsVar[i]); ok {
			e.faultStatus &^= faultBits[i]
			switch {
			case i <= 1:
				e.timeLastVelFuseUs = e.imuSampleDelayed.timeUs
			case i == 2:
				e.timeLastVelFuseUs = e.imuSampleDelayed.timeUs
			case i == 3 || i == 4:
				if e.fuseHposAsOdom {
					e.timeLastDelPosFuseUs = e.imuSampleDelayed.timeUs
				} else {
					e.timeLastPosFuseUs = e.imuSampleDelayed.timeUs
				}
			case i == 5:
				e.timeLastHgtFuseUs = e.imuSampleDelayed.timeUs
			}
		} else {
			e.faultStatus |= faultBits[i]
		}
	}

	e.checkVertAccelHealth()
}

// heightObservation selects the observation, noise and gate for the vertical
// position update from the active height reference.
func (e *Ekf) heightObservation() (obs, obsVar, gate float64) {
	p := &e.params
	switch {
	case e.control.baroHgt:
		obs = -(e.baroSampleDelayed.hgt - e.baroHgtOffset - e.hgtSensorOffset)
		obsVar = sq(p.BaroNoise)
		gate = p.BaroInnovGate
	case e.control.gpsHgt:
		obs = -(e.gpsSampleDelayed.hgt - e.hgtSensorOffset)
		obsVar = sq(1.5 * clampF(e.gpsSampleDelayed.vacc, p.GPSPosNoise, p.PosNoiseAccMax))
		gate = p.BaroInnovGate
	case e.control.rngHgt:
		// Range measures distance to ground; convert through the tilt and the
		// terrain offset.
		obs = -(e.rangeSampleDelayed.rng*e.rRngToEarth22 + e.lastOnGroundPosD)
		obsVar = sq(maxF(p.RangeNoise+p.RangeNoiseScaler*e.rangeSampleDelayed.rng, 0.01))
		gate = p.RangeInnovGate
		if e.rangeAidModeSelected {
			gate = p.RangeAidInnovGate
		}
	case e.control.evHgt:
		obs = e.evSampleDelayed.pos[2]
		obsVar = sq(maxF(e.evSampleDelayed.posErr, 0.01))
		gate = p.EVInnovGate
	default:
		obsVar = sq(p.BaroNoise)
		gate = p.BaroInnovGate
	}
	return obs, obsVar, gate
}

// resetVelocity overwrites the velocity states from the best available
// source, zeroes their cross covariance and records the reset.
func (e *Ekf) resetVelocity() bool {
	oldVel := e.state.vel

	switch {
	case e.control.gps && e.imuSampleDelayed.timeUs-e.gpsSampleDelayed.timeUs < 2*e.params.NoAidTimeoutMaxUs:
		e.state.vel = e.gpsSampleDelayed.vel
		e.setDiag(stateVelN, stateVelD, sq(1.5*maxF(e.gpsSampleDelayed.sacc, e.params.GPSVelNoise)))
	case e.control.evVel:
		e.state.vel = e.evRotMat.Apply(e.evSampleDelayed.vel)
		e.setDiag(stateVelN, stateVelD, sq(maxF(e.evSampleDelayed.velErr, 0.01)))
	case e.control.optFlow && e.flowDataReady:
		// Approximate NED velocity from the last compensated flow rates.
		hagl := e.terrainVpos - e.state.pos[2]
		if hagl > 0.1 {
			velBody := Vec3{-e.flowCompensated[1] * hagl / maxF(e.flowSampleDelayed.dt, 1e-3), e.flowCompensated[0] * hagl / maxF(e.flowSampleDelayed.dt, 1e-3), 0}
			vel := e.rToEarth.Apply(velBody)
			e.state.vel[0] = vel[0]
			e.state.vel[1] = vel[1]
		} else {
			e.state.vel[0] = 0
			e.state.vel[1] = 0
		}
		e.setDiag(stateVelN, stateVelD, sq(e.params.GPSVelNoise*2))
	default:
		e.state.vel = Vec3{}
		e.setDiag(stateVelN, stateVelD, sq(e.params.GPSVelNoise*4))
	}

	delta := e.state.vel.Sub(oldVel)
	e.resetStatus.velNEChange = Vec2{delta[0], delta[1]}
	e.resetStatus.velDChange = delta[2]
	e.resetStatus.velNECounter++
	e.resetStatus.velDCounter++
	e.timeLastVelFuseUs = e.imuSampleDelayed.timeUs

	e.propagateVelResetToOutput(delta)
	log.Printf("nav: velocity reset, delta=(%.2f %.2f %.2f)", delta[0], delta[1], delta[2])
	return true
}

// resetPosition overwrites the horizontal position states.
func (e *Ekf) resetPosition() bool {
	oldPos := Vec2{e.state.pos[0], e.state.pos[1]}

	switch {
	case e.control.gps && e.imuSampleDelayed.timeUs-e.gpsSampleDelayed.timeUs < 2*e.params.NoAidTimeoutMaxUs:
		e.state.pos[0] = e.gpsSampleDelayed.pos[0]
		e.state.pos[1] = e.gpsSampleDelayed.pos[1]
		e.setDiag(statePosN, statePosE, sq(maxF(e.gpsSampleDelayed.hacc, e.params.GPSPosNoise)))
	case e.control.evPos:
		evPosNED := e.evRotMat.Apply(e.evSampleDelayed.pos)
		e.state.pos[0] = evPosNED[0]
		e.state.pos[1] = evPosNED[1]
		e.setDiag(statePosN, statePosE, sq(maxF(e.evSampleDelayed.posErr, 0.01)))
	default:
		// No aiding source: hold the last known position.
		e.state.pos[0] = e.lastKnownPosNE[0]
		e.state.pos[1] = e.lastKnownPosNE[1]
		e.setDiag(statePosN, statePosE, sq(e.params.PosNoiseAccMax))
	}

	delta := Vec2{e.state.pos[0] - oldPos[0], e.state.pos[1] - oldPos[1]}
	e.resetStatus.posNEChange = delta
	e.resetStatus.posNECounter++
	e.timeLastPosFuseUs = e.imuSampleDelayed.timeUs

	e.propagatePosNEResetToOutput(delta)
	log.Printf("nav: position reset, delta=(%.2f %.2f)", delta[0], delta[1])
	return true
}

// resetHeight overwrites the vertical position state from the active height
// reference and conditionally resets vertical velocity.
func (e *Ekf) resetHeight() {
	oldPosD := e.state.pos[2]

	fresh := func(sampleTime uint64) bool {
		return sampleTime != 0 && e.imuSampleDelayed.timeUs-sampleTime < 2*e.params.NoAidTimeoutMaxUs
	}

	switch {
	case e.control.rngHgt && fresh(e.rangeSampleDelayed.timeUs):
		e.state.pos[2] = -(e.rangeSampleDelayed.rng * e.rRngToEarth22) + e.lastOnGroundPosD
		e.setDiag(statePosD, statePosD, sq(e.params.RangeNoise))
	case e.control.baroHgt && fresh(e.baroSampleDelayed.timeUs) && !e.baroHgtFaulty:
		e.state.pos[2] = -(e.baroSampleDelayed.hgt - e.baroHgtOffset)
		e.setDiag(statePosD, statePosD, sq(e.params.BaroNoise))
	case e.control.gpsHgt && fresh(e.gpsSampleDelayed.timeUs):
		e.state.pos[2] = -(e.gpsSampleDelayed.hgt - e.hgtSensorOffset)
		e.setDiag(statePosD, statePosD, sq(1.5*maxF(e.gpsSampleDelayed.vacc, e.params.GPSPosNoise)))
	case e.control.evHgt && fresh(e.evSampleDelayed.timeUs):
		e.state.pos[2] = e.evSampleDelayed.pos[2]
		e.setDiag(statePosD, statePosD, sq(maxF(e.evSampleDelayed.posErr, 0.01)))
	default:
		return
	}

	deltaD := e.state.pos[2] - oldPosD
	e.resetStatus.posDChange = deltaD
	e.resetStatus.posDCounter++

	// Reset vertical velocity from GPS if usable, else zero it.
	oldVelD := e.state.vel[2]
	if e.control.gps && fresh(e.gpsSampleDelayed.timeUs) {
		e.state.vel[2] = e.gpsSampleDelayed.vel[2]
	} else {
		e.state.vel[2] = 0
	}
	e.setDiag(stateVelD, stateVelD, sq(1.5*e.params.GPSVelNoise))
	deltaVelD := e.state.vel[2] - oldVelD
	e.resetStatus.velDChange = deltaVelD
	e.resetStatus.velDCounter++

	e.propagateHgtResetToOutput(deltaD, deltaVelD)
	log.Printf("nav: height reset, dposD=%.2f dvelD=%.2f", deltaD, deltaVelD)
}

// velPosReset performs the combined reset requested after a large yaw error
// correction.
func (e *Ekf) velPosReset() {
	if math.IsNaN(e.state.vel.Norm()) {
		return
	}
	e.resetVelocity()
	e.resetPosition()
}
