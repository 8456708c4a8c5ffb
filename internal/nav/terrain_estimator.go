package nav

import "math"

// Single-state terrain estimator. terrainVpos is the vertical position of
// the ground in the local NED frame, estimated from range finder returns and
// driven by a process noise that grows with horizontal speed over sloped
// terrain.

// initHagl seeds the terrain state below the vehicle.
func (e *Ekf) initHagl() bool {
	if !e.rangeDataReady {
		return false
	}
	e.terrainVpos = e.state.pos[2] + e.rangeSampleDelayed.rng*e.rRngToEarth22
	e.terrainVar = sq(maxF(e.params.RangeNoise, 0.01)) + e.P[statePosD][statePosD]
	e.terrainInitialised = true
	return true
}

// runTerrainEstimator predicts and corrects the terrain state each tick.
func (e *Ekf) runTerrainEstimator() {
	// Range geometry for this tick.
	e.sinTiltRng = math.Sin(e.params.RngSensPitch)
	e.cosTiltRng = math.Cos(e.params.RngSensPitch)
	e.rRngToEarth22 = e.rToEarth[2][2]*e.cosTiltRng + e.rToEarth[2][0]*e.sinTiltRng

	if !e.terrainInitialised {
		e.initHagl()
		e.updateTerrainValidity()
		return
	}

	// On ground the terrain is pinned to the footprint.
	if !e.control.inAir {
		e.terrainVpos = e.state.pos[2]
		e.terrainVar = sq(maxF(e.params.RangeNoise, 0.01))
		e.updateTerrainValidity()
		return
	}

	// Process model: terrain height is constant, uncertainty grows with
	// horizontal speed across a sloped surface.
	dt := e.imuSampleDelayed.deltaAngDT
	hSpeed := math.Hypot(e.state.vel[0], e.state.vel[1])
	procNoise := e.params.TerrainPNoise + e.params.TerrainGradient*hSpeed
	e.terrainVar += sq(procNoise) * dt

	if e.rangeDataReady && !e.rngHgtFaulty && !e.control.rngStuck && e.rRngToEarth22 > 0.7071 {
		e.fuseHagl()
	}
	e.updateTerrainValidity()
}

// fuseHagl performs the scalar Kalman update of the terrain state with a
// height-above-ground observation from the range finder.
func (e *Ekf) fuseHagl() {
	rng := e.rangeSampleDelayed.rng
	measHagl := rng * e.rRngToEarth22
	predHagl := e.terrainVpos - e.state.pos[2]
	innov := measHagl - predHagl

	obsVar := sq(maxF(e.params.RangeNoise+e.params.RangeNoiseScaler*rng, 0.01)) +
		e.P[statePosD][statePosD]
	S := e.terrainVar + obsVar

	e.haglInnov = innov
	e.haglInnovVar = S

	gate := maxF(e.params.RangeInnovGate, 1)
	if sq(innov) > sq(gate)*S {
		e.innovCheckFail |= InnovCheckFailHAGL
		// A long stretch of rejected range data forces a re-seed.
		if e.imuSampleDelayed.timeUs-e.timeLastHaglFuseUs > 10_000_000 {
			e.terrainInitialised = false
		}
		return
	}
	e.innovCheckFail &^= InnovCheckFailHAGL

	K := e.terrainVar / S
	e.terrainVpos += K * innov
	e.terrainVar = maxF((1-K)*e.terrainVar, 0)
	e.timeLastHaglFuseUs = e.imuSampleDelayed.timeUs
}

// updateTerrainValidity requires a recent successful fusion and a sane
// variance.
func (e *Ekf) updateTerrainValidity() {
	recent := e.imuSampleDelayed.timeUs-e.timeLastHaglFuseUs < 5_000_000
	e.terrainValid = e.terrainInitialised && (recent || !e.control.inAir) &&
		!math.IsNaN(e.terrainVpos) && e.terrainVar < 1e4
}

// TerrainVertPos returns the terrain vertical position estimate in NED.
func (e *Ekf) TerrainVertPos() float64 { return e.terrainVpos }

// TerrainVar returns the terrain estimate variance.
func (e *Ekf) TerrainVar() float64 { return e.terrainVar }

// TerrainValid reports whether the terrain estimate can be used.
func (e *Ekf) TerrainValid() bool { return e.terrainValid }

// HaglInnov returns the last height-above-ground innovation and variance.
func (e *Ekf) HaglInnov() (innov, innovVar float64) {
	return e.haglInnov, e.haglInnovVar
}
