package nav

// obsJacobian is a sparse 1x24 observation Jacobian row: index/value pairs.
type obsJacobian struct {
	idx []int
	val []float64
}

// fuseScalar performs one sequential Kalman update for a scalar observation.
// innovation is y = z − h(X), obsVar is R. It returns the innovation variance
// S and whether the update was applied. The caller has already gated the
// innovation; this routine still refuses updates that would make the
// covariance indefinite (S < R) and reports them as unhealthy.
func (e *Ekf) fuseScalar(h obsJacobian, innovation, obsVar float64) (innovVar float64, ok bool) {
	// PHt = P·Hᵀ
	var pht [numStates]float64
	for i := 0; i < numStates; i++ {
		var s float64
		for k, j := range h.idx {
			s += e.P[i][j] * h.val[k]
		}
		pht[i] = s
	}

	// S = H·PHt + R
	innovVar = obsVar
	for k, j := range h.idx {
		innovVar += h.val[k] * pht[j]
	}
	if innovVar < obsVar {
		// The covariance has collapsed for this observation; a fusion here
		// would produce a negative posterior variance.
		return innovVar, false
	}

	sInv := 1.0 / innovVar

	// K = PHt/S; X ← X + K·y
	var k24 [numStates]float64
	for i := 0; i < numStates; i++ {
		k24[i] = pht[i] * sInv
	}
	e.applyCorrection(k24, innovation)

	// P ← P − K·(PHt)ᵀ, then conditioning.
	for i := 0; i < numStates; i++ {
		for j := 0; j < numStates; j++ {
			e.P[i][j] -= k24[i] * pht[j]
		}
	}
	e.fixCovarianceErrors()
	return innovVar, true
}

// applyCorrection adds K·y into the state vector and renormalises the
// quaternion.
func (e *Ekf) applyCorrection(k [numStates]float64, innovation float64) {
	e.state.quat[0] += k[stateQuatW] * innovation
	e.state.quat[1] += k[stateQuatX] * innovation
	e.state.quat[2] += k[stateQuatY] * innovation
	e.state.quat[3] += k[stateQuatZ] * innovation
	e.state.quat = e.state.quat.Normalized()

	for i := 0; i < 3; i++ {
		e.state.vel[i] += k[stateVelN+i] * innovation
		e.state.pos[i] += k[statePosN+i] * innovation
		e.state.deltaAngBias[i] += k[stateDAngBiasX+i] * innovation
		e.state.deltaVelBias[i] += k[stateDVelBiasX+i] * innovation
		e.state.magI[i] += k[stateMagN+i] * innovation
		e.state.magB[i] += k[stateMagBiasX+i] * innovation
	}
	e.state.wind[0] += k[stateWindN] * innovation
	e.state.wind[1] += k[stateWindE] * innovation

	e.rToEarth = e.state.quat.ToDcm()
	e.constrainStates()
}

// unitJacobian builds the Jacobian row for a direct state observation.
func unitJacobian(idx int) obsJacobian {
	return obsJacobian{idx: []int{idx}, val: []float64{1}}
}
