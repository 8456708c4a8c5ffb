package nav

// fuseSideslip fuses a synthetic zero-sideslip observation:
// h(X) = v_body_y / v_body_x with v_body the wind-relative velocity rotated
// into the body frame. Valid for fixed-wing flight only.
func (e *Ekf) fuseSideslip() {
	rel := Vec3{
		e.state.vel[0] - e.state.wind[0],
		e.state.vel[1] - e.state.wind[1],
		e.state.vel[2],
	}
	vb := e.rToEarth.ApplyTranspose(rel)
	if vb[0] < 2.0 {
		// Too slow for the ratio to be well conditioned.
		return
	}

	pred := vb[1] / vb[0]
	innov := 0 - pred

	// Chain rule: ∂h = (vbx·∂vby − vby·∂vbx)/vbx².
	jq := transposeRotJacobian(e.state.quat, rel)
	r := e.rToEarth
	invVbx2 := 1.0 / sq(vb[0])

	var hq [4]float64
	for c := 0; c < 4; c++ {
		hq[c] = (vb[0]*jq[1][c] - vb[1]*jq[0][c]) * invVbx2
	}
	// ∂vb_i/∂rel_j = R[j][i]; rel depends on velocity (+I) and wind (−I on NE).
	var hv [3]float64
	for j := 0; j < 3; j++ {
		hv[j] = (vb[0]*r[j][1] - vb[1]*r[j][0]) * invVbx2
	}

	h := obsJacobian{
		idx: []int{0, 1, 2, 3, stateVelN, stateVelE, stateVelD, stateWindN, stateWindE},
		val: []float64{
			hq[0], hq[1], hq[2], hq[3],
			hv[0], hv[1], hv[2],
			-hv[0], -hv[1],
		},
	}

	obsVar := sq(maxF(e.params.BetaNoise, 0.01))
	S := obsVar
	for a, i := range h.idx {
		for b, j := range h.idx {
			S += h.val[a] * h.val[b] * e.P[i][j]
		}
	}
	e.betaInnov = innov
	e.betaInnovVar = S

	gate := maxF(e.params.BetaInnovGate, 1)
	if sq(innov) > sq(gate)*S {
		e.innovCheckFail |= InnovCheckFailSideslip
		e.faultStatus |= FaultBadSideslip
		return
	}
	e.innovCheckFail &^= InnovCheckFailSideslip

	if _, ok := e.fuseScalar(h, innov, obsVar); ok {
		e.faultStatus &^= FaultBadSideslip
		e.timeLastBetaFuseUs = e.imuSampleDelayed.timeUs
	} else {
		e.faultStatus |= FaultBadSideslip
	}
}
