package nav

import "math"

// fuseDrag estimates wind on multirotors by balancing the measured X and Y
// body specific force against a bluff-body drag model:
// a_i = −0.5·ρ·|v_rel_b|·v_rel_b_i / BC_i.
func (e *Ekf) fuseDrag() {
	imu := e.imuSampleDelayed
	if imu.deltaVelDT < 1e-3 {
		return
	}

	// Measured specific force in the body axes.
	accel := imu.deltaVel.Sub(e.state.deltaVelBias).Scale(1.0 / imu.deltaVelDT)

	rel := Vec3{
		e.state.vel[0] - e.state.wind[0],
		e.state.vel[1] - e.state.wind[1],
		e.state.vel[2],
	}
	vb := e.rToEarth.ApplyTranspose(rel)
	speed := vb.Norm()
	if speed < 1.0 {
		return
	}

	bc := [2]float64{maxF(e.params.BalloisticCoefX, 1), maxF(e.params.BalloisticCoefY, 1)}
	obsVar := sq(maxF(e.params.DragNoise, 0.5))

	jq := transposeRotJacobian(e.state.quat, rel)
	r := e.rToEarth

	for axis := 0; axis < 2; axis++ {
		coef := 0.5 * airDensity / bc[axis]
		pred := -coef * speed * vb[axis]
		innov := accel[axis] - pred

		// ∂pred/∂vb: −coef·(vb_axis·vb/|vb| + |vb|·e_axis)
		var dPredDvb Vec3
		for j := 0; j < 3; j++ {
			term := vb[axis] * vb[j] / speed
			if j == axis {
				term += speed
			}
			dPredDvb[j] = -coef * term
		}

		// Chain through vb = Rᵀ·rel.
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
			idx: []int{0, 1, 2, 3, stateVelN, stateVelE, stateVelD, stateWindN, stateWindE},
			val: []float64{
				hq[0], hq[1], hq[2], hq[3],
				hv[0], hv[1], hv[2],
				-hv[0], -hv[1],
			},
		}

		S := obsVar
		for a, i := range h.idx {
			for b, j := range h.idx {
				S += h.val[a] * h.val[b] * e.P[i][j]
			}
		}
		e.dragInnov[axis] = innov
		e.dragInnovVar[axis] = S

		// Fixed 5-sigma gate; drag is a weak observation and mostly shapes
		// the wind states.
		if sq(innov) > 25*S || math.IsNaN(S) {
			continue
		}
		e.fuseScalar(h, innov, obsVar)
	}
}
