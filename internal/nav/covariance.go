package nav

import (
	"log"
	"math"
)

// Covariance propagation and conditioning. P is kept strictly symmetric and
// positive semi-definite by construction: every mutating step ends in
// fixCovarianceErrors.

// quatLeftMul returns L(a) such that a ⊗ b = L(a)·b.
func quatLeftMul(a Quat) [4][4]float64 {
	return [4][4]float64{
		{a[0], -a[1], -a[2], -a[3]},
		{a[1], a[0], -a[3], a[2]},
		{a[2], a[3], a[0], -a[1]},
		{a[3], -a[2], a[1], a[0]},
	}
}

// quatRightMul returns R(b) such that a ⊗ b = R(b)·a.
func quatRightMul(b Quat) [4][4]float64 {
	return [4][4]float64{
		{b[0], -b[1], -b[2], -b[3]},
		{b[1], b[0], b[3], -b[2]},
		{b[2], -b[3], b[0], b[1]},
		{b[3], b[2], -b[1], b[0]},
	}
}

// rotJacobian returns the 3x4 partial of R(q)·a with respect to q.
func rotJacobian(q Quat, a Vec3) [3][4]float64 {
	q0, q1, q2, q3 := q[0], q[1], q[2], q[3]
	ax, ay, az := a[0], a[1], a[2]
	return [3][4]float64{
		{
			2 * (q0*ax - q3*ay + q2*az),
			2 * (q1*ax + q2*ay + q3*az),
			2 * (-q2*ax + q1*ay + q0*az),
			2 * (-q3*ax - q0*ay + q1*az),
		},
		{
			2 * (q3*ax + q0*ay - q1*az),
			2 * (q2*ax - q1*ay - q0*az),
			2 * (q1*ax + q2*ay + q3*az),
			2 * (q0*ax - q3*ay + q2*az),
		},
		{
			2 * (-q2*ax + q1*ay + q0*az),
			2 * (q3*ax + q0*ay - q1*az),
			2 * (-q0*ax + q3*ay - q2*az),
			2 * (q1*ax + q2*ay + q3*az),
		},
	}
}

// initialiseCovariance seeds P after alignment.
func (e *Ekf) initialiseCovariance() {
	p := &e.params
	dt := FilterUpdatePeriodS

	e.P = SquareMatrix{}

	rotVecVar := Vec3{sq(p.InitialTiltErr), sq(p.InitialTiltErr), sq(p.InitialYawErr)}
	e.initialiseQuatCovariances(rotVecVar)

	for i := stateVelN; i <= stateVelD; i++ {
		e.P[i][i] = sq(maxF(p.GPSVelNoise, 0.01))
	}
	e.P[stateVelD][stateVelD] *= 2

	e.P[statePosN][statePosN] = sq(maxF(p.GPSPosNoise, 0.01))
	e.P[statePosE][statePosE] = e.P[statePosN][statePosN]
	e.P[statePosD][statePosD] = sq(maxF(p.BaroNoise, 0.01))

	for i := stateDAngBiasX; i <= stateDAngBiasZ; i++ {
		e.P[i][i] = sq(p.SwitchOnGyroBias * dt)
	}
	for i := stateDVelBiasX; i <= stateDVelBiasZ; i++ {
		e.P[i][i] = sq(p.SwitchOnAccelBias * dt)
	}
	for i := stateMagN; i <= stateMagBiasZ; i++ {
		e.P[i][i] = sq(p.MagNoise)
	}
	// Wind states start inactive with zero variance; resetWindCovariance
	// activates them.
	e.P[stateWindN][stateWindN] = 0
	e.P[stateWindE][stateWindE] = 0
}

// predictCovariance propagates P through the strapdown dynamics:
// P ← F·P·Fᵀ + Q with a block-structured discrete Jacobian.
func (e *Ekf) predictCovariance() {
	imu := e.imuSampleDelayed
	p := &e.params
	dt := maxF(imu.deltaAngDT, 0.5*FilterUpdatePeriodS)

	q := e.state.quat
	corrDeltaVel := imu.deltaVel.Sub(e.state.deltaVelBias)

	// --- transition Jacobian ---
	var F SquareMatrix
	for i := 0; i < numStates; i++ {
		F[i][i] = 1
	}

	// Attitude block: q' = q ⊗ dq(Δa − b) so ∂q'/∂q = R(dq) and
	// ∂q'/∂b = −0.5·L(q)[:,1:4].
	corrDeltaAng := imu.deltaAng.Sub(e.state.deltaAngBias)
	dq := QuatFromRotVec(corrDeltaAng)
	rdq := quatRightMul(dq)
	lq := quatLeftMul(q)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			F[i][j] = rdq[i][j]
		}
		for j := 0; j < 3; j++ {
			F[i][stateDAngBiasX+j] = -0.5 * lq[i][j+1]
		}
	}

	// Velocity block: v' = v + R(q)(Δv − b) + g·dt.
	dvJac := rotJacobian(q, corrDeltaVel)
	r := e.rToEarth
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			F[stateVelN+i][j] = dvJac[i][j]
		}
		for j := 0; j < 3; j++ {
			F[stateVelN+i][stateDVelBiasX+j] = -r[i][j]
		}
	}

	// Position block: p' = p + v·dt.
	F[statePosN][stateVelN] = dt
	F[statePosE][stateVelE] = dt
	F[statePosD][stateVelD] = dt

	// --- process noise ---
	var Q SquareMatrix

	// Delta angle noise mapped into the quaternion through G = 0.5·L(q)[:,1:4].
	dangVar := sq(p.GyroNoise * dt)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 1; k < 4; k++ {
				s += 0.25 * lq[i][k] * lq[j][k]
			}
			Q[i][j] = s * dangVar
		}
	}

	// Delta velocity noise rotates through an orthonormal matrix, so the NED
	// injection stays diagonal.
	accelNoise := p.AccelNoise
	if e.badVertAccelDetected {
		accelNoise *= 4
	}
	dvelVar := sq(accelNoise * dt)
	Q[stateVelN][stateVelN] = dvelVar
	Q[stateVelE][stateVelE] = dvelVar
	Q[stateVelD][stateVelD] = dvelVar

	// Bias random walks. Accel bias growth is suspended while learning is
	// inhibited.
	dangBiasVar := sq(p.GyroBiasPNoise * dt * dt)
	for i := stateDAngBiasX; i <= stateDAngBiasZ; i++ {
		Q[i][i] = dangBiasVar
	}
	if !e.accelBiasInhibit {
		dvelBiasVar := sq(p.AccelBiasPNoise * dt * dt)
		for i := stateDVelBiasX; i <= stateDVelBiasZ; i++ {
			Q[i][i] = dvelBiasVar
		}
	}

	// Magnetic field random walk only grows while 3-axis fusion is active,
	// otherwise the field states are frozen.
	if e.control.mag3D {
		magIVar := sq(p.MagEarthPNoise * dt)
		magBVar := sq(p.MagBodyPNoise * dt)
		for i := stateMagN; i <= stateMagD; i++ {
			Q[i][i] = magIVar
		}
		for i := stateMagBiasX; i <= stateMagBiasZ; i++ {
			Q[i][i] = magBVar
		}
	}

	if e.control.wind {
		windVar := sq(p.WindVelPNoise * dt * (1 + p.WindVelPNoiseScaler*math.Abs(e.state.vel[2])))
		Q[stateWindN][stateWindN] = windVar
		Q[stateWindE][stateWindE] = windVar
	}

	// P ← F·P·Fᵀ + Q, upper triangle computed then mirrored.
	var FP SquareMatrix
	for i := 0; i < numStates; i++ {
		for j := 0; j < numStates; j++ {
			var s float64
			for k := 0; k < numStates; k++ {
				if F[i][k] != 0 {
					s += F[i][k] * e.P[k][j]
				}
			}
			FP[i][j] = s
		}
	}
	for i := 0; i < numStates; i++ {
		for j := i; j < numStates; j++ {
			var s float64
			for k := 0; k < numStates; k++ {
				if F[j][k] != 0 {
					s += FP[i][k] * F[j][k]
				}
			}
			e.P[i][j] = s + Q[i][j]
		}
	}
	for i := 1; i < numStates; i++ {
		for j := 0; j < i; j++ {
			e.P[i][j] = e.P[j][i]
		}
	}

	e.fixCovarianceErrors()
}

// Covariance diagonal envelopes per state group.
var covGroupLimits = [...]struct {
	first, last int
	floor, ceil float64
}{
	{stateQuatW, stateQuatZ, 0, 1.0},
	{stateVelN, stateVelD, 1e-6, 1e6},
	{statePosN, statePosD, 1e-6, 1e6},
	{stateDAngBiasX, stateDAngBiasZ, 0, 1.0},
	{stateDVelBiasX, stateDVelBiasZ, 0, 1.0},
	{stateMagN, stateMagD, 0, 1.0},
	{stateMagBiasX, stateMagBiasZ, 0, 1.0},
	{stateWindN, stateWindE, 0, 1e3},
}

// fixCovarianceErrors applies the conditioning sequence: clamp diagonals,
// symmetrize, and reset any group whose diagonal went non-finite or through
// its ceiling.
func (e *Ekf) fixCovarianceErrors() {
	for _, g := range covGroupLimits {
		bad := false
		for i := g.first; i <= g.last; i++ {
			d := e.P[i][i]
			if math.IsNaN(d) || d > g.ceil {
				bad = true
				break
			}
			if d < g.floor {
				e.P[i][i] = g.floor
			}
		}
		if bad {
			e.resetCovarianceGroup(g.first, g.last)
		}
	}

	e.makeSymmetrical(0, numStates-1)
}

// resetCovarianceGroup reinitialises one state group's covariance after an
// ill-conditioning event, leaving every other group untouched.
func (e *Ekf) resetCovarianceGroup(first, last int) {
	log.Printf("nav: covariance reset states %d-%d", first, last)
	e.zeroRows(first, last)
	e.zeroCols(first, last)

	p := &e.params
	dt := FilterUpdatePeriodS
	switch first {
	case stateQuatW:
		if math.IsNaN(e.state.quat.Norm()) {
			e.state.quat = Quat{1, 0, 0, 0}
			e.rToEarth = e.state.quat.ToDcm()
		}
		rotVecVar := Vec3{sq(p.InitialTiltErr), sq(p.InitialTiltErr), sq(p.InitialYawErr)}
		e.initialiseQuatCovariances(rotVecVar)
		e.resetStatus.quatCounter++
		e.resetStatus.quatChange = Quat{1, 0, 0, 0}
	case stateVelN:
		e.setDiag(stateVelN, stateVelD, sq(maxF(p.GPSVelNoise, 0.01)))
		e.resetStatus.velNECounter++
		e.resetStatus.velDCounter++
	case statePosN:
		e.setDiag(statePosN, statePosE, sq(maxF(p.GPSPosNoise, 0.01)))
		e.setDiag(statePosD, statePosD, sq(maxF(p.BaroNoise, 0.01)))
		e.resetStatus.posNECounter++
		e.resetStatus.posDCounter++
	case stateDAngBiasX:
		e.setDiag(first, last, sq(p.SwitchOnGyroBias*dt))
	case stateDVelBiasX:
		e.setDiag(first, last, sq(p.SwitchOnAccelBias*dt))
	case stateMagN, stateMagBiasX:
		e.setDiag(first, last, sq(p.MagNoise))
	case stateWindN:
		e.setDiag(first, last, sq(p.InitialWindErr))
	}
}

// makeSymmetrical forces P symmetric over the inclusive index range.
func (e *Ekf) makeSymmetrical(first, last int) {
	for i := first; i <= last; i++ {
		for j := 0; j < i; j++ {
			avg := 0.5 * (e.P[i][j] + e.P[j][i])
			e.P[i][j] = avg
			e.P[j][i] = avg
		}
	}
}

func (e *Ekf) zeroRows(first, last int) {
	for i := first; i <= last; i++ {
		for j := 0; j < numStates; j++ {
			e.P[i][j] = 0
		}
	}
}

func (e *Ekf) zeroCols(first, last int) {
	for j := first; j <= last; j++ {
		for i := 0; i < numStates; i++ {
			e.P[i][j] = 0
		}
	}
}

// setDiag zeroes the group's rows and columns and writes the diagonal.
func (e *Ekf) setDiag(first, last int, variance float64) {
	e.zeroRows(first, last)
	e.zeroCols(first, last)
	for i := first; i <= last; i++ {
		e.P[i][i] = variance
	}
}

// uncorrelateQuatStates zeroes the covariance between the quaternion group
// and every other state.
func (e *Ekf) uncorrelateQuatStates() {
	for i := 0; i < 4; i++ {
		for j := 4; j < numStates; j++ {
			e.P[i][j] = 0
			e.P[j][i] = 0
		}
	}
}

// calcRotVecVariances converts the 4x4 quaternion covariance into the
// variance of the equivalent small rotation vector: δθ = 2·vec(q̂⁻¹ ⊗ q), so
// G = 2·L(q̂⁻¹)[1:4][:].
func (e *Ekf) calcRotVecVariances() Vec3 {
	linv := quatLeftMul(e.state.quat.Inverse())
	var out Vec3
	for a := 0; a < 3; a++ {
		var s float64
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				s += 4 * linv[a+1][i] * linv[a+1][j] * e.P[i][j]
			}
		}
		out[a] = maxF(s, 0)
	}
	return out
}

// initialiseQuatCovariances maps rotation vector variances back into the
// quaternion block via H = 0.5·L(q̂)[:,1:4], replacing any prior quaternion
// covariance and uncorrelating it from other states.
func (e *Ekf) initialiseQuatCovariances(rotVecVar Vec3) {
	e.zeroRows(stateQuatW, stateQuatZ)
	e.zeroCols(stateQuatW, stateQuatZ)

	lq := quatLeftMul(e.state.quat)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += 0.25 * lq[i][k+1] * lq[j][k+1] * rotVecVar[k]
			}
			e.P[i][j] = s
		}
	}
}

// increaseQuatYawErrVariance adds yaw uncertainty about the earth D axis:
// J = 0.5·R(q) col 3.
func (e *Ekf) increaseQuatYawErrVariance(yawVariance float64) {
	q := e.state.quat
	j := [4]float64{-0.5 * q[3], -0.5 * q[2], 0.5 * q[1], 0.5 * q[0]}
	for a := 0; a < 4; a++ {
		for b := 0; b < 4; b++ {
			e.P[a][b] += yawVariance * j[a] * j[b]
		}
	}
}

// resetMagCovariance reinitialises the magnetic field covariance groups.
func (e *Ekf) resetMagCovariance() {
	e.setDiag(stateMagN, stateMagD, sq(e.params.MagNoise))
	e.setDiag(stateMagBiasX, stateMagBiasZ, sq(e.params.MagNoise))
	e.magDeclCovReset = false
}

// resetWindCovariance activates the wind states with the configured initial
// uncertainty, oriented by airspeed geometry when a measurement is available.
func (e *Ekf) resetWindCovariance() {
	if e.tasDataReady && e.airspeedSampleDelayed.trueAirspeed > e.params.ArspFusionThreshold {
		// Uncertainty dominated by the unknown crosswind component.
		euler := e.state.quat
		yaw := euler.Yaw()
		spdVar := sq(e.params.EasNoise)
		sinYaw, cosYaw := math.Sin(yaw), math.Cos(yaw)
		crossVar := sq(e.params.InitialWindErr)
		e.zeroRows(stateWindN, stateWindE)
		e.zeroCols(stateWindN, stateWindE)
		e.P[stateWindN][stateWindN] = spdVar*sq(cosYaw) + crossVar*sq(sinYaw)
		e.P[stateWindE][stateWindE] = spdVar*sq(sinYaw) + crossVar*sq(cosYaw)
		cross := (spdVar - crossVar) * sinYaw * cosYaw
		e.P[stateWindN][stateWindE] = cross
		e.P[stateWindE][stateWindN] = cross
		return
	}
	e.setDiag(stateWindN, stateWindE, sq(e.params.InitialWindErr))
}

// SaveMagCovData captures the magnetic field state variances for reuse at the
// next in-flight alignment, surviving power cycles if the host stores them.
func (e *Ekf) SaveMagCovData() (bf [4]float64, ef [2][2]float64) {
	e.saveMagCovData()
	return e.savedMagBFVariance, e.savedMagEFCovmat
}

func (e *Ekf) saveMagCovData() {
	e.savedMagBFVariance[0] = e.P[stateMagD][stateMagD]
	e.savedMagBFVariance[1] = e.P[stateMagBiasX][stateMagBiasX]
	e.savedMagBFVariance[2] = e.P[stateMagBiasY][stateMagBiasY]
	e.savedMagBFVariance[3] = e.P[stateMagBiasZ][stateMagBiasZ]
	e.savedMagEFCovmat[0][0] = e.P[stateMagN][stateMagN]
	e.savedMagEFCovmat[0][1] = e.P[stateMagN][stateMagE]
	e.savedMagEFCovmat[1][0] = e.P[stateMagE][stateMagN]
	e.savedMagEFCovmat[1][1] = e.P[stateMagE][stateMagE]
}

// RestoreMagCovData reloads saved magnetic field covariances.
func (e *Ekf) RestoreMagCovData(bf [4]float64, ef [2][2]float64) {
	e.savedMagBFVariance = bf
	e.savedMagEFCovmat = ef
	e.loadMagCovData()
}

func (e *Ekf) loadMagCovData() {
	e.zeroRows(stateMagN, stateMagBiasZ)
	e.zeroCols(stateMagN, stateMagBiasZ)
	e.P[stateMagD][stateMagD] = e.savedMagBFVariance[0]
	e.P[stateMagBiasX][stateMagBiasX] = e.savedMagBFVariance[1]
	e.P[stateMagBiasY][stateMagBiasY] = e.savedMagBFVariance[2]
	e.P[stateMagBiasZ][stateMagBiasZ] = e.savedMagBFVariance[3]
	e.P[stateMagN][stateMagN] = e.savedMagEFCovmat[0][0]
	e.P[stateMagN][stateMagE] = e.savedMagEFCovmat[0][1]
	e.P[stateMagE][stateMagN] = e.savedMagEFCovmat[1][0]
	e.P[stateMagE][stateMagE] = e.savedMagEFCovmat[1][1]
}
