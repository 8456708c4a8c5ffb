package nav

import (
	"log"
	"math"
)

// fuseAirspeed fuses a true airspeed observation against the velocity and
// wind states: h(X) = |v_ground − v_wind|.
func (e *Ekf) fuseAirspeed() {
	vN, vE, vD := e.state.vel[0], e.state.vel[1], e.state.vel[2]
	wN, wE := e.state.wind[0], e.state.wind[1]

	relN := vN - wN
	relE := vE - wE
	pred := math.Sqrt(relN*relN + relE*relE + vD*vD)
	if pred < 1.0 {
		// Below stall the observation carries no directional information.
		return
	}

	meas := e.airspeedSampleDelayed.trueAirspeed
	innov := meas - pred

	h := obsJacobian{
		idx: []int{stateVelN, stateVelE, stateVelD, stateWindN, stateWindE},
		val: []float64{relN / pred, relE / pred, vD / pred, -relN / pred, -relE / pred},
	}

	// Observation noise scales EAS noise to TAS.
	obsVar := sq(maxF(e.params.EasNoise, 0.5) * e.airspeedSampleDelayed.eas2tas)

	S := obsVar
	for a, i := range h.idx {
		for b, j := range h.idx {
			S += h.val[a] * h.val[b] * e.P[i][j]
		}
	}
	e.airspeedInnov = innov
	e.airspeedInnovVar = S

	gate := maxF(e.params.TasInnovGate, 1)
	if sq(innov) > sq(gate)*S {
		e.innovCheckFail |= InnovCheckFailAirspeed
		e.faultStatus |= FaultBadAirspeed
		return
	}
	e.innovCheckFail &^= InnovCheckFailAirspeed

	if _, ok := e.fuseScalar(h, innov, obsVar); ok {
		e.faultStatus &^= FaultBadAirspeed
		e.timeLastArspFuseUs = e.imuSampleDelayed.timeUs
	} else {
		e.faultStatus |= FaultBadAirspeed
	}
}

// resetWindStates initialises the wind from the difference between ground
// velocity and the airspeed vector when available, otherwise to zero.
func (e *Ekf) resetWindStates() {
	if e.tasDataReady && e.airspeedSampleDelayed.trueAirspeed > e.params.ArspFusionThreshold {
		yaw := e.state.quat.Yaw()
		tas := e.airspeedSampleDelayed.trueAirspeed
		e.state.wind[0] = e.state.vel[0] - tas*math.Cos(yaw)
		e.state.wind[1] = e.state.vel[1] - tas*math.Sin(yaw)
	} else {
		e.state.wind = Vec2{}
	}
	log.Printf("nav: wind states reset to (%.1f %.1f)", e.state.wind[0], e.state.wind[1])
}

// TrueAirspeed returns the airspeed implied by the current state estimate.
func (e *Ekf) TrueAirspeed() float64 {
	relN := e.state.vel[0] - e.state.wind[0]
	relE := e.state.vel[1] - e.state.wind[1]
	return math.Sqrt(relN*relN + relE*relE + sq(e.state.vel[2]))
}
