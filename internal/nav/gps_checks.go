package nav

import (
	"log"
	"math"
)

// GPS pre-flight quality gate. Ten scalar checks, each exposed through a
// bitmask; aiding cannot start until every enabled check has passed
// continuously for the arming window and the origin has been latched.

// Bits of Params.GPSCheckMask selecting which checks gate aiding.
const (
	gpsCheckMaskNSats  = 1 << 0
	gpsCheckMaskPDOP   = 1 << 1
	gpsCheckMaskHAcc   = 1 << 2
	gpsCheckMaskVAcc   = 1 << 3
	gpsCheckMaskSAcc   = 1 << 4
	gpsCheckMaskHDrift = 1 << 5
	gpsCheckMaskVDrift = 1 << 6
	gpsCheckMaskHSpeed = 1 << 7
	gpsCheckMaskVSpeed = 1 << 8
)

// gpsIsGood runs the quality checks on a raw fix and maintains the pass/fail
// timers that gate aiding start.
func (e *Ekf) gpsIsGood(msg GPSMessage) bool {
	p := &e.params
	var fail uint16

	if msg.FixType < 3 {
		fail |= GPSCheckFailFix
	}
	if msg.NSats < p.ReqNSats {
		fail |= GPSCheckFailNSats
	}
	if msg.PDOP > p.ReqPDOP {
		fail |= GPSCheckFailPDOP
	}
	if msg.EPH > p.ReqHacc {
		fail |= GPSCheckFailHAcc
	}
	if msg.EPV > p.ReqVacc {
		fail |= GPSCheckFailVAcc
	}
	if msg.SAcc > p.ReqSacc {
		fail |= GPSCheckFailSAcc
	}

	e.updateGpsDriftFilters(msg, &fail)

	// Mask off checks the configuration does not require.
	masked := fail
	mask := uint16(GPSCheckFailFix) // fix type always gates
	if p.GPSCheckMask&gpsCheckMaskNSats != 0 {
		mask |= GPSCheckFailNSats
	}
	if p.GPSCheckMask&gpsCheckMaskPDOP != 0 {
		mask |= GPSCheckFailPDOP
	}
	if p.GPSCheckMask&gpsCheckMaskHAcc != 0 {
		mask |= GPSCheckFailHAcc
	}
	if p.GPSCheckMask&gpsCheckMaskVAcc != 0 {
		mask |= GPSCheckFailVAcc
	}
	if p.GPSCheckMask&gpsCheckMaskSAcc != 0 {
		mask |= GPSCheckFailSAcc
	}
	if p.GPSCheckMask&gpsCheckMaskHDrift != 0 {
		mask |= GPSCheckFailHDrift
	}
	if p.GPSCheckMask&gpsCheckMaskVDrift != 0 {
		mask |= GPSCheckFailVDrift
	}
	if p.GPSCheckMask&gpsCheckMaskHSpeed != 0 {
		mask |= GPSCheckFailHSpeed
	}
	if p.GPSCheckMask&gpsCheckMaskVSpeed != 0 {
		mask |= GPSCheckFailVSpeed
	}
	masked &= mask

	e.gpsCheckFailStatus = fail

	good := masked == 0
	now := e.timeLastImuUs
	if good {
		if e.gpsPassSinceUs == 0 {
			e.gpsPassSinceUs = now
			log.Printf("nav: GPS quality checks passing")
		}
		e.lastGpsPassUs = now
	} else {
		e.gpsPassSinceUs = 0
		e.lastGpsFailUs = now
	}

	// Normalised error magnitude for telemetry.
	errSum := maxF(msg.EPH/p.ReqHacc, 1) * maxF(msg.SAcc/p.ReqSacc, 1)
	e.gpsErrorNorm = 0.9*e.gpsErrorNorm + 0.1*errSum
	return good
}

// updateGpsDriftFilters maintains the stationary drift estimators. They only
// accumulate while the vehicle is at rest; IMU movement blocks them.
func (e *Ekf) updateGpsDriftFilters(msg GPSMessage, fail *uint16) {
	p := &e.params

	if !e.control.vehicleAtRest || e.control.inAir {
		// Drift is meaningless while moving; hold previous values.
		e.gpsDriftBlocked = true
		return
	}
	e.gpsDriftBlocked = false

	if !e.NEDOriginInitialised && e.gpsCheckTimePrevUs == 0 {
		// Seed the differentiators on the first stationary fix.
		e.gpsPosPrev = Vec2{float64(msg.Lat) * 1e-7, float64(msg.Lon) * 1e-7}
		e.gpsHgtPrev = float64(msg.Alt) * 1e-3
		e.gpsCheckTimePrevUs = msg.TimeUsec
		return
	}

	dt := float64(msg.TimeUsec-e.gpsCheckTimePrevUs) * 1e-6
	if dt < 0.1 {
		return
	}
	e.gpsCheckTimePrevUs = msg.TimeUsec

	// Position drift rates from consecutive fixes, latitude-scaled.
	lat := float64(msg.Lat) * 1e-7
	lon := float64(msg.Lon) * 1e-7
	latRad := lat * math.Pi / 180
	dN := (lat - e.gpsPosPrev[0]) * math.Pi / 180 * earthRadiusM
	dE := (lon - e.gpsPosPrev[1]) * math.Pi / 180 * earthRadiusM * math.Cos(latRad)
	e.gpsPosPrev = Vec2{lat, lon}

	hgt := float64(msg.Alt) * 1e-3
	dD := e.gpsHgtPrev - hgt
	e.gpsHgtPrev = hgt

	alpha := clampF(dt/10.0, 0, 1)
	e.gpsDriftVelN = (1-alpha)*e.gpsDriftVelN + alpha*(dN/dt)
	e.gpsDriftVelE = (1-alpha)*e.gpsDriftVelE + alpha*(dE/dt)
	e.gpsDriftVelD = (1-alpha)*e.gpsDriftVelD + alpha*(dD/dt)

	hDrift := math.Hypot(e.gpsDriftVelN, e.gpsDriftVelE)
	if hDrift > p.ReqHdrift {
		*fail |= GPSCheckFailHDrift
	}
	if math.Abs(e.gpsDriftVelD) > p.ReqVdrift {
		*fail |= GPSCheckFailVDrift
	}

	// Reported velocity while stationary.
	if msg.VelNEDValid {
		e.gpsVelNFilt = (1-alpha)*e.gpsVelNFilt + alpha*msg.VelNED[0]
		e.gpsVelEFilt = (1-alpha)*e.gpsVelEFilt + alpha*msg.VelNED[1]
		e.gpsVelDDiffFilt = (1-alpha)*e.gpsVelDDiffFilt + alpha*msg.VelNED[2]

		hSpeed := math.Hypot(e.gpsVelNFilt, e.gpsVelEFilt)
		if hSpeed > p.ReqHdrift {
			*fail |= GPSCheckFailHSpeed
		}
		if math.Abs(e.gpsVelDDiffFilt) > p.ReqVdrift {
			*fail |= GPSCheckFailVSpeed
		}
	}

	e.gpsDriftMetrics[0] = hDrift
	e.gpsDriftMetrics[1] = math.Abs(e.gpsDriftVelD)
	e.gpsDriftMetrics[2] = math.Hypot(e.gpsVelNFilt, e.gpsVelEFilt)
	e.gpsDriftUpdated = true
}

// GPSCheckStatus returns the current check-fail bitmask.
func (e *Ekf) GPSCheckStatus() uint16 { return e.gpsCheckFailStatus }

// GPSDriftMetrics returns the stationary drift metrics: horizontal drift
// rate, vertical drift rate and filtered horizontal speed, plus whether the
// metrics are currently blocked by vehicle motion. Returns false when no new
// metrics have been produced since the previous call.
func (e *Ekf) GPSDriftMetrics() (drift [3]float64, blocked bool, fresh bool) {
	fresh = e.gpsDriftUpdated
	e.gpsDriftUpdated = false
	return e.gpsDriftMetrics, e.gpsDriftBlocked, fresh
}
