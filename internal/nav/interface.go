package nav

import (
	"math"
)

// Sensor ingest and time alignment. Samples arrive here at sensor rate with
// monotonic timestamps and are queued into per-class ring buffers. Fusion
// consumes them once they fall behind the delayed time horizon set by the
// IMU buffer depth.

// SetIMUData feeds one IMU integration period into the filter. deltaAng is
// the integrated angular increment (rad), deltaVel the integrated velocity
// increment (m/s), dt the integration period in seconds.
func (e *Ekf) SetIMUData(timeUs uint64, dt float64, deltaAng, deltaVel Vec3) {
	if timeUs <= e.timeLastImuUs && e.timeLastImuUs != 0 {
		return
	}
	if dt <= 0 {
		return
	}
	dt = clampF(dt, 1e-4, 0.02)

	if e.timeLastImuUs > 0 {
		e.dtImuAvg = 0.8*e.dtImuAvg + 0.2*float64(timeUs-e.timeLastImuUs)*1e-6
	}
	e.timeLastImuUs = timeUs

	sample := imuSample{
		deltaAng:   deltaAng,
		deltaVel:   deltaVel,
		deltaAngDT: dt,
		deltaVelDT: dt,
		timeUs:     timeUs,
	}
	e.imuSampleNew = sample

	e.updateVibeMetrics(sample)

	// Accumulate the accel clip check before downsampling hides it.
	if math.Abs(deltaVel[2]) > e.params.BadAccClipLimit*dt {
		e.timeClipVertAccelUs = timeUs
	}

	if e.collectIMU(sample) {
		e.imuUpdated = true
	}

	// The output predictor runs at full sensor rate.
	if e.filterInitialised {
		e.calculateOutputStates(sample)
	}
}

// collectIMU downsamples sensor-rate increments to the filter update period.
// Delta angles compose through a quaternion product; delta velocities are
// rotated into the frame at the start of the accumulation interval before
// summing so the combined sample commutes with the attitude update.
func (e *Ekf) collectIMU(imu imuSample) bool {
	e.imuDownSampled.deltaAngDT += imu.deltaAngDT
	e.imuDownSampled.deltaVelDT += imu.deltaVelDT
	e.imuDownSampled.timeUs = imu.timeUs

	dvRot := e.qDownSampled.ToDcm().Apply(imu.deltaVel)
	e.imuDownSampled.deltaVel = e.imuDownSampled.deltaVel.Add(dvRot)

	dq := QuatFromRotVec(imu.deltaAng)
	e.qDownSampled = e.qDownSampled.Mul(dq).Normalized()

	target := FilterUpdatePeriodS - e.imuCollectionTimeAdj
	if e.imuDownSampled.deltaAngDT < target {
		return false
	}

	// Keep the long-run collection rate locked to the filter period.
	e.imuCollectionTimeAdj += 0.01 * (e.imuDownSampled.deltaAngDT - FilterUpdatePeriodS)
	e.imuCollectionTimeAdj = clampF(e.imuCollectionTimeAdj, -0.5*FilterUpdatePeriodS, 0.5*FilterUpdatePeriodS)

	e.imuDownSampled.deltaAng = e.qDownSampled.RotVec()
	e.imuBuffer.push(e.imuDownSampled)

	e.imuDownSampled = imuSample{}
	e.qDownSampled = Quat{1, 0, 0, 0}
	return true
}

func (e *Ekf) updateVibeMetrics(imu imuSample) {
	coning := imu.deltaAng.Cross(e.deltaAngPrev).Norm()
	gyroHF := imu.deltaAng.Sub(e.deltaAngPrev).Norm()
	accelHF := imu.deltaVel.Sub(e.deltaVelPrev).Norm()
	e.vibeMetrics[0] = 0.99*e.vibeMetrics[0] + 0.01*coning
	e.vibeMetrics[1] = 0.99*e.vibeMetrics[1] + 0.01*gyroHF
	e.vibeMetrics[2] = 0.99*e.vibeMetrics[2] + 0.01*accelHF
	e.deltaAngPrev = imu.deltaAng
	e.deltaVelPrev = imu.deltaVel
}

// SetGPSData queues a GPS fix. Fixes are converted to local NED once the
// origin is latched; until then they only feed the pre-flight quality checks.
func (e *Ekf) SetGPSData(msg GPSMessage) {
	if !e.filterInitialised {
		return
	}
	timeUs := msg.TimeUsec
	if timeUs <= e.timeLastGpsUs+e.minObsIntervalUs {
		return
	}
	e.timeLastGpsUs = timeUs

	// Run the quality gate on every fix so the check status stays live.
	e.gpsChecksPassed = e.gpsIsGood(msg)
	if !e.NEDOriginInitialised && e.gpsChecksPassed {
		e.collectGPS(msg)
	}

	if !e.NEDOriginInitialised {
		return
	}

	var s gpsSample
	s.timeUs = timeUs - uint64(e.params.GPSDelayMs*1000)
	s.pos = e.origin.project(float64(msg.Lat)*1e-7, float64(msg.Lon)*1e-7)
	s.hgt = float64(msg.Alt)*1e-3 - e.gpsAltRef
	s.vel = msg.VelNED
	s.hacc = msg.EPH
	s.vacc = msg.EPV
	s.sacc = msg.SAcc
	if !math.IsNaN(msg.YawDeg) {
		s.yaw = msg.YawDeg * math.Pi / 180
		s.yawOffset = msg.YawOffsetDeg * math.Pi / 180
	} else {
		s.yaw = math.NaN()
	}
	e.gpsBuffer.push(s)
}

// SetMagData queues a body-frame magnetometer sample in Gauss.
func (e *Ekf) SetMagData(timeUs uint64, mag Vec3) {
	if timeUs <= e.timeLastMagUs+e.minObsIntervalUs {
		return
	}
	e.timeLastMagUs = timeUs
	e.magBuffer.push(magSample{
		mag:    mag,
		timeUs: timeUs - uint64(e.params.MagDelayMs*1000),
	})
}

// SetBaroData queues a pressure altitude sample in metres.
func (e *Ekf) SetBaroData(timeUs uint64, hgt float64) {
	if timeUs <= e.timeLastBaroUs+e.minObsIntervalUs {
		return
	}
	if e.timeLastBaroUs != 0 {
		e.deltaTimeBaroUs = timeUs - e.timeLastBaroUs
	}
	e.timeLastBaroUs = timeUs
	e.baroBuffer.push(baroSample{
		hgt:    hgt,
		timeUs: timeUs - uint64(e.params.BaroDelayMs*1000),
	})
}

// SetRangeData queues a range finder sample: slant range in metres and a
// normalised quality in [0,1].
func (e *Ekf) SetRangeData(timeUs uint64, rng float64, quality float64) {
	if timeUs <= e.timeLastRangeUs+e.minObsIntervalUs {
		return
	}
	e.timeLastRangeUs = timeUs
	e.rangeBuffer.push(rangeSample{
		rng:     rng,
		quality: quality,
		timeUs:  timeUs - uint64(e.params.RangeDelayMs*1000),
	})
}

// SetOpticalFlowData queues an optical flow sample. flowRadXY is the
// integrated image motion about the body X and Y axes over dt, gyroXYZ the
// flow sensor's own integrated gyro over the same interval.
func (e *Ekf) SetOpticalFlowData(timeUs uint64, flowRadXY Vec2, gyroXYZ Vec3, dt float64, quality uint8) {
	if timeUs <= e.timeLastFlowUs+e.minObsIntervalUs {
		return
	}
	e.timeLastFlowUs = timeUs

	rate := 0.0
	if dt > 1e-3 {
		rate = flowRadXY.Norm() / dt
	}
	if quality < e.params.FlowQualityMin || rate > e.params.FlowMaxRate {
		return
	}
	e.flowBuffer.push(flowSample{
		flowRadXY: flowRadXY,
		gyroXYZ:   gyroXYZ,
		dt:        dt,
		quality:   quality,
		timeUs:    timeUs - uint64(e.params.FlowDelayMs*1000),
	})
}

// SetAirspeedData queues a true airspeed observation in m/s.
func (e *Ekf) SetAirspeedData(timeUs uint64, trueAirspeed, eas2tas float64) {
	if timeUs <= e.timeLastAirspeedUs+e.minObsIntervalUs {
		return
	}
	e.timeLastAirspeedUs = timeUs
	e.airspeedBuffer.push(airspeedSample{
		trueAirspeed: trueAirspeed,
		eas2tas:      maxF(eas2tas, 1.0),
		timeUs:       timeUs - uint64(e.params.AirspeedDelayMs*1000),
	})
}

// SetExtVisionData queues an external vision pose/velocity observation.
func (e *Ekf) SetExtVisionData(timeUs uint64, pos Vec3, vel Vec3, quat Quat, posErr, velErr, angErr float64) {
	if timeUs <= e.timeLastEvUs+e.minObsIntervalUs {
		return
	}
	e.timeLastEvUs = timeUs
	e.evBuffer.push(extVisionSample{
		pos:    pos,
		vel:    vel,
		quat:   quat,
		posErr: maxF(posErr, 0.01),
		velErr: maxF(velErr, 0.01),
		angErr: maxF(angErr, 0.01),
		timeUs: timeUs - uint64(e.params.EVDelayMs*1000),
	})
}

// SetAuxVelData queues an auxiliary NE velocity observation, e.g. from a
// landing target tracker.
func (e *Ekf) SetAuxVelData(timeUs uint64, velNE Vec2, velVar Vec2) {
	if timeUs <= e.timeLastAuxVelUs+e.minObsIntervalUs {
		return
	}
	e.timeLastAuxVelUs = timeUs
	e.auxVelBuffer.push(auxVelSample{
		velNE:  velNE,
		velVar: Vec2{maxF(velVar[0], 1e-4), maxF(velVar[1], 1e-4)},
		timeUs: timeUs - uint64(e.params.AuxVelDelayMs*1000),
	})
}

// SetInAirStatus tells the filter whether the vehicle is airborne. The flag
// comes from the vehicle land detector.
func (e *Ekf) SetInAirStatus(inAir bool) {
	if !inAir {
		e.timeLastOnGroundUs = e.timeLastImuUs
	} else if !e.control.inAir {
		e.timeInAirStartUs = e.timeLastImuUs
	}
	e.control.inAir = inAir
}

// SetVehicleAtRest tells the filter the vehicle is stationary on the ground.
func (e *Ekf) SetVehicleAtRest(atRest bool) {
	e.control.vehicleAtRest = atRest
}

// SetFixedWing selects the fixed-wing observation set (sideslip, airspeed).
func (e *Ekf) SetFixedWing(fw bool) {
	e.control.fixedWing = fw
}

// SetGroundEffectFlag opens a bounded window during which baro innovations
// are deadzoned against ground-effect suction errors.
func (e *Ekf) SetGroundEffectFlag(on bool) {
	e.control.gndEffect = on
	if on {
		e.timeGndEffectOnUs = e.timeLastImuUs
	}
}

// collectGPS latches the NED origin on the first fix that passes the quality
// checks.
func (e *Ekf) collectGPS(msg GPSMessage) {
	lat := float64(msg.Lat) * 1e-7
	lon := float64(msg.Lon) * 1e-7
	e.origin.init(lat, lon, e.timeLastImuUs)
	e.gpsAltRef = float64(msg.Alt)*1e-3 - e.state.pos[2]
	e.NEDOriginInitialised = true
	e.lastGpsOriginTimeUs = e.timeLastImuUs

	// Earth rotation becomes observable once latitude is known.
	e.earthRateNED = calcEarthRateNED(lat * math.Pi / 180)
	e.earthRateInitialised = true

	// Use the WMM-free fallback: declination parameter until a better source
	// appears. Hosts with a world magnetic model can override via params.
	e.magDeclGPS = e.params.MagDeclDeg * math.Pi / 180
	e.magDeclFromGPSValid = true
}

// EkfOrigin reports the WGS-84 origin of the local NED frame.
func (e *Ekf) EkfOrigin() (timeUs uint64, latDeg, lonDeg, altM float64, valid bool) {
	return e.lastGpsOriginTimeUs, e.origin.latDeg, e.origin.lonDeg, e.gpsAltRef, e.NEDOriginInitialised
}

// OriginValid reports whether the NED origin has been latched.
func (e *Ekf) OriginValid() bool { return e.NEDOriginInitialised }

// calcEarthRateNED returns the Earth rotation vector in NED for a latitude.
func calcEarthRateNED(latRad float64) Vec3 {
	return Vec3{
		earthRateRad * math.Cos(latRad),
		0,
		-earthRateRad * math.Sin(latRad),
	}
}
