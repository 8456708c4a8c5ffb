package nav

import (
	"log"
	"math"
)

// Ekf is a 24-state extended Kalman filter estimating attitude, velocity,
// position, IMU biases, earth and body magnetic field and horizontal wind at
// a delayed time horizon, with a complementary predictor publishing
// present-time outputs. One instance per vehicle; all methods must be called
// from a single goroutine.
type Ekf struct {
	params Params

	// --- time base ---
	timeLastImuUs      uint64
	timeLastGpsUs      uint64
	timeLastMagUs      uint64
	timeLastBaroUs     uint64
	timeLastRangeUs    uint64
	timeLastFlowUs     uint64
	timeLastAirspeedUs uint64
	timeLastEvUs       uint64
	timeLastAuxVelUs   uint64
	minObsIntervalUs   uint64
	dtImuAvg           float64
	dtEkfAvg           float64
	deltaTimeBaroUs    uint64

	// --- ring buffers ---
	imuBuffer      *ringBuffer[imuSample]
	gpsBuffer      *ringBuffer[gpsSample]
	magBuffer      *ringBuffer[magSample]
	baroBuffer     *ringBuffer[baroSample]
	rangeBuffer    *ringBuffer[rangeSample]
	flowBuffer     *ringBuffer[flowSample]
	airspeedBuffer *ringBuffer[airspeedSample]
	evBuffer       *ringBuffer[extVisionSample]
	auxVelBuffer   *ringBuffer[auxVelSample]
	outputBuffer   *ringBuffer[outputSample]

	// --- IMU downsampling ---
	imuSampleNew         imuSample
	imuDownSampled       imuSample
	qDownSampled         Quat
	imuCollectionTimeAdj float64
	imuUpdated           bool

	// --- delayed-horizon samples ---
	imuSampleDelayed      imuSample
	gpsSampleDelayed      gpsSample
	magSampleDelayed      magSample
	baroSampleDelayed     baroSample
	rangeSampleDelayed    rangeSample
	flowSampleDelayed     flowSample
	airspeedSampleDelayed airspeedSample
	evSampleDelayed       extVisionSample
	auxVelSampleDelayed   auxVelSample

	// --- state and covariance ---
	state             stateSample
	P                 SquareMatrix
	filterInitialised bool
	resetStatus       resetStatus
	faultStatus       uint16
	innovCheckFail    uint16

	// --- sample-ready flags for the current tick ---
	gpsDataReady    bool
	magDataReady    bool
	baroDataReady   bool
	rangeDataReady  bool
	flowDataReady   bool
	evDataReady     bool
	tasDataReady    bool
	auxVelDataReady bool

	// --- fusion enables for the current tick ---
	fuseHeight     bool
	fusePos        bool
	fuseHorVel     bool
	fuseVertVel    bool
	fuseHorVelAux  bool
	fuseHposAsOdom bool

	// observations, noise and gates staged for fuseVelPosHeight
	velObs         Vec3
	posObsNE       Vec2
	posObsNoiseNE  float64
	posInnovGateNE float64
	velObsVarNE    Vec2
	hvelInnovGate  float64

	// --- innovations for telemetry ---
	velPosInnov    [6]float64
	velPosInnovVar [6]float64
	auxVelInnov    [2]float64
	magInnov       Vec3
	magInnovVar    Vec3
	headingInnov   float64
	headingInnovVar float64
	airspeedInnov    float64
	airspeedInnovVar float64
	betaInnov        float64
	betaInnovVar     float64
	dragInnov        [2]float64
	dragInnovVar     [2]float64
	flowInnov        [2]float64
	flowInnovVar     [2]float64
	haglInnov        float64
	haglInnovVar     float64

	// --- control state ---
	control     controlStatus
	controlPrev controlStatus

	timeLastPosFuseUs    uint64
	timeLastDelPosFuseUs uint64
	timeLastVelFuseUs    uint64
	timeLastHgtFuseUs    uint64
	timeLastOfFuseUs     uint64
	timeLastArspFuseUs   uint64
	timeLastBetaFuseUs   uint64
	timeLastHaglFuseUs   uint64
	timeLastFakeGpsUs    uint64
	timeInsDeadreckonStartUs uint64
	usingSyntheticPosition   bool
	lastKnownPosNE           Vec2

	timeLastOnGroundUs uint64
	timeInAirStartUs   uint64
	lastOnGroundPosD   float64
	timeGndEffectOnUs  uint64

	// height sensor selection
	baroHgtFaulty    bool
	gpsHgtFaulty     bool
	rngHgtFaulty     bool
	primaryHgtSource int
	hgtSensorOffset  float64
	baroHgtOffset    float64

	// range aid + range validity
	rangeAidModeSelected bool
	rngStuckMinVal       float64
	rngStuckMaxVal       float64
	timeLastRngReadyUs   uint64
	rangeDataContinuous  bool
	dtLastRangeUpdateFiltUs float64

	// magnetometer control
	magYawResetReq        bool
	magInhibitYawResetReq bool
	magUseInhibit         bool
	magUseInhibitPrev     bool
	magUseNotInhibitUs    uint64
	magFuseTimeoutPrevUs  uint64
	timeLastMagFuseUs     uint64
	magDeclCovReset       bool
	numBadFlightYawEvents uint8
	fltMagAlignConverging bool
	fltMagAlignStartTimeUs uint64
	timeLastMovementUs    uint64
	lastStaticYaw         float64
	vehicleAtRestPrev     bool
	accelLpfNE            Vec2
	yawDeltaEf            float64
	yawRateLpfEf          float64
	magBiasObservable     bool
	yawAngleObservable    bool
	timeYawStartedUs      uint64
	savedMagBFVariance    [4]float64
	savedMagEFCovmat      [2][2]float64
	velPosResetRequest    bool

	// accel bias learning inhibit
	accelBiasInhibit bool
	accelVecFilt     Vec3
	accelMagFilt     float64
	angRateMagFilt   float64
	prevDvelBiasVar  Vec3

	// IMU health
	timeBadVertAccelUs   uint64
	timeGoodVertAccelUs  uint64
	timeClipVertAccelUs  uint64
	badVertAccelDetected bool
	timeAccBiasCheckUs   uint64
	lastImuBiasCovResetUs uint64
	vibeMetrics          Vec3
	deltaAngPrev         Vec3
	deltaVelPrev         Vec3

	// earth rate
	earthRateNED         Vec3
	earthRateInitialised bool

	// rotation from body to nav at the delayed horizon
	rToEarth Dcm

	// GPS quality gate
	gpsChecksPassed  bool
	gpsCheckFailStatus uint16
	gpsDriftVelN     float64
	gpsDriftVelE     float64
	gpsDriftVelD     float64
	gpsVelDDiffFilt  float64
	gpsVelNFilt      float64
	gpsVelEFilt      float64
	gpsPosPrev       Vec2
	gpsHgtPrev       float64
	gpsCheckTimePrevUs uint64
	lastGpsFailUs    uint64
	lastGpsPassUs    uint64
	gpsPassSinceUs   uint64
	gpsErrorNorm     float64
	gpsDriftMetrics  [3]float64
	gpsDriftUpdated  bool
	gpsDriftBlocked  bool

	// origin
	origin               mapProjection
	NEDOriginInitialised bool
	lastGpsOriginTimeUs  uint64
	gpsAltRef            float64
	magDeclGPS           float64
	magDeclFromGPSValid  bool

	// external vision alignment
	evRotVecFilt    Vec3
	evRotMat        Dcm
	evRotLastTimeUs uint64
	posMeasPrev     Vec3
	hposPredPrev    Vec2
	hposPrevAvailable bool
	evCounter       uint32

	// initialisation accumulators
	hgtCounter   uint32
	magCounter   uint32
	magFiltState Vec3
	delVelSum    Vec3
	rngFiltState float64
	timeLastMagInitUs uint64

	// terrain estimator
	terrainVpos        float64
	terrainVar         float64
	terrainInitialised bool
	terrainValid       bool
	sinTiltRng         float64
	cosTiltRng         float64
	rRngToEarth22      float64

	// optical flow support
	flowGyroBias  Vec3
	imuDelAngOf   Vec3
	deltaTimeOf   float64
	timeBadMotionUs  uint64
	timeGoodMotionUs uint64
	inhibitFlowUse   bool
	flowRadXYcomp    Vec2
	flowCompensated  Vec2

	// output predictor
	deltaAngleCorr      Vec3
	velErrInteg         Vec3
	posErrInteg         Vec3
	velCorrection       Vec3
	posCorrection       Vec3
	outputNew           outputSample
	outputTrackingError [3]float64
}

// NewEkf constructs an estimator with the given tuning. No allocation occurs
// after this call.
func NewEkf(params Params) *Ekf {
	e := &Ekf{
		params:           params,
		qDownSampled:     Quat{1, 0, 0, 0},
		dtImuAvg:         FilterUpdatePeriodS / 2,
		dtEkfAvg:         FilterUpdatePeriodS,
		primaryHgtSource: params.VdistSensorType,
		terrainVar:       1e4,
		gpsErrorNorm:     1.0,
		imuBuffer:        newRingBuffer[imuSample](imuBufferLength),
		gpsBuffer:        newRingBuffer[gpsSample](observationBufferLength),
		magBuffer:        newRingBuffer[magSample](observationBufferLength),
		baroBuffer:       newRingBuffer[baroSample](observationBufferLength),
		rangeBuffer:      newRingBuffer[rangeSample](observationBufferLength),
		flowBuffer:       newRingBuffer[flowSample](observationBufferLength),
		airspeedBuffer:   newRingBuffer[airspeedSample](observationBufferLength),
		evBuffer:         newRingBuffer[extVisionSample](observationBufferLength),
		auxVelBuffer:     newRingBuffer[auxVelSample](observationBufferLength),
		outputBuffer:     newRingBuffer[outputSample](imuBufferLength),
	}
	e.state.quat = Quat{1, 0, 0, 0}
	e.rToEarth = e.state.quat.ToDcm()
	e.evRotMat = Dcm{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	// Reject observations arriving faster than the observation buffer can
	// hold across the time span of the IMU buffer.
	minObsIntervalUsF := 1e6 * FilterUpdatePeriodS * float64(imuBufferLength) / float64(observationBufferLength-1)
	e.minObsIntervalUs = uint64(minObsIntervalUsF)
	return e
}

// Params returns a copy of the active tuning.
func (e *Ekf) Params() Params { return e.params }

// SetParams replaces the tuning set. Takes effect at the next update tick.
func (e *Ekf) SetParams(p Params) { e.params = p }

// Init prepares the filter for its first update. The filter remains
// uninitialised (and Init/Update keep returning false) until enough baro and
// magnetometer samples have accumulated for a tilt and yaw alignment.
func (e *Ekf) Init(timeUs uint64) bool {
	e.timeLastImuUs = timeUs
	return e.filterInitialised
}

// Update advances the filter by one host tick. It returns true when a new
// delayed-horizon prediction (and any fusion) ran, false when the filter is
// waiting on initialisation or on the next downsampled IMU interval.
func (e *Ekf) Update() bool {
	if !e.filterInitialised {
		e.filterInitialised = e.initialiseFilter()
		if !e.filterInitialised {
			return false
		}
		log.Printf("nav: filter aligned: tilt=(%.4f %.4f) yaw=%.4f", e.state.quat[1], e.state.quat[2], e.state.quat.Yaw())
	}

	updated := false
	if e.imuUpdated {
		e.imuUpdated = false
		if imu, ok := e.imuBuffer.popFirstOlderThan(math.MaxUint64); ok {
			e.imuSampleDelayed = imu
			e.dtEkfAvg = 0.99*e.dtEkfAvg + 0.01*imu.deltaAngDT

			e.predictState()
			e.predictCovariance()
			e.accumulateFlowGyro()

			e.pollSensorBuffers()
			e.controlFusionModes()
			e.runTerrainEstimator()
			e.updateDeadReckoningStatus()
			e.updateOutputCorrections()
			updated = true
		}
	}
	return updated
}

// pollSensorBuffers dequeues every observation class that has fallen behind
// the fusion horizon set by the delayed IMU sample.
func (e *Ekf) pollSensorBuffers() {
	t := e.imuSampleDelayed.timeUs

	if s, ok := e.gpsBuffer.popFirstOlderThan(t); ok {
		e.gpsSampleDelayed = s
		e.gpsDataReady = true
	} else {
		e.gpsDataReady = false
	}
	if s, ok := e.magBuffer.popFirstOlderThan(t); ok {
		e.magSampleDelayed = s
		e.magDataReady = true
	} else {
		e.magDataReady = false
	}
	if s, ok := e.baroBuffer.popFirstOlderThan(t); ok {
		e.baroSampleDelayed = s
		e.baroDataReady = true
	} else {
		e.baroDataReady = false
	}
	e.checkRangeDataValidity()
	if s, ok := e.rangeBuffer.popFirstOlderThan(t); ok {
		e.rangeSampleDelayed = s
		e.rangeDataReady = true
		e.checkRangeDataContinuity()
		e.timeLastRngReadyUs = t
	} else {
		e.rangeDataReady = false
	}
	if s, ok := e.flowBuffer.popFirstOlderThan(t); ok {
		e.flowSampleDelayed = s
		e.flowDataReady = true
	} else {
		e.flowDataReady = false
	}
	if s, ok := e.airspeedBuffer.popFirstOlderThan(t); ok {
		e.airspeedSampleDelayed = s
		e.tasDataReady = true
	} else {
		e.tasDataReady = false
	}
	if s, ok := e.evBuffer.popFirstOlderThan(t); ok {
		e.evSampleDelayed = s
		e.evDataReady = true
	} else {
		e.evDataReady = false
	}
	if s, ok := e.auxVelBuffer.popFirstOlderThan(t); ok {
		e.auxVelSampleDelayed = s
		e.auxVelDataReady = true
	} else {
		e.auxVelDataReady = false
	}
}

// initialiseFilter accumulates sensor data until a tilt and yaw alignment is
// possible, then seeds the state vector, covariance and output predictor.
func (e *Ekf) initialiseFilter() bool {
	// Low pass the alignment sensors while waiting.
	imu := e.imuSampleNew
	if imu.deltaVelDT > 0 {
		e.delVelSum = e.delVelSum.Add(imu.deltaVel)
	}

	if s, ok := e.baroBuffer.popFirstOlderThan(math.MaxUint64); ok {
		if e.hgtCounter == 0 {
			e.baroHgtOffset = s.hgt
		} else {
			e.baroHgtOffset = 0.9*e.baroHgtOffset + 0.1*s.hgt
		}
		e.hgtCounter++
	}

	if s, ok := e.magBuffer.popFirstOlderThan(math.MaxUint64); ok {
		if e.magCounter == 0 {
			e.magFiltState = s.mag
		} else {
			e.magFiltState = Vec3{
				0.9*e.magFiltState[0] + 0.1*s.mag[0],
				0.9*e.magFiltState[1] + 0.1*s.mag[1],
				0.9*e.magFiltState[2] + 0.1*s.mag[2],
			}
		}
		e.magCounter++
		e.timeLastMagInitUs = s.timeUs
	}

	// Need a settled set of both before aligning.
	const minInitSamples = 10
	if e.hgtCounter < minInitSamples || e.magCounter < minInitSamples {
		return false
	}

	// Tilt from the gravity direction in the accumulated delta velocity.
	norm := e.delVelSum.Norm()
	if norm < 1e-3 {
		return false
	}
	gBody := e.delVelSum.Scale(-1.0 / norm) // unit vector toward gravity in body frame

	// Level flight puts gravity at (−sinθ, sinφ·cosθ, cosφ·cosθ).
	pitch := math.Asin(clampF(-gBody[0], -1, 1))
	roll := math.Atan2(gBody[1], gBody[2])
	e.state.quat = QuatFromEuler(roll, pitch, 0).Normalized()
	e.rToEarth = e.state.quat.ToDcm()

	// Yaw from the magnetometer and declination.
	if !e.resetMagHeading(e.magFiltState, false, false) {
		return false
	}

	e.state.vel = Vec3{}
	e.state.pos = Vec3{}
	e.state.deltaAngBias = Vec3{}
	e.state.deltaVelBias = Vec3{}
	e.state.wind = Vec2{}

	e.initialiseCovariance()

	e.primaryHgtSource = e.params.VdistSensorType
	switch e.primaryHgtSource {
	case HeightSourceRange:
		e.setControlRangeHeight()
	case HeightSourceGPS:
		e.setControlBaroHeight() // switch to GPS height once aiding starts
	default:
		e.setControlBaroHeight()
	}

	e.control.tiltAlign = true
	e.alignOutputFilter()
	return true
}

// AttitudeValid reports whether the attitude solution can be trusted.
func (e *Ekf) AttitudeValid() bool {
	return e.filterInitialised && e.control.tiltAlign && e.control.yawAlign
}
