package nav

// Filter scheduling constants.
const (
	// FilterUpdatePeriodMs is the nominal EKF prediction interval. IMU data is
	// downsampled to this rate before entering the fusion buffer.
	FilterUpdatePeriodMs = 8
	// FilterUpdatePeriodS is the same interval in seconds.
	FilterUpdatePeriodS = FilterUpdatePeriodMs * 1e-3

	// observationBufferLength bounds every aiding-sensor ring buffer.
	observationBufferLength = 20
	// imuBufferLength covers the worst case fusion delay at the filter rate.
	imuBufferLength = 30
)

// Physical constants.
const (
	gravityMSS   = 9.80665  // standard gravity (m/s^2)
	earthRateRad = 7.292115e-5 // Earth rotation rate (rad/s)
	airDensity   = 1.225    // sea level standard air density (kg/m^3)
)

// Params is the complete tuning set, read at init and at the top of each
// update tick. Fields group by concern; units are in the comments.
type Params struct {
	// Measurement delays relative to the IMU (ms)
	MagDelayMs      float64
	BaroDelayMs     float64
	GPSDelayMs      float64
	RangeDelayMs    float64
	FlowDelayMs     float64
	AirspeedDelayMs float64
	EVDelayMs       float64
	AuxVelDelayMs   float64

	// Process noise
	GyroNoise         float64 // IMU angular rate noise (rad/s)
	AccelNoise        float64 // IMU acceleration noise (m/s^2)
	GyroBiasPNoise    float64 // gyro bias random walk (rad/s^2)
	AccelBiasPNoise   float64 // accel bias random walk (m/s^3)
	MagEarthPNoise    float64 // earth field random walk (Gauss/s)
	MagBodyPNoise     float64 // body field bias random walk (Gauss/s)
	WindVelPNoise     float64 // wind random walk (m/s^2)
	WindVelPNoiseScaler float64 // scales wind process noise with height rate
	TerrainPNoise     float64 // terrain offset process noise (m/s)
	TerrainGradient   float64 // terrain gradient turning horizontal speed into terrain noise

	// GPS fusion
	GPSVelNoise     float64 // minimum observation noise for velocity fusion (m/s)
	GPSPosNoise     float64 // minimum observation noise for position fusion (m)
	PosNoiseAccMax  float64 // upper limit on the observation noise taken from the receiver (m)
	VelNoiseAccMax  float64 // upper limit on the velocity noise taken from the receiver (m/s)
	GPSPosInnovGate float64 // position innovation gate (SD)
	GPSVelInnovGate float64 // velocity innovation gate (SD)

	// GPS pre-flight checks
	GPSCheckMask      uint32  // bitmask selecting which quality checks gate aiding
	ReqHacc           float64 // maximum horizontal accuracy (m)
	ReqVacc           float64 // maximum vertical accuracy (m)
	ReqSacc           float64 // maximum speed accuracy (m/s)
	ReqNSats          uint8   // minimum satellite count
	ReqPDOP           float64 // maximum PDOP
	ReqHdrift         float64 // maximum horizontal drift when stationary (m/s)
	ReqVdrift         float64 // maximum vertical drift when stationary (m/s)

	// Height fusion
	BaroNoise         float64 // baro observation noise (m)
	BaroInnovGate     float64 // baro innovation gate (SD)
	GndEffectDeadzone float64 // baro innovation deadzone during ground effect (m)
	GndEffectMaxHgt   float64 // maximum height above ground for ground effect compensation (m)

	// Magnetometer fusion
	MagHeadingNoise float64 // heading observation noise (rad)
	MagNoise        float64 // 3-axis field observation noise (Gauss)
	MagDeclDeg      float64 // declination used before the origin is known (deg)
	HeadingInnovGate float64 // heading innovation gate (SD)
	MagInnovGate    float64 // field innovation gate (SD)
	MagFuseType     int     // MagFuseType* selection
	MagAccGate      float64 // horizontal acceleration needed for in-flight yaw observability (m/s^2)
	MagYawRateGate  float64 // yaw rate above which heading-only fusion is blocked (rad/s)
	MagDeclSigma    float64 // declination observation uncertainty (rad)

	// Airspeed / sideslip
	TasInnovGate  float64 // airspeed innovation gate (SD)
	EasNoise      float64 // airspeed observation noise (m/s)
	BetaInnovGate float64 // sideslip innovation gate (SD)
	BetaNoise     float64 // sideslip observation noise (rad)
	ArspFusionThreshold float64 // minimum airspeed for fusion (m/s)

	// Range finder
	RangeNoise         float64 // range observation noise (m)
	RangeInnovGate     float64 // range innovation gate (SD)
	RngSensPitch       float64 // range sensor pitch offset (rad)
	RangeNoiseScaler   float64 // scales noise with range
	MaxHaglForRangeAid float64 // upper HAGL limit for range aid mode (m)
	MaxVelForRangeAid  float64 // upper speed limit for range aid mode (m/s)
	RangeAid           bool    // opportunistic range aiding enable
	RangeAidInnovGate  float64 // gate applied while in range aid mode (SD)
	RangeValidMin      float64 // minimum usable range (m)
	RangeValidMax      float64 // maximum usable range (m)
	RangeStuckThreshold float64 // envelope below which range data is declared stuck (m)

	// Optical flow
	FlowNoise        float64 // flow observation noise at best quality (rad/s)
	FlowNoiseQualMin float64 // flow observation noise at minimum quality (rad/s)
	FlowQualityMin   uint8   // minimum usable quality
	FlowInnovGate    float64 // flow innovation gate (SD)
	FlowMaxRate      float64 // maximum usable LOS rate (rad/s)

	// External vision
	EVInnovGate float64 // EV fusion innovation gate (SD)

	// Multirotor drag fusion
	DragFusionEnable bool
	BalloisticCoefX  float64 // ballistic coefficient, X body axis (kg/m^2)
	BalloisticCoefY  float64 // ballistic coefficient, Y body axis (kg/m^2)
	DragNoise        float64 // drag specific force observation noise (m/s^2)

	// Initialisation and alignment
	InitialTiltErr    float64 // 1-sigma tilt uncertainty after alignment (rad)
	InitialYawErr     float64 // 1-sigma yaw uncertainty after heading reset (rad)
	InitialWindErr    float64 // 1-sigma wind uncertainty when wind states start (m/s)
	SwitchOnGyroBias  float64 // 1-sigma gyro bias uncertainty at switch on (rad/s)
	SwitchOnAccelBias float64 // 1-sigma accel bias uncertainty at switch on (m/s^2)

	// Timeouts and limits (us unless noted)
	ResetTimeoutMaxUs   uint64 // no-aiding horizon that forces position reset
	NoAidTimeoutMaxUs   uint64 // horizon after which an aiding source is stale
	HgtSenseTimeoutUs   uint64 // height fusion timeout before source fallback
	MagFuseTimeoutUs    uint64 // heading fusion timeout before a reset is forced
	BadAccClipLimit     float64 // vertical specific force magnitude treated as clipping (m/s^2)
	BadAccResetDeltaVel float64 // vertical innovation that flags bad accel (m/s)
	VdistSensorType     int     // primary height source (HeightSource*)
	AccBiasLim          float64 // accel bias state magnitude limit (m/s^2)
	AccBiasLearnAccLim  float64 // horizontal accel magnitude that inhibits bias learning (m/s^2)
	AccBiasLearnGyrLim  float64 // angular rate magnitude that inhibits bias learning (rad/s)
	AccBiasLearnTCs     float64 // filter time constant for the inhibit envelopes (s)

	// Output predictor
	VelTau float64 // velocity correction time constant (s)
	PosTau float64 // position correction time constant (s)
}

// DefaultParams returns the tuning defaults. Values track the reference
// rotary-wing tune; fixed wing installs override airspeed and sideslip terms.
func DefaultParams() Params {
	return Params{
		MagDelayMs:      0,
		BaroDelayMs:     0,
		GPSDelayMs:      110,
		RangeDelayMs:    5,
		FlowDelayMs:     5,
		AirspeedDelayMs: 100,
		EVDelayMs:       175,
		AuxVelDelayMs:   5,

		GyroNoise:           1.5e-2,
		AccelNoise:          3.5e-1,
		GyroBiasPNoise:      1.0e-3,
		AccelBiasPNoise:     3.0e-3,
		MagEarthPNoise:      1.0e-3,
		MagBodyPNoise:       1.0e-4,
		WindVelPNoise:       1.0e-1,
		WindVelPNoiseScaler: 0.5,
		TerrainPNoise:       5.0,
		TerrainGradient:     0.5,

		GPSVelNoise:     0.5,
		GPSPosNoise:     0.5,
		PosNoiseAccMax:  10.0,
		VelNoiseAccMax:  5.0,
		GPSPosInnovGate: 5.0,
		GPSVelInnovGate: 5.0,

		GPSCheckMask: 0x3FF,
		ReqHacc:      5.0,
		ReqVacc:      8.0,
		ReqSacc:      1.0,
		ReqNSats:     6,
		ReqPDOP:      2.5,
		ReqHdrift:    0.3,
		ReqVdrift:    0.5,

		BaroNoise:         2.0,
		BaroInnovGate:     5.0,
		GndEffectDeadzone: 4.0,
		GndEffectMaxHgt:   0.5,

		MagHeadingNoise:  3.0e-1,
		MagNoise:         5.0e-2,
		MagDeclDeg:       0,
		HeadingInnovGate: 2.6,
		MagInnovGate:     3.0,
		MagFuseType:      MagFuseTypeAuto,
		MagAccGate:       0.5,
		MagYawRateGate:   0.25,
		MagDeclSigma:     0.5,

		TasInnovGate:        3.0,
		EasNoise:            1.4,
		BetaInnovGate:       5.0,
		BetaNoise:           0.3,
		ArspFusionThreshold: 7.0,

		RangeNoise:          0.1,
		RangeInnovGate:      5.0,
		RngSensPitch:        0,
		RangeNoiseScaler:    0,
		MaxHaglForRangeAid:  5.0,
		MaxVelForRangeAid:   1.0,
		RangeAid:            false,
		RangeAidInnovGate:   1.0,
		RangeValidMin:       0.1,
		RangeValidMax:       10.0,
		RangeStuckThreshold: 0.1,

		FlowNoise:        0.15,
		FlowNoiseQualMin: 0.5,
		FlowQualityMin:   1,
		FlowInnovGate:    3.0,
		FlowMaxRate:      2.5,

		EVInnovGate: 5.0,

		DragFusionEnable: false,
		BalloisticCoefX:  25.0,
		BalloisticCoefY:  25.0,
		DragNoise:        2.5,

		InitialTiltErr:    0.1,
		InitialYawErr:     0.1,
		InitialWindErr:    1.0,
		SwitchOnGyroBias:  0.1,
		SwitchOnAccelBias: 0.2,

		ResetTimeoutMaxUs:   7_000_000,
		NoAidTimeoutMaxUs:   1_000_000,
		HgtSenseTimeoutUs:   5_000_000,
		MagFuseTimeoutUs:    10_000_000,
		BadAccClipLimit:     4.9, // 0.5 g at the filter period
		BadAccResetDeltaVel: 0.6,
		VdistSensorType:     HeightSourceBaro,
		AccBiasLim:          0.4,
		AccBiasLearnAccLim:  25.0,
		AccBiasLearnGyrLim:  3.0,
		AccBiasLearnTCs:     0.5,

		VelTau: 0.25,
		PosTau: 0.25,
	}
}
