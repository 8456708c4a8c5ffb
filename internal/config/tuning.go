package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/attitude.report/internal/nav"
)

// TuningConfig is the on-disk overlay for estimator tuning. Every field is a
// pointer: a nil field leaves the compiled-in default untouched, so partial
// configs are safe.
type TuningConfig struct {
	// Measurement delays (ms)
	GPSDelayMs      *float64 `json:"gps_delay_ms,omitempty"`
	BaroDelayMs     *float64 `json:"baro_delay_ms,omitempty"`
	MagDelayMs      *float64 `json:"mag_delay_ms,omitempty"`
	RangeDelayMs    *float64 `json:"range_delay_ms,omitempty"`
	FlowDelayMs     *float64 `json:"flow_delay_ms,omitempty"`
	AirspeedDelayMs *float64 `json:"airspeed_delay_ms,omitempty"`
	EVDelayMs       *float64 `json:"ev_delay_ms,omitempty"`

	// Process noise
	GyroNoise       *float64 `json:"gyro_noise,omitempty"`
	AccelNoise      *float64 `json:"accel_noise,omitempty"`
	GyroBiasPNoise  *float64 `json:"gyro_bias_p_noise,omitempty"`
	AccelBiasPNoise *float64 `json:"accel_bias_p_noise,omitempty"`
	WindVelPNoise   *float64 `json:"wind_vel_p_noise,omitempty"`

	// Observation noise and gates
	GPSVelNoise     *float64 `json:"gps_vel_noise,omitempty"`
	GPSPosNoise     *float64 `json:"gps_pos_noise,omitempty"`
	GPSPosInnovGate *float64 `json:"gps_pos_innov_gate,omitempty"`
	GPSVelInnovGate *float64 `json:"gps_vel_innov_gate,omitempty"`
	BaroNoise       *float64 `json:"baro_noise,omitempty"`
	BaroInnovGate   *float64 `json:"baro_innov_gate,omitempty"`
	MagNoise        *float64 `json:"mag_noise,omitempty"`
	MagHeadingNoise *float64 `json:"mag_heading_noise,omitempty"`
	MagInnovGate    *float64 `json:"mag_innov_gate,omitempty"`
	HeadingInnovGate *float64 `json:"heading_innov_gate,omitempty"`
	RangeNoise      *float64 `json:"range_noise,omitempty"`
	RangeInnovGate  *float64 `json:"range_innov_gate,omitempty"`
	EasNoise        *float64 `json:"eas_noise,omitempty"`
	TasInnovGate    *float64 `json:"tas_innov_gate,omitempty"`
	FlowNoise       *float64 `json:"flow_noise,omitempty"`
	FlowInnovGate   *float64 `json:"flow_innov_gate,omitempty"`

	// GPS quality gate
	GPSCheckMask *uint32  `json:"gps_check_mask,omitempty"`
	ReqHacc      *float64 `json:"req_hacc,omitempty"`
	ReqVacc      *float64 `json:"req_vacc,omitempty"`
	ReqSacc      *float64 `json:"req_sacc,omitempty"`
	ReqNSats     *int     `json:"req_nsats,omitempty"`
	ReqPDOP      *float64 `json:"req_pdop,omitempty"`

	// Mode selection
	PrimaryHeightSource *string  `json:"primary_height_source,omitempty"` // baro | gps | range | ev
	MagFuseType         *string  `json:"mag_fuse_type,omitempty"`         // auto | heading | 3d | none
	RangeAid            *bool    `json:"range_aid,omitempty"`
	DragFusionEnable    *bool    `json:"drag_fusion,omitempty"`
	MagDeclDeg          *float64 `json:"mag_decl_deg,omitempty"`
}

// LoadTuningConfig reads a JSON tuning overlay. Fields omitted from the file
// stay nil and leave the defaults alone.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values outside their physical envelopes.
func (c *TuningConfig) Validate() error {
	checkPos := func(name string, v *float64) error {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
		return nil
	}
	for name, v := range map[string]*float64{
		"gyro_noise":  c.GyroNoise,
		"accel_noise": c.AccelNoise,
		"gps_vel_noise": c.GPSVelNoise,
		"gps_pos_noise": c.GPSPosNoise,
		"baro_noise":  c.BaroNoise,
		"mag_noise":   c.MagNoise,
		"range_noise": c.RangeNoise,
		"eas_noise":   c.EasNoise,
		"flow_noise":  c.FlowNoise,
	} {
		if err := checkPos(name, v); err != nil {
			return err
		}
	}
	if c.PrimaryHeightSource != nil {
		switch *c.PrimaryHeightSource {
		case "baro", "gps", "range", "ev":
		default:
			return fmt.Errorf("unknown primary_height_source %q", *c.PrimaryHeightSource)
		}
	}
	if c.MagFuseType != nil {
		switch *c.MagFuseType {
		case "auto", "heading", "3d", "none":
		default:
			return fmt.Errorf("unknown mag_fuse_type %q", *c.MagFuseType)
		}
	}
	return nil
}

// Apply overlays the non-nil fields onto a parameter set.
func (c *TuningConfig) Apply(p *nav.Params) {
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&p.GPSDelayMs, c.GPSDelayMs)
	setF(&p.BaroDelayMs, c.BaroDelayMs)
	setF(&p.MagDelayMs, c.MagDelayMs)
	setF(&p.RangeDelayMs, c.RangeDelayMs)
	setF(&p.FlowDelayMs, c.FlowDelayMs)
	setF(&p.AirspeedDelayMs, c.AirspeedDelayMs)
	setF(&p.EVDelayMs, c.EVDelayMs)

	setF(&p.GyroNoise, c.GyroNoise)
	setF(&p.AccelNoise, c.AccelNoise)
	setF(&p.GyroBiasPNoise, c.GyroBiasPNoise)
	setF(&p.AccelBiasPNoise, c.AccelBiasPNoise)
	setF(&p.WindVelPNoise, c.WindVelPNoise)

	setF(&p.GPSVelNoise, c.GPSVelNoise)
	setF(&p.GPSPosNoise, c.GPSPosNoise)
	setF(&p.GPSPosInnovGate, c.GPSPosInnovGate)
	setF(&p.GPSVelInnovGate, c.GPSVelInnovGate)
	setF(&p.BaroNoise, c.BaroNoise)
	setF(&p.BaroInnovGate, c.BaroInnovGate)
	setF(&p.MagNoise, c.MagNoise)
	setF(&p.MagHeadingNoise, c.MagHeadingNoise)
	setF(&p.MagInnovGate, c.MagInnovGate)
	setF(&p.HeadingInnovGate, c.HeadingInnovGate)
	setF(&p.RangeNoise, c.RangeNoise)
	setF(&p.RangeInnovGate, c.RangeInnovGate)
	setF(&p.EasNoise, c.EasNoise)
	setF(&p.TasInnovGate, c.TasInnovGate)
	setF(&p.FlowNoise, c.FlowNoise)
	setF(&p.FlowInnovGate, c.FlowInnovGate)
	setF(&p.ReqHacc, c.ReqHacc)
	setF(&p.ReqVacc, c.ReqVacc)
	setF(&p.ReqSacc, c.ReqSacc)
	setF(&p.ReqPDOP, c.ReqPDOP)
	setF(&p.MagDeclDeg, c.MagDeclDeg)

	if c.GPSCheckMask != nil {
		p.GPSCheckMask = *c.GPSCheckMask
	}
	if c.ReqNSats != nil {
		p.ReqNSats = uint8(*c.ReqNSats)
	}
	if c.RangeAid != nil {
		p.RangeAid = *c.RangeAid
	}
	if c.DragFusionEnable != nil {
		p.DragFusionEnable = *c.DragFusionEnable
	}
	if c.PrimaryHeightSource != nil {
		switch *c.PrimaryHeightSource {
		case "baro":
			p.VdistSensorType = nav.HeightSourceBaro
		case "gps":
			p.VdistSensorType = nav.HeightSourceGPS
		case "range":
			p.VdistSensorType = nav.HeightSourceRange
		case "ev":
			p.VdistSensorType = nav.HeightSourceEV
		}
	}
	if c.MagFuseType != nil {
		switch *c.MagFuseType {
		case "auto":
			p.MagFuseType = nav.MagFuseTypeAuto
		case "heading":
			p.MagFuseType = nav.MagFuseTypeHeading
		case "3d":
			p.MagFuseType = nav.MagFuseType3D
		case "none":
			p.MagFuseType = nav.MagFuseTypeNone
		}
	}
}
