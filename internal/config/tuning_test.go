package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/attitude.report/internal/nav"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPartialOverlay(t *testing.T) {
	path := writeConfig(t, `{"gps_pos_noise": 0.8, "primary_height_source": "gps"}`)

	cfg, err := LoadTuningConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	p := nav.DefaultParams()
	baroNoise := p.BaroNoise
	cfg.Apply(&p)

	if p.GPSPosNoise != 0.8 {
		t.Errorf("GPSPosNoise = %v, want 0.8", p.GPSPosNoise)
	}
	if p.VdistSensorType != nav.HeightSourceGPS {
		t.Errorf("VdistSensorType = %v, want gps", p.VdistSensorType)
	}
	// Omitted fields keep their defaults.
	if p.BaroNoise != baroNoise {
		t.Errorf("BaroNoise changed to %v by a partial overlay", p.BaroNoise)
	}
}

func TestRejectsBadValues(t *testing.T) {
	cases := []string{
		`{"gyro_noise": -1}`,
		`{"primary_height_source": "sonar"}`,
		`{"mag_fuse_type": "sometimes"}`,
	}
	for _, c := range cases {
		path := writeConfig(t, c)
		if _, err := LoadTuningConfig(path); err == nil {
			t.Errorf("config %s accepted, want validation error", c)
		}
	}
}

func TestRejectsNonJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTuningConfig(path); err == nil {
		t.Error("non-JSON extension accepted")
	}
}

func TestMagFuseTypeMapping(t *testing.T) {
	for in, want := range map[string]int{
		"auto":    nav.MagFuseTypeAuto,
		"heading": nav.MagFuseTypeHeading,
		"3d":      nav.MagFuseType3D,
		"none":    nav.MagFuseTypeNone,
	} {
		path := writeConfig(t, `{"mag_fuse_type": "`+in+`"}`)
		cfg, err := LoadTuningConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		p := nav.DefaultParams()
		cfg.Apply(&p)
		if p.MagFuseType != want {
			t.Errorf("mag_fuse_type %q mapped to %v, want %v", in, p.MagFuseType, want)
		}
	}
}
