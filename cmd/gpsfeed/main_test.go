package main

import (
	"math"
	"testing"

	nmea "github.com/adrianmo/go-nmea"
)

const (
	rmcSentence = "$GPRMC,081836,A,4723.8620,N,00832.7360,E,5.2,84.4,230394,003.1,W*57"
	gsaSentence = "$GPGSA,A,3,04,05,09,12,,,,,,,,,2.5,1.3,2.1*3F"
	ggaSentence = "$GPGGA,081836,4723.8620,N,00832.7360,E,1,08,0.9,545.4,M,46.9,M,,*49"
)

func parse(t *testing.T, raw string) nmea.Sentence {
	t.Helper()
	s, err := nmea.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", raw, err)
	}
	return s
}

func TestFixBuilderAssemblesFromSentenceMix(t *testing.T) {
	var b fixBuilder

	if _, ok := b.handle(parse(t, rmcSentence)); ok {
		t.Error("RMC alone emitted a fix")
	}
	if _, ok := b.handle(parse(t, gsaSentence)); ok {
		t.Error("GSA alone emitted a fix")
	}
	msg, ok := b.handle(parse(t, ggaSentence))
	if !ok {
		t.Fatal("GGA did not emit a fix")
	}

	// 4723.8620 N = 47 deg 23.8620 min.
	wantLat := 47.0 + 23.8620/60.0
	if math.Abs(float64(msg.Lat)*1e-7-wantLat) > 1e-6 {
		t.Errorf("lat = %v, want %v", float64(msg.Lat)*1e-7, wantLat)
	}
	if msg.FixType != 3 {
		t.Errorf("fix type = %d, want 3", msg.FixType)
	}
	if msg.NSats != 8 {
		t.Errorf("nsats = %d, want 8", msg.NSats)
	}
	if msg.PDOP != 2.5 {
		t.Errorf("pdop = %v, want 2.5", msg.PDOP)
	}
	if !msg.VelNEDValid {
		t.Error("velocity not marked valid after a valid RMC")
	}
	// 5.2 kt at 84.4 degrees: mostly east.
	if msg.VelNED[1] < msg.VelNED[0] {
		t.Errorf("course 84.4 should be mostly east: velNED = %v", msg.VelNED)
	}
	if !math.IsNaN(msg.YawDeg) {
		t.Error("yaw should be NaN for a single antenna receiver")
	}
	if math.Abs(float64(msg.Alt)*1e-3-545.4) > 1e-6 {
		t.Errorf("alt = %v, want 545.4", float64(msg.Alt)*1e-3)
	}
}
