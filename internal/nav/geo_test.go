package nav

import (
	"math"
	"testing"
)

func TestProjectionRoundTrip(t *testing.T) {
	var p mapProjection
	p.init(47.3977, 8.5456, 0)

	cases := [][2]float64{
		{47.3977, 8.5456},
		{47.4077, 8.5456},
		{47.3977, 8.5656},
		{47.3477, 8.4956},
	}
	for _, c := range cases {
		ne := p.project(c[0], c[1])
		lat, lon := p.reproject(ne[0], ne[1])
		if math.Abs(lat-c[0]) > 1e-7 || math.Abs(lon-c[1]) > 1e-7 {
			t.Errorf("round trip (%v,%v) -> (%v,%v)", c[0], c[1], lat, lon)
		}
	}
}

func TestProjectionScale(t *testing.T) {
	var p mapProjection
	p.init(0, 0, 0)

	// One degree of latitude at the equator is about 111.2 km.
	ne := p.project(1, 0)
	if math.Abs(ne[0]-111194) > 200 {
		t.Errorf("1 degree north = %v m, want about 111194", ne[0])
	}
	if math.Abs(ne[1]) > 1 {
		t.Errorf("pure northward move produced east offset %v", ne[1])
	}
}

func TestEarthRateNED(t *testing.T) {
	r := calcEarthRateNED(0)
	if math.Abs(r[0]-earthRateRad) > 1e-12 || r[2] != 0 {
		t.Errorf("equator earth rate = %v", r)
	}
	r = calcEarthRateNED(math.Pi / 2)
	if math.Abs(r[2]+earthRateRad) > 1e-12 {
		t.Errorf("pole earth rate = %v", r)
	}
	if math.Abs(r[0]) > 1e-17 {
		t.Errorf("pole north component = %v", r[0])
	}
}
