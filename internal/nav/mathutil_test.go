package nav

import (
	"math"
	"testing"
)

func TestQuatDcmRoundTrip(t *testing.T) {
	cases := []Quat{
		{1, 0, 0, 0},
		QuatFromEuler(0.3, -0.2, 1.1),
		QuatFromEuler(-1.2, 0.7, -2.9),
		QuatFromEuler(0, 1.5, 0),
	}
	for _, q := range cases {
		got := QuatFromDcm(q.ToDcm())
		// q and -q encode the same rotation.
		if got[0]*q[0] < 0 {
			got = Quat{-got[0], -got[1], -got[2], -got[3]}
		}
		for i := 0; i < 4; i++ {
			if math.Abs(got[i]-q[i]) > 1e-9 {
				t.Errorf("round trip %v -> %v", q, got)
				break
			}
		}
	}
}

func TestQuatRotVecRoundTrip(t *testing.T) {
	cases := []Vec3{
		{0, 0, 0},
		{1e-8, 0, 0},
		{0.1, -0.2, 0.3},
		{0, 0, 3.0},
	}
	for _, v := range cases {
		got := QuatFromRotVec(v).RotVec()
		if got.Sub(v).Norm() > 1e-9 {
			t.Errorf("rot vec round trip %v -> %v", v, got)
		}
	}
}

func TestDcmOrthonormal(t *testing.T) {
	q := QuatFromEuler(0.4, -0.9, 2.2)
	r := q.ToDcm()
	rt := r.Transpose()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += r[i][k] * rt[k][j]
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(s-want) > 1e-12 {
				t.Fatalf("R*Rt not identity at (%d,%d): %v", i, j, s)
			}
		}
	}
}

func TestQuatMulMatchesRotationComposition(t *testing.T) {
	a := QuatFromEuler(0.1, 0.2, 0.3)
	b := QuatFromEuler(-0.4, 0.1, 1.0)
	v := Vec3{1, -2, 0.5}

	byQuat := a.Mul(b).ToDcm().Apply(v)
	byDcm := a.ToDcm().Apply(b.ToDcm().Apply(v))
	if byQuat.Sub(byDcm).Norm() > 1e-12 {
		t.Errorf("quaternion product does not compose rotations: %v vs %v", byQuat, byDcm)
	}
}

func TestEulerRoundTrip(t *testing.T) {
	roll, pitch, yaw := 0.25, -0.6, 2.1
	r2, p2, y2 := QuatFromEuler(roll, pitch, yaw).Euler()
	if math.Abs(r2-roll) > 1e-12 || math.Abs(p2-pitch) > 1e-12 || math.Abs(y2-yaw) > 1e-12 {
		t.Errorf("euler round trip: got (%v %v %v)", r2, p2, y2)
	}
}

func TestApplyTranspose(t *testing.T) {
	r := QuatFromEuler(0.3, 0.4, -1.2).ToDcm()
	v := Vec3{0.5, -1, 2}
	a := r.ApplyTranspose(v)
	b := r.Transpose().Apply(v)
	if a.Sub(b).Norm() > 1e-15 {
		t.Errorf("ApplyTranspose mismatch: %v vs %v", a, b)
	}
}

func TestWrapPi(t *testing.T) {
	cases := map[float64]float64{
		0:               0,
		3 * math.Pi:     math.Pi,
		-3 * math.Pi:    -math.Pi,
		math.Pi + 0.1:   -math.Pi + 0.1,
		-math.Pi - 0.1:  math.Pi - 0.1,
		2 * math.Pi:     0,
	}
	for in, want := range cases {
		if got := wrapPi(in); math.Abs(got-want) > 1e-12 {
			t.Errorf("wrapPi(%v) = %v, want %v", in, got, want)
		}
	}
}
