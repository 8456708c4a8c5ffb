package nav

import "math"

// Fixed-size linear algebra for the 24-state filter. Everything here is
// value-typed and allocation free so the hot path never touches the heap.

// Vec2 is a 2-element column vector.
type Vec2 [2]float64

// Vec3 is a 3-element column vector.
type Vec3 [3]float64

// Quat is a unit quaternion in w,x,y,z order rotating body frame to nav frame.
type Quat [4]float64

// Dcm is a 3x3 direction cosine matrix, row major.
type Dcm [3][3]float64

// SquareMatrix is the 24x24 covariance block, row major.
type SquareMatrix [numStates][numStates]float64

func (a Vec2) Add(b Vec2) Vec2 { return Vec2{a[0] + b[0], a[1] + b[1]} }
func (a Vec2) Sub(b Vec2) Vec2 { return Vec2{a[0] - b[0], a[1] - b[1]} }

func (a Vec2) Norm() float64 { return math.Hypot(a[0], a[1]) }

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func (a Vec3) Scale(s float64) Vec3 { return Vec3{a[0] * s, a[1] * s, a[2] * s} }

func (a Vec3) Dot(b Vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Norm() float64 { return math.Sqrt(a.Dot(a)) }

// Mul composes two quaternions: (a Mul b) applies b first, then a.
func (a Quat) Mul(b Quat) Quat {
	return Quat{
		a[0]*b[0] - a[1]*b[1] - a[2]*b[2] - a[3]*b[3],
		a[0]*b[1] + a[1]*b[0] + a[2]*b[3] - a[3]*b[2],
		a[0]*b[2] - a[1]*b[3] + a[2]*b[0] + a[3]*b[1],
		a[0]*b[3] + a[1]*b[2] - a[2]*b[1] + a[3]*b[0],
	}
}

// Inverse returns the conjugate. Valid for unit quaternions only.
func (a Quat) Inverse() Quat { return Quat{a[0], -a[1], -a[2], -a[3]} }

func (a Quat) Normalized() Quat {
	n := math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2] + a[3]*a[3])
	if !(n > 1e-12) || math.IsInf(n, 1) {
		// Degenerate or non-finite input: fall back to identity.
		return Quat{1, 0, 0, 0}
	}
	inv := 1.0 / n
	return Quat{a[0] * inv, a[1] * inv, a[2] * inv, a[3] * inv}
}

func (a Quat) Norm() float64 {
	return math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2] + a[3]*a[3])
}

// QuatFromRotVec builds the quaternion for a rotation vector using the
// small-angle form below 1e-6 rad to avoid the sin(x)/x singularity.
func QuatFromRotVec(v Vec3) Quat {
	angle := v.Norm()
	if angle < 1e-6 {
		return Quat{1, 0.5 * v[0], 0.5 * v[1], 0.5 * v[2]}.Normalized()
	}
	s := math.Sin(0.5*angle) / angle
	return Quat{math.Cos(0.5 * angle), v[0] * s, v[1] * s, v[2] * s}
}

// RotVec returns the rotation vector equivalent of the quaternion.
func (a Quat) RotVec() Vec3 {
	q := a
	if q[0] < 0 {
		q = Quat{-q[0], -q[1], -q[2], -q[3]}
	}
	vn := math.Sqrt(q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if vn < 1e-12 {
		return Vec3{2 * q[1], 2 * q[2], 2 * q[3]}
	}
	angle := 2 * math.Atan2(vn, q[0])
	s := angle / vn
	return Vec3{q[1] * s, q[2] * s, q[3] * s}
}

// ToDcm expands the quaternion into a body to nav rotation matrix.
func (a Quat) ToDcm() Dcm {
	q0, q1, q2, q3 := a[0], a[1], a[2], a[3]
	return Dcm{
		{q0*q0 + q1*q1 - q2*q2 - q3*q3, 2 * (q1*q2 - q0*q3), 2 * (q1*q3 + q0*q2)},
		{2 * (q1*q2 + q0*q3), q0*q0 - q1*q1 + q2*q2 - q3*q3, 2 * (q2*q3 - q0*q1)},
		{2 * (q1*q3 - q0*q2), 2 * (q2*q3 + q0*q1), q0*q0 - q1*q1 - q2*q2 + q3*q3},
	}
}

// QuatFromDcm recovers the quaternion from a rotation matrix using the
// largest-diagonal branch for numerical safety.
func QuatFromDcm(r Dcm) Quat {
	tr := r[0][0] + r[1][1] + r[2][2]
	var q Quat
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = Quat{0.25 * s, (r[2][1] - r[1][2]) / s, (r[0][2] - r[2][0]) / s, (r[1][0] - r[0][1]) / s}
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := math.Sqrt(1+r[0][0]-r[1][1]-r[2][2]) * 2
		q = Quat{(r[2][1] - r[1][2]) / s, 0.25 * s, (r[0][1] + r[1][0]) / s, (r[0][2] + r[2][0]) / s}
	case r[1][1] > r[2][2]:
		s := math.Sqrt(1+r[1][1]-r[0][0]-r[2][2]) * 2
		q = Quat{(r[0][2] - r[2][0]) / s, (r[0][1] + r[1][0]) / s, 0.25 * s, (r[1][2] + r[2][1]) / s}
	default:
		s := math.Sqrt(1+r[2][2]-r[0][0]-r[1][1]) * 2
		q = Quat{(r[1][0] - r[0][1]) / s, (r[0][2] + r[2][0]) / s, (r[1][2] + r[2][1]) / s, 0.25 * s}
	}
	return q.Normalized()
}

// QuatFromEuler builds a quaternion from a 321 (yaw-pitch-roll) Euler sequence.
func QuatFromEuler(roll, pitch, yaw float64) Quat {
	cr, sr := math.Cos(0.5*roll), math.Sin(0.5*roll)
	cp, sp := math.Cos(0.5*pitch), math.Sin(0.5*pitch)
	cy, sy := math.Cos(0.5*yaw), math.Sin(0.5*yaw)
	return Quat{
		cr*cp*cy + sr*sp*sy,
		sr*cp*cy - cr*sp*sy,
		cr*sp*cy + sr*cp*sy,
		cr*cp*sy - sr*sp*cy,
	}
}

// Euler returns roll, pitch, yaw for the 321 sequence.
func (a Quat) Euler() (roll, pitch, yaw float64) {
	r := a.ToDcm()
	pitch = math.Asin(clampF(-r[2][0], -1, 1))
	roll = math.Atan2(r[2][1], r[2][2])
	yaw = math.Atan2(r[1][0], r[0][0])
	return
}

// Yaw is the 321-sequence heading.
func (a Quat) Yaw() float64 {
	r := a.ToDcm()
	return math.Atan2(r[1][0], r[0][0])
}

// Apply rotates v by the matrix.
func (r Dcm) Apply(v Vec3) Vec3 {
	return Vec3{
		r[0][0]*v[0] + r[0][1]*v[1] + r[0][2]*v[2],
		r[1][0]*v[0] + r[1][1]*v[1] + r[1][2]*v[2],
		r[2][0]*v[0] + r[2][1]*v[1] + r[2][2]*v[2],
	}
}

func (r Dcm) Transpose() Dcm {
	return Dcm{
		{r[0][0], r[1][0], r[2][0]},
		{r[0][1], r[1][1], r[2][1]},
		{r[0][2], r[1][2], r[2][2]},
	}
}

// ApplyTranspose rotates v by the matrix transpose (nav to body for a
// body-to-nav matrix) without materialising the transpose.
func (r Dcm) ApplyTranspose(v Vec3) Vec3 {
	return Vec3{
		r[0][0]*v[0] + r[1][0]*v[1] + r[2][0]*v[2],
		r[0][1]*v[0] + r[1][1]*v[1] + r[2][1]*v[2],
		r[0][2]*v[0] + r[1][2]*v[1] + r[2][2]*v[2],
	}
}

func wrapPi(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sq(v float64) float64 { return v * v }

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
