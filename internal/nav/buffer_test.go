package nav

import "testing"

func TestRingBufferPushPop(t *testing.T) {
	b := newRingBuffer[baroSample](4)

	for i := 1; i <= 3; i++ {
		if !b.push(baroSample{hgt: float64(i), timeUs: uint64(i * 1000)}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if b.len() != 3 {
		t.Fatalf("len = %d, want 3", b.len())
	}

	s, ok := b.popFirstOlderThan(1500)
	if !ok || s.timeUs != 1000 {
		t.Fatalf("popFirstOlderThan(1500) = %+v, %v; want the 1000us sample", s, ok)
	}
	// The 2000us sample is not yet behind a 1500us horizon.
	if _, ok := b.popFirstOlderThan(1500); ok {
		t.Error("popped a sample newer than the horizon")
	}
	if s, ok := b.popFirstOlderThan(5000); !ok || s.timeUs != 2000 {
		t.Errorf("expected the 2000us sample next, got %+v, %v", s, ok)
	}
}

func TestRingBufferRejectsRegression(t *testing.T) {
	b := newRingBuffer[baroSample](4)
	b.push(baroSample{timeUs: 2000})
	if b.push(baroSample{timeUs: 2000}) {
		t.Error("duplicate timestamp accepted")
	}
	if b.push(baroSample{timeUs: 1500}) {
		t.Error("regressed timestamp accepted")
	}
	if !b.push(baroSample{timeUs: 2500}) {
		t.Error("advancing timestamp rejected")
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	b := newRingBuffer[baroSample](3)
	for i := 1; i <= 5; i++ {
		b.push(baroSample{timeUs: uint64(i * 1000)})
	}
	if b.len() != 3 {
		t.Fatalf("len = %d, want 3", b.len())
	}
	s, _ := b.popFirstOlderThan(1 << 62)
	if s.timeUs != 3000 {
		t.Errorf("oldest after overflow = %d, want 3000", s.timeUs)
	}
	if b.newest().timeUs != 5000 {
		t.Errorf("newest = %d, want 5000", b.newest().timeUs)
	}
}

func TestIMUDownsampling(t *testing.T) {
	e := NewEkf(DefaultParams())
	e.Init(0)

	// Four 2ms samples must combine into one 8ms filter sample.
	var now uint64
	for i := 0; i < 4; i++ {
		now += 2000
		e.SetIMUData(now, 0.002, Vec3{0.001, 0, 0}, Vec3{0, 0, -gravityMSS * 0.002})
	}
	if e.imuBuffer.len() != 1 {
		t.Fatalf("imu buffer len = %d after one filter period, want 1", e.imuBuffer.len())
	}
	s := e.imuBuffer.newest()
	if d := s.deltaAngDT - 0.008; d < -1e-9 || d > 1e-9 {
		t.Errorf("combined dt = %v, want 0.008", s.deltaAngDT)
	}
	if d := s.deltaAng[0] - 0.004; d < -1e-6 || d > 1e-6 {
		t.Errorf("combined delta angle = %v, want 0.004", s.deltaAng[0])
	}
	if d := s.deltaVel[2] + gravityMSS*0.008; d < -1e-6 || d > 1e-6 {
		t.Errorf("combined delta velocity = %v, want %v", s.deltaVel[2], -gravityMSS*0.008)
	}
}
