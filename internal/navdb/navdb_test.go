package navdb

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/banshee-data/attitude.report/internal/nav"
)

func openTestDB(t *testing.T) *NavDB {
	t.Helper()
	db, err := NewNavDB(filepath.Join(t.TempDir(), "nav_test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.StartRun("bench test")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty run id")
	}

	runs, err := db.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != id || runs[0].Notes != "bench test" {
		t.Errorf("unexpected runs listing: %+v", runs)
	}
}

func TestIMURoundTrip(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.StartRun("")

	batch := []IMURecord{
		{TimeUs: 8000, Dt: 0.008, DeltaAng: nav.Vec3{0.001, 0.002, 0.003}, DeltaVel: nav.Vec3{0, 0, -0.0784}},
		{TimeUs: 16000, Dt: 0.008, DeltaAng: nav.Vec3{0.002, 0.001, 0}, DeltaVel: nav.Vec3{0.01, 0, -0.0784}},
	}
	if err := db.RecordIMUBatch(id, batch); err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadIMU(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d records, want 2", len(got))
	}
	if got[0] != batch[0] || got[1] != batch[1] {
		t.Errorf("imu round trip mismatch: %+v vs %+v", got, batch)
	}
}

func TestGPSRoundTripPreservesNaNYaw(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.StartRun("")

	msg := nav.GPSMessage{
		TimeUsec: 100000, Lat: 473977000, Lon: 85456000, Alt: 488000,
		YawDeg: math.NaN(), FixType: 3, EPH: 0.5, EPV: 0.8, SAcc: 0.2,
		PDOP: 1.2, VelNED: nav.Vec3{0.1, -0.1, 0}, VelNEDValid: true, NSats: 11,
	}
	if err := db.RecordGPS(id, msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadGPS(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d gps records, want 1", len(got))
	}
	if !math.IsNaN(got[0].YawDeg) {
		t.Errorf("NaN yaw not preserved: %v", got[0].YawDeg)
	}
	if got[0].Lat != msg.Lat || got[0].NSats != msg.NSats || !got[0].VelNEDValid {
		t.Errorf("gps fields mangled: %+v", got[0])
	}
}

func TestSolutionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.StartRun("")

	sol := Solution{
		TimeUs: 500000,
		Quat:   nav.Quat{1, 0, 0, 0},
		VelNED: nav.Vec3{1, 2, 3},
		PosNED: nav.Vec3{4, 5, 6},
		WindNE: nav.Vec2{0.5, -0.5},
		Innovations: map[string][]float64{
			"vel_pos": {0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
			"mag":     {0.01, 0.02, 0.03},
		},
		ControlStatus:  0x7,
		FaultStatus:    0,
		SolutionStatus: 0x3,
	}
	if err := db.RecordSolutionBatch(id, []Solution{sol}); err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadSolutions(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d solutions, want 1", len(got))
	}
	if got[0].PosNED != sol.PosNED || got[0].ControlStatus != sol.ControlStatus {
		t.Errorf("solution fields mangled: %+v", got[0])
	}
	if len(got[0].Innovations["vel_pos"]) != 6 {
		t.Errorf("innovation JSON mangled: %+v", got[0].Innovations)
	}
}

func TestDuplicateTimestampsIgnored(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.StartRun("")

	r := BaroRecord{TimeUs: 1000, Hgt: 10}
	if err := db.RecordBaro(id, r); err != nil {
		t.Fatal(err)
	}
	r.Hgt = 20 // same timestamp, different value
	if err := db.RecordBaro(id, r); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadBaro(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Hgt != 10 {
		t.Errorf("duplicate timestamp handling wrong: %+v", got)
	}
}
