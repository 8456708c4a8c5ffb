package navdb

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/attitude.report/internal/nav"
)

// NavDB stores recorded sensor streams and estimator solutions, keyed by run.

type NavDB struct {
	*sql.DB
}

//go:embed schema.sql
var schemaSQL string

func NewNavDB(path string) (*NavDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Println("initialized nav database schema")
	return &NavDB{db}, nil
}

// StartRun creates a new run record and returns its id.
func (db *NavDB) StartRun(notes string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_unix_ns, notes) VALUES (?, ?, ?)`,
		id, time.Now().UnixNano(), notes,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// Runs lists all recorded runs, newest first.
func (db *NavDB) Runs() ([]RunInfo, error) {
	rows, err := db.Query(`SELECT run_id, started_unix_ns, COALESCE(notes, '') FROM runs ORDER BY started_unix_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var r RunInfo
		if err := rows.Scan(&r.RunID, &r.StartedUnixNs, &r.Notes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type RunInfo struct {
	RunID         string
	StartedUnixNs int64
	Notes         string
}

// IMURecord pairs a timestamped IMU increment with its integration period.
type IMURecord struct {
	TimeUs   uint64
	Dt       float64
	DeltaAng nav.Vec3
	DeltaVel nav.Vec3
}

type MagRecord struct {
	TimeUs uint64
	Mag    nav.Vec3
}

type BaroRecord struct {
	TimeUs uint64
	Hgt    float64
}

type RangeRecord struct {
	TimeUs  uint64
	Rng     float64
	Quality float64
}

type AirspeedRecord struct {
	TimeUs  uint64
	TAS     float64
	EAS2TAS float64
}

// Batch writers: each takes a full slice and writes it inside one
// transaction so high-rate recording does not thrash the journal.

func (db *NavDB) RecordIMUBatch(runID string, batch []IMURecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO imu_samples
		(run_id, time_us, dt, dang_x, dang_y, dang_z, dvel_x, dvel_y, dvel_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, s := range batch {
		if _, err := stmt.Exec(runID, int64(s.TimeUs), s.Dt,
			s.DeltaAng[0], s.DeltaAng[1], s.DeltaAng[2],
			s.DeltaVel[0], s.DeltaVel[1], s.DeltaVel[2]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert imu sample: %w", err)
		}
	}
	return tx.Commit()
}

func (db *NavDB) RecordGPS(runID string, msg nav.GPSMessage) error {
	velValid := 0
	if msg.VelNEDValid {
		velValid = 1
	}
	var yaw interface{}
	if msg.YawDeg == msg.YawDeg { // not NaN
		yaw = msg.YawDeg
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO gps_samples
		(run_id, time_us, lat_e7, lon_e7, alt_mm, fix_type, nsats, eph, epv, sacc, pdop,
		 vel_n, vel_e, vel_d, vel_valid, yaw_deg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(msg.TimeUsec), msg.Lat, msg.Lon, msg.Alt, msg.FixType, msg.NSats,
		msg.EPH, msg.EPV, msg.SAcc, msg.PDOP,
		msg.VelNED[0], msg.VelNED[1], msg.VelNED[2], velValid, yaw)
	if err != nil {
		return fmt.Errorf("failed to insert gps sample: %w", err)
	}
	return nil
}

func (db *NavDB) RecordMag(runID string, r MagRecord) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO mag_samples (run_id, time_us, mag_x, mag_y, mag_z) VALUES (?, ?, ?, ?, ?)`,
		runID, int64(r.TimeUs), r.Mag[0], r.Mag[1], r.Mag[2])
	return err
}

func (db *NavDB) RecordBaro(runID string, r BaroRecord) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO baro_samples (run_id, time_us, hgt) VALUES (?, ?, ?)`,
		runID, int64(r.TimeUs), r.Hgt)
	return err
}

func (db *NavDB) RecordRange(runID string, r RangeRecord) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO range_samples (run_id, time_us, rng, quality) VALUES (?, ?, ?, ?)`,
		runID, int64(r.TimeUs), r.Rng, r.Quality)
	return err
}

func (db *NavDB) RecordAirspeed(runID string, r AirspeedRecord) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO airspeed_samples (run_id, time_us, tas, eas2tas) VALUES (?, ?, ?, ?)`,
		runID, int64(r.TimeUs), r.TAS, r.EAS2TAS)
	return err
}

// Solution is one estimator output row, stored per prediction tick.
type Solution struct {
	TimeUs         uint64
	Quat           nav.Quat
	VelNED         nav.Vec3
	PosNED         nav.Vec3
	WindNE         nav.Vec2
	Innovations    map[string][]float64
	ControlStatus  uint32
	FaultStatus    uint16
	SolutionStatus uint16
}

func (db *NavDB) RecordSolutionBatch(runID string, batch []Solution) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO solutions
		(run_id, time_us, qw, qx, qy, qz, vel_n, vel_e, vel_d, pos_n, pos_e, pos_d,
		 wind_n, wind_e, innovations, control_status, fault_status, solution_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, s := range batch {
		innovJSON, err := json.Marshal(s.Innovations)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(runID, int64(s.TimeUs),
			s.Quat[0], s.Quat[1], s.Quat[2], s.Quat[3],
			s.VelNED[0], s.VelNED[1], s.VelNED[2],
			s.PosNED[0], s.PosNED[1], s.PosNED[2],
			s.WindNE[0], s.WindNE[1],
			string(innovJSON), s.ControlStatus, s.FaultStatus, s.SolutionStatus); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert solution: %w", err)
		}
	}
	return tx.Commit()
}

// LoadIMU returns the IMU stream for a run in time order.
func (db *NavDB) LoadIMU(runID string) ([]IMURecord, error) {
	rows, err := db.Query(`SELECT time_us, dt, dang_x, dang_y, dang_z, dvel_x, dvel_y, dvel_z
		FROM imu_samples WHERE run_id = ? ORDER BY time_us`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IMURecord
	for rows.Next() {
		var r IMURecord
		var t int64
		if err := rows.Scan(&t, &r.Dt,
			&r.DeltaAng[0], &r.DeltaAng[1], &r.DeltaAng[2],
			&r.DeltaVel[0], &r.DeltaVel[1], &r.DeltaVel[2]); err != nil {
			return nil, err
		}
		r.TimeUs = uint64(t)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadGPS returns the GPS stream for a run in time order.
func (db *NavDB) LoadGPS(runID string) ([]nav.GPSMessage, error) {
	rows, err := db.Query(`SELECT time_us, lat_e7, lon_e7, alt_mm, fix_type, nsats,
		eph, epv, sacc, pdop, vel_n, vel_e, vel_d, vel_valid, yaw_deg
		FROM gps_samples WHERE run_id = ? ORDER BY time_us`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []nav.GPSMessage
	for rows.Next() {
		var m nav.GPSMessage
		var t int64
		var velValid int
		var yaw sql.NullFloat64
		if err := rows.Scan(&t, &m.Lat, &m.Lon, &m.Alt, &m.FixType, &m.NSats,
			&m.EPH, &m.EPV, &m.SAcc, &m.PDOP,
			&m.VelNED[0], &m.VelNED[1], &m.VelNED[2], &velValid, &yaw); err != nil {
			return nil, err
		}
		m.TimeUsec = uint64(t)
		m.VelNEDValid = velValid != 0
		if yaw.Valid {
			m.YawDeg = yaw.Float64
		} else {
			m.YawDeg = math.NaN()
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LoadMag returns the magnetometer stream for a run in time order.
func (db *NavDB) LoadMag(runID string) ([]MagRecord, error) {
	rows, err := db.Query(`SELECT time_us, mag_x, mag_y, mag_z FROM mag_samples WHERE run_id = ? ORDER BY time_us`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MagRecord
	for rows.Next() {
		var r MagRecord
		var t int64
		if err := rows.Scan(&t, &r.Mag[0], &r.Mag[1], &r.Mag[2]); err != nil {
			return nil, err
		}
		r.TimeUs = uint64(t)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadBaro returns the baro stream for a run in time order.
func (db *NavDB) LoadBaro(runID string) ([]BaroRecord, error) {
	rows, err := db.Query(`SELECT time_us, hgt FROM baro_samples WHERE run_id = ? ORDER BY time_us`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BaroRecord
	for rows.Next() {
		var r BaroRecord
		var t int64
		if err := rows.Scan(&t, &r.Hgt); err != nil {
			return nil, err
		}
		r.TimeUs = uint64(t)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadSolutions returns the recorded solution rows for a run in time order.
func (db *NavDB) LoadSolutions(runID string) ([]Solution, error) {
	rows, err := db.Query(`SELECT time_us, qw, qx, qy, qz, vel_n, vel_e, vel_d,
		pos_n, pos_e, pos_d, wind_n, wind_e, innovations, control_status, fault_status, solution_status
		FROM solutions WHERE run_id = ? ORDER BY time_us`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Solution
	for rows.Next() {
		var s Solution
		var t int64
		var innovJSON string
		if err := rows.Scan(&t, &s.Quat[0], &s.Quat[1], &s.Quat[2], &s.Quat[3],
			&s.VelNED[0], &s.VelNED[1], &s.VelNED[2],
			&s.PosNED[0], &s.PosNED[1], &s.PosNED[2],
			&s.WindNE[0], &s.WindNE[1],
			&innovJSON, &s.ControlStatus, &s.FaultStatus, &s.SolutionStatus); err != nil {
			return nil, err
		}
		s.TimeUs = uint64(t)
		if err := json.Unmarshal([]byte(innovJSON), &s.Innovations); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
