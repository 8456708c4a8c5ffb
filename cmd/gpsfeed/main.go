// gpsfeed reads NMEA sentences from a serial GPS receiver and records them
// as raw fixes into the nav database for later replay.
package main

import (
	"bufio"
	"flag"
	"log"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"

	"github.com/banshee-data/attitude.report/internal/nav"
	"github.com/banshee-data/attitude.report/internal/navdb"
	"github.com/banshee-data/attitude.report/internal/units"
)

var (
	portName = flag.String("port", "/dev/ttyUSB0", "Serial port of the GPS receiver")
	baudRate = flag.Int("baud", 9600, "Serial baud rate")
	dbFile   = flag.String("db", "nav_data.db", "Path to the nav database")
	notes    = flag.String("notes", "", "Notes stored with the run")
)

// fixBuilder accumulates fields from the sentence mix (RMC, GGA, GSA, VTG)
// into complete GPSMessage records. Each GGA, which carries the position and
// satellite fields, completes a record; it is emitted only when the latest
// GSA reported at least a 2D fix.
type fixBuilder struct {
	msg       nav.GPSMessage
	haveSpeed bool
}

func (b *fixBuilder) handle(s nmea.Sentence) (nav.GPSMessage, bool) {
	switch v := s.(type) {
	case nmea.RMC:
		if v.Validity == nmea.ValidRMC {
			speed := units.KnotsToMPS(v.Speed)
			course := v.Course * math.Pi / 180
			b.msg.VelNED[0] = speed * math.Cos(course)
			b.msg.VelNED[1] = speed * math.Sin(course)
			b.msg.VelNEDValid = true
			b.haveSpeed = true
		}
	case nmea.GSA:
		b.msg.PDOP = v.PDOP
		switch v.FixType {
		case nmea.Fix3D:
			b.msg.FixType = 3
		case nmea.Fix2D:
			b.msg.FixType = 2
		default:
			b.msg.FixType = 0
		}
	case nmea.GGA:
		b.msg.Lat = int32(v.Latitude * 1e7)
		b.msg.Lon = int32(v.Longitude * 1e7)
		b.msg.Alt = int32(v.Altitude * 1e3)
		b.msg.NSats = uint8(v.NumSatellites)
		// HDOP-scaled accuracy estimate: consumer receivers rarely report
		// eph directly over NMEA.
		b.msg.EPH = v.HDOP * 2.5
		b.msg.EPV = v.HDOP * 4.0
		b.msg.SAcc = 0.5
		b.msg.YawDeg = math.NaN()
		b.msg.TimeUsec = uint64(time.Now().UnixMicro())
		out := b.msg
		return out, out.FixType >= 2
	}
	return nav.GPSMessage{}, false
}

func main() {
	flag.Parse()

	db, err := navdb.NewNavDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	runID, err := db.StartRun(*notes)
	if err != nil {
		log.Fatalf("failed to start run: %v", err)
	}
	log.Printf("recording GPS fixes to run %s", runID)

	mode := &serial.Mode{BaudRate: *baudRate}
	port, err := serial.Open(*portName, mode)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *portName, err)
	}
	defer port.Close()
	log.Printf("gps serial port open on %s at %d baud", *portName, *baudRate)

	var builder fixBuilder
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			// Garbled sentences are routine on serial GPS; skip quietly.
			continue
		}
		if msg, ok := builder.handle(sentence); ok {
			if err := db.RecordGPS(runID, msg); err != nil {
				log.Printf("failed to record fix: %v", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("serial read failed: %v", err)
	}
}
