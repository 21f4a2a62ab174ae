package fabricate

import (
	"fmt"
	"math"

	"github.com/g960059/portal/internal/model"
)

const knotsPerMeterSecond = 1.943844

// NMEA renders GGA and RMC sentences for a fabricated fix.
func NMEA(loc model.Location, satellites int) []string {
	return []string{GGA(loc, satellites), RMC(loc)}
}

func GGA(loc model.Location, satellites int) string {
	t := loc.Time.UTC()
	lat, ns := nmeaCoord(loc.Latitude, 2, "N", "S")
	lon, ew := nmeaCoord(loc.Longitude, 3, "E", "W")
	hdop := math.Max(0.5, loc.Accuracy/5)
	body := fmt.Sprintf("GPGGA,%02d%02d%02d.%02d,%s,%s,%s,%s,1,%02d,%.1f,%.1f,M,0.0,M,,",
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1e7,
		lat, ns, lon, ew, satellites, hdop, loc.Altitude)
	return sentence(body)
}

func RMC(loc model.Location) string {
	t := loc.Time.UTC()
	lat, ns := nmeaCoord(loc.Latitude, 2, "N", "S")
	lon, ew := nmeaCoord(loc.Longitude, 3, "E", "W")
	body := fmt.Sprintf("GPRMC,%02d%02d%02d.%02d,A,%s,%s,%s,%s,%.1f,%.1f,%02d%02d%02d,,,A",
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1e7,
		lat, ns, lon, ew, loc.Speed*knotsPerMeterSecond, loc.Bearing,
		t.Day(), int(t.Month()), t.Year()%100)
	return sentence(body)
}

// Checksum is the XOR of every byte between '$' and '*'.
func Checksum(body string) byte {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return cs
}

func sentence(body string) string {
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

func nmeaCoord(v float64, degWidth int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	minutes := (v - deg) * 60
	return fmt.Sprintf("%0*d%07.4f", degWidth, int(deg), minutes), hemi
}
