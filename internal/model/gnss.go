package model

// Constellation identifiers follow the platform GNSS status constants.
type Constellation int

const (
	ConstellationGPS     Constellation = 1
	ConstellationSBAS    Constellation = 2
	ConstellationGLONASS Constellation = 3
	ConstellationQZSS    Constellation = 4
	ConstellationBeiDou  Constellation = 5
	ConstellationGalileo Constellation = 6
)

func (c Constellation) String() string {
	switch c {
	case ConstellationGPS:
		return "gps"
	case ConstellationSBAS:
		return "sbas"
	case ConstellationGLONASS:
		return "glonass"
	case ConstellationQZSS:
		return "qzss"
	case ConstellationBeiDou:
		return "beidou"
	case ConstellationGalileo:
		return "galileo"
	default:
		return "unknown"
	}
}

type OrbitClass string

const (
	OrbitGEO  OrbitClass = "geo"
	OrbitIGSO OrbitClass = "igso"
	OrbitMEO  OrbitClass = "meo"
)

const (
	SvidFlagHasEphemeris     = 1 << 0
	SvidFlagHasAlmanac       = 1 << 1
	SvidFlagUsedInFix        = 1 << 2
	SvidFlagHasCarrier       = 1 << 3
	SvidFlagHasBasebandCn0   = 1 << 4
	SvidShiftWidth           = 12
	ConstellationShiftWidth  = 8
	ConstellationTypeMask    = 0xf
	MaxSatellites            = 35
	MinSatellites            = 4
	DefaultSatelliteBaseline = 12
)

// Satellite is one entry of a fabricated GNSS status report.
type Satellite struct {
	Svid             int           `json:"svid"`
	Constellation    Constellation `json:"constellation"`
	Orbit            OrbitClass    `json:"orbit"`
	Cn0              float64       `json:"cn0"`
	BasebandCn0      float64       `json:"baseband_cn0"`
	Elevation        float64       `json:"elevation"`
	Azimuth          float64       `json:"azimuth"`
	CarrierFrequency float64       `json:"carrier_frequency_mhz"`
	Flags            int           `json:"flags"`
}

// PackedSvid encodes svid, constellation and flags the way GNSS status
// callbacks carry them.
func (s Satellite) PackedSvid() int {
	return s.Svid<<SvidShiftWidth | (int(s.Constellation)&ConstellationTypeMask)<<ConstellationShiftWidth | s.Flags
}

func (s Satellite) UsedInFix() bool {
	return s.Flags&SvidFlagUsedInFix != 0
}

// GnssStatus is a full fabricated constellation snapshot.
type GnssStatus struct {
	Count      int         `json:"count"`
	Satellites []Satellite `json:"satellites"`
}
