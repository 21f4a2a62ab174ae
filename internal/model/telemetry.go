package model

import (
	"fmt"
	"time"
)

const (
	ProviderGPS     = "gps"
	ProviderNetwork = "network"
	ProviderFused   = "fused"
	ProviderPassive = "passive"
)

// Location is a single position fix, real or fabricated.
type Location struct {
	Provider    string             `json:"provider"`
	Latitude    float64            `json:"latitude"`
	Longitude   float64            `json:"longitude"`
	Altitude    float64            `json:"altitude"`
	Accuracy    float64            `json:"accuracy"`
	Speed       float64            `json:"speed"`
	Bearing     float64            `json:"bearing"`
	HasAltitude bool               `json:"has_altitude"`
	HasSpeed    bool               `json:"has_speed"`
	HasBearing  bool               `json:"has_bearing"`
	Time        time.Time          `json:"time"`
	Extras      map[string]float64 `json:"extras,omitempty"`
}

const (
	ExtraSatellites = "satellites"
	ExtraMaxCn0     = "maxCn0"
	ExtraMeanCn0    = "meanCn0"
)

// SensorKind names a fabricated sensor channel.
type SensorKind string

const (
	SensorAccelerometer      SensorKind = "accelerometer"
	SensorGyroscope          SensorKind = "gyroscope"
	SensorLinearAcceleration SensorKind = "linear_acceleration"
	SensorMagneticField      SensorKind = "magnetic_field"
	SensorRotationVector     SensorKind = "rotation_vector"
	SensorGameRotationVector SensorKind = "game_rotation_vector"
	SensorPressure           SensorKind = "pressure"
	SensorLight              SensorKind = "light"
	SensorAmbientTemperature SensorKind = "ambient_temperature"
	SensorRelativeHumidity   SensorKind = "relative_humidity"
	SensorStepCounter        SensorKind = "step_counter"
	SensorStepDetector       SensorKind = "step_detector"
	SensorProximity          SensorKind = "proximity"
	SensorGravity            SensorKind = "gravity"
)

// SensorKinds lists every fabricated channel.
var SensorKinds = []SensorKind{
	SensorAccelerometer,
	SensorGyroscope,
	SensorLinearAcceleration,
	SensorMagneticField,
	SensorRotationVector,
	SensorGameRotationVector,
	SensorPressure,
	SensorLight,
	SensorAmbientTemperature,
	SensorRelativeHumidity,
	SensorStepCounter,
	SensorStepDetector,
	SensorProximity,
	SensorGravity,
}

func ParseSensorKind(raw string) (SensorKind, error) {
	for _, k := range SensorKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sensor %q", raw)
}

// Waypoint is one stop of a route.
type Waypoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (w Waypoint) Validate() error {
	if w.Lat < -90 || w.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", w.Lat)
	}
	if w.Lon < -180 || w.Lon > 180 {
		return fmt.Errorf("longitude %v out of range", w.Lon)
	}
	return nil
}

const (
	GeofenceEnter = 1 << 0
	GeofenceExit  = 1 << 1
	GeofenceDwell = 1 << 2
)

// Geofence is a circular region registered by a caller.
type Geofence struct {
	ID          string  `json:"id"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Radius      float64 `json:"radius"`
	Transitions int     `json:"transitions"`
	Target      string  `json:"target"`
}

// GeofenceEvent reports one transition for a registered fence.
type GeofenceEvent struct {
	FenceID    string    `json:"fence_id"`
	Target     string    `json:"target"`
	Transition int       `json:"transition"`
	At         time.Time `json:"at"`
}

// CellTower is a synthesized serving cell.
type CellTower struct {
	MCC    int `json:"mcc"`
	MNC    int `json:"mnc"`
	LAC    int `json:"lac"`
	CID    int `json:"cid"`
	PSC    int `json:"psc"`
	Signal int `json:"signal_dbm"`
}

// AccuracyQuality mirrors the request quality codes used by location clients.
type AccuracyQuality int

const (
	QualityHighAccuracy AccuracyQuality = 100
	QualityBalanced     AccuracyQuality = 102
	QualityLowPower     AccuracyQuality = 104
)

func ParseAccuracyQuality(raw string) (AccuracyQuality, error) {
	switch raw {
	case "", "fine", "high", "100":
		return QualityHighAccuracy, nil
	case "balanced", "102":
		return QualityBalanced, nil
	case "coarse", "low", "104":
		return QualityLowPower, nil
	default:
		return 0, fmt.Errorf("unknown accuracy quality %q", raw)
	}
}
