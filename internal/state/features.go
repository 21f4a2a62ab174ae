package state

import "sort"

// Feature is one boolean subsystem toggle.
type Feature uint8

const (
	FeatureMock Feature = iota
	FeatureGnssMock
	FeatureWifiMock
	FeatureSensorSimulation
	FeatureAutoDetectTransport
	FeatureDisableGetFromLocation
	FeatureRequestGeofence
	FeatureAGPS
	FeatureNMEA
	FeatureDebugLog
	FeatureDisableFusedProvider
	FeatureDisableNetworkProvider
	FeatureHookWifi
	FeatureDowngradeTo2G
	featureCount
)

var featureNames = [featureCount]string{
	FeatureMock:                   "enable",
	FeatureGnssMock:               "enable_gnss_mock",
	FeatureWifiMock:               "enable_wifi_mock",
	FeatureSensorSimulation:       "enable_sensor_simulation",
	FeatureAutoDetectTransport:    "auto_detect_transport_mode",
	FeatureDisableGetFromLocation: "disable_get_from_location",
	FeatureRequestGeofence:        "enable_request_geofence",
	FeatureAGPS:                   "enable_agps",
	FeatureNMEA:                   "enable_nmea",
	FeatureDebugLog:               "enable_debug_log",
	FeatureDisableFusedProvider:   "disable_fused_location",
	FeatureDisableNetworkProvider: "disable_network_location",
	FeatureHookWifi:               "hook_wifi",
	FeatureDowngradeTo2G:          "need_downgrade_to_2g",
}

// Name is the wire field name of the toggle.
func (f Feature) Name() string {
	if f >= featureCount {
		return ""
	}
	return featureNames[f]
}

// Features lists every toggle in declaration order.
func Features() []Feature {
	out := make([]Feature, 0, featureCount)
	for f := Feature(0); f < featureCount; f++ {
		out = append(out, f)
	}
	return out
}

// FeatureByName resolves a wire field name.
func FeatureByName(name string) (Feature, bool) {
	for f := Feature(0); f < featureCount; f++ {
		if featureNames[f] == name {
			return f, true
		}
	}
	return 0, false
}

// FeatureSet is a bitmask of enabled toggles.
type FeatureSet uint32

func NewFeatureSet(features ...Feature) FeatureSet {
	var s FeatureSet
	for _, f := range features {
		s = s.With(f)
	}
	return s
}

func (s FeatureSet) Has(f Feature) bool           { return s&(1<<f) != 0 }
func (s FeatureSet) With(f Feature) FeatureSet    { return s | 1<<f }
func (s FeatureSet) Without(f Feature) FeatureSet { return s &^ (1 << f) }

// Names returns the enabled toggle names, sorted.
func (s FeatureSet) Names() []string {
	var out []string
	for f := Feature(0); f < featureCount; f++ {
		if s.Has(f) {
			out = append(out, featureNames[f])
		}
	}
	sort.Strings(out)
	return out
}
