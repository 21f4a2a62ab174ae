package wire

// Command ids.
const (
	CmdExchangeKey = "exchange_key"
	CmdSyncConfig  = "sync_config"
	CmdPutConfig   = "put_config"

	CmdIsStart          = "is_start"
	CmdIsGnssStart      = "is_gnss_start"
	CmdIsWifiMockStart  = "is_wifi_mock_start"
	CmdStart            = "start"
	CmdStop             = "stop"
	CmdStartGnssMock    = "start_gnss_mock"
	CmdStopGnssMock     = "stop_gnss_mock"
	CmdStartWifiMock    = "start_wifi_mock"
	CmdStopWifiMock     = "stop_wifi_mock"
	CmdMove             = "move"
	CmdUpdateLocation   = "update_location"
	CmdSetLocation      = "set_location"
	CmdSetBearing       = "set_bearing"
	CmdSetSpeed         = "set_speed"
	CmdSetAltitude      = "set_altitude"
	CmdSetSpeedAmp      = "set_speed_amp"
	CmdSetTransportMode = "set_transport_mode"
	CmdSetStepMult      = "set_step_frequency_multiplier"
	CmdSetAutoDetect    = "set_auto_detect_transport_mode"
	CmdSetSensorSim     = "set_sensor_simulation"
	CmdSetDisableGet    = "set_disable_get_from_location"
	CmdSetGeofenceReq   = "set_enable_request_geofence"
	CmdEnableRouteMode  = "enable_route_mode"
	CmdDisableRouteMode = "disable_route_mode"
	CmdGetLocationMode  = "get_location_mode"
	CmdGetLocation      = "get_location"
	CmdGetListenerSize  = "get_listener_size"
	CmdGetSpeed         = "get_speed"
	CmdGetBearing       = "get_bearing"
	CmdGetAltitude      = "get_altitude"
	CmdLoadLibrary      = "load_library"

	CmdBroadcastLocation = "broadcast_location"
	CmdSetProxy          = "set_proxy"
	CmdGetGnssStatus     = "get_gnss_status"
	CmdGetCellInfo       = "get_cell_info"
	CmdGetNMEA           = "get_nmea"
	CmdRegisterGeofence  = "register_geofence"
	CmdRemoveGeofence    = "remove_geofence"
	CmdMarkForeground    = "mark_foreground"
	CmdMarkBackground    = "mark_background"
	CmdResetThrottle     = "reset_throttle"
	CmdGetSensor         = "get_sensor"
	CmdGetPoolStats      = "get_pool_stats"
)

// Field names.
const (
	FieldKey   = "key"
	FieldValue = "value"

	FieldLat            = "lat"
	FieldLon            = "lon"
	FieldMode           = "mode"
	FieldN              = "n"
	FieldDistance       = "distance"
	FieldBearing        = "bearing"
	FieldSpeed          = "speed"
	FieldAltitude       = "altitude"
	FieldAccuracy       = "accuracy"
	FieldSpeedAmplitude = "speed_amplitude"
	FieldTransportMode  = "transport_mode"
	FieldStepMult       = "step_frequency_multiplier"
	FieldAutoDetect     = "auto_detect_transport_mode"
	FieldMinSatellites  = "min_satellites"
	FieldSize           = "size"
	FieldPath           = "path"
	FieldResult         = "result"
	FieldCount          = "count"
	FieldSatellites     = "satellites"
	FieldSentences      = "sentences"
	FieldSensor         = "sensor"
	FieldValues         = "values"
	FieldUID            = "uid"
	FieldID             = "id"
	FieldRadius         = "radius"
	FieldTransitions    = "transitions"
	FieldTransition     = "transition"
	FieldQuality        = "quality"
	FieldRaw            = "raw"
	FieldTarget         = "target"
	FieldDelivered      = "delivered"
	FieldRegistered     = "registered"

	FieldMCC    = "mcc"
	FieldMNC    = "mnc"
	FieldLAC    = "lac"
	FieldCID    = "cid"
	FieldPSC    = "psc"
	FieldSignal = "signal_dbm"

	FieldPoolObtained  = "obtained"
	FieldPoolRecycled  = "recycled"
	FieldPoolCreated   = "created"
	FieldPoolHits      = "hits"
	FieldPoolDiscarded = "discarded"
	FieldPoolIdle      = "idle"
	FieldPoolHitRate   = "hit_rate"
)

// Location modes on the wire.
const (
	ModeAbsolute = "="
	ModeOffset   = "+"
)

// Mutating reports whether a successful id changes fabrication state and
// must be pushed to reverse channels.
func Mutating(commandID string) bool {
	switch commandID {
	case CmdPutConfig, CmdStart, CmdStop, CmdStartGnssMock, CmdStopGnssMock,
		CmdStartWifiMock, CmdStopWifiMock, CmdMove, CmdUpdateLocation, CmdSetLocation,
		CmdSetBearing, CmdSetSpeed, CmdSetAltitude, CmdSetSpeedAmp, CmdSetTransportMode,
		CmdSetStepMult, CmdSetAutoDetect, CmdSetSensorSim, CmdSetDisableGet,
		CmdSetGeofenceReq, CmdEnableRouteMode, CmdDisableRouteMode:
		return true
	default:
		return false
	}
}
