package wire

const DefaultSchemaCacheSize = 100

var (
	floatKinds = []Kind{KindFloat64, KindFloat32}
	intKinds   = []Kind{KindInt32, KindInt64}
)

func floatField(name string, aliases ...string) FieldSpec {
	return FieldSpec{Name: name, Strategies: []Strategy{Named(append([]string{name}, aliases...)...), ByKind(floatKinds...)}}
}

func namedField(name string, aliases ...string) FieldSpec {
	return FieldSpec{Name: name, Strategies: []Strategy{Named(append([]string{name}, aliases...)...)}}
}

func boolField(name string) FieldSpec {
	return FieldSpec{Name: name, Strategies: []Strategy{Named(name, "enable", FieldValue), ByKind(KindBool)}}
}

func motionFields() []FieldSpec {
	return []FieldSpec{namedField(FieldSpeed), namedField(FieldAltitude), namedField(FieldAccuracy)}
}

// V1Commands is the v1 command table.
func V1Commands() []CommandSpec {
	return []CommandSpec{
		{ID: CmdExchangeKey},
		{ID: CmdSyncConfig},
		{ID: CmdPutConfig},
		{ID: CmdIsStart},
		{ID: CmdIsGnssStart},
		{ID: CmdIsWifiMockStart},
		{ID: CmdStart, Fields: motionFields()},
		{ID: CmdStop, Fields: motionFields()},
		{ID: CmdStartGnssMock, Fields: motionFields()},
		{ID: CmdStopGnssMock, Fields: motionFields()},
		{ID: CmdStartWifiMock, Fields: motionFields()},
		{ID: CmdStopWifiMock, Fields: motionFields()},
		{ID: CmdMove, Fields: []FieldSpec{
			floatField(FieldN, FieldDistance),
			floatField(FieldBearing),
		}},
		{ID: CmdUpdateLocation, Aliases: []string{CmdSetLocation}, Fields: []FieldSpec{
			namedField(FieldLat, "latitude"),
			namedField(FieldLon, "lng", "longitude"),
			{Name: FieldMode, Strategies: []Strategy{Named(FieldMode), ByKind(KindString)}},
		}},
		{ID: CmdSetBearing, Fields: []FieldSpec{floatField(FieldBearing, FieldValue)}},
		{ID: CmdSetSpeed, Fields: []FieldSpec{floatField(FieldSpeed, FieldValue)}},
		{ID: CmdSetAltitude, Fields: []FieldSpec{floatField(FieldAltitude, FieldValue)}},
		{ID: CmdSetSpeedAmp, Fields: []FieldSpec{floatField(FieldSpeedAmplitude, "amplitude", FieldValue)}},
		{ID: CmdSetTransportMode, Fields: []FieldSpec{{
			Name:       FieldTransportMode,
			Strategies: []Strategy{Named(FieldTransportMode, FieldMode, FieldValue), ByKind(append(intKinds, KindString)...)},
		}}},
		{ID: CmdSetStepMult, Fields: []FieldSpec{floatField(FieldStepMult, "multiplier", FieldValue)}},
		{ID: CmdSetAutoDetect, Fields: []FieldSpec{boolField(FieldAutoDetect)}},
		{ID: CmdSetSensorSim, Fields: []FieldSpec{boolField("enable_sensor_simulation")}},
		{ID: CmdSetDisableGet, Fields: []FieldSpec{boolField("disable_get_from_location")}},
		{ID: CmdSetGeofenceReq, Fields: []FieldSpec{boolField("enable_request_geofence")}},
		{ID: CmdEnableRouteMode},
		{ID: CmdDisableRouteMode},
		{ID: CmdGetLocationMode},
		{ID: CmdGetLocation, Fields: []FieldSpec{
			{Name: FieldUID, Strategies: []Strategy{Named(FieldUID), ByKind(intKinds...)}},
			namedField(FieldQuality),
			namedField(FieldRaw),
		}},
		{ID: CmdGetListenerSize},
		{ID: CmdGetSpeed},
		{ID: CmdGetBearing},
		{ID: CmdGetAltitude},
		{ID: CmdLoadLibrary, Fields: []FieldSpec{{
			Name:       FieldPath,
			Strategies: []Strategy{Named(FieldPath, FieldValue), ByKind(KindString)},
		}}},
		{ID: CmdBroadcastLocation},
		{ID: CmdSetProxy},
		{ID: CmdGetGnssStatus},
		{ID: CmdGetCellInfo},
		{ID: CmdGetNMEA},
		{ID: CmdRegisterGeofence, Fields: []FieldSpec{
			namedField(FieldID, "fence_id"),
			namedField(FieldLat, "latitude"),
			namedField(FieldLon, "lng", "longitude"),
			namedField(FieldRadius),
			namedField(FieldTransitions),
			namedField(FieldTarget),
		}},
		{ID: CmdRemoveGeofence, Fields: []FieldSpec{{
			Name:       FieldID,
			Strategies: []Strategy{Named(FieldID, "fence_id", FieldValue), ByKind(KindString)},
		}}},
		{ID: CmdMarkForeground, Fields: []FieldSpec{uidField()}},
		{ID: CmdMarkBackground, Fields: []FieldSpec{uidField()}},
		{ID: CmdResetThrottle, Fields: []FieldSpec{uidField()}},
		{ID: CmdGetSensor, Fields: []FieldSpec{{
			Name:       FieldSensor,
			Strategies: []Strategy{Named(FieldSensor, "type", FieldValue), ByKind(KindString)},
		}}},
		{ID: CmdGetPoolStats},
	}
}

func uidField() FieldSpec {
	return FieldSpec{Name: FieldUID, Strategies: []Strategy{Named(FieldUID, FieldValue), ByKind(intKinds...)}}
}

// NewV1Schema builds the v1 table with a bounded resolution cache.
func NewV1Schema(cacheSize int) (*Schema, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultSchemaCacheSize
	}
	return NewSchema(SchemaVersion, V1Commands(), cacheSize)
}
