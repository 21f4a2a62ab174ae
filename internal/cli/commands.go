package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/portal/internal/api"
	"github.com/g960059/portal/internal/state"
	"github.com/g960059/portal/internal/wire"
)

const keyHeader = "X-Portal-Key"

func (r *Runner) statusCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mock state and the current position",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				return r.debugStatus(cmd.Context())
			}
			envs := []*wire.Envelope{
				wire.NewEnvelope(wire.CmdIsStart),
				wire.NewEnvelope(wire.CmdGetLocationMode),
				wire.NewEnvelope(wire.CmdGetLocation),
				wire.NewEnvelope(wire.CmdGetSpeed),
				wire.NewEnvelope(wire.CmdGetBearing),
				wire.NewEnvelope(wire.CmdGetAltitude),
				wire.NewEnvelope(wire.CmdGetListenerSize),
			}
			if err := r.call(cmd.Context(), envs...); err != nil {
				return err
			}
			if r.jsonOut {
				out := make(map[string]map[string]wire.Value, len(envs))
				for _, env := range envs {
					out[env.CommandID] = env.Fields
				}
				return r.printJSON(out)
			}
			_, _ = fmt.Fprintf(r.out, "mock\t%s\n", field(envs[0], wire.FieldValue))
			_, _ = fmt.Fprintf(r.out, "mode\t%s\n", field(envs[1], wire.FieldMode))
			_, _ = fmt.Fprintf(r.out, "location\t%s,%s\n", field(envs[2], wire.FieldLat), field(envs[2], wire.FieldLon))
			_, _ = fmt.Fprintf(r.out, "speed\t%s\n", field(envs[3], wire.FieldSpeed))
			_, _ = fmt.Fprintf(r.out, "bearing\t%s\n", field(envs[4], wire.FieldBearing))
			_, _ = fmt.Fprintf(r.out, "altitude\t%s\n", field(envs[5], wire.FieldAltitude))
			_, _ = fmt.Fprintf(r.out, "listeners\t%s\n", field(envs[6], wire.FieldSize))
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "read the daemon debug listener instead")
	return cmd
}

func field(env *wire.Envelope, name string) string {
	v, ok := env.Get(name)
	if !ok {
		return "-"
	}
	return v.String()
}

// debugStatus reads /v1/status with the session key of a fresh handshake.
func (r *Runner) debugStatus(ctx context.Context) error {
	if strings.TrimSpace(r.cfg.DebugAddr) == "" {
		return fmt.Errorf("debug listener is disabled")
	}
	m, err := r.manager()
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck
	sess, err := m.Establish(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+r.cfg.DebugAddr+"/v1/status", nil)
	if err != nil {
		return err
	}
	req.Header.Set(keyHeader, sess.Key)
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if r.jsonOut {
		_, _ = r.out.Write(body)
		return nil
	}
	var st api.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(r.out, "provider\t%s\n", st.Provider)
	_, _ = fmt.Fprintf(r.out, "mock\t%t\n", st.Mock)
	_, _ = fmt.Fprintf(r.out, "mode\t%s\n", st.LocationMode)
	_, _ = fmt.Fprintf(r.out, "location\t%g,%g\n", st.Position.Lat, st.Position.Lon)
	_, _ = fmt.Fprintf(r.out, "features\t%s\n", strings.Join(st.Features, ","))
	_, _ = fmt.Fprintf(r.out, "listeners\t%d\n", st.Listeners)
	_, _ = fmt.Fprintf(r.out, "reverse_channels\t%d\n", st.ReverseChannels)
	_, _ = fmt.Fprintf(r.out, "geofences\t%d\n", st.Geofences)
	_, _ = fmt.Fprintf(r.out, "pool_hit_rate\t%.2f\n", st.Pool.HitRate)
	_, _ = fmt.Fprintf(r.out, "broadcast\t%s ticks=%d skipped=%d\n", st.Broadcast.Interval, st.Broadcast.Ticks, st.Broadcast.Skipped)
	return nil
}

func (r *Runner) callCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call COMMAND [NAME=[KIND:]VALUE ...]",
		Short: "Send a raw command envelope",
		Long: "Send a raw command envelope. Field values default to strings; prefix them with a kind " +
			"(int32, int64, float32, float64, bool, string) to send another type, e.g. lat=float64:31.23.",
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := wire.NewEnvelope(args[0])
			for _, raw := range args[1:] {
				name, v, err := parseField(raw)
				if err != nil {
					return usageError{err}
				}
				env.Set(name, v)
			}
			if err := r.call(cmd.Context(), env); err != nil {
				return err
			}
			return r.printEnvelope(env)
		},
	}
}

// parseField parses NAME=VALUE or NAME=KIND:VALUE.
func parseField(raw string) (string, wire.Value, error) {
	name, value, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", wire.Value{}, fmt.Errorf("field %q: want NAME=VALUE", raw)
	}
	kind, rest, hasKind := strings.Cut(value, ":")
	if !hasKind || !wire.Kind(kind).Valid() {
		return name, wire.String(value), nil
	}
	v, err := parseValue(wire.Kind(kind), rest)
	if err != nil {
		return "", wire.Value{}, fmt.Errorf("field %q: %w", name, err)
	}
	return name, v, nil
}

func parseValue(kind wire.Kind, raw string) (wire.Value, error) {
	switch kind {
	case wire.KindString:
		return wire.String(raw), nil
	case wire.KindInt32:
		n, err := strconv.ParseInt(raw, 10, 32)
		return wire.Int32(int32(n)), err
	case wire.KindInt64:
		n, err := strconv.ParseInt(raw, 10, 64)
		return wire.Int64(n), err
	case wire.KindFloat32:
		f, err := strconv.ParseFloat(raw, 32)
		return wire.Float32(float32(f)), err
	case wire.KindFloat64:
		f, err := strconv.ParseFloat(raw, 64)
		return wire.Float64(f), err
	case wire.KindBool:
		b, err := strconv.ParseBool(raw)
		return wire.Bool(b), err
	default:
		return wire.Value{}, fmt.Errorf("kind %s cannot be given on the command line", kind)
	}
}

var getters = map[string]string{
	"location":  wire.CmdGetLocation,
	"mode":      wire.CmdGetLocationMode,
	"speed":     wire.CmdGetSpeed,
	"bearing":   wire.CmdGetBearing,
	"altitude":  wire.CmdGetAltitude,
	"listeners": wire.CmdGetListenerSize,
	"mock":      wire.CmdIsStart,
	"gnss":      wire.CmdGetGnssStatus,
	"cell":      wire.CmdGetCellInfo,
	"nmea":      wire.CmdGetNMEA,
	"pool":      wire.CmdGetPoolStats,
	"sensor":    wire.CmdGetSensor,
}

func (r *Runner) getCommand() *cobra.Command {
	var quality string
	cmd := &cobra.Command{
		Use:   "get WHAT [SENSOR]",
		Short: "Read one value from the daemon",
		Long:  "Read one value from the daemon. WHAT is one of: " + strings.Join(sortedKeys(getters), ", ") + ".",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, ok := getters[args[0]]
			if !ok {
				return usagef("unknown value %q", args[0])
			}
			env := wire.NewEnvelope(id)
			switch id {
			case wire.CmdGetSensor:
				if len(args) != 2 {
					return usagef("usage: portalctl get sensor <kind>")
				}
				env.Set(wire.FieldSensor, wire.String(args[1]))
			case wire.CmdGetLocation:
				if quality != "" {
					env.Set(wire.FieldQuality, wire.String(quality))
				}
			}
			if err := r.call(cmd.Context(), env); err != nil {
				return err
			}
			return r.printEnvelope(env)
		},
	}
	cmd.Flags().StringVar(&quality, "quality", "", "location quality (high, balanced, coarse)")
	return cmd
}

type setter struct {
	command string
	field   string
	kind    wire.Kind
}

var setters = map[string]setter{
	"bearing":          {wire.CmdSetBearing, wire.FieldBearing, wire.KindFloat64},
	"speed":            {wire.CmdSetSpeed, wire.FieldSpeed, wire.KindFloat64},
	"altitude":         {wire.CmdSetAltitude, wire.FieldAltitude, wire.KindFloat64},
	"speed-amp":        {wire.CmdSetSpeedAmp, wire.FieldSpeedAmplitude, wire.KindFloat64},
	"step-mult":        {wire.CmdSetStepMult, wire.FieldStepMult, wire.KindFloat64},
	"transport-mode":   {wire.CmdSetTransportMode, wire.FieldTransportMode, wire.KindString},
	"auto-detect":      {wire.CmdSetAutoDetect, wire.FieldAutoDetect, wire.KindBool},
	"sensor-sim":       {wire.CmdSetSensorSim, state.FeatureSensorSimulation.Name(), wire.KindBool},
	"geofence-request": {wire.CmdSetGeofenceReq, state.FeatureRequestGeofence.Name(), wire.KindBool},
}

func (r *Runner) setCommand() *cobra.Command {
	var relative bool
	cmd := &cobra.Command{
		Use:   "set WHAT VALUE...",
		Short: "Change one value on the daemon",
		Long: "Change one value on the daemon. WHAT is location (LAT LON) or one of: " +
			strings.Join(sortedKeys(setters), ", ") + ".",
		Args: minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var env *wire.Envelope
			if args[0] == "location" {
				if len(args) != 3 {
					return usagef("usage: portalctl set location <lat> <lon>")
				}
				lat, err := strconv.ParseFloat(args[1], 64)
				if err != nil {
					return usagef("lat: %v", err)
				}
				lon, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return usagef("lon: %v", err)
				}
				mode := wire.ModeAbsolute
				if relative {
					mode = wire.ModeOffset
				}
				env = wire.NewEnvelope(wire.CmdUpdateLocation).
					Set(wire.FieldLat, wire.Float64(lat)).
					Set(wire.FieldLon, wire.Float64(lon)).
					Set(wire.FieldMode, wire.String(mode))
			} else {
				s, ok := setters[args[0]]
				if !ok {
					return usagef("unknown value %q", args[0])
				}
				if len(args) != 2 {
					return usagef("usage: portalctl set %s <value>", args[0])
				}
				v, err := parseValue(s.kind, args[1])
				if err != nil {
					return usagef("%s: %v", args[0], err)
				}
				env = wire.NewEnvelope(s.command).Set(s.field, v)
			}
			if err := r.call(cmd.Context(), env); err != nil {
				return err
			}
			return r.printEnvelope(env)
		},
	}
	cmd.Flags().BoolVar(&relative, "relative", false, "treat location as a degree offset")
	return cmd
}

var mockCommands = map[string][2]string{
	"mock": {wire.CmdStart, wire.CmdStop},
	"gnss": {wire.CmdStartGnssMock, wire.CmdStopGnssMock},
	"wifi": {wire.CmdStartWifiMock, wire.CmdStopWifiMock},
}

func mockTarget(args []string) (string, error) {
	if len(args) == 0 {
		return "mock", nil
	}
	if _, ok := mockCommands[args[0]]; !ok {
		return "", usagef("unknown mock %q (want mock, gnss or wifi)", args[0])
	}
	return args[0], nil
}

func (r *Runner) startCommand() *cobra.Command {
	var speed, altitude, accuracy float64
	cmd := &cobra.Command{
		Use:   "start [mock|gnss|wifi]",
		Short: "Start fabricating locations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := mockTarget(args)
			if err != nil {
				return err
			}
			env := wire.NewEnvelope(mockCommands[target][0])
			flags := cmd.Flags()
			if flags.Changed("speed") {
				env.Set(wire.FieldSpeed, wire.Float64(speed))
			}
			if flags.Changed("altitude") {
				env.Set(wire.FieldAltitude, wire.Float64(altitude))
			}
			if flags.Changed("accuracy") {
				env.Set(wire.FieldAccuracy, wire.Float64(accuracy))
			}
			if err := r.call(cmd.Context(), env); err != nil {
				return err
			}
			return r.printEnvelope(env)
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 0, "speed in m/s")
	cmd.Flags().Float64Var(&altitude, "altitude", 0, "altitude in meters")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "horizontal accuracy in meters")
	return cmd
}

func (r *Runner) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [mock|gnss|wifi]",
		Short: "Stop fabricating locations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := mockTarget(args)
			if err != nil {
				return err
			}
			env := wire.NewEnvelope(mockCommands[target][1])
			if err := r.call(cmd.Context(), env); err != nil {
				return err
			}
			return r.printEnvelope(env)
		},
	}
}

func (r *Runner) moveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "move DISTANCE BEARING",
		Short: "Move the fixed position by DISTANCE meters toward BEARING degrees",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return usagef("distance: %v", err)
			}
			bearing, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return usagef("bearing: %v", err)
			}
			env := wire.NewEnvelope(wire.CmdMove).
				Set(wire.FieldN, wire.Float64(n)).
				Set(wire.FieldBearing, wire.Float64(bearing))
			if err := r.call(cmd.Context(), env); err != nil {
				return err
			}
			return r.printEnvelope(env)
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
