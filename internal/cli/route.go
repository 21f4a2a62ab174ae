package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/g960059/portal/internal/db"
	"github.com/g960059/portal/internal/model"
	"github.com/g960059/portal/internal/route"
)

// routeFile is the YAML form accepted by `route save --file`.
type routeFile struct {
	Description string  `yaml:"description"`
	Threshold   float64 `yaml:"threshold_m"`
	Waypoints   []struct {
		Lat float64 `yaml:"lat"`
		Lon float64 `yaml:"lon"`
	} `yaml:"waypoints"`
}

func (r *Runner) routeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage and play saved routes",
	}
	cmd.AddCommand(r.routeSave(), r.routeList(), r.routeShow(), r.routeDelete(), r.routePlay())
	return cmd
}

func (r *Runner) openRoutes(ctx context.Context) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(r.cfg.RoutesDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create routes dir: %w", err)
	}
	return db.OpenMigrated(ctx, r.cfg.RoutesDBPath)
}

func (r *Runner) routeSave() *cobra.Command {
	var (
		points      []string
		file        string
		threshold   float64
		description string
		replace     bool
	)
	cmd := &cobra.Command{
		Use:   "save NAME",
		Short: "Save a named route from --point flags or a YAML file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			saved := model.SavedRoute{Name: args[0], Description: description, Threshold: threshold}
			switch {
			case file != "" && len(points) > 0:
				return usagef("use either --file or --point")
			case file != "":
				rf, err := readRouteFile(file)
				if err != nil {
					return err
				}
				for _, w := range rf.Waypoints {
					saved.Waypoints = append(saved.Waypoints, model.Waypoint{Lat: w.Lat, Lon: w.Lon})
				}
				if saved.Description == "" {
					saved.Description = rf.Description
				}
				if !cmd.Flags().Changed("threshold") {
					saved.Threshold = rf.Threshold
				}
			case len(points) > 0:
				for _, p := range points {
					w, err := parsePoint(p)
					if err != nil {
						return usageError{err}
					}
					saved.Waypoints = append(saved.Waypoints, w)
				}
			default:
				return usagef("a route needs --point or --file")
			}

			ctx := cmd.Context()
			store, err := r.openRoutes(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			out, err := store.SaveRoute(ctx, saved, replace)
			if errors.Is(err, db.ErrDuplicate) {
				return fmt.Errorf("route %q already exists (use --replace)", saved.Name)
			}
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(out)
			}
			_, _ = fmt.Fprintf(r.out, "saved route %s (%d waypoints, %.0f m)\n", out.Name, len(out.Waypoints), route.PathLength(out.Waypoints))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&points, "point", nil, "waypoint as LAT,LON (repeatable)")
	f.StringVar(&file, "file", "", "YAML route file")
	f.Float64Var(&threshold, "threshold", route.DefaultArrivalThreshold, "arrival threshold in meters")
	f.StringVar(&description, "description", "", "route description")
	f.BoolVar(&replace, "replace", false, "replace an existing route of the same name")
	return cmd
}

func readRouteFile(path string) (routeFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return routeFile{}, fmt.Errorf("read route file: %w", err)
	}
	var rf routeFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return routeFile{}, fmt.Errorf("decode route file %s: %w", path, err)
	}
	return rf, nil
}

func parsePoint(raw string) (model.Waypoint, error) {
	latRaw, lonRaw, ok := strings.Cut(raw, ",")
	if !ok {
		return model.Waypoint{}, fmt.Errorf("point %q: want LAT,LON", raw)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return model.Waypoint{}, fmt.Errorf("point %q: %w", raw, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonRaw), 64)
	if err != nil {
		return model.Waypoint{}, fmt.Errorf("point %q: %w", raw, err)
	}
	w := model.Waypoint{Lat: lat, Lon: lon}
	if err := w.Validate(); err != nil {
		return model.Waypoint{}, fmt.Errorf("point %q: %w", raw, err)
	}
	return w, nil
}

func (r *Runner) routeList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved routes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := r.openRoutes(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			routes, counts, err := store.ListRoutes(ctx)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(routes)
			}
			for _, rt := range routes {
				_, _ = fmt.Fprintf(r.out, "%s\t%d\t%g\t%s\n", rt.Name, counts[rt.RouteID], rt.Threshold, rt.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (r *Runner) routeShow() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print the waypoints of a saved route",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := r.openRoutes(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			rt, err := store.GetRouteByName(ctx, args[0])
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("route %q not found", args[0])
			}
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(rt)
			}
			_, _ = fmt.Fprintf(r.out, "# %s threshold=%gm length=%.0fm\n", rt.Name, rt.Threshold, route.PathLength(rt.Waypoints))
			for i, w := range rt.Waypoints {
				_, _ = fmt.Fprintf(r.out, "%d\t%.6f,%.6f\n", i, w.Lat, w.Lon)
			}
			return nil
		},
	}
}

func (r *Runner) routeDelete() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a saved route",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := r.openRoutes(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.DeleteRoute(ctx, args[0]); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("route %q not found", args[0])
				}
				return err
			}
			_, _ = fmt.Fprintf(r.out, "deleted route %s\n", args[0])
			return nil
		},
	}
}

func (r *Runner) routePlay() *cobra.Command {
	var (
		interval time.Duration
		step     float64
	)
	cmd := &cobra.Command{
		Use:   "play NAME",
		Short: "Play a saved route on the daemon until it completes",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := r.openRoutes(ctx)
			if err != nil {
				return err
			}
			rt, err := store.GetRouteByName(ctx, args[0])
			store.Close() //nolint:errcheck
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("route %q not found", args[0])
			}
			if err != nil {
				return err
			}

			m, err := r.manager()
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck
			p, err := route.NewPlayer(route.CallerFunc(m.Call), rt.Waypoints, route.Options{
				Threshold: rt.Threshold,
				Interval:  interval,
				Step:      step,
				Logger:    r.logger,
				OnStep: func(s route.Step) {
					if s.Action == route.ActionHold {
						return
					}
					_, _ = fmt.Fprintf(r.out, "%s\tstage=%d\tremaining=%.1fm\n", s.Action, s.Stage, s.Remaining)
				},
			})
			if err != nil {
				return err
			}
			if err := p.Start(ctx); err != nil {
				return err
			}
			err = p.Wait(ctx)
			if ctx.Err() != nil {
				// Interrupted: leave route mode on the daemon.
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return errors.Join(ctx.Err(), p.Stop(stopCtx))
			}
			if err != nil {
				return err
			}
			pos := p.Position()
			_, _ = fmt.Fprintf(r.out, "route %s %s at %.6f,%.6f\n", rt.Name, p.Phase(), pos.Lat, pos.Lon)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", route.DefaultTickInterval, "tick interval")
	cmd.Flags().Float64Var(&step, "step", 0, "meters per tick (0 derives it from the current speed)")
	return cmd
}
