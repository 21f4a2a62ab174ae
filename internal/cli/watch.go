package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/portal/internal/db"
	"github.com/g960059/portal/internal/transport"
	"github.com/g960059/portal/internal/wire"
)

var errEnough = errors.New("enough samples")

func (r *Runner) watchCommand() *cobra.Command {
	var (
		quality  string
		count    int
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register as a location listener and print broadcast samples",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
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
			c, err := transport.Dial(ctx, r.cfg.SocketPath)
			if err != nil {
				return err
			}
			defer c.Close() //nolint:errcheck

			enc := json.NewEncoder(r.out)
			seen := 0
			err = c.Listen(ctx, r.cfg.Provider, sess.Key, quality, func(f wire.Frame) error {
				if r.jsonOut {
					if err := enc.Encode(f); err != nil {
						return err
					}
				} else {
					r.printFrame(f)
				}
				if f.Type == wire.FrameSample {
					seen++
				}
				if count > 0 && seen >= count {
					return errEnough
				}
				return nil
			})
			switch {
			case errors.Is(err, errEnough):
				return nil
			case duration > 0 && errors.Is(err, context.DeadlineExceeded):
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&quality, "quality", "", "listener quality (high, balanced, coarse)")
	f.IntVar(&count, "count", 0, "stop after this many samples")
	f.DurationVar(&duration, "duration", 0, "stop after this long")
	return cmd
}

func (r *Runner) printFrame(f wire.Frame) {
	env := f.Envelope
	if env == nil {
		return
	}
	switch f.Type {
	case wire.FrameGeofence:
		_, _ = fmt.Fprintf(r.out, "geofence\t%s\t%s\ttransition=%s\n",
			field(env, wire.FieldID), field(env, wire.FieldTarget), field(env, wire.FieldTransition))
	default:
		_, _ = fmt.Fprintf(r.out, "%s,%s\tacc=%s\tspeed=%s\tbearing=%s\talt=%s\n",
			field(env, wire.FieldLat), field(env, wire.FieldLon), field(env, wire.FieldAccuracy),
			field(env, wire.FieldSpeed), field(env, wire.FieldBearing), field(env, wire.FieldAltitude))
	}
}

func (r *Runner) journalCommand() *cobra.Command {
	var (
		command string
		failed  bool
		since   time.Duration
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List commands the daemon journaled, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if r.cfg.JournalPath == "" {
				return fmt.Errorf("journal is disabled")
			}
			ctx := cmd.Context()
			if err := os.MkdirAll(filepath.Dir(r.cfg.JournalPath), 0o755); err != nil {
				return fmt.Errorf("create journal dir: %w", err)
			}
			store, err := db.OpenMigrated(ctx, r.cfg.JournalPath)
			if err != nil {
				return err
			}
			defer store.Close()
			filter := db.JournalFilter{CommandID: command, FailedOnly: failed, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			entries, err := store.ListJournal(ctx, filter)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(entries)
			}
			for _, e := range entries {
				result := "ok"
				if !e.OK() {
					result = e.Code
				}
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s", e.At.Local().Format(time.RFC3339), e.CommandID, result, e.Elapsed)
				if e.Error != "" {
					_, _ = fmt.Fprintf(r.out, "\t%s", e.Error)
				}
				_, _ = fmt.Fprintln(r.out)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&command, "command", "", "only this command id")
	f.BoolVar(&failed, "failed", false, "only failed commands")
	f.DurationVar(&since, "since", 0, "only entries newer than this")
	f.IntVar(&limit, "limit", 0, "maximum entries (default 100)")
	return cmd
}
