package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/portal/internal/model"
)

// SaveRoute stores r under r.Name. An existing route with the same name is
// replaced only when replace is set; otherwise ErrDuplicate is returned.
func (s *Store) SaveRoute(ctx context.Context, r model.SavedRoute, replace bool) (model.SavedRoute, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return model.SavedRoute{}, fmt.Errorf("save route: name is required")
	}
	if len(r.Waypoints) == 0 {
		return model.SavedRoute{}, fmt.Errorf("save route %s: no waypoints", r.Name)
	}
	for i, w := range r.Waypoints {
		if err := w.Validate(); err != nil {
			return model.SavedRoute{}, fmt.Errorf("save route %s: waypoint %d: %w", r.Name, i, err)
		}
	}
	if r.Threshold <= 0 {
		r.Threshold = 1
	}
	now := time.Now().UTC()
	r.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SavedRoute{}, fmt.Errorf("begin save route tx: %w", err)
	}
	var (
		existingID string
		createdAt  string
	)
	err = tx.QueryRowContext(ctx, `SELECT route_id, created_at FROM routes WHERE name = ?`, r.Name).Scan(&existingID, &createdAt)
	switch {
	case err == nil && !replace:
		tx.Rollback() //nolint:errcheck
		return model.SavedRoute{}, ErrDuplicate
	case err == nil:
		r.RouteID = existingID
		if r.CreatedAt, err = parseTS(createdAt); err != nil {
			tx.Rollback() //nolint:errcheck
			return model.SavedRoute{}, fmt.Errorf("parse created_at: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE routes SET threshold_m = ?, description = ?, updated_at = ? WHERE route_id = ?`,
			r.Threshold, r.Description, ts(r.UpdatedAt), r.RouteID); err != nil {
			tx.Rollback() //nolint:errcheck
			return model.SavedRoute{}, fmt.Errorf("update route: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_waypoints WHERE route_id = ?`, r.RouteID); err != nil {
			tx.Rollback() //nolint:errcheck
			return model.SavedRoute{}, fmt.Errorf("clear waypoints: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		r.RouteID = uuid.NewString()
		r.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes(route_id, name, threshold_m, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.RouteID, r.Name, r.Threshold, r.Description, ts(r.CreatedAt), ts(r.UpdatedAt)); err != nil {
			tx.Rollback() //nolint:errcheck
			if isUniqueErr(err) {
				return model.SavedRoute{}, ErrDuplicate
			}
			return model.SavedRoute{}, fmt.Errorf("insert route: %w", err)
		}
	default:
		tx.Rollback() //nolint:errcheck
		return model.SavedRoute{}, fmt.Errorf("lookup route: %w", err)
	}

	for i, w := range r.Waypoints {
		if _, err := tx.ExecContext(ctx, `INSERT INTO route_waypoints(route_id, seq, lat, lon) VALUES (?, ?, ?, ?)`, r.RouteID, i, w.Lat, w.Lon); err != nil {
			tx.Rollback() //nolint:errcheck
			if isForeignKeyErr(err) {
				return model.SavedRoute{}, ErrNotFound
			}
			return model.SavedRoute{}, fmt.Errorf("insert waypoint %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.SavedRoute{}, fmt.Errorf("commit save route: %w", err)
	}
	return r, nil
}

func (s *Store) GetRouteByName(ctx context.Context, name string) (model.SavedRoute, error) {
	var (
		r                    model.SavedRoute
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT route_id, name, threshold_m, description, created_at, updated_at FROM routes WHERE name = ?`, strings.TrimSpace(name)).
		Scan(&r.RouteID, &r.Name, &r.Threshold, &r.Description, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SavedRoute{}, ErrNotFound
		}
		return model.SavedRoute{}, fmt.Errorf("get route: %w", err)
	}
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.SavedRoute{}, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.SavedRoute{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if r.Waypoints, err = s.listWaypoints(ctx, r.RouteID); err != nil {
		return model.SavedRoute{}, err
	}
	return r, nil
}

func (s *Store) listWaypoints(ctx context.Context, routeID string) ([]model.Waypoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lat, lon FROM route_waypoints WHERE route_id = ? ORDER BY seq ASC`, routeID)
	if err != nil {
		return nil, fmt.Errorf("list waypoints: %w", err)
	}
	defer rows.Close()
	var out []model.Waypoint
	for rows.Next() {
		var w model.Waypoint
		if err := rows.Scan(&w.Lat, &w.Lon); err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waypoints: %w", err)
	}
	return out, nil
}

// ListRoutes returns every route ordered by name, without waypoints. The
// waypoint count is reported per route id.
func (s *Store) ListRoutes(ctx context.Context) ([]model.SavedRoute, map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.route_id, r.name, r.threshold_m, r.description, r.created_at, r.updated_at, COUNT(w.seq)
FROM routes r
LEFT JOIN route_waypoints w ON w.route_id = r.route_id
GROUP BY r.route_id
ORDER BY r.name ASC
`)
	if err != nil {
		return nil, nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()
	out := make([]model.SavedRoute, 0)
	counts := map[string]int{}
	for rows.Next() {
		var (
			r                    model.SavedRoute
			createdAt, updatedAt string
			n                    int
		)
		if err := rows.Scan(&r.RouteID, &r.Name, &r.Threshold, &r.Description, &createdAt, &updatedAt, &n); err != nil {
			return nil, nil, fmt.Errorf("scan route: %w", err)
		}
		if r.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, nil, fmt.Errorf("parse created_at: %w", err)
		}
		if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, nil, fmt.Errorf("parse updated_at: %w", err)
		}
		counts[r.RouteID] = n
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate routes: %w", err)
	}
	return out, counts, nil
}

func (s *Store) DeleteRoute(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete route rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
