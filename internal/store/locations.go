package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"airguard/go-detection-server/internal/geo"
	"airguard/go-detection-server/internal/model"
)

const locationColumns = `id, latitude, longitude, altitude, accuracy, first_discovery, last_seen, name`

// MatchOrCreateLocation returns the id of the nearest stored location within
// radius meters of fix, extending its last_seen to at. When none is close
// enough a new location is inserted.
func (s *Store) MatchOrCreateLocation(ctx context.Context, fix model.Fix, at time.Time, radius float64) (int64, error) {
	var id int64
	err := s.inTx(ctx, "match location", func(tx *sql.Tx) error {
		var err error
		id, err = matchOrCreateLocation(ctx, tx, fix, at, radius)
		return err
	})
	return id, err
}

func matchOrCreateLocation(ctx context.Context, q querier, fix model.Fix, at time.Time, radius float64) (int64, error) {
	if err := checkTime("at", at); err != nil {
		return 0, err
	}
	candidates, err := locationsNear(ctx, q, fix.Latitude, fix.Longitude, radius)
	if err != nil {
		return 0, err
	}

	if best, _, ok := geo.Nearest(candidates, fix.Latitude, fix.Longitude, radius); ok {
		_, err := q.ExecContext(
			ctx,
			`UPDATE locations
			 SET last_seen = max(last_seen, ?),
			     altitude = coalesce(altitude, ?),
			     accuracy = coalesce(accuracy, ?)
			 WHERE id = ?;`,
			formatTime(at),
			nullFloat(fix.Altitude),
			nullFloat(fix.Accuracy),
			best.ID,
		)
		if err != nil {
			return 0, storageErr("extend location", err)
		}
		return best.ID, nil
	}

	res, err := q.ExecContext(
		ctx,
		`INSERT INTO locations (latitude, longitude, altitude, accuracy, first_discovery, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		fix.Latitude,
		fix.Longitude,
		nullFloat(fix.Altitude),
		nullFloat(fix.Accuracy),
		formatTime(at),
		formatTime(at),
	)
	if err != nil {
		return 0, storageErr("insert location", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert location", err)
	}
	return id, nil
}

func locationsNear(ctx context.Context, q querier, lat, lon, radius float64) ([]model.Location, error) {
	box := geo.Around(lat, lon, radius)
	rows, err := q.QueryContext(
		ctx,
		`SELECT `+locationColumns+` FROM locations
		 WHERE latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?;`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon,
	)
	if err != nil {
		return nil, storageErr("query nearby locations", err)
	}
	return collectLocations(rows)
}

// ClosestLocation returns the nearest location within radius meters, or
// ErrNotFound.
func (s *Store) ClosestLocation(ctx context.Context, lat, lon, radius float64) (model.Location, error) {
	candidates, err := locationsNear(ctx, s.db, lat, lon, radius)
	if err != nil {
		return model.Location{}, err
	}
	best, _, ok := geo.Nearest(candidates, lat, lon, radius)
	if !ok {
		return model.Location{}, fmt.Errorf("location near %.6f,%.6f: %w", lat, lon, model.ErrNotFound)
	}
	return best, nil
}

// Location returns a location by id.
func (s *Store) Location(ctx context.Context, id int64) (model.Location, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+locationColumns+` FROM locations WHERE id = ?;`, id)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, fmt.Errorf("location %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Location{}, storageErr("get location", err)
	}
	return loc, nil
}

// Locations returns every stored location, most recently seen first.
func (s *Store) Locations(ctx context.Context) ([]model.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM locations ORDER BY last_seen DESC;`)
	if err != nil {
		return nil, storageErr("query locations", err)
	}
	return collectLocations(rows)
}

// SetLocationName assigns a user label to a location.
func (s *Store) SetLocationName(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE locations SET name = ? WHERE id = ?;`, sql.NullString{String: name, Valid: name != ""}, id)
	if err != nil {
		return storageErr("name location", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("location %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// CountLocations returns the number of stored locations.
func (s *Store) CountLocations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations;`).Scan(&n); err != nil {
		return 0, storageErr("count locations", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (model.Location, error) {
	var (
		loc             model.Location
		altitude, accur sql.NullFloat64
		first, last     string
		name            sql.NullString
	)
	if err := row.Scan(&loc.ID, &loc.Latitude, &loc.Longitude, &altitude, &accur, &first, &last, &name); err != nil {
		return model.Location{}, err
	}
	if altitude.Valid {
		v := altitude.Float64
		loc.Altitude = &v
	}
	if accur.Valid {
		v := accur.Float64
		loc.Accuracy = &v
	}
	var err error
	if loc.FirstDiscovery, err = parseTime(first); err != nil {
		return model.Location{}, err
	}
	if loc.LastSeen, err = parseTime(last); err != nil {
		return model.Location{}, err
	}
	loc.Name = name.String
	return loc, nil
}

func collectLocations(rows *sql.Rows) ([]model.Location, error) {
	defer rows.Close()

	var locations []model.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, storageErr("scan location", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate locations", err)
	}
	return locations, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
