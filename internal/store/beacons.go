package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"airguard/go-detection-server/internal/model"
)

const beaconColumns = `id, device_address, received_at, rssi, location_id, payload, service_uuids, scanner`

func insertBeacon(ctx context.Context, q querier, sg model.Sighting, locationID *int64) (int64, error) {
	var services sql.NullString
	if len(sg.ServiceUUIDs) > 0 {
		raw, err := json.Marshal(sg.ServiceUUIDs)
		if err != nil {
			return 0, storageErr("encode service uuids", err)
		}
		services = sql.NullString{String: string(raw), Valid: true}
	}

	var loc sql.NullInt64
	if locationID != nil {
		loc = sql.NullInt64{Int64: *locationID, Valid: true}
	}

	res, err := q.ExecContext(
		ctx,
		`INSERT INTO beacons (device_address, received_at, rssi, location_id, payload, service_uuids, scanner)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		sg.Address,
		formatTime(sg.ReceivedAt),
		sg.RSSI,
		loc,
		hexPayload(sg.Payload),
		services,
		sg.Scanner,
	)
	if err != nil {
		return 0, storageErr("insert beacon", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert beacon", err)
	}
	return id, nil
}

// DeviceBeacons returns the beacons of one device received at or after since
// (all of them when since is nil), oldest first.
func (s *Store) DeviceBeacons(ctx context.Context, address string, since *time.Time) ([]model.Beacon, error) {
	query := `SELECT ` + beaconColumns + ` FROM beacons WHERE device_address = ?`
	args := []any{address}
	if since != nil {
		query += ` AND received_at >= ?`
		args = append(args, formatTime(*since))
	}
	query += ` ORDER BY received_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query device beacons", err)
	}
	return collectBeacons(rows)
}

// BeaconsSince returns every beacon received at or after since, oldest first.
func (s *Store) BeaconsSince(ctx context.Context, since time.Time) ([]model.Beacon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+beaconColumns+` FROM beacons WHERE received_at >= ? ORDER BY received_at ASC, id ASC;`,
		formatTime(since))
	if err != nil {
		return nil, storageErr("query beacons", err)
	}
	return collectBeacons(rows)
}

// CountBeaconsSince counts beacons received at or after since.
func (s *Store) CountBeaconsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM beacons WHERE received_at >= ?;`, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, storageErr("count beacons", err)
	}
	return n, nil
}

// BackfillLocation resolves fix to a location and assigns it to the beacons
// reported by scanner in [from, to] that have no location yet. Beacons that
// already carry a location are never touched.
func (s *Store) BackfillLocation(ctx context.Context, scanner string, fix model.Fix, from, to time.Time, radius float64) (int64, int64, error) {
	if scanner == "" {
		return 0, 0, model.Invalid("scanner", "must not be empty")
	}
	if err := checkTime("from", from); err != nil {
		return 0, 0, err
	}
	if err := checkTime("to", to); err != nil {
		return 0, 0, err
	}

	var locationID, updated int64
	err := s.inTx(ctx, "backfill location", func(tx *sql.Tx) error {
		at := fix.Time
		if at.IsZero() {
			at = to
		}

		var err error
		locationID, err = matchOrCreateLocation(ctx, tx, fix, at, radius)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(
			ctx,
			`UPDATE beacons SET location_id = ?
			 WHERE location_id IS NULL AND scanner = ? AND received_at >= ? AND received_at <= ?;`,
			locationID,
			scanner,
			formatTime(from),
			formatTime(to),
		)
		if err != nil {
			return storageErr("backfill beacons", err)
		}
		updated, _ = res.RowsAffected()
		return nil
	})
	return locationID, updated, err
}

func scanBeacon(row rowScanner) (model.Beacon, error) {
	var (
		b        model.Beacon
		received string
		loc      sql.NullInt64
		payload  sql.NullString
		services sql.NullString
	)
	if err := row.Scan(&b.ID, &b.DeviceAddress, &received, &b.RSSI, &loc, &payload, &services, &b.Scanner); err != nil {
		return model.Beacon{}, err
	}
	var err error
	if b.ReceivedAt, err = parseTime(received); err != nil {
		return model.Beacon{}, err
	}
	if loc.Valid {
		id := loc.Int64
		b.LocationID = &id
	}
	b.Payload = decodeHex(payload)
	if services.Valid && services.String != "" {
		if err := json.Unmarshal([]byte(services.String), &b.ServiceUUIDs); err != nil {
			return model.Beacon{}, err
		}
	}
	return b, nil
}

func collectBeacons(rows *sql.Rows) ([]model.Beacon, error) {
	defer rows.Close()

	var beacons []model.Beacon
	for rows.Next() {
		b, err := scanBeacon(rows)
		if err != nil {
			return nil, storageErr("scan beacon", err)
		}
		beacons = append(beacons, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate beacons", err)
	}
	return beacons, nil
}
