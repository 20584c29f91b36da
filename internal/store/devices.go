package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"airguard/go-detection-server/internal/model"
)

const deviceColumns = `id, address, kind, ignored, connectable, payload, first_discovery, last_seen, notification_sent, last_notification_sent`

// trackerCondition selects non-ignored devices with a beacon inside [?, ?].
const trackerCondition = `devices.ignored = 0 AND EXISTS (
	SELECT 1 FROM beacons
	WHERE beacons.device_address = devices.address
	  AND beacons.received_at >= ? AND beacons.received_at <= ?)`

// RecordSighting applies one sighting atomically: the device is created or
// bumped, the fix (if any) is resolved to a location, and a beacon row is
// appended. A failing location match leaves the beacon without a location
// instead of dropping it.
func (s *Store) RecordSighting(ctx context.Context, sg model.Sighting, radius float64) (model.SightingResult, error) {
	if err := checkTime("received_at", sg.ReceivedAt); err != nil {
		return model.SightingResult{}, err
	}

	var res model.SightingResult

	err := s.inTx(ctx, "record sighting", func(tx *sql.Tx) error {
		id, created, err := upsertDevice(ctx, tx, sg)
		if err != nil {
			return err
		}
		res.DeviceID = id
		res.NewDevice = created

		if sg.Fix != nil {
			at := sg.Fix.Time
			if at.IsZero() {
				at = sg.ReceivedAt
			}
			locationID, err := matchInSavepoint(ctx, tx, *sg.Fix, at, radius)
			if err != nil {
				res.LocationErr = err
			} else {
				res.LocationID = &locationID
			}
		}

		res.BeaconID, err = insertBeacon(ctx, tx, sg, res.LocationID)
		return err
	})
	if err != nil {
		return model.SightingResult{}, err
	}
	return res, nil
}

func matchInSavepoint(ctx context.Context, tx *sql.Tx, fix model.Fix, at time.Time, radius float64) (int64, error) {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT location_match;`); err != nil {
		return 0, storageErr("savepoint", err)
	}

	id, err := matchOrCreateLocation(ctx, tx, fix, at, radius)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO location_match;`); rbErr != nil {
			return 0, storageErr("rollback savepoint", rbErr)
		}
	}
	if _, relErr := tx.ExecContext(ctx, `RELEASE location_match;`); relErr != nil && err == nil {
		return 0, storageErr("release savepoint", relErr)
	}
	return id, err
}

func upsertDevice(ctx context.Context, tx *sql.Tx, sg model.Sighting) (int64, bool, error) {
	var (
		id             int64
		kind, lastSeen string
		connectable    int
		storedHex      sql.NullString
		receivedStr    = formatTime(sg.ReceivedAt)
	)

	err := tx.QueryRowContext(ctx, `SELECT id, kind, connectable, payload, last_seen FROM devices WHERE address = ?;`, sg.Address).
		Scan(&id, &kind, &connectable, &storedHex, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO devices (address, kind, connectable, payload, first_discovery, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?);`,
			sg.Address,
			string(model.ClassifyDevice(sg.Payload, sg.ServiceUUIDs)),
			boolInt(sg.Connectable),
			hexPayload(sg.Payload),
			receivedStr,
			receivedStr,
		)
		if err != nil {
			return 0, false, storageErr("insert device", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, storageErr("insert device", err)
		}
		return id, true, nil
	}
	if err != nil {
		return 0, false, storageErr("lookup device", err)
	}

	// A replayed sighting older than last_seen only fills in what is still
	// unknown; it never overrides state learned from a newer one.
	current := receivedStr >= lastSeen

	payload := decodeHex(storedHex)
	if len(sg.Payload) > 0 && (current || len(payload) == 0) {
		payload = sg.Payload
	}
	if current {
		connectable = boolInt(sg.Connectable)
	}
	if learned := model.ClassifyDevice(payload, sg.ServiceUUIDs); learned != model.KindUnknown &&
		(current || kind == string(model.KindUnknown)) {
		kind = string(learned)
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE devices
		 SET last_seen = max(last_seen, ?),
		     first_discovery = min(first_discovery, ?),
		     connectable = ?,
		     payload = ?,
		     kind = ?
		 WHERE id = ?;`,
		receivedStr,
		receivedStr,
		connectable,
		hexPayload(payload),
		kind,
		id,
	)
	if err != nil {
		return 0, false, storageErr("update device", err)
	}
	return id, false, nil
}

// Device returns the device with the given address.
func (s *Store) Device(ctx context.Context, address string) (model.Device, error) {
	return deviceByAddress(ctx, s.db, address)
}

func deviceByAddress(ctx context.Context, q querier, address string) (model.Device, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE address = ?;`, address)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, fmt.Errorf("device %s: %w", address, model.ErrNotFound)
	}
	if err != nil {
		return model.Device{}, storageErr("get device", err)
	}
	return d, nil
}

// Devices returns devices matching filter, most recently seen first.
func (s *Store) Devices(ctx context.Context, filter model.DeviceFilter) ([]model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE 1 = 1`
	var args []any

	if !filter.IncludeIgnored {
		query += ` AND ignored = 0`
	}
	if filter.Since != nil {
		query += ` AND last_seen >= ?`
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND last_seen <= ?`
		args = append(args, formatTime(*filter.Until))
	}
	if filter.NotifiedOnly {
		query += ` AND notification_sent = 1`
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND kind IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY last_seen DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query devices", err)
	}
	return collectDevices(rows)
}

// CountDevicesSince counts non-ignored devices whose last_seen is at or after since.
func (s *Store) CountDevicesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE ignored = 0 AND last_seen >= ?;`, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, storageErr("count devices", err)
	}
	return n, nil
}

// SetIgnore sets the ignore flag of a device. Setting the current value again
// is a no-op.
func (s *Store) SetIgnore(ctx context.Context, address string, ignore bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET ignored = ? WHERE address = ?;`, boolInt(ignore), address)
	if err != nil {
		return storageErr("set ignore", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", address, model.ErrNotFound)
	}
	return nil
}

// SetNotificationSent marks a device as notified at at. The stored timestamp
// never moves backwards.
func (s *Store) SetNotificationSent(ctx context.Context, address string, at time.Time) error {
	return setNotificationSent(ctx, s.db, address, at)
}

func setNotificationSent(ctx context.Context, q querier, address string, at time.Time) error {
	res, err := q.ExecContext(
		ctx,
		`UPDATE devices
		 SET notification_sent = 1,
		     last_notification_sent = max(coalesce(last_notification_sent, ''), ?)
		 WHERE address = ?;`,
		formatTime(at),
		address,
	)
	if err != nil {
		return storageErr("set notification sent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", address, model.ErrNotFound)
	}
	return nil
}

// Snapshot is a consistent view of the trackers in a window together with
// every beacon those trackers ever produced.
type Snapshot struct {
	Trackers []model.Device
	Beacons  []model.Beacon
}

// TrackingSnapshot reads the non-ignored devices with at least one beacon in
// [from, to] and all of their beacons, ordered by received_at, within one
// transaction.
func (s *Store) TrackingSnapshot(ctx context.Context, from, to time.Time) (Snapshot, error) {
	var snap Snapshot
	err := s.inTx(ctx, "tracking snapshot", func(tx *sql.Tx) error {
		fromStr, toStr := formatTime(from), formatTime(to)

		rows, err := tx.QueryContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE `+trackerCondition+` ORDER BY last_seen DESC;`,
			fromStr, toStr)
		if err != nil {
			return storageErr("query trackers", err)
		}
		if snap.Trackers, err = collectDevices(rows); err != nil {
			return err
		}
		if len(snap.Trackers) == 0 {
			return nil
		}

		rows, err = tx.QueryContext(ctx,
			`SELECT `+beaconColumns+` FROM beacons
			 WHERE device_address IN (SELECT address FROM devices WHERE `+trackerCondition+`)
			 ORDER BY received_at ASC, id ASC;`,
			fromStr, toStr)
		if err != nil {
			return storageErr("query tracker beacons", err)
		}
		snap.Beacons, err = collectBeacons(rows)
		return err
	})
	return snap, err
}

func scanDevice(row rowScanner) (model.Device, error) {
	var (
		d                   model.Device
		kind                string
		ignore, connectable int
		payload             sql.NullString
		first, last         string
		notified            int
		lastNotified        sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Address, &kind, &ignore, &connectable, &payload, &first, &last, &notified, &lastNotified); err != nil {
		return model.Device{}, err
	}
	d.Kind = model.DeviceKind(kind)
	d.Ignore = ignore != 0
	d.Connectable = connectable != 0
	d.Payload = decodeHex(payload)
	var err error
	if d.FirstDiscovery, err = parseTime(first); err != nil {
		return model.Device{}, err
	}
	if d.LastSeen, err = parseTime(last); err != nil {
		return model.Device{}, err
	}
	d.NotificationSent = notified != 0
	if d.LastNotificationSent, err = timePtr(lastNotified); err != nil {
		return model.Device{}, err
	}
	return d, nil
}

func collectDevices(rows *sql.Rows) ([]model.Device, error) {
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, storageErr("scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate devices", err)
	}
	return devices, nil
}

func hexPayload(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: hex.EncodeToString(b), Valid: true}
}

func decodeHex(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	b, err := hex.DecodeString(ns.String)
	if err != nil {
		return nil
	}
	return b
}
