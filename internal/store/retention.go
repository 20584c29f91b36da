package store

import (
	"context"
	"database/sql"
	"time"

	"airguard/go-detection-server/internal/model"
)

// PruneResult counts the rows removed by Prune.
type PruneResult struct {
	Beacons   int64 `json:"beacons"`
	Devices   int64 `json:"devices"`
	Locations int64 `json:"locations"`
}

// Prune deletes beacons received before cutoff, then devices left without any
// beacon that were last seen before cutoff, then locations no beacon refers to
// any more. Notifications are kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	var out PruneResult
	err := s.inTx(ctx, "prune", func(tx *sql.Tx) error {
		c := formatTime(cutoff)

		res, err := tx.ExecContext(ctx, `DELETE FROM beacons WHERE received_at < ?;`, c)
		if err != nil {
			return storageErr("prune beacons", err)
		}
		out.Beacons, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM devices
			 WHERE last_seen < ?
			   AND NOT EXISTS (SELECT 1 FROM beacons WHERE beacons.device_address = devices.address);`, c)
		if err != nil {
			return storageErr("prune devices", err)
		}
		out.Devices, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM locations
			 WHERE last_seen < ?
			   AND NOT EXISTS (SELECT 1 FROM beacons WHERE beacons.location_id = locations.id);`, c)
		if err != nil {
			return storageErr("prune locations", err)
		}
		out.Locations, _ = res.RowsAffected()
		return nil
	})
	return out, err
}

// DeviceHistory is a device with the beacons it produced in some window.
type DeviceHistory struct {
	Device  model.Device
	Beacons []model.Beacon
}

// HistorySince returns every device seen at or after since, ignored ones
// included, with its beacons from the same window.
func (s *Store) HistorySince(ctx context.Context, since time.Time) ([]DeviceHistory, error) {
	var out []DeviceHistory
	err := s.inTx(ctx, "history", func(tx *sql.Tx) error {
		c := formatTime(since)

		rows, err := tx.QueryContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE last_seen >= ? ORDER BY first_discovery ASC, id ASC;`, c)
		if err != nil {
			return storageErr("query history devices", err)
		}
		devices, err := collectDevices(rows)
		if err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx,
			`SELECT `+beaconColumns+` FROM beacons WHERE received_at >= ? ORDER BY received_at ASC, id ASC;`, c)
		if err != nil {
			return storageErr("query history beacons", err)
		}
		beacons, err := collectBeacons(rows)
		if err != nil {
			return err
		}

		byAddress := make(map[string][]model.Beacon, len(devices))
		for _, b := range beacons {
			byAddress[b.DeviceAddress] = append(byAddress[b.DeviceAddress], b)
		}
		out = make([]DeviceHistory, 0, len(devices))
		for _, d := range devices {
			out = append(out, DeviceHistory{Device: d, Beacons: byAddress[d.Address]})
		}
		return nil
	})
	return out, err
}
