package detection

import (
	"context"
	"errors"
	"time"

	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/notify"
)

// State is the notification-gate state of one device.
type State string

const (
	StateUnseen     State = "UNSEEN"
	StateDiscovered State = "DISCOVERED"
	StateNotified   State = "NOTIFIED"
	StateSuppressed State = "SUPPRESSED"
)

// StateOf derives the gate state from the device flags. Suppression wins over
// a sent notification so that un-ignoring returns the device to NOTIFIED.
func StateOf(d model.Device) State {
	switch {
	case d.Ignore:
		return StateSuppressed
	case d.NotificationSent:
		return StateNotified
	default:
		return StateDiscovered
	}
}

// State returns the gate state of address.
func (e *Engine) State(ctx context.Context, address string) (State, error) {
	d, err := e.store.Device(ctx, NormalizeAddress(address))
	if errors.Is(err, model.ErrNotFound) {
		return StateUnseen, nil
	}
	if err != nil {
		return "", err
	}
	return StateOf(d), nil
}

// Decide runs the gate for one device at now and returns the notification it
// fired, or nil.
func (e *Engine) Decide(ctx context.Context, address string, now time.Time) (*model.Notification, error) {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()

	d, err := e.store.Device(ctx, NormalizeAddress(address))
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Ignore || !e.due(d, now) {
		return nil, nil
	}

	from := now.Add(-e.cfg.Window)
	beacons, err := e.store.DeviceBeacons(ctx, d.Address, &from)
	if err != nil {
		return nil, err
	}
	if !e.qualifies(beacons, from, now) {
		return nil, nil
	}
	return e.fire(ctx, d, now)
}

// Sweep runs the gate over every tracker of the window ending at now.
func (e *Engine) Sweep(ctx context.Context, now time.Time) ([]model.Notification, error) {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()

	from := now.Add(-e.cfg.Window)
	snap, err := e.store.TrackingSnapshot(ctx, from, now)
	if err != nil {
		return nil, err
	}

	byAddress := make(map[string][]model.Beacon, len(snap.Trackers))
	for _, b := range snap.Beacons {
		byAddress[b.DeviceAddress] = append(byAddress[b.DeviceAddress], b)
	}

	var (
		fired []model.Notification
		errs  []error
	)
	for _, d := range snap.Trackers {
		if !e.due(d, now) || !e.qualifies(byAddress[d.Address], from, now) {
			continue
		}
		n, err := e.fire(ctx, d, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fired = append(fired, *n)
	}
	return fired, errors.Join(errs...)
}

func (e *Engine) due(d model.Device, now time.Time) bool {
	if !d.NotificationSent {
		return true
	}
	if e.cfg.RenotifyCooldown <= 0 {
		return false
	}
	if d.LastNotificationSent == nil {
		return true
	}
	return now.Sub(*d.LastNotificationSent) >= e.cfg.RenotifyCooldown
}

// qualifies reports whether the beacons inside [from, to] make the device a
// tracker under the configured sensitivity.
func (e *Engine) qualifies(beacons []model.Beacon, from, to time.Time) bool {
	var (
		first, last time.Time
		n           int
		locations   = make(map[int64]struct{})
	)
	for _, b := range beacons {
		if b.ReceivedAt.Before(from) || b.ReceivedAt.After(to) {
			continue
		}
		if n == 0 || b.ReceivedAt.Before(first) {
			first = b.ReceivedAt
		}
		if n == 0 || b.ReceivedAt.After(last) {
			last = b.ReceivedAt
		}
		if b.LocationID != nil {
			locations[*b.LocationID] = struct{}{}
		}
		n++
	}
	if n == 0 {
		return false
	}

	minLocations, minTracked := e.cfg.Sensitivity.Thresholds()
	if len(locations) < minLocations {
		return false
	}
	return last.Sub(first) >= minTracked
}

func (e *Engine) fire(ctx context.Context, d model.Device, now time.Time) (*model.Notification, error) {
	n, err := e.store.RecordNotification(ctx, d.Address, now, e.cfg.Sensitivity)
	if err != nil {
		return nil, err
	}
	e.logger.Info("tracker notification fired",
		"address", d.Address, "notification", n.ID, "kind", d.Kind, "sensitivity", n.Sensitivity)

	// delivery is best effort; the notification is already on record
	if err := e.deliverer.Deliver(ctx, notify.NewAlert(n, d)); err != nil {
		e.logger.Error("deliver notification", "address", d.Address, "notification", n.ID, "error", err)
	}
	return &n, nil
}
