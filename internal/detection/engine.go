// Package detection is the tracking-detection engine. It validates sightings
// before they reach the store, classifies the current risk and decides when a
// device should raise a notification.
package detection

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"airguard/go-detection-server/internal/clock"
	"airguard/go-detection-server/internal/geo"
	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/notify"
	"airguard/go-detection-server/internal/store"
)

// Config carries the tunables of the engine.
type Config struct {
	// MatchRadius is the distance in meters within which a fix reuses a
	// stored location.
	MatchRadius float64
	// Window is the trailing span in which a device counts as a tracker.
	Window time.Duration
	// RenotifyCooldown is the minimum time between two notifications for the
	// same device. Zero disables re-notification.
	RenotifyCooldown time.Duration
	Sensitivity      model.Sensitivity
	// TimeZone decides calendar-day boundaries for the risk span.
	TimeZone *time.Location
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		MatchRadius:      30,
		Window:           14 * 24 * time.Hour,
		RenotifyCooldown: 12 * time.Hour,
		Sensitivity:      model.SensitivityUnknown,
		TimeZone:         time.UTC,
	}
}

type Engine struct {
	store     *store.Store
	clock     clock.Clock
	cfg       Config
	deliverer notify.Deliverer
	logger    *slog.Logger

	// gateMu serializes gate decisions so a device is not notified twice by
	// the scheduler and an ingest worker racing on the same sighting.
	gateMu sync.Mutex
}

// New builds an engine over st. A nil deliverer drops alerts and a nil
// logger discards output.
func New(st *store.Store, clk clock.Clock, cfg Config, deliverer notify.Deliverer, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if deliverer == nil {
		deliverer = notify.Discard
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.TimeZone == nil {
		cfg.TimeZone = time.UTC
	}
	return &Engine{store: st, clock: clk, cfg: cfg, deliverer: deliverer, logger: logger}
}

// Config returns the tunables the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// NormalizeAddress returns the canonical form of a Bluetooth address.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

const (
	maxAddressLen = 64
	minRSSI       = -127
	maxRSSI       = 20
	maxYear       = 9999
)

// validTime rejects timestamps before the unix epoch or past year 9999,
// which the store cannot order.
func validTime(field string, t time.Time) error {
	if t.Before(time.Unix(0, 0)) {
		return model.Invalid(field, "must not be before the unix epoch")
	}
	if y := t.UTC().Year(); y > maxYear {
		return model.Invalid(field, "year %d is after %d", y, maxYear)
	}
	return nil
}

func validateSighting(sg *model.Sighting) error {
	sg.Address = NormalizeAddress(sg.Address)
	switch {
	case sg.Address == "":
		return model.Invalid("address", "must not be empty")
	case len(sg.Address) > maxAddressLen:
		return model.Invalid("address", "longer than %d characters", maxAddressLen)
	case sg.ReceivedAt.IsZero():
		return model.Invalid("received_at", "must be set")
	case sg.RSSI < minRSSI || sg.RSSI > maxRSSI:
		return model.Invalid("rssi", "must be within [%d, %d], got %d", minRSSI, maxRSSI, sg.RSSI)
	}
	if err := validTime("received_at", sg.ReceivedAt); err != nil {
		return err
	}
	for _, s := range sg.ServiceUUIDs {
		if _, ok := model.ParseServiceUUID(s); !ok {
			return model.Invalid("service_uuids", "%q is not a uuid", s)
		}
	}
	if sg.Fix != nil {
		if err := validateFix(*sg.Fix); err != nil {
			return err
		}
	}
	return nil
}

func validateFix(fix model.Fix) error {
	if err := geo.ValidateFix(fix); err != nil {
		return err
	}
	if fix.Time.IsZero() {
		return nil
	}
	return validTime("location.time", fix.Time)
}

// RecordSighting validates sg and records it atomically. Invalid input is
// rejected with a ValidationError and nothing is persisted. A fix that cannot
// be resolved still records the beacon, without a location.
func (e *Engine) RecordSighting(ctx context.Context, sg model.Sighting) (model.SightingResult, error) {
	if err := validateSighting(&sg); err != nil {
		return model.SightingResult{}, err
	}
	sg.ReceivedAt = sg.ReceivedAt.UTC()

	res, err := e.store.RecordSighting(ctx, sg, e.cfg.MatchRadius)
	if err != nil {
		return model.SightingResult{}, err
	}
	if res.LocationErr != nil {
		e.logger.Warn("location match failed; beacon stored without location",
			"address", sg.Address, "error", res.LocationErr)
	}
	if res.NewDevice {
		e.logger.Info("device discovered", "address", sg.Address, "kind", model.ClassifyDevice(sg.Payload, sg.ServiceUUIDs))
	}
	return res, nil
}

// MatchOrCreateLocation resolves a fix to a location id.
func (e *Engine) MatchOrCreateLocation(ctx context.Context, fix model.Fix, at time.Time) (int64, error) {
	if err := validateFix(fix); err != nil {
		return 0, err
	}
	if at.IsZero() {
		return 0, model.Invalid("at", "must be set")
	}
	if err := validTime("at", at); err != nil {
		return 0, err
	}
	return e.store.MatchOrCreateLocation(ctx, fix, at, e.cfg.MatchRadius)
}

// ApplyFix assigns a late GPS fix from scanner to that scanner's beacons
// received in the lookback before it that have no location yet.
func (e *Engine) ApplyFix(ctx context.Context, scanner string, fix model.Fix, lookback time.Duration) (int64, int64, error) {
	if strings.TrimSpace(scanner) == "" {
		return 0, 0, model.Invalid("scanner", "must not be empty")
	}
	if err := validateFix(fix); err != nil {
		return 0, 0, err
	}
	if fix.Time.IsZero() {
		fix.Time = e.clock.Now()
	}
	return e.store.BackfillLocation(ctx, scanner, fix, fix.Time.Add(-lookback), fix.Time, e.cfg.MatchRadius)
}

// SetIgnore toggles the ignore flag of a device. Ignored devices are
// suppressed: they leave tracker counts and are never notified.
func (e *Engine) SetIgnore(ctx context.Context, address string, ignore bool) error {
	address = NormalizeAddress(address)
	if err := e.store.SetIgnore(ctx, address, ignore); err != nil {
		return err
	}
	e.logger.Info("device ignore flag changed", "address", address, "ignore", ignore)
	return nil
}

// MarkFalseAlarm records user feedback on a notification. Marking it true
// suppresses the device.
func (e *Engine) MarkFalseAlarm(ctx context.Context, id int64, falseAlarm bool) (model.Notification, error) {
	n, err := e.store.MarkFalseAlarm(ctx, id, falseAlarm)
	if err != nil {
		return model.Notification{}, err
	}
	if falseAlarm {
		e.logger.Info("notification marked as false alarm", "notification", id, "address", n.DeviceAddress)
	}
	return n, nil
}
