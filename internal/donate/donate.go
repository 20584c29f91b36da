// Package donate uploads anonymized sighting history to the statistics
// service. Uploads are best effort: a failed run leaves the checkpoint where
// it was so the same history is offered again next time.
package donate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"airguard/go-detection-server/internal/client"
	"airguard/go-detection-server/internal/clock"
	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/store"
)

const (
	checkpointKey = "donation_checkpoint"
	tokenKey      = "donation_token"
)

type Uploader struct {
	store    *store.Store
	client   client.Client
	baseURL  string
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

func New(st *store.Store, c client.Client, baseURL string, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Uploader {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Uploader{store: st, client: c, baseURL: baseURL, clock: clk, interval: interval, logger: logger}
}

// Result summarizes one upload run.
type Result struct {
	Devices    int       `json:"devices"`
	Beacons    int       `json:"beacons"`
	Checkpoint time.Time `json:"checkpoint"`
}

// Anonymize strips addresses, locations and payloads. Only the device kind,
// timestamps, signal strength and service identifiers leave the server.
func Anonymize(history []store.DeviceHistory) []model.DonatedDevice {
	out := make([]model.DonatedDevice, 0, len(history))
	for _, h := range history {
		d := model.DonatedDevice{
			DeviceType:     string(h.Device.Kind),
			Connectable:    h.Device.Connectable,
			FirstDiscovery: h.Device.FirstDiscovery,
			LastSeen:       h.Device.LastSeen,
			Beacons:        make([]model.DonatedBeacon, 0, len(h.Beacons)),
		}
		for _, b := range h.Beacons {
			d.Beacons = append(d.Beacons, model.DonatedBeacon{
				ReceivedAt:   b.ReceivedAt,
				RSSI:         b.RSSI,
				ServiceUUIDs: b.ServiceUUIDs,
			})
		}
		out = append(out, d)
	}
	return out
}

// Checkpoint returns the start of the last successful run, or the zero time.
func (u *Uploader) Checkpoint(ctx context.Context) (time.Time, error) {
	v, err := u.store.AppConfigValue(ctx, checkpointKey)
	if errors.Is(err, model.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse donation checkpoint %q: %w", v, err)
	}
	return t, nil
}

// RunOnce uploads the history recorded since the checkpoint and advances the
// checkpoint to the time the run started.
func (u *Uploader) RunOnce(ctx context.Context) (Result, error) {
	start := u.clock.Now().UTC()

	since, err := u.Checkpoint(ctx)
	if err != nil {
		return Result{}, err
	}

	if err := u.client.Ping(ctx, u.baseURL); err != nil {
		return Result{}, fmt.Errorf("donation ping: %w", err)
	}

	history, err := u.store.HistorySince(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("load donation history: %w", err)
	}
	devices := Anonymize(history)

	res := Result{Devices: len(devices), Checkpoint: start}
	for _, d := range devices {
		res.Beacons += len(d.Beacons)
	}

	if len(devices) > 0 {
		if err := u.upload(ctx, devices); err != nil {
			return Result{}, err
		}
	}

	if err := u.store.UpsertAppConfig(ctx, checkpointKey, start.Format(time.RFC3339Nano)); err != nil {
		return Result{}, fmt.Errorf("advance donation checkpoint: %w", err)
	}
	u.logger.Info("donation uploaded", "devices", res.Devices, "beacons", res.Beacons, "since", since)
	return res, nil
}

// upload posts devices, renewing the token once if the service rejects it.
func (u *Uploader) upload(ctx context.Context, devices []model.DonatedDevice) error {
	token, err := u.token(ctx, false)
	if err != nil {
		return err
	}

	err = u.client.DonateData(ctx, u.baseURL, token, devices)
	if errors.Is(err, client.ErrUnauthorized) {
		u.logger.Info("donation token rejected; requesting a new one")
		if token, err = u.token(ctx, true); err != nil {
			return err
		}
		err = u.client.DonateData(ctx, u.baseURL, token, devices)
	}
	if err != nil {
		return fmt.Errorf("donate data: %w", err)
	}
	return nil
}

func (u *Uploader) token(ctx context.Context, renew bool) (string, error) {
	if !renew {
		cached, err := u.store.AppConfigValue(ctx, tokenKey)
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return "", err
		}
	}

	token, err := u.client.GetToken(ctx, u.baseURL)
	if err != nil {
		return "", fmt.Errorf("donation token: %w", err)
	}
	if err := u.store.UpsertAppConfig(ctx, tokenKey, token); err != nil {
		return "", err
	}
	return token, nil
}

// Run uploads on every tick until ctx is done. Failures are logged and
// retried on the next tick.
func (u *Uploader) Run(ctx context.Context) {
	ticker := u.clock.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if _, err := u.RunOnce(runCtx); err != nil {
				u.logger.Warn("donation failed", "error", err)
			}
			cancel()
		}
	}
}
