package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"airguard/go-detection-server/internal/detection"
	"airguard/go-detection-server/internal/ingest"
	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/mqttbroker"
)

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	parts := strings.Split(msg.Topic, "/")
	switch {
	case len(parts) == 2 && parts[0] == "sightings":
		a.queueSighting(ctx, parts[1], ingest.FormatJSON, msg.Payload)
	case len(parts) == 3 && parts[0] == "sightings" && parts[2] == "cbor":
		a.queueSighting(ctx, parts[1], ingest.FormatCBOR, msg.Payload)
	case len(parts) == 2 && parts[0] == "fixes":
		a.handleFix(ctx, parts[1], msg.Payload)
	case len(parts) == 3 && parts[0] == "gatt" && parts[2] == "events":
		address := detection.NormalizeAddress(parts[1])
		if err := a.radio.DispatchJSON(address, msg.Payload); err != nil {
			a.logger.Warn("gatt event rejected", "address", address, "error", err)
		}
	default:
		// alerts, risk reports and gatt commands are our own publishes
	}
}

// queueSighting decodes a sighting and hands it to the ingest pool.
func (a *App) queueSighting(ctx context.Context, scanner string, format ingest.Format, payload []byte) {
	var wire ingest.WireSighting
	if err := ingest.Decode(format, payload, &wire); err != nil {
		a.logger.Warn("sighting decode failed", "scanner", scanner, "format", format, "error", err)
		a.recordIngestionError(ctx, scanner, payload, fmt.Errorf("decode payload: %w", err))
		return
	}

	sg := wire.Sighting()
	sg.Scanner = scanner
	if sg.ReceivedAt.IsZero() {
		sg.ReceivedAt = a.engine.Now()
	}

	err := a.pool.Submit(func(ctx context.Context) {
		if _, _, err := a.ingestSighting(ctx, sg); err != nil {
			a.recordIngestionError(ctx, scanner, payload, err)
		}
	})
	if err != nil {
		a.logger.Warn("sighting dropped", "scanner", scanner, "address", sg.Address, "pending", a.pool.Pending(), "error", err)
		a.recordIngestionError(ctx, scanner, payload, err)
	}
}

// ingestSighting records one sighting and runs the notification gate for its
// device.
func (a *App) ingestSighting(ctx context.Context, sg model.Sighting) (model.SightingResult, *model.Notification, error) {
	storeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := a.engine.RecordSighting(storeCtx, sg)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			a.logger.Warn("sighting validation failed", "address", sg.Address, "error", err)
		} else {
			a.logger.Error("failed to persist sighting", "address", sg.Address, "error", err)
		}
		return model.SightingResult{}, nil, err
	}

	address := detection.NormalizeAddress(sg.Address)
	a.logger.Debug("ingested sighting", "address", address, "rssi", sg.RSSI, "new_device", res.NewDevice)

	n, err := a.engine.Decide(storeCtx, address, a.engine.Now())
	if err != nil {
		// the sighting is stored; the scheduler sweep retries the gate
		a.logger.Error("notification decision failed", "address", address, "error", err)
		return res, nil, nil
	}
	return res, n, nil
}

func (a *App) handleFix(ctx context.Context, scanner string, payload []byte) {
	var wire ingest.WireFix
	if err := json.Unmarshal(payload, &wire); err != nil {
		a.logger.Warn("fix decode failed", "scanner", scanner, "error", err)
		a.recordIngestionError(ctx, scanner, payload, fmt.Errorf("decode payload: %w", err))
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	locationID, updated, err := a.engine.ApplyFix(storeCtx, scanner, wire.Fix(), a.cfg.FixLookback)
	if err != nil {
		a.logger.Warn("failed to apply fix", "scanner", scanner, "error", err)
		a.recordIngestionError(ctx, scanner, payload, err)
		return
	}
	a.logger.Debug("applied late fix", "scanner", scanner, "location", locationID, "beacons", updated)
}

func (a *App) recordIngestionError(ctx context.Context, source string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		Source:  source,
		Payload: truncateString(string(payload), 4096),
		Error:   cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
