package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"airguard/go-detection-server/internal/detection"
	"airguard/go-detection-server/internal/ingest"
	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/store"
)

const sensitivityKey = "sensitivity"

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.pub == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store unavailable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleRisk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := a.engine.Report(ctx, a.engine.Now())
	if err != nil {
		a.writeError(w, r, "risk report", err)
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

type sightingResponse struct {
	DeviceID     int64               `json:"device_id"`
	BeaconID     int64               `json:"beacon_id"`
	LocationID   *int64              `json:"location_id,omitempty"`
	NewDevice    bool                `json:"new_device"`
	LocationErr  string              `json:"location_error,omitempty"`
	Notification *model.Notification `json:"notification,omitempty"`
}

// handlePostSighting ingests one sighting synchronously, bypassing the queue.
func (a *App) handlePostSighting(w http.ResponseWriter, r *http.Request) {
	var wire ingest.WireSighting
	if err := decodeBody(r, &wire); err != nil {
		a.writeError(w, r, "decode sighting", err)
		return
	}

	sg := wire.Sighting()
	sg.Scanner = r.URL.Query().Get("scanner")
	if sg.ReceivedAt.IsZero() {
		sg.ReceivedAt = a.engine.Now()
	}

	res, n, err := a.ingestSighting(r.Context(), sg)
	if err != nil {
		a.writeError(w, r, "record sighting", err)
		return
	}

	resp := sightingResponse{
		DeviceID:     res.DeviceID,
		BeaconID:     res.BeaconID,
		LocationID:   res.LocationID,
		NewDevice:    res.NewDevice,
		Notification: n,
	}
	if res.LocationErr != nil {
		resp.LocationErr = res.LocationErr.Error()
	}
	a.writeJSON(w, http.StatusCreated, resp)
}

// parseDeviceFilter builds a DeviceFilter from the query string.
func parseDeviceFilter(r *http.Request) (model.DeviceFilter, error) {
	q := r.URL.Query()
	var f model.DeviceFilter

	if v := q.Get("since"); v != "" {
		t, err := parseQueryTime(v)
		if err != nil {
			return f, model.Invalid("since", "%v", err)
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := parseQueryTime(v)
		if err != nil {
			return f, model.Invalid("until", "%v", err)
		}
		f.Until = &t
	}
	if v := q.Get("ignored"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, model.Invalid("ignored", "%v", err)
		}
		f.IncludeIgnored = b
	}
	if v := q.Get("notified"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, model.Invalid("notified", "%v", err)
		}
		f.NotifiedOnly = b
	}
	if v := q.Get("kind"); v != "" {
		for _, name := range strings.Split(v, ",") {
			k, ok := model.ParseDeviceKind(name)
			if !ok {
				return f, model.Invalid("kind", "unknown device kind %q", name)
			}
			f.Kinds = append(f.Kinds, k)
		}
	}
	return f, nil
}

func parseQueryTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

type deviceView struct {
	model.Device
	DisplayName string          `json:"display_name"`
	State       detection.State `json:"state"`
}

func (a *App) handleDevices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDeviceFilter(r)
	if err != nil {
		a.writeError(w, r, "parse device filter", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	devices, err := a.store.Devices(ctx, filter)
	if err != nil {
		a.writeError(w, r, "list devices", err)
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, newDeviceView(d))
	}
	a.writeJSON(w, http.StatusOK, struct {
		Devices []deviceView `json:"devices"`
	}{Devices: views})
}

func newDeviceView(d model.Device) deviceView {
	return deviceView{Device: d, DisplayName: d.Kind.DisplayName(), State: detection.StateOf(d)}
}

func addressVar(r *http.Request) string {
	return detection.NormalizeAddress(mux.Vars(r)["address"])
}

func (a *App) handleDevice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	d, err := a.store.Device(ctx, addressVar(r))
	if err != nil {
		a.writeError(w, r, "get device", err)
		return
	}
	a.writeJSON(w, http.StatusOK, newDeviceView(d))
}

func (a *App) handleDeviceBeacons(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := parseQueryTime(v)
		if err != nil {
			a.writeError(w, r, "parse since", model.Invalid("since", "%v", err))
			return
		}
		since = &t
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	address := addressVar(r)
	if _, err := a.store.Device(ctx, address); err != nil {
		a.writeError(w, r, "get device", err)
		return
	}
	beacons, err := a.store.DeviceBeacons(ctx, address, since)
	if err != nil {
		a.writeError(w, r, "list beacons", err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Beacons []model.Beacon `json:"beacons"`
	}{Beacons: beacons})
}

func (a *App) handleIgnore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ignore *bool `json:"ignore"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, "decode ignore", err)
		return
	}
	if req.Ignore == nil {
		a.writeError(w, r, "decode ignore", model.Invalid("ignore", "required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	address := addressVar(r)
	if err := a.engine.SetIgnore(ctx, address, *req.Ignore); err != nil {
		a.writeError(w, r, "set ignore", err)
		return
	}
	d, err := a.store.Device(ctx, address)
	if err != nil {
		a.writeError(w, r, "get device", err)
		return
	}
	a.writeJSON(w, http.StatusOK, newDeviceView(d))
}

func (a *App) handlePlaySound(w http.ResponseWriter, r *http.Request) {
	address := addressVar(r)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	d, err := a.store.Device(ctx, address)
	if err != nil {
		a.writeError(w, r, "get device", err)
		return
	}
	if !d.Connectable {
		a.writeError(w, r, "play sound", model.Invalid("address", "device %s is not connectable", address))
		return
	}

	snap, err := a.radio.PlaySound(address)
	if err != nil {
		a.writeError(w, r, "play sound", err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, snap)
}

func (a *App) handlePlaySoundStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.radio.Session(addressVar(r))
	if err != nil {
		a.writeError(w, r, "play sound status", err)
		return
	}
	a.writeJSON(w, http.StatusOK, snap)
}

func (a *App) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	address := r.URL.Query().Get("address")
	if address != "" {
		address = detection.NormalizeAddress(address)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	notifications, err := a.store.Notifications(ctx, address, limit)
	if err != nil {
		a.writeError(w, r, "list notifications", err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Notifications []model.Notification `json:"notifications"`
	}{Notifications: notifications})
}

func notificationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, model.Invalid("id", "%v", err)
	}
	return id, nil
}

func (a *App) handleFalseAlarm(w http.ResponseWriter, r *http.Request) {
	id, err := notificationID(r)
	if err != nil {
		a.writeError(w, r, "parse notification id", err)
		return
	}

	req := struct {
		FalseAlarm bool `json:"false_alarm"`
	}{FalseAlarm: true}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, "decode false alarm", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	n, err := a.engine.MarkFalseAlarm(ctx, id, req.FalseAlarm)
	if err != nil {
		a.writeError(w, r, "mark false alarm", err)
		return
	}
	a.writeJSON(w, http.StatusOK, n)
}

func (a *App) handleDismiss(w http.ResponseWriter, r *http.Request) {
	a.setNotificationFlag(w, r, "dismiss", a.store.MarkDismissed)
}

func (a *App) handleClick(w http.ResponseWriter, r *http.Request) {
	a.setNotificationFlag(w, r, "click", a.store.MarkClicked)
}

func (a *App) setNotificationFlag(w http.ResponseWriter, r *http.Request, op string, mark func(context.Context, int64) error) {
	id, err := notificationID(r)
	if err != nil {
		a.writeError(w, r, "parse notification id", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := mark(ctx, id); err != nil {
		a.writeError(w, r, op, err)
		return
	}
	n, err := a.store.Notification(ctx, id)
	if err != nil {
		a.writeError(w, r, op, err)
		return
	}
	a.writeJSON(w, http.StatusOK, n)
}

func (a *App) handleGetFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := notificationID(r)
	if err != nil {
		a.writeError(w, r, "parse notification id", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	fb, err := a.store.Feedback(ctx, id)
	if err != nil {
		a.writeError(w, r, "get feedback", err)
		return
	}
	a.writeJSON(w, http.StatusOK, fb)
}

func (a *App) handlePutFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := notificationID(r)
	if err != nil {
		a.writeError(w, r, "parse notification id", err)
		return
	}

	var req struct {
		Location string `json:"location"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, "decode feedback", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	fb, err := a.store.UpsertFeedback(ctx, model.Feedback{NotificationID: id, Location: strings.TrimSpace(req.Location)})
	if err != nil {
		a.writeError(w, r, "upsert feedback", err)
		return
	}
	a.writeJSON(w, http.StatusOK, fb)
}

func (a *App) handleLocations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	locations, err := a.store.Locations(ctx)
	if err != nil {
		a.writeError(w, r, "list locations", err)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Locations []model.Location `json:"locations"`
	}{Locations: locations})
}

func (a *App) handleRenameLocation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		a.writeError(w, r, "parse location id", model.Invalid("id", "%v", err))
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, "decode location", err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if len(name) > 128 {
		a.writeError(w, r, "name location", model.Invalid("name", "longer than 128 bytes"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.SetLocationName(ctx, id, name); err != nil {
		a.writeError(w, r, "name location", err)
		return
	}
	loc, err := a.store.Location(ctx, id)
	if err != nil {
		a.writeError(w, r, "get location", err)
		return
	}
	a.writeJSON(w, http.StatusOK, loc)
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.writeError(w, r, "load app config", err)
		return
	}
	for key := range persisted {
		if strings.HasSuffix(key, "_token") {
			delete(persisted, key)
		}
	}

	engineCfg := a.engine.Config()
	active := map[string]any{
		"http_port":           a.cfg.HTTPPort,
		"mqtt_bind":           a.cfg.MQTTBindAddress,
		"database_path":       a.cfg.DatabasePath,
		"log_level":           a.cfg.LogLevel,
		"mdns_enabled":        a.cfg.MDNSEnabled,
		"match_radius":        engineCfg.MatchRadius,
		"tracking_window":     engineCfg.Window.String(),
		"renotify_cooldown":   engineCfg.RenotifyCooldown.String(),
		"sensitivity":         engineCfg.Sensitivity,
		"time_zone":           engineCfg.TimeZone.String(),
		"evaluation_interval": a.cfg.EvaluationInterval.String(),
		"retention":           a.cfg.Retention.String(),
		"fix_lookback":        a.cfg.FixLookback.String(),
		"ingest_workers":      a.cfg.IngestWorkers,
		"ingest_queue_size":   a.cfg.IngestQueueSize,
		"webhook_enabled":     a.cfg.WebhookURL != "",
		"donation_enabled":    a.cfg.DonationEnabled,
	}

	a.writeJSON(w, http.StatusOK, struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{
		Active:    active,
		Persisted: persisted,
	})
}

// updateConfig persists settings that take effect on the next start.
func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sensitivity *string `json:"sensitivity"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, "decode config", err)
		return
	}
	if req.Sensitivity == nil {
		a.writeError(w, r, "update config", model.Invalid("body", "no supported fields provided"))
		return
	}

	s, err := model.ParseSensitivity(*req.Sensitivity)
	if err != nil {
		a.writeError(w, r, "update config", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.UpsertAppConfig(ctx, sensitivityKey, string(s)); err != nil {
		a.writeError(w, r, "persist config", err)
		return
	}

	type updateResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	a.writeJSON(w, http.StatusOK, struct {
		Updates         []updateResult `json:"updates"`
		RequiresRestart bool           `json:"requires_restart"`
	}{
		Updates:         []updateResult{{Key: sensitivityKey, Value: string(s)}},
		RequiresRestart: true,
	})
}

func (a *App) handlePrune(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	cutoff := a.engine.Now().Add(-a.cfg.Retention)
	res, err := a.store.Prune(ctx, cutoff)
	if err != nil {
		a.writeError(w, r, "prune", err)
		return
	}
	a.logger.Info("manual prune", "cutoff", cutoff, "beacons", res.Beacons, "devices", res.Devices, "locations", res.Locations)
	a.writeJSON(w, http.StatusOK, struct {
		Cutoff time.Time         `json:"cutoff"`
		Pruned store.PruneResult `json:"pruned"`
	}{Cutoff: cutoff, Pruned: res})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, r, "decode wipe", err)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		a.writeError(w, r, "wipe", model.Invalid("confirm", "must be %q", "wipe"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.writeError(w, r, "wipe", fmt.Errorf("wipe data: %w", err))
		return
	}

	a.logger.Warn("wipe: all detection data cleared")
	w.WriteHeader(http.StatusNoContent)
}
