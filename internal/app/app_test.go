package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"airguard/go-detection-server/internal/clock"
	"airguard/go-detection-server/internal/config"
	"airguard/go-detection-server/internal/detection"
	"airguard/go-detection-server/internal/ingest"
	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/mqttbroker"
	"airguard/go-detection-server/internal/notify"
	"airguard/go-detection-server/internal/store"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type published struct {
	topic   string
	payload []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.topic)
	}
	return out
}

type testApp struct {
	*App
	pub     *recordingPublisher
	clock   *clock.FakeClock
	handler http.Handler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "airguard.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	cfg := config.Default()
	cfg.Retention = cfg.TrackingWindow
	cfg.IngestWorkers = 2

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pub := &recordingPublisher{}
	clk := clock.Fake(testNow)
	a.wire(context.Background(), st, pub, clk)
	a.pool.Start(context.Background())
	t.Cleanup(a.pool.Close)
	t.Cleanup(a.radio.Close)

	return &testApp{App: a, pub: pub, clock: clk, handler: a.routes()}
}

func (ta *testApp) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func tileSighting(address string, at time.Time) ingest.WireSighting {
	return ingest.WireSighting{
		Address:      address,
		ReceivedAt:   at,
		RSSI:         -70,
		ServiceUUIDs: []string{"FEED"},
		Location:     &ingest.WireLocation{Latitude: 52.52, Longitude: 13.405},
	}
}

func TestSightingNotifiesAndRaisesRisk(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodPost, "/api/sightings", tileSighting("aa:bb:cc:dd:ee:01", testNow.Add(-time.Minute)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/sightings status = %d, want %d, body %s", rec.Code, http.StatusCreated, rec.Body)
	}
	resp := decode[sightingResponse](t, rec)
	if !resp.NewDevice || resp.LocationID == nil {
		t.Fatalf("sighting response = %+v, want new device with location", resp)
	}
	if resp.Notification == nil {
		t.Fatalf("sighting response has no notification")
	}
	if resp.Notification.DeviceAddress != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("notification address = %q, want AA:BB:CC:DD:EE:01", resp.Notification.DeviceAddress)
	}

	wantTopic := notify.AlertTopicPrefix + "AA:BB:CC:DD:EE:01"
	if got := ta.pub.topics(); len(got) != 1 || got[0] != wantTopic {
		t.Fatalf("published topics = %v, want [%s]", got, wantTopic)
	}

	risk := decode[detection.RiskReport](t, ta.do(t, http.MethodGet, "/api/risk", nil))
	if risk.Level != model.RiskMedium || risk.TrackerCount != 1 {
		t.Fatalf("risk = %+v, want MEDIUM with 1 tracker", risk)
	}

	devices := decode[struct {
		Devices []deviceView `json:"devices"`
	}](t, ta.do(t, http.MethodGet, "/api/devices?kind=tile", nil))
	if len(devices.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(devices.Devices))
	}
	if d := devices.Devices[0]; d.State != detection.StateNotified || d.DisplayName != "Tile" {
		t.Fatalf("device = %+v, want NOTIFIED Tile", d)
	}

	// a second sighting within the cooldown does not notify again
	rec = ta.do(t, http.MethodPost, "/api/sightings", tileSighting("AA:BB:CC:DD:EE:01", testNow))
	if resp := decode[sightingResponse](t, rec); resp.Notification != nil {
		t.Fatalf("second sighting notified again: %+v", resp.Notification)
	}
}

func TestFalseAlarmSuppressesDevice(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodPost, "/api/sightings", tileSighting("AA:BB:CC:DD:EE:02", testNow.Add(-time.Hour)))
	resp := decode[sightingResponse](t, rec)
	if resp.Notification == nil {
		t.Fatalf("expected a notification")
	}

	path := fmt.Sprintf("/api/notifications/%d/false-alarm", resp.Notification.ID)
	rec = ta.do(t, http.MethodPost, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST %s status = %d, body %s", path, rec.Code, rec.Body)
	}
	if n := decode[model.Notification](t, rec); !n.FalseAlarm {
		t.Fatalf("notification not marked as false alarm")
	}

	dev := decode[deviceView](t, ta.do(t, http.MethodGet, "/api/devices/aa:bb:cc:dd:ee:02", nil))
	if dev.State != detection.StateSuppressed {
		t.Fatalf("state = %s, want %s", dev.State, detection.StateSuppressed)
	}

	risk := decode[detection.RiskReport](t, ta.do(t, http.MethodGet, "/api/risk", nil))
	if risk.Level != model.RiskLow {
		t.Fatalf("risk = %s, want LOW", risk.Level)
	}

	rec = ta.do(t, http.MethodPost, "/api/devices/AA:BB:CC:DD:EE:02/ignore", map[string]bool{"ignore": false})
	if dev := decode[deviceView](t, rec); dev.State != detection.StateNotified {
		t.Fatalf("state after un-ignore = %s, want %s", dev.State, detection.StateNotified)
	}
}

func TestErrorMapping(t *testing.T) {
	ta := newTestApp(t)

	bad := tileSighting("AA:BB:CC:DD:EE:03", testNow)
	bad.RSSI = 99
	if rec := ta.do(t, http.MethodPost, "/api/sightings", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid rssi status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if n, _ := ta.store.CountDevicesSince(context.Background(), time.Time{}); n != 0 {
		t.Fatalf("devices after rejected sighting = %d, want 0", n)
	}

	cases := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodGet, "/api/devices/FF:FF", nil, http.StatusNotFound},
		{http.MethodGet, "/api/devices?kind=toaster", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/devices?since=yesterday", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/devices/FF:FF/ignore", map[string]bool{"ignore": true}, http.StatusNotFound},
		{http.MethodPost, "/api/devices/FF:FF/ignore", map[string]string{}, http.StatusBadRequest},
		{http.MethodPost, "/api/notifications/42/dismiss", nil, http.StatusNotFound},
		{http.MethodGet, "/api/notifications/42/feedback", nil, http.StatusNotFound},
		{http.MethodGet, "/api/devices/FF:FF/play-sound", nil, http.StatusNotFound},
		{http.MethodPost, "/api/admin/wipe", map[string]string{"confirm": "nope"}, http.StatusBadRequest},
		{http.MethodPost, "/api/config", map[string]string{"sensitivity": "extreme"}, http.StatusBadRequest},
		{http.MethodGet, "/api/nothing", nil, http.StatusNotFound},
	}
	for _, c := range cases {
		if rec := ta.do(t, c.method, c.path, c.body); rec.Code != c.want {
			t.Fatalf("%s %s status = %d, want %d, body %s", c.method, c.path, rec.Code, c.want, rec.Body)
		}
	}
}

func TestMQTTIngest(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	jsonPayload, err := ingest.Encode(ingest.FormatJSON, tileSighting("AA:BB:CC:DD:EE:10", testNow.Add(-2*time.Minute)))
	if err != nil {
		t.Fatalf("encode json: %v", err)
	}
	cborPayload, err := ingest.Encode(ingest.FormatCBOR, tileSighting("AA:BB:CC:DD:EE:11", testNow.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("encode cbor: %v", err)
	}

	ta.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "sightings/scanner-1", Payload: jsonPayload})
	ta.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "sightings/scanner-1/cbor", Payload: cborPayload})
	ta.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "sightings/scanner-1", Payload: []byte("{not json")})
	ta.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "airguard/risk", Payload: []byte("{}")})
	ta.pool.Close()

	for _, addr := range []string{"AA:BB:CC:DD:EE:10", "AA:BB:CC:DD:EE:11"} {
		d, err := ta.store.Device(ctx, addr)
		if err != nil {
			t.Fatalf("Device(%s) error = %v", addr, err)
		}
		if d.Kind != model.KindTile || !d.NotificationSent {
			t.Fatalf("device %s = %+v, want notified tile", addr, d)
		}
	}

	n, err := ta.store.CountIngestionErrors(ctx)
	if err != nil {
		t.Fatalf("CountIngestionErrors() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ingestion errors = %d, want 1", n)
	}
}

func TestMQTTLateFix(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	sg := tileSighting("AA:BB:CC:DD:EE:20", testNow.Add(-30*time.Second))
	sg.Location = nil
	payload, _ := ingest.Encode(ingest.FormatJSON, sg)
	ta.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "sightings/scanner-2", Payload: payload})

	other := tileSighting("AA:BB:CC:DD:EE:21", testNow.Add(-30*time.Second))
	other.Location = nil
	otherPayload, _ := ingest.Encode(ingest.FormatJSON, other)
	ta.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "sightings/scanner-3", Payload: otherPayload})
	ta.pool.Close()

	fixAt := testNow
	fix, _ := json.Marshal(ingest.WireFix{Latitude: 48.137, Longitude: 11.575, Time: &fixAt})
	ta.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "fixes/scanner-2", Payload: fix})

	beacons, err := ta.store.DeviceBeacons(ctx, "AA:BB:CC:DD:EE:20", nil)
	if err != nil {
		t.Fatalf("DeviceBeacons() error = %v", err)
	}
	if len(beacons) != 1 || beacons[0].LocationID == nil {
		t.Fatalf("beacons = %+v, want one beacon with a location", beacons)
	}

	beacons, err = ta.store.DeviceBeacons(ctx, "AA:BB:CC:DD:EE:21", nil)
	if err != nil {
		t.Fatalf("DeviceBeacons() error = %v", err)
	}
	if len(beacons) != 1 || beacons[0].LocationID != nil || beacons[0].Scanner != "scanner-3" {
		t.Fatalf("scanner-3 beacons = %+v, want one beacon without a location", beacons)
	}
}

func TestNotificationFlagsAndFeedback(t *testing.T) {
	ta := newTestApp(t)

	resp := decode[sightingResponse](t, ta.do(t, http.MethodPost, "/api/sightings", tileSighting("AA:BB:CC:DD:EE:30", testNow)))
	if resp.Notification == nil || resp.LocationID == nil {
		t.Fatalf("sighting response = %+v", resp)
	}
	id := resp.Notification.ID

	if n := decode[model.Notification](t, ta.do(t, http.MethodPost, fmt.Sprintf("/api/notifications/%d/dismiss", id), nil)); !n.Dismissed {
		t.Fatalf("notification not dismissed")
	}
	if n := decode[model.Notification](t, ta.do(t, http.MethodPost, fmt.Sprintf("/api/notifications/%d/click", id), nil)); !n.Clicked {
		t.Fatalf("notification not clicked")
	}

	rec := ta.do(t, http.MethodPut, fmt.Sprintf("/api/notifications/%d/feedback", id), map[string]string{"location": " bike "})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT feedback status = %d, body %s", rec.Code, rec.Body)
	}
	fb := decode[model.Feedback](t, ta.do(t, http.MethodGet, fmt.Sprintf("/api/notifications/%d/feedback", id), nil))
	if fb.Location != "bike" {
		t.Fatalf("feedback location = %q, want bike", fb.Location)
	}

	list := decode[struct {
		Notifications []model.Notification `json:"notifications"`
	}](t, ta.do(t, http.MethodGet, "/api/notifications?address=aa:bb:cc:dd:ee:30", nil))
	if len(list.Notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(list.Notifications))
	}

	rec = ta.do(t, http.MethodPatch, fmt.Sprintf("/api/locations/%d", *resp.LocationID), map[string]string{"name": "Home"})
	if loc := decode[model.Location](t, rec); loc.Name != "Home" {
		t.Fatalf("location name = %q, want Home", loc.Name)
	}
}

func TestPlaySoundRequiresConnectable(t *testing.T) {
	ta := newTestApp(t)

	ta.do(t, http.MethodPost, "/api/sightings", tileSighting("AA:BB:CC:DD:EE:40", testNow))
	if rec := ta.do(t, http.MethodPost, "/api/devices/AA:BB:CC:DD:EE:40/play-sound", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("play-sound on non-connectable status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	sg := tileSighting("AA:BB:CC:DD:EE:41", testNow)
	sg.Connectable = true
	ta.do(t, http.MethodPost, "/api/sightings", sg)
	rec := ta.do(t, http.MethodPost, "/api/devices/AA:BB:CC:DD:EE:41/play-sound", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("play-sound status = %d, want %d, body %s", rec.Code, http.StatusAccepted, rec.Body)
	}

	found := false
	for _, topic := range ta.pub.topics() {
		if topic == "gatt/AA:BB:CC:DD:EE:41/commands" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no gatt command published, topics %v", ta.pub.topics())
	}

	if rec := ta.do(t, http.MethodPost, "/api/devices/AA:BB:CC:DD:EE:41/play-sound", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second play-sound status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestConfigEndpoints(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	if err := ta.store.UpsertAppConfig(ctx, "donation_token", "secret"); err != nil {
		t.Fatalf("UpsertAppConfig() error = %v", err)
	}

	rec := ta.do(t, http.MethodPost, "/api/config", map[string]string{"sensitivity": "High"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/config status = %d, body %s", rec.Code, rec.Body)
	}

	body := ta.do(t, http.MethodGet, "/api/config", nil).Body.String()
	if strings.Contains(body, "secret") {
		t.Fatalf("config response leaks the donation token: %s", body)
	}
	if !strings.Contains(body, `"sensitivity":"high"`) {
		t.Fatalf("config response misses persisted sensitivity: %s", body)
	}

	a := New(ta.cfg, ta.logger)
	a.store = ta.store
	a.applyPersisted(ctx)
	if a.cfg.Sensitivity != model.SensitivityHigh {
		t.Fatalf("persisted sensitivity = %s, want high", a.cfg.Sensitivity)
	}
}

func TestAdminPruneAndWipe(t *testing.T) {
	ta := newTestApp(t)

	ta.do(t, http.MethodPost, "/api/sightings", tileSighting("AA:BB:CC:DD:EE:50", testNow.Add(-30*24*time.Hour)))
	ta.do(t, http.MethodPost, "/api/sightings", tileSighting("AA:BB:CC:DD:EE:51", testNow))

	rec := ta.do(t, http.MethodPost, "/api/admin/prune", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prune status = %d, body %s", rec.Code, rec.Body)
	}
	pruned := decode[struct {
		Pruned store.PruneResult `json:"pruned"`
	}](t, rec)
	if pruned.Pruned.Beacons != 1 || pruned.Pruned.Devices != 1 {
		t.Fatalf("pruned = %+v, want 1 beacon and 1 device", pruned.Pruned)
	}

	if rec := ta.do(t, http.MethodPost, "/api/admin/wipe", map[string]string{"confirm": "WIPE"}); rec.Code != http.StatusNoContent {
		t.Fatalf("wipe status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if n, _ := ta.store.CountDevicesSince(context.Background(), time.Time{}); n != 0 {
		t.Fatalf("devices after wipe = %d, want 0", n)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ta := newTestApp(t)
	if rec := ta.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	if rec := ta.do(t, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, body %s", rec.Code, rec.Body)
	}

	idle := New(config.Default(), ta.logger)
	rec := httptest.NewRecorder()
	idle.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before wiring = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMDNSRecords(t *testing.T) {
	if got := sanitizeMDNSHost("My_Host Name"); got != "my-host-name" {
		t.Fatalf("sanitizeMDNSHost() = %q, want my-host-name", got)
	}
	if got := sanitizeMDNSInstance("  \n "); got != "AirGuard" {
		t.Fatalf("sanitizeMDNSInstance() = %q, want AirGuard", got)
	}
	if got := mdnsInstance("box.lan"); got != "AirGuard (box lan)" {
		t.Fatalf("mdnsInstance() = %q, want %q", got, "AirGuard (box lan)")
	}
	txt := mdnsTXT("box", 8080)
	if txt[0] != "http_port=8080" || txt[len(txt)-1] != "host=box.local" {
		t.Fatalf("mdnsTXT() = %v", txt)
	}
	if got := mqttPort(":1883"); got != 1883 {
		t.Fatalf("mqttPort() = %d, want 1883", got)
	}
}
