package detection

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"airguard/go-detection-server/internal/clock"
	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/notify"
	"airguard/go-detection-server/internal/store"
)

var day0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type alertLog struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (l *alertLog) Deliver(_ context.Context, a notify.Alert) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, a)
	return nil
}

func (l *alertLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.alerts)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *clock.FakeClock, *alertLog) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "airguard.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	clk := clock.Fake(day0)
	alerts := &alertLog{}
	return New(st, clk, cfg, alerts, nil), clk, alerts
}

func sight(t *testing.T, e *Engine, address string, at time.Time, fix *model.Fix) {
	t.Helper()
	sg := model.Sighting{Address: address, ReceivedAt: at, RSSI: -65, Fix: fix}
	if _, err := e.RecordSighting(context.Background(), sg); err != nil {
		t.Fatalf("RecordSighting(%s, %v) error = %v", address, at, err)
	}
}

func TestEvaluateLowWithoutTrackers(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	now := day0.Add(20 * time.Hour)
	if got, err := e.Evaluate(ctx, now); err != nil || got != model.RiskLow {
		t.Fatalf("Evaluate(empty) = %v, %v, want LOW", got, err)
	}

	// a device only seen before the window is not a tracker
	sight(t, e, "AA:BB", now.Add(-15*24*time.Hour), nil)
	if got, _ := e.Evaluate(ctx, now); got != model.RiskLow {
		t.Fatalf("Evaluate(stale device) = %v, want LOW", got)
	}
	if last, _ := e.LastTrackerDiscovery(ctx, now); !last.Equal(now) {
		t.Fatalf("LastTrackerDiscovery() = %v, want now", last)
	}
}

func TestEvaluateScenario(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	sight(t, e, "AA:BB", day0.Add(9*time.Hour), nil)
	sight(t, e, "AA:BB", day0.Add(18*time.Hour), nil)

	got, err := e.Evaluate(ctx, day0.Add(20*time.Hour))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got != model.RiskMedium {
		t.Fatalf("Evaluate(day 0) = %v, want MEDIUM", got)
	}

	sight(t, e, "AA:BB", day0.Add(32*time.Hour), nil)
	if got, _ := e.Evaluate(ctx, day0.Add(33*time.Hour)); got != model.RiskHigh {
		t.Fatalf("Evaluate(day 1) = %v, want HIGH", got)
	}

	last, err := e.LastTrackerDiscovery(ctx, day0.Add(33*time.Hour))
	if err != nil {
		t.Fatalf("LastTrackerDiscovery() error = %v", err)
	}
	if !last.Equal(day0.Add(32 * time.Hour)) {
		t.Fatalf("LastTrackerDiscovery() = %v, want day 1 08:00", last)
	}
}

func TestIgnoreRemovesTrackerKeepsHistory(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	now := day0.Add(20 * time.Hour)

	sight(t, e, "AA:BB", day0.Add(9*time.Hour), nil)
	sight(t, e, "CC:DD", day0.Add(10*time.Hour), nil)

	if n, _ := e.RelevantTrackerCount(ctx, now); n != 2 {
		t.Fatalf("RelevantTrackerCount() = %d, want 2", n)
	}
	if err := e.SetIgnore(ctx, "aa:bb", true); err != nil {
		t.Fatalf("SetIgnore() error = %v", err)
	}
	if n, _ := e.RelevantTrackerCount(ctx, now); n != 1 {
		t.Fatalf("RelevantTrackerCount() after ignore = %d, want 1", n)
	}
	if err := e.SetIgnore(ctx, "CC:DD", true); err != nil {
		t.Fatalf("SetIgnore() error = %v", err)
	}
	if got, _ := e.Evaluate(ctx, now); got != model.RiskLow {
		t.Fatalf("Evaluate() with every device ignored = %v, want LOW", got)
	}

	beacons, err := e.store.DeviceBeacons(ctx, "AA:BB", nil)
	if err != nil || len(beacons) != 1 {
		t.Fatalf("DeviceBeacons() = %d, %v, want history kept", len(beacons), err)
	}
}

func TestClassifySpanPoolsTrackersAndUsesTimeZone(t *testing.T) {
	trackers := []model.Device{{Address: "AA"}, {Address: "BB"}}
	beacons := []model.Beacon{
		{DeviceAddress: "BB", ReceivedAt: time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC)},
		{DeviceAddress: "AA", ReceivedAt: time.Date(2024, 3, 4, 23, 0, 0, 0, time.UTC)},
	}

	if got := classifySpan(trackers, beacons, time.UTC); got != model.RiskHigh {
		t.Fatalf("classifySpan(UTC) = %v, want HIGH", got)
	}
	// 02:00 and 04:00 on the same local day
	plus3 := time.FixedZone("UTC+3", 3*60*60)
	if got := classifySpan(trackers, beacons, plus3); got != model.RiskMedium {
		t.Fatalf("classifySpan(UTC+3) = %v, want MEDIUM", got)
	}
	if got := classifySpan(nil, nil, time.UTC); got != model.RiskLow {
		t.Fatalf("classifySpan(nil) = %v, want LOW", got)
	}
}

func TestRecordSightingValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	cases := []model.Sighting{
		{Address: " ", ReceivedAt: day0, RSSI: -60},
		{Address: "AA:BB", RSSI: -60},
		{Address: "AA:BB", ReceivedAt: time.Unix(-10, 0), RSSI: -60},
		{Address: "AA:BB", ReceivedAt: day0, RSSI: 90},
		{Address: "AA:BB", ReceivedAt: day0, RSSI: -60, Fix: &model.Fix{Latitude: 91, Longitude: 0}},
		{Address: "AA:BB", ReceivedAt: day0, RSSI: -60, ServiceUUIDs: []string{"not-a-uuid"}},
		{Address: "AA:BB", ReceivedAt: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC), RSSI: -60},
		{Address: "AA:BB", ReceivedAt: day0, RSSI: -60,
			Fix: &model.Fix{Latitude: 52.52, Longitude: 13.405, Time: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)}},
	}
	for i, sg := range cases {
		_, err := e.RecordSighting(ctx, sg)
		if !errors.Is(err, model.ErrValidation) {
			t.Fatalf("case %d: RecordSighting() error = %v, want ErrValidation", i, err)
		}
	}

	if _, err := e.store.Device(ctx, "AA:BB"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("rejected sightings persisted a device: %v", err)
	}

	far := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := e.MatchOrCreateLocation(ctx, model.Fix{Latitude: 52.52, Longitude: 13.405}, far); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("MatchOrCreateLocation(year 10000) error = %v, want ErrValidation", err)
	}
}

func TestGateNotifiesOnceThenAfterCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RenotifyCooldown = 6 * time.Hour
	e, _, alerts := newTestEngine(t, cfg)
	ctx := context.Background()

	if st, _ := e.State(ctx, "AA:BB"); st != StateUnseen {
		t.Fatalf("State() = %v, want UNSEEN", st)
	}

	at := day0.Add(9 * time.Hour)
	sight(t, e, "AA:BB", at, nil)

	n, err := e.Decide(ctx, "AA:BB", at)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if n == nil {
		t.Fatalf("Decide() = nil, want a notification")
	}
	if st, _ := e.State(ctx, "AA:BB"); st != StateNotified {
		t.Fatalf("State() = %v, want NOTIFIED", st)
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want 1", alerts.count())
	}

	sight(t, e, "AA:BB", at.Add(time.Hour), nil)
	if n, _ := e.Decide(ctx, "AA:BB", at.Add(time.Hour)); n != nil {
		t.Fatalf("Decide() inside cooldown fired %+v", n)
	}

	sight(t, e, "AA:BB", at.Add(7*time.Hour), nil)
	if n, _ := e.Decide(ctx, "AA:BB", at.Add(7*time.Hour)); n == nil {
		t.Fatalf("Decide() after cooldown = nil, want a notification")
	}
	if alerts.count() != 2 {
		t.Fatalf("alerts = %d, want 2", alerts.count())
	}
}

func TestGateWithoutCooldownNeverRenotifies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RenotifyCooldown = 0
	e, _, alerts := newTestEngine(t, cfg)
	ctx := context.Background()

	sight(t, e, "AA:BB", day0, nil)
	for _, at := range []time.Time{day0, day0.Add(24 * time.Hour)} {
		if _, err := e.Decide(ctx, "AA:BB", at); err != nil {
			t.Fatalf("Decide() error = %v", err)
		}
	}
	if alerts.count() != 1 {
		t.Fatalf("alerts = %d, want 1", alerts.count())
	}
}

func TestFalseAlarmSuppressesUntilUnignored(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	sight(t, e, "AA:BB", day0, nil)
	n, err := e.Decide(ctx, "AA:BB", day0)
	if err != nil || n == nil {
		t.Fatalf("Decide() = %v, %v", n, err)
	}

	if _, err := e.MarkFalseAlarm(ctx, n.ID, true); err != nil {
		t.Fatalf("MarkFalseAlarm() error = %v", err)
	}
	if st, _ := e.State(ctx, "AA:BB"); st != StateSuppressed {
		t.Fatalf("State() = %v, want SUPPRESSED", st)
	}
	if c, _ := e.RelevantTrackerCount(ctx, day0.Add(time.Hour)); c != 0 {
		t.Fatalf("RelevantTrackerCount() = %d, want 0", c)
	}
	later := day0.Add(48 * time.Hour)
	sight(t, e, "AA:BB", later, nil)
	if n, _ := e.Decide(ctx, "AA:BB", later); n != nil {
		t.Fatalf("suppressed device fired %+v", n)
	}

	if err := e.SetIgnore(ctx, "AA:BB", false); err != nil {
		t.Fatalf("SetIgnore(false) error = %v", err)
	}
	if st, _ := e.State(ctx, "AA:BB"); st != StateNotified {
		t.Fatalf("State() after un-ignore = %v, want NOTIFIED", st)
	}
}

func TestGateSensitivityThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sensitivity = model.SensitivityHigh
	e, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	home := &model.Fix{Latitude: 52.5200, Longitude: 13.4050}
	office := &model.Fix{Latitude: 52.5300, Longitude: 13.4050}

	sight(t, e, "AA:BB", day0.Add(9*time.Hour), home)
	if n, _ := e.Decide(ctx, "AA:BB", day0.Add(9*time.Hour)); n != nil {
		t.Fatalf("one location fired under high sensitivity")
	}

	sight(t, e, "AA:BB", day0.Add(9*time.Hour+5*time.Minute), office)
	if n, _ := e.Decide(ctx, "AA:BB", day0.Add(9*time.Hour+5*time.Minute)); n != nil {
		t.Fatalf("5 minutes of tracking fired under high sensitivity")
	}

	sight(t, e, "AA:BB", day0.Add(9*time.Hour+20*time.Minute), office)
	n, err := e.Decide(ctx, "AA:BB", day0.Add(9*time.Hour+20*time.Minute))
	if err != nil || n == nil {
		t.Fatalf("Decide() = %v, %v, want a notification", n, err)
	}
	if n.Sensitivity != model.SensitivityHigh {
		t.Fatalf("Sensitivity = %v, want high", n.Sensitivity)
	}
}

func TestSweepNotifiesEveryTracker(t *testing.T) {
	e, clk, alerts := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	sight(t, e, "AA:BB", day0, nil)
	sight(t, e, "CC:DD", day0, nil)
	sight(t, e, "EE:FF", day0, nil)
	if err := e.SetIgnore(ctx, "EE:FF", true); err != nil {
		t.Fatalf("SetIgnore() error = %v", err)
	}

	clk.Advance(time.Minute)
	fired, err := e.Sweep(ctx, clk.Now())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(fired) != 2 || alerts.count() != 2 {
		t.Fatalf("Sweep() fired %d, delivered %d, want 2", len(fired), alerts.count())
	}

	fired, _ = e.Sweep(ctx, clk.Now())
	if len(fired) != 0 {
		t.Fatalf("second Sweep() fired %d, want 0", len(fired))
	}
}

func TestApplyFixBackfillsBeacons(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	for _, sg := range []model.Sighting{
		{Address: "AA:BB", ReceivedAt: day0.Add(time.Minute), RSSI: -65, Scanner: "phone-a"},
		{Address: "CC:DD", ReceivedAt: day0.Add(time.Minute), RSSI: -65, Scanner: "phone-b"},
	} {
		if _, err := e.RecordSighting(ctx, sg); err != nil {
			t.Fatalf("RecordSighting(%s) error = %v", sg.Address, err)
		}
	}

	fix := model.Fix{Latitude: 52.52, Longitude: 13.405, Time: day0.Add(2 * time.Minute)}
	locID, n, err := e.ApplyFix(ctx, "phone-a", fix, 5*time.Minute)
	if err != nil {
		t.Fatalf("ApplyFix() error = %v", err)
	}
	if n != 1 || locID == 0 {
		t.Fatalf("ApplyFix() = %d, %d, want one beacon updated", locID, n)
	}

	other, err := e.store.DeviceBeacons(ctx, "CC:DD", nil)
	if err != nil {
		t.Fatalf("DeviceBeacons() error = %v", err)
	}
	if len(other) != 1 || other[0].LocationID != nil {
		t.Fatalf("CC:DD beacons = %+v, want the other scanner's beacon untouched", other)
	}

	if _, _, err := e.ApplyFix(ctx, "", fix, 5*time.Minute); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("ApplyFix(no scanner) error = %v, want ErrValidation", err)
	}
}
