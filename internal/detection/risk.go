package detection

import (
	"context"
	"sort"
	"time"

	"airguard/go-detection-server/internal/model"
)

// RiskReport is one evaluation of the tracking situation.
type RiskReport struct {
	Level         model.RiskLevel `json:"level"`
	TrackerCount  int             `json:"tracker_count"`
	LastDiscovery time.Time       `json:"last_discovery"`
	WindowDays    int             `json:"window_days"`
	EvaluatedAt   time.Time       `json:"evaluated_at"`
}

// Evaluate classifies the current risk at now.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) (model.RiskLevel, error) {
	r, err := e.Report(ctx, now)
	if err != nil {
		return "", err
	}
	return r.Level, nil
}

// Report evaluates the risk together with the auxiliary figures from one
// consistent snapshot.
func (e *Engine) Report(ctx context.Context, now time.Time) (RiskReport, error) {
	snap, err := e.store.TrackingSnapshot(ctx, now.Add(-e.cfg.Window), now)
	if err != nil {
		return RiskReport{}, err
	}

	return RiskReport{
		Level:         classifySpan(snap.Trackers, snap.Beacons, e.cfg.TimeZone),
		TrackerCount:  len(snap.Trackers),
		LastDiscovery: lastDiscovery(snap.Trackers, now),
		WindowDays:    int(e.cfg.Window / (24 * time.Hour)),
		EvaluatedAt:   now,
	}, nil
}

// LastTrackerDiscovery returns the latest lastSeen among the trackers of the
// window ending at now, or now when there are none.
func (e *Engine) LastTrackerDiscovery(ctx context.Context, now time.Time) (time.Time, error) {
	r, err := e.Report(ctx, now)
	if err != nil {
		return time.Time{}, err
	}
	return r.LastDiscovery, nil
}

// RelevantTrackerCount counts the trackers of the window ending at now.
func (e *Engine) RelevantTrackerCount(ctx context.Context, now time.Time) (int, error) {
	r, err := e.Report(ctx, now)
	if err != nil {
		return 0, err
	}
	return r.TrackerCount, nil
}

// classifySpan pools the beacons of every tracker and measures the calendar
// days between the earliest and the latest one.
func classifySpan(trackers []model.Device, beacons []model.Beacon, tz *time.Location) model.RiskLevel {
	if len(trackers) == 0 || len(beacons) == 0 {
		return model.RiskLow
	}

	sorted := make([]model.Beacon, len(beacons))
	copy(sorted, beacons)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})

	span := dayNumber(sorted[len(sorted)-1].ReceivedAt, tz) - dayNumber(sorted[0].ReceivedAt, tz)
	if span < 0 {
		span = -span
	}
	if span >= 1 {
		return model.RiskHigh
	}
	return model.RiskMedium
}

// dayNumber counts calendar days in tz since 1970-01-01.
func dayNumber(t time.Time, tz *time.Location) int64 {
	y, m, d := t.In(tz).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func lastDiscovery(trackers []model.Device, now time.Time) time.Time {
	if len(trackers) == 0 {
		return now
	}
	last := trackers[0].LastSeen
	for _, d := range trackers[1:] {
		if d.LastSeen.After(last) {
			last = d.LastSeen
		}
	}
	return last
}
