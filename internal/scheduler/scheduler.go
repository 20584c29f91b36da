// Package scheduler wakes the detection engine on a timer: it runs the
// notification gate over every tracker, re-evaluates the risk level and
// prunes history older than the retention period.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"airguard/go-detection-server/internal/clock"
	"airguard/go-detection-server/internal/detection"
	"airguard/go-detection-server/internal/store"
)

// RiskTopic carries the risk report whenever the level changes.
const RiskTopic = "airguard/risk"

// Publisher is satisfied by the embedded MQTT broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Scheduler struct {
	engine    *detection.Engine
	store     *store.Store
	clock     clock.Clock
	interval  time.Duration
	retention time.Duration
	pub       Publisher
	logger    *slog.Logger

	mu   sync.Mutex
	last *detection.RiskReport
}

// New returns a scheduler. A nil publisher disables risk publishing.
func New(engine *detection.Engine, st *store.Store, clk clock.Clock, interval, retention time.Duration, pub Publisher, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		engine:    engine,
		store:     st,
		clock:     clk,
		interval:  interval,
		retention: retention,
		pub:       pub,
		logger:    logger,
	}
}

// TickResult reports the work done by one tick.
type TickResult struct {
	Notified int
	Report   detection.RiskReport
	Changed  bool
	Pruned   store.PruneResult
}

// Tick runs one scheduler pass at the clock's current time. Every step runs
// even when an earlier one fails; the errors are joined.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	now := s.clock.Now()
	var (
		res  TickResult
		errs []error
	)

	fired, err := s.engine.Sweep(ctx, now)
	res.Notified = len(fired)
	if err != nil {
		errs = append(errs, fmt.Errorf("notification sweep: %w", err))
	}

	report, err := s.engine.Report(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("evaluate risk: %w", err))
	} else {
		res.Report = report
		res.Changed = s.remember(report)
		if res.Changed {
			s.logger.Info("risk level changed", "level", report.Level, "trackers", report.TrackerCount)
			s.publish(report)
		}
	}

	if s.retention > 0 {
		pruned, err := s.store.Prune(ctx, now.Add(-s.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune: %w", err))
		}
		res.Pruned = pruned
		if pruned.Beacons > 0 || pruned.Devices > 0 || pruned.Locations > 0 {
			s.logger.Info("pruned history",
				"beacons", pruned.Beacons, "devices", pruned.Devices, "locations", pruned.Locations)
		}
	}

	return res, errors.Join(errs...)
}

// LastReport returns the report of the latest successful evaluation.
func (s *Scheduler) LastReport() (detection.RiskReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return detection.RiskReport{}, false
	}
	return *s.last, true
}

func (s *Scheduler) remember(r detection.RiskReport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.last == nil || s.last.Level != r.Level
	s.last = &r
	return changed
}

func (s *Scheduler) publish(r detection.RiskReport) {
	if s.pub == nil {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("encode risk report", "error", err)
		return
	}
	if err := s.pub.Publish(RiskTopic, payload); err != nil {
		s.logger.Warn("publish risk report", "error", err)
	}
}

// Run ticks immediately and then on every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.Tick(tickCtx); err != nil {
		s.logger.Error("scheduler tick", "error", err)
	}
}
