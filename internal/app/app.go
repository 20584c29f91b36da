package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"airguard/go-detection-server/internal/client"
	"airguard/go-detection-server/internal/clock"
	"airguard/go-detection-server/internal/config"
	"airguard/go-detection-server/internal/detection"
	"airguard/go-detection-server/internal/donate"
	"airguard/go-detection-server/internal/ingest"
	"airguard/go-detection-server/internal/model"
	"airguard/go-detection-server/internal/mqttbroker"
	"airguard/go-detection-server/internal/notify"
	"airguard/go-detection-server/internal/radio"
	"airguard/go-detection-server/internal/scheduler"
	"airguard/go-detection-server/internal/store"
)

// publisher is satisfied by the embedded MQTT broker.
type publisher interface {
	Publish(topic string, payload []byte) error
}

// App wires together the AirGuard services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	broker    *mqttbroker.Broker
	pub       publisher
	engine    *detection.Engine
	pool      *ingest.Pool
	radio     *radio.Manager
	scheduler *scheduler.Scheduler
	uploader  *donate.Uploader
	mdns      *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// wire builds the engine and the services around it on top of an open store.
func (a *App) wire(ctx context.Context, st *store.Store, pub publisher, clk clock.Clock) {
	a.store = st
	a.pub = pub
	a.applyPersisted(ctx)

	httpClient := client.New(a.logger)

	deliverers := notify.Multi{notify.NewMQTT(pub)}
	if a.cfg.WebhookURL != "" {
		deliverers = append(deliverers, notify.NewWebhook(httpClient, a.cfg.WebhookURL))
	}

	a.engine = detection.New(st, clk, detection.Config{
		MatchRadius:      a.cfg.MatchRadius,
		Window:           a.cfg.TrackingWindow,
		RenotifyCooldown: a.cfg.RenotifyCooldown,
		Sensitivity:      a.cfg.Sensitivity,
		TimeZone:         a.cfg.TimeZone,
	}, deliverers, a.logger)

	a.pool = ingest.NewPool(a.cfg.IngestWorkers, a.cfg.IngestQueueSize, a.logger)
	a.radio = radio.NewManager(pub, clk, 30*time.Second, a.logger)
	a.scheduler = scheduler.New(a.engine, st, clk, a.cfg.EvaluationInterval, a.cfg.Retention, pub, a.logger)

	if a.cfg.DonationEnabled {
		a.uploader = donate.New(st, httpClient, a.cfg.DonationURL, clk, a.cfg.DonationInterval, a.logger)
	}
}

// applyPersisted overrides the configured sensitivity with the one stored
// through the config API, if any.
func (a *App) applyPersisted(ctx context.Context) {
	v, err := a.store.AppConfigValue(ctx, sensitivityKey)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			a.logger.Warn("failed to load persisted sensitivity", "error", err)
		}
		return
	}
	s, err := model.ParseSensitivity(v)
	if err != nil {
		a.logger.Warn("ignoring persisted sensitivity", "value", v, "error", err)
		return
	}
	a.cfg.Sensitivity = s
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	broker := mqttbroker.New(a.logger)
	a.broker = broker
	a.wire(ctx, db, broker, clock.Real())

	// workers outlive ctx so the queue can drain during shutdown
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	a.pool.Start(poolCtx)

	broker.SetPublishHandler(a.handleMQTTPublish)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		a.pool.Close()
		return err
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(mqttPort(a.cfg.MQTTBindAddress)); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		a.scheduler.Run(bgCtx)
	}()
	if a.uploader != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			a.uploader.Run(bgCtx)
		}()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		a.logger.Info("http server stopped")

		if err := broker.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("mqtt broker stopped")

		a.pool.Close()
		cancelBg()
		bg.Wait()
		a.radio.Close()
		return errors.Join(errs...)
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-httpErrCh:
			return errors.Join(err, shutdown())
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				return errors.Join(err, shutdown())
			}
		}
	}
}

func mqttPort(bind string) int {
	_, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
