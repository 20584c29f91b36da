package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"

	"airguard/go-detection-server/internal/model"
)

// Config lists the tunable parameters for the AirGuard detection server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	LogLevel        string
	MDNSEnabled     bool

	MatchRadius        float64
	TrackingWindow     time.Duration
	RenotifyCooldown   time.Duration
	Sensitivity        model.Sensitivity
	EvaluationInterval time.Duration
	Retention          time.Duration
	FixLookback        time.Duration
	TimeZone           *time.Location

	IngestWorkers   int
	IngestQueueSize int

	WebhookURL string

	DonationEnabled  bool
	DonationURL      string
	DonationInterval time.Duration
}

const (
	defaultHTTPPort           = 8080
	defaultMQTTBindAddress    = ":1883"
	defaultDatabasePath       = "data/airguard.db"
	defaultLogLevel           = "info"
	defaultMatchRadius        = 30.0
	defaultTrackingWindow     = 14 * 24 * time.Hour
	defaultRenotifyCooldown   = 12 * time.Hour
	defaultEvaluationInterval = time.Minute
	defaultFixLookback        = 2 * time.Minute
	defaultIngestWorkers      = 4
	defaultIngestQueueSize    = 256
	defaultDonationInterval   = 24 * time.Hour
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTPPort:           defaultHTTPPort,
		MQTTBindAddress:    defaultMQTTBindAddress,
		DatabasePath:       defaultDatabasePath,
		LogLevel:           defaultLogLevel,
		MDNSEnabled:        true,
		MatchRadius:        defaultMatchRadius,
		TrackingWindow:     defaultTrackingWindow,
		RenotifyCooldown:   defaultRenotifyCooldown,
		Sensitivity:        model.SensitivityUnknown,
		EvaluationInterval: defaultEvaluationInterval,
		FixLookback:        defaultFixLookback,
		TimeZone:           time.UTC,
		IngestWorkers:      defaultIngestWorkers,
		IngestQueueSize:    defaultIngestQueueSize,
		DonationInterval:   defaultDonationInterval,
	}
}

type tomlConfig struct {
	HTTPPort           int     `toml:"http_port"`
	MQTTBind           string  `toml:"mqtt_bind"`
	DatabasePath       string  `toml:"database_path"`
	LogLevel           string  `toml:"log_level"`
	MDNSEnabled        bool    `toml:"mdns_enabled"`
	MatchRadius        float64 `toml:"match_radius"`
	TrackingWindow     string  `toml:"tracking_window"`
	RenotifyCooldown   string  `toml:"renotify_cooldown"`
	Sensitivity        string  `toml:"sensitivity"`
	EvaluationInterval string  `toml:"evaluation_interval"`
	Retention          string  `toml:"retention"`
	FixLookback        string  `toml:"fix_lookback"`
	TimeZone           string  `toml:"timezone"`
	IngestWorkers      int     `toml:"ingest_workers"`
	IngestQueueSize    int     `toml:"ingest_queue_size"`
	WebhookURL         string  `toml:"webhook_url"`

	Donation struct {
		Enabled  bool   `toml:"enabled"`
		URL      string `toml:"url"`
		Interval string `toml:"interval"`
	} `toml:"donation"`
}

// Load builds the configuration from defaults, then the TOML file at path
// (or AIRGUARD_CONFIG when path is empty), then AIRGUARD_* environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("AIRGUARD_CONFIG")
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var tc tomlConfig
	md, err := toml.DecodeFile(path, &tc)
	if err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	if tc.HTTPPort != 0 {
		cfg.HTTPPort = tc.HTTPPort
	}
	if tc.MQTTBind != "" {
		cfg.MQTTBindAddress = tc.MQTTBind
	}
	if tc.DatabasePath != "" {
		cfg.DatabasePath = tc.DatabasePath
	}
	if tc.LogLevel != "" {
		cfg.LogLevel = tc.LogLevel
	}
	if md.IsDefined("mdns_enabled") {
		cfg.MDNSEnabled = tc.MDNSEnabled
	}
	if md.IsDefined("match_radius") {
		cfg.MatchRadius = tc.MatchRadius
	}
	if tc.Sensitivity != "" {
		s, err := model.ParseSensitivity(tc.Sensitivity)
		if err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.Sensitivity = s
	}
	if tc.TimeZone != "" {
		loc, err := time.LoadLocation(tc.TimeZone)
		if err != nil {
			return fmt.Errorf("config file %s: timezone: %w", path, err)
		}
		cfg.TimeZone = loc
	}
	if tc.IngestWorkers != 0 {
		cfg.IngestWorkers = tc.IngestWorkers
	}
	if tc.IngestQueueSize != 0 {
		cfg.IngestQueueSize = tc.IngestQueueSize
	}
	if tc.WebhookURL != "" {
		cfg.WebhookURL = tc.WebhookURL
	}
	if md.IsDefined("donation", "enabled") {
		cfg.DonationEnabled = tc.Donation.Enabled
	}
	if tc.Donation.URL != "" {
		cfg.DonationURL = tc.Donation.URL
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"tracking_window", tc.TrackingWindow, &cfg.TrackingWindow},
		{"renotify_cooldown", tc.RenotifyCooldown, &cfg.RenotifyCooldown},
		{"evaluation_interval", tc.EvaluationInterval, &cfg.EvaluationInterval},
		{"retention", tc.Retention, &cfg.Retention},
		{"fix_lookback", tc.FixLookback, &cfg.FixLookback},
		{"donation.interval", tc.Donation.Interval, &cfg.DonationInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := parseDuration(d.value)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("AIRGUARD_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AIRGUARD_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("AIRGUARD_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("AIRGUARD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("AIRGUARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("AIRGUARD_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AIRGUARD_MDNS: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	if v := os.Getenv("AIRGUARD_MATCH_RADIUS"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid AIRGUARD_MATCH_RADIUS: %w", err)
		}
		cfg.MatchRadius = radius
	}

	if v := os.Getenv("AIRGUARD_SENSITIVITY"); v != "" {
		s, err := model.ParseSensitivity(v)
		if err != nil {
			return fmt.Errorf("invalid AIRGUARD_SENSITIVITY: %w", err)
		}
		cfg.Sensitivity = s
	}

	if v := os.Getenv("AIRGUARD_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return fmt.Errorf("invalid AIRGUARD_TIMEZONE: %w", err)
		}
		cfg.TimeZone = loc
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"AIRGUARD_INGEST_WORKERS", &cfg.IngestWorkers},
		{"AIRGUARD_INGEST_QUEUE", &cfg.IngestQueueSize},
	}
	for _, i := range ints {
		v := os.Getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", i.name, err)
		}
		*i.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"AIRGUARD_TRACKING_WINDOW", &cfg.TrackingWindow},
		{"AIRGUARD_RENOTIFY_COOLDOWN", &cfg.RenotifyCooldown},
		{"AIRGUARD_EVALUATION_INTERVAL", &cfg.EvaluationInterval},
		{"AIRGUARD_RETENTION", &cfg.Retention},
		{"AIRGUARD_FIX_LOOKBACK", &cfg.FixLookback},
		{"AIRGUARD_DONATION_INTERVAL", &cfg.DonationInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("AIRGUARD_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}

	if v := os.Getenv("AIRGUARD_DONATION_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AIRGUARD_DONATION_ENABLED: %w", err)
		}
		cfg.DonationEnabled = enabled
	}

	if v := os.Getenv("AIRGUARD_DONATION_URL"); v != "" {
		cfg.DonationURL = v
	}

	return nil
}

// parseDuration extends time.ParseDuration with a day suffix, e.g. "14d".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Validate rejects unusable settings and fills derived defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTPPort))
	}
	if c.MatchRadius <= 0 {
		errs = append(errs, fmt.Errorf("match radius must be positive, got %v", c.MatchRadius))
	}
	if c.TrackingWindow <= 0 {
		errs = append(errs, fmt.Errorf("tracking window must be positive, got %v", c.TrackingWindow))
	}
	if c.RenotifyCooldown < 0 {
		errs = append(errs, fmt.Errorf("renotify cooldown must not be negative, got %v", c.RenotifyCooldown))
	}
	if c.EvaluationInterval <= 0 {
		errs = append(errs, fmt.Errorf("evaluation interval must be positive, got %v", c.EvaluationInterval))
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must not be negative, got %v", c.Retention))
	}
	if c.Retention > 0 && c.Retention < c.TrackingWindow {
		errs = append(errs, fmt.Errorf("retention %v is shorter than the tracking window %v", c.Retention, c.TrackingWindow))
	}
	if c.FixLookback < 0 {
		errs = append(errs, fmt.Errorf("fix lookback must not be negative, got %v", c.FixLookback))
	}
	if c.IngestWorkers < 1 {
		errs = append(errs, fmt.Errorf("ingest workers must be at least 1, got %d", c.IngestWorkers))
	}
	if c.IngestQueueSize < 1 {
		errs = append(errs, fmt.Errorf("ingest queue size must be at least 1, got %d", c.IngestQueueSize))
	}
	if c.DonationEnabled {
		if c.DonationURL == "" {
			errs = append(errs, errors.New("donation enabled without a donation url"))
		}
		if c.DonationInterval <= 0 {
			errs = append(errs, fmt.Errorf("donation interval must be positive, got %v", c.DonationInterval))
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Retention == 0 {
		c.Retention = c.TrackingWindow
	}
	if c.TimeZone == nil {
		c.TimeZone = time.UTC
	}
	return nil
}
