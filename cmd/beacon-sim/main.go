// Command beacon-sim publishes simulated tracker sightings to the AirGuard
// broker, as a phone-side scanner would while being followed by a tag.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"

	"airguard/go-detection-server/internal/ingest"
)

type options struct {
	broker     string
	scannerID  string
	address    string
	kind       string
	interval   time.Duration
	baseRSSI   int
	rssiJitter int
	latitude   float64
	longitude  float64
	walk       float64
	format     string
	lateFix    bool
	count      int
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("beacon-sim failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var opts options

	flagSet := pflag.NewFlagSet("beacon-sim", pflag.ContinueOnError)
	flagSet.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	flagSet.StringVar(&opts.scannerID, "scanner-id", "sim-scanner-1", "scanner identifier used in the topic")
	flagSet.StringVar(&opts.address, "address", "", "device address (default: random)")
	flagSet.StringVar(&opts.kind, "kind", "airtag", "simulated accessory: airtag, findmy, tile, smarttag, chipolo, unknown")
	flagSet.DurationVar(&opts.interval, "interval", 2*time.Second, "interval between published sightings")
	flagSet.IntVar(&opts.baseRSSI, "base-rssi", -60, "baseline RSSI value to simulate")
	flagSet.IntVar(&opts.rssiJitter, "rssi-jitter", 6, "maximum random jitter applied to RSSI readings")
	flagSet.Float64Var(&opts.latitude, "lat", 52.5200, "starting latitude")
	flagSet.Float64Var(&opts.longitude, "lon", 13.4050, "starting longitude")
	flagSet.Float64Var(&opts.walk, "walk", 50, "meters moved north-east between sightings")
	flagSet.StringVar(&opts.format, "format", "json", "payload encoding: json or cbor")
	flagSet.BoolVar(&opts.lateFix, "late-fix", false, "publish GPS fixes on fixes/<scanner> instead of inside the sighting")
	flagSet.IntVar(&opts.count, "count", 0, "stop after this many sightings (0: run until interrupted)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	format := ingest.FormatJSON
	topic := "sightings/" + opts.scannerID
	switch strings.ToLower(opts.format) {
	case "json":
	case "cbor":
		format = ingest.FormatCBOR
		topic += "/cbor"
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}

	payload, services, err := advertisement(opts.kind)
	if err != nil {
		return err
	}
	if opts.address == "" {
		opts.address = randomAddress()
	}

	clientID := fmt.Sprintf("%s-simulator-%d", opts.scannerID, time.Now().UnixNano())
	mqttOpts := mqtt.NewClientOptions().AddBroker(opts.broker).SetClientID(clientID)
	mqttOpts = mqttOpts.SetOrderMatters(false)

	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker: %w", token.Error())
	}
	logger.Info("connected to MQTT broker", "broker", opts.broker, "client", clientID, "address", opts.address)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	lat, lon := opts.latitude, opts.longitude
	sent := 0

	publish := func() {
		now := time.Now().UTC()
		loc := &ingest.WireLocation{Latitude: lat, Longitude: lon, Time: &now}

		sighting := ingest.WireSighting{
			Address:      opts.address,
			ReceivedAt:   now,
			RSSI:         randomRSSI(opts.baseRSSI, opts.rssiJitter),
			Connectable:  true,
			Payload:      payload,
			ServiceUUIDs: services,
		}
		if !opts.lateFix {
			sighting.Location = loc
		}

		data, err := ingest.Encode(format, sighting)
		if err != nil {
			logger.Error("failed to encode sighting", "error", err)
			return
		}
		if err := publishWait(client, topic, data); err != nil {
			logger.Error("publish error", "topic", topic, "error", err)
			return
		}
		logger.Info("published sighting", "topic", topic, "rssi", sighting.RSSI, "lat", lat, "lon", lon)

		if opts.lateFix {
			fix, err := json.Marshal(loc)
			if err != nil {
				logger.Error("failed to encode fix", "error", err)
				return
			}
			if err := publishWait(client, "fixes/"+opts.scannerID, fix); err != nil {
				logger.Error("publish error", "topic", "fixes/"+opts.scannerID, "error", err)
			}
		}

		lat, lon = move(lat, lon, opts.walk)
		sent++
	}

	publish()

	for {
		if opts.count > 0 && sent >= opts.count {
			client.Disconnect(250)
			return nil
		}
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return nil
		case <-ticker.C:
			publish()
		}
	}
}

func publishWait(client mqtt.Client, topic string, data []byte) error {
	token := client.Publish(topic, 0, false, data)
	token.Wait()
	return token.Error()
}

// advertisement returns the manufacturer payload and service identifiers a
// tag of kind broadcasts.
func advertisement(kind string) (ingest.HexBytes, []string, error) {
	switch strings.ToLower(kind) {
	case "airtag":
		return offlineFinding(0x10), nil, nil
	case "findmy":
		return offlineFinding(0x20), nil, nil
	case "tile":
		return nil, []string{"FEED"}, nil
	case "smarttag":
		return nil, []string{"FD5A"}, nil
	case "chipolo":
		return nil, []string{"FE33"}, nil
	case "unknown":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown kind %q", kind)
}

// offlineFinding builds an Apple offline-finding frame with the given status
// byte and a random public key fragment.
func offlineFinding(status byte) ingest.HexBytes {
	frame := make([]byte, 2+2+1+22+2)
	frame[0], frame[1] = 0x4C, 0x00
	frame[2], frame[3] = 0x12, 0x19
	frame[4] = status
	_, _ = rand.Read(frame[5:27])
	return frame
}

func randomAddress() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	// static random address: two most significant bits set
	b[0] |= 0xC0
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

// move walks meters to the north-east of lat/lon.
func move(lat, lon, meters float64) (float64, float64) {
	const earthRadius = 6371000.0
	d := meters / math.Sqrt2 / earthRadius * 180 / math.Pi
	return lat + d, lon + d/math.Cos(lat*math.Pi/180)
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
