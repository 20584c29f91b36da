package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_airguard._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the MQTT broker so scanners on the LAN can find it.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "airguard"
	}

	server, err := zeroconf.Register(
		mdnsInstance(hostname),
		mdnsServiceType,
		mdnsDomain,
		port,
		mdnsTXT(hostname, a.cfg.HTTPPort),
		nil,
	)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "service", mdnsServiceType, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsInstance(hostname string) string {
	return sanitizeMDNSInstance(fmt.Sprintf("AirGuard (%s)", hostname))
}

// mdnsTXT lists the records scanners read to locate the ingest topics and
// the HTTP API.
func mdnsTXT(hostname string, httpPort int) []string {
	host := sanitizeMDNSHost(hostname)
	if !strings.Contains(host, ".") {
		host += ".local"
	}
	return []string{
		fmt.Sprintf("http_port=%d", httpPort),
		"sightings=sightings/{scanner}",
		"sightings_cbor=sightings/{scanner}/cbor",
		"fixes=fixes/{scanner}",
		"proto=v1",
		fmt.Sprintf("host=%s", host),
	}
}

// sanitizeMDNSInstance makes name usable as a DNS-SD instance label. Dots
// would split the label, so they become spaces.
func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "AirGuard"
	}
	return truncateString(cleaned, 63)
}

// sanitizeMDNSHost lowercases name into a hostname scanners can resolve,
// used for the host TXT record.
func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "airguard"
	}
	// host labels are at most 63 characters
	return truncateString(cleaned, 63)
}
