// Package ingest turns scanner messages into sightings and funnels them
// through a bounded worker pool.
package ingest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"airguard/go-detection-server/internal/model"
)

// HexBytes is a manufacturer payload. JSON carries it as a hex string, CBOR
// as a byte string.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(string(text)), ":", ""), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("payload is not hex: %w", err)
	}
	*h = b
	return nil
}

// WireLocation is the optional GPS fix attached to a sighting.
type WireLocation struct {
	Latitude  float64    `json:"latitude" cbor:"latitude"`
	Longitude float64    `json:"longitude" cbor:"longitude"`
	Altitude  *float64   `json:"altitude,omitempty" cbor:"altitude,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty" cbor:"accuracy,omitempty"`
	Time      *time.Time `json:"time,omitempty" cbor:"time,omitempty"`
}

// WireSighting is the message a scanner publishes on sightings/<scanner>.
type WireSighting struct {
	Address      string        `json:"address" cbor:"address"`
	ReceivedAt   time.Time     `json:"received_at" cbor:"received_at"`
	RSSI         int           `json:"rssi" cbor:"rssi"`
	Connectable  bool          `json:"connectable" cbor:"connectable"`
	Payload      HexBytes      `json:"payload,omitempty" cbor:"payload,omitempty"`
	ServiceUUIDs []string      `json:"service_uuids,omitempty" cbor:"service_uuids,omitempty"`
	Location     *WireLocation `json:"location,omitempty" cbor:"location,omitempty"`
}

// WireFix is the message published on fixes/<scanner> when a GPS fix
// arrives after the sightings it belongs to.
type WireFix = WireLocation

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("ingest: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ingest: CBOR decoder initialization failed: " + err.Error())
	}
}

// Sighting converts the wire form. The address is taken as is; the engine
// normalizes and validates it.
func (w WireSighting) Sighting() model.Sighting {
	sg := model.Sighting{
		Address:      w.Address,
		ReceivedAt:   w.ReceivedAt,
		RSSI:         w.RSSI,
		Connectable:  w.Connectable,
		Payload:      []byte(w.Payload),
		ServiceUUIDs: w.ServiceUUIDs,
	}
	if w.Location != nil {
		fix := w.Location.Fix()
		sg.Fix = &fix
	}
	return sg
}

// Fix converts the wire form of a GPS fix.
func (l WireLocation) Fix() model.Fix {
	fix := model.Fix{
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Altitude:  l.Altitude,
		Accuracy:  l.Accuracy,
	}
	if l.Time != nil {
		fix.Time = l.Time.UTC()
	}
	return fix
}

// FromSighting builds the wire form of sg.
func FromSighting(sg model.Sighting) WireSighting {
	w := WireSighting{
		Address:      sg.Address,
		ReceivedAt:   sg.ReceivedAt,
		RSSI:         sg.RSSI,
		Connectable:  sg.Connectable,
		Payload:      HexBytes(sg.Payload),
		ServiceUUIDs: sg.ServiceUUIDs,
	}
	if sg.Fix != nil {
		w.Location = &WireLocation{
			Latitude:  sg.Fix.Latitude,
			Longitude: sg.Fix.Longitude,
			Altitude:  sg.Fix.Altitude,
			Accuracy:  sg.Fix.Accuracy,
		}
		if !sg.Fix.Time.IsZero() {
			t := sg.Fix.Time
			w.Location.Time = &t
		}
	}
	return w
}

// Format selects the message encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	if f == FormatCBOR {
		return "cbor"
	}
	return "json"
}

// Decode parses one message in format f into v.
func Decode(f Format, data []byte, v any) error {
	var err error
	if f == FormatCBOR {
		err = decMode.Unmarshal(data, v)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", f, err)
	}
	return nil
}

// Encode serializes v in format f.
func Encode(f Format, v any) ([]byte, error) {
	if f == FormatCBOR {
		return encMode.Marshal(v)
	}
	return json.Marshal(v)
}
