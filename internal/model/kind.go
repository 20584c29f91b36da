package model

import (
	"strings"

	"github.com/google/uuid"
)

// DeviceKind identifies the accessory family of a device. It only carries what
// is needed to pick a display name.
type DeviceKind string

const (
	KindUnknown     DeviceKind = "unknown"
	KindAirTag      DeviceKind = "airtag"
	KindFindMy      DeviceKind = "find_my"
	KindAirPods     DeviceKind = "airpods"
	KindAppleDevice DeviceKind = "apple"
	KindTile        DeviceKind = "tile"
	KindSmartTag    DeviceKind = "smarttag"
	KindChipolo     DeviceKind = "chipolo"
)

var kindNames = map[DeviceKind]string{
	KindUnknown:     "Unknown device",
	KindAirTag:      "AirTag",
	KindFindMy:      "Find My device",
	KindAirPods:     "AirPods",
	KindAppleDevice: "Apple device",
	KindTile:        "Tile",
	KindSmartTag:    "Samsung SmartTag",
	KindChipolo:     "Chipolo",
}

// DisplayName returns the user-facing name of the kind.
func (k DeviceKind) DisplayName() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ParseDeviceKind returns the kind named s, or false.
func ParseDeviceKind(s string) (DeviceKind, bool) {
	k := DeviceKind(strings.ToLower(strings.TrimSpace(s)))
	_, ok := kindNames[k]
	return k, ok
}

// Bluetooth base UUID used to expand 16-bit service identifiers.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

var (
	tileServices = []uuid.UUID{
		uuid.MustParse("0000feed" + bluetoothBaseSuffix),
		uuid.MustParse("0000feec" + bluetoothBaseSuffix),
	}
	smartTagService = uuid.MustParse("0000fd5a" + bluetoothBaseSuffix)
	chipoloService  = uuid.MustParse("0000fe33" + bluetoothBaseSuffix)
)

// appleCompanyID is the little-endian Bluetooth SIG company identifier 0x004C.
var appleCompanyID = [2]byte{0x4C, 0x00}

const (
	offlineFindingType   = 0x12
	offlineFindingLength = 0x19
)

// ClassifyDevice derives the kind from the manufacturer payload (company id
// first, little-endian) and the advertised service identifiers.
func ClassifyDevice(payload []byte, services []string) DeviceKind {
	if len(payload) >= 2 && payload[0] == appleCompanyID[0] && payload[1] == appleCompanyID[1] {
		if len(payload) >= 5 && payload[2] == offlineFindingType && payload[3] == offlineFindingLength {
			switch (payload[4] & 0x30) >> 4 {
			case 1:
				return KindAirTag
			case 2:
				return KindFindMy
			case 3:
				return KindAirPods
			}
		}
		return KindAppleDevice
	}

	for _, raw := range services {
		id, ok := ParseServiceUUID(raw)
		if !ok {
			continue
		}
		switch {
		case id == smartTagService:
			return KindSmartTag
		case id == chipoloService:
			return KindChipolo
		}
		for _, tile := range tileServices {
			if id == tile {
				return KindTile
			}
		}
	}

	return KindUnknown
}

// ParseServiceUUID accepts a full UUID or a 16-bit short form such as "FEED".
func ParseServiceUUID(s string) (uuid.UUID, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) == 4 {
		s = "0000" + s + bluetoothBaseSuffix
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
