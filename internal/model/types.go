package model

import "time"

// Device is a Bluetooth accessory identified by its address.
type Device struct {
	ID                   int64      `json:"id"`
	Address              string     `json:"address"`
	Kind                 DeviceKind `json:"kind"`
	Ignore               bool       `json:"ignore"`
	Connectable          bool       `json:"connectable"`
	Payload              []byte     `json:"payload,omitempty"`
	FirstDiscovery       time.Time  `json:"first_discovery"`
	LastSeen             time.Time  `json:"last_seen"`
	NotificationSent     bool       `json:"notification_sent"`
	LastNotificationSent *time.Time `json:"last_notification_sent,omitempty"`
}

// Beacon is one observed sighting of a device.
type Beacon struct {
	ID            int64     `json:"id"`
	DeviceAddress string    `json:"device_address"`
	ReceivedAt    time.Time `json:"received_at"`
	RSSI          int       `json:"rssi"`
	LocationID    *int64    `json:"location_id,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	ServiceUUIDs  []string  `json:"service_uuids,omitempty"`
	Scanner       string    `json:"scanner,omitempty"`
}

// Location is a deduplicated physical place derived from GPS fixes.
type Location struct {
	ID             int64     `json:"id"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Altitude       *float64  `json:"altitude,omitempty"`
	Accuracy       *float64  `json:"accuracy,omitempty"`
	FirstDiscovery time.Time `json:"first_discovery"`
	LastSeen       time.Time `json:"last_seen"`
	Name           string    `json:"name,omitempty"`
}

// Notification is an alert raised for a device. It references the device by
// address only so that its history survives device pruning.
type Notification struct {
	ID            int64       `json:"id"`
	DeviceAddress string      `json:"device_address"`
	CreatedAt     time.Time   `json:"created_at"`
	FalseAlarm    bool        `json:"false_alarm"`
	Dismissed     bool        `json:"dismissed"`
	Clicked       bool        `json:"clicked"`
	Sensitivity   Sensitivity `json:"sensitivity"`
}

// Feedback is the context a user attached to a notification.
type Feedback struct {
	ID             int64  `json:"id"`
	NotificationID int64  `json:"notification_id"`
	Location       string `json:"location,omitempty"`
}

// Fix is a raw GPS fix as reported by the scanner.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

// Sighting is the terminal "device observed" event handed to the engine.
type Sighting struct {
	Address      string
	ReceivedAt   time.Time
	RSSI         int
	Connectable  bool
	Payload      []byte
	ServiceUUIDs []string
	Fix          *Fix
	// Scanner names the phone that reported the sighting; late fixes from
	// the same scanner are applied to it.
	Scanner string
}

// SightingResult reports what a recorded sighting resolved to. LocationErr is
// set when the fix could not be resolved; the beacon was still recorded,
// without a location.
type SightingResult struct {
	DeviceID    int64
	BeaconID    int64
	LocationID  *int64
	NewDevice   bool
	LocationErr error
}

// DeviceFilter selects devices. The zero value selects every non-ignored device.
type DeviceFilter struct {
	Since          *time.Time
	Until          *time.Time
	IncludeIgnored bool
	NotifiedOnly   bool
	Kinds          []DeviceKind
}

// DonatedBeacon is a sighting stripped of identifiers for statistics upload.
type DonatedBeacon struct {
	ReceivedAt   time.Time `json:"receivedAt"`
	RSSI         int       `json:"rssi"`
	ServiceUUIDs []string  `json:"serviceUUIDs,omitempty"`
}

// DonatedDevice is a device stripped of identifiers for statistics upload.
// Address is always empty on the wire.
type DonatedDevice struct {
	Address        string          `json:"address"`
	DeviceType     string          `json:"deviceType"`
	Connectable    bool            `json:"connectable"`
	FirstDiscovery time.Time       `json:"firstDiscovery"`
	LastSeen       time.Time       `json:"lastSeen"`
	Beacons        []DonatedBeacon `json:"beacons"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	Source  string `json:"source"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}
