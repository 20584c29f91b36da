package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// AlertTopicPrefix is prepended to the device address for alert topics.
const AlertTopicPrefix = "airguard/alerts/"

// Publisher is satisfied by the embedded MQTT broker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTT publishes alerts as JSON on airguard/alerts/<address>.
type MQTT struct {
	pub Publisher
}

func NewMQTT(pub Publisher) *MQTT {
	return &MQTT{pub: pub}
}

func (m *MQTT) Deliver(_ context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := m.pub.Publish(AlertTopicPrefix+a.Address, payload); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
