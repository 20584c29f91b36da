// Package notify delivers tracking alerts to the user. The detection engine
// decides whether and when to alert; a Deliverer only decides how.
package notify

import (
	"context"
	"errors"
	"time"

	"airguard/go-detection-server/internal/model"
)

// Alert is what a Deliverer renders for one fired notification.
type Alert struct {
	NotificationID int64             `json:"notification_id"`
	Address        string            `json:"address"`
	Kind           model.DeviceKind  `json:"kind"`
	DisplayName    string            `json:"display_name"`
	Sensitivity    model.Sensitivity `json:"sensitivity"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewAlert builds the alert for a stored notification of device d.
func NewAlert(n model.Notification, d model.Device) Alert {
	return Alert{
		NotificationID: n.ID,
		Address:        n.DeviceAddress,
		Kind:           d.Kind,
		DisplayName:    d.Kind.DisplayName(),
		Sensitivity:    n.Sensitivity,
		CreatedAt:      n.CreatedAt,
	}
}

type Deliverer interface {
	Deliver(ctx context.Context, a Alert) error
}

// Func adapts a function to a Deliverer.
type Func func(ctx context.Context, a Alert) error

func (f Func) Deliver(ctx context.Context, a Alert) error { return f(ctx, a) }

// Multi fans an alert out to every deliverer and joins their errors. One
// failing channel does not stop the others.
type Multi []Deliverer

func (m Multi) Deliver(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Deliver(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every alert.
var Discard Deliverer = Func(func(context.Context, Alert) error { return nil })
