package notify

import (
	"context"
	"fmt"
	"time"

	"airguard/go-detection-server/internal/client"
)

// Webhook posts alerts to a user-configured HTTP endpoint.
type Webhook struct {
	client client.Client
	url    string
}

func NewWebhook(c client.Client, url string) *Webhook {
	return &Webhook{client: c, url: url}
}

func (w *Webhook) Deliver(ctx context.Context, a Alert) error {
	return w.client.PostWebhook(ctx, w.url, client.WebhookRequest{
		Notification: client.WebhookNotification{
			Title: "Possible tracker detected",
			Body:  fmt.Sprintf("%s (%s) has been following you", a.DisplayName, a.Address),
		},
		Data: client.WebhookData{
			Address:        a.Address,
			NotificationID: a.NotificationID,
			Kind:           string(a.Kind),
			Sensitivity:    string(a.Sensitivity),
			CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
}
