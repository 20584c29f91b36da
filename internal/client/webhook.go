package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

type WebhookNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type WebhookData struct {
	Address        string `json:"address"`
	NotificationID int64  `json:"notification_id"`
	Kind           string `json:"kind"`
	Sensitivity    string `json:"sensitivity"`
	CreatedAt      string `json:"created_at"`
}

type WebhookRequest struct {
	Notification WebhookNotification `json:"notification"`
	Data         WebhookData         `json:"data"`
}

// PostWebhook delivers one alert as JSON. Any non-2xx status is an error.
func (c Client) PostWebhook(ctx context.Context, url string, reqBody WebhookRequest) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrapf(err, "PostWebhook: marshal request for %s", reqBody.Data.Address)
	}

	req, err := newRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "PostWebhook: create request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return errors.Wrapf(err, "PostWebhook: post to %s", url)
	}
	defer c.closeBody("PostWebhook", resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := readBody(resp)
		return errors.Errorf("PostWebhook: %s answered %d: %s", url, resp.StatusCode, respBody)
	}
	return nil
}
