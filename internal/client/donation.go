package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"airguard/go-detection-server/internal/model"
)

// ErrUnauthorized is returned when the donation API rejects the bearer token.
var ErrUnauthorized = errors.New("donation api: unauthorized")

type tokenResponse struct {
	Token string `json:"token"`
}

// Ping checks that the donation endpoint is reachable.
func (c Client) Ping(ctx context.Context, baseURL string) error {
	req, err := newRequest(ctx, http.MethodGet, joinURL(baseURL, "ping"), nil)
	if err != nil {
		return errors.Wrap(err, "Ping: create request")
	}
	resp, err := c.Do(req)
	if err != nil {
		return errors.Wrapf(err, "Ping: get %s", req.URL)
	}
	defer c.closeBody("Ping", resp)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("Ping: %s answered %d", req.URL, resp.StatusCode)
	}
	return nil
}

// GetToken asks the donation API for a fresh upload token.
func (c Client) GetToken(ctx context.Context, baseURL string) (string, error) {
	req, err := newRequest(ctx, http.MethodGet, joinURL(baseURL, "get_token"), nil)
	if err != nil {
		return "", errors.Wrap(err, "GetToken: create request")
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "GetToken: get %s", req.URL)
	}
	defer c.closeBody("GetToken", resp)

	respBody, err := readBody(resp)
	if err != nil {
		return "", errors.Wrapf(err, "GetToken: read response from %s", req.URL)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("GetToken: %s answered %d: %s", req.URL, resp.StatusCode, respBody)
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", errors.Wrapf(err, "GetToken: decode response body: %s", respBody)
	}
	if tr.Token == "" {
		return "", errors.New("GetToken: empty token")
	}
	return tr.Token, nil
}

// DonateData uploads anonymized devices with the bearer token.
func (c Client) DonateData(ctx context.Context, baseURL, token string, devices []model.DonatedDevice) error {
	if devices == nil {
		devices = []model.DonatedDevice{}
	}
	body, err := json.Marshal(devices)
	if err != nil {
		return errors.Wrap(err, "DonateData: marshal devices")
	}

	req, err := newRequest(ctx, http.MethodPost, joinURL(baseURL, "donate_data"), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "DonateData: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.Do(req)
	if err != nil {
		return errors.Wrapf(err, "DonateData: post %s", req.URL)
	}
	defer c.closeBody("DonateData", resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		respBody, _ := readBody(resp)
		return errors.Errorf("DonateData: %s answered %d: %s", req.URL, resp.StatusCode, respBody)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}
