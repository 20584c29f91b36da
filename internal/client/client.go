// Package client holds the outbound HTTP clients: the alert webhook and the
// statistics donation API.
package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxResponseBytes = 300000

type Client struct {
	*http.Client
	Logger *slog.Logger
}

// New returns a Client with a bounded request timeout.
func New(logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return Client{Client: &http.Client{Timeout: 15 * time.Second}, Logger: logger}
}

func newRequest(ctx context.Context, method string, url string, body io.Reader) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	setDefaultRequestHeader(r)
	return r, nil
}

func setDefaultRequestHeader(r *http.Request) {
	r.Header.Set("User-Agent", "airguard-detection-server")
	r.Header.Set("Accept", "application/json")
}

func (c Client) closeBody(op string, resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.Logger.Error("close response body", "op", op, "error", err)
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(nil, resp.Body, maxResponseBytes))
}
