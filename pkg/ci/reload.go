package ci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrReloadFailed is returned when the CI server rejects a configuration
// reload.
var ErrReloadFailed = errors.New("job configuration reload failed")

// Reloader refreshes the CI server's cached configuration for a job.
type Reloader interface {
	Reload(ctx context.Context, label string) error
}

// ConfigReloader re-reads a job's config.xml and posts it back unchanged,
// which makes the CI server reload the job.
type ConfigReloader struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

var _ Reloader = (*ConfigReloader)(nil)

// NewConfigReloader targets the CI server at host:port.
func NewConfigReloader(host, port, username, password string) *ConfigReloader {
	return &ConfigReloader{
		baseURL:  "http://" + net.JoinHostPort(strings.TrimSpace(host), strings.TrimSpace(port)),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *ConfigReloader) endpoint(label string) string {
	return fmt.Sprintf("%s/job/%s/config.xml", c.baseURL, url.PathEscape(label))
}

func (c *ConfigReloader) Reload(ctx context.Context, label string) error {
	endpoint := c.endpoint(label)

	config, err := c.send(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("read config for %s: %w", label, err)
	}
	if _, err := c.send(ctx, http.MethodPost, endpoint, config); err != nil {
		return fmt.Errorf("post config for %s: %w", label, err)
	}
	return nil
}

func (c *ConfigReloader) send(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create reload request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet := strings.TrimSpace(string(payload[:min(len(payload), 4<<10)]))
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrReloadFailed, method, resp.StatusCode, snippet)
	}
	return payload, nil
}
