// Package downloader fetches media bytes: HLS playlists merged segment by segment, and
// progressive files in a single request.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/italolelis/streamgrab/internal/media"
)

// Signal is the cancellation view fetch code needs. Err reports a fired signal; Context is
// cancelled with it and bounds waits only.
type Signal interface {
	Err() error
	Context() context.Context
}

// Config tunes outbound fetching.
type Config struct {
	Concurrency       int
	Retries           int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	UserAgent         string
	Referer           string
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}

	if c.Retries < 0 {
		c.Retries = 0
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}

	return c
}

type client struct {
	http      *http.Client
	userAgent string
	referer   string
}

func (c *client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Accept", "*/*")

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}

	return req, nil
}

// do runs a request and turns transport failures and non-2xx answers into *media.NetworkError.
// The caller owns the returned body.
func (c *client) do(ctx context.Context, operation, method, url string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &media.NetworkError{Operation: operation, URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		return nil, &media.NetworkError{Operation: operation, URL: url, StatusCode: resp.StatusCode}
	}

	return resp, nil
}

func (c *client) get(ctx context.Context, operation, url string) ([]byte, error) {
	resp, err := c.do(ctx, operation, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &media.NetworkError{Operation: operation, URL: url, Err: err}
	}

	return data, nil
}
