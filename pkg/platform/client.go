package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type HTTPClient struct {
	Client  *http.Client
	Retries int
	Timeout time.Duration
	Logger  zerolog.Logger
}

func NewHTTPClient(retries int, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Timeout: timeout,
		Logger:  log.Logger,
	}
}

// Get fetches url and returns the body. 5xx responses and transport errors are retried
// with exponential backoff.
func (c *HTTPClient) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for i := 0; i <= c.Retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.Client.Do(req)
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
			case resp.StatusCode >= 400:
				return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
			default:
				return body, nil
			}
		} else {
			lastErr = err
		}

		if i < c.Retries {
			c.Logger.Warn().Str("url", url).Int("attempt", i+1).Err(lastErr).Msg("HTTP request failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<i) * 200 * time.Millisecond):
			}
		}
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.Retries, lastErr)
}

// ReadSource reads a local path or an http(s) URL.
func (c *HTTPClient) ReadSource(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return c.Get(ctx, location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", location, err)
	}
	return data, nil
}
