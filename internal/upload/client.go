package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 15 * time.Second
	maxAttempts    = 5
)

// Client PUTs file bytes to an upload URL prefix and reports back the
// resulting, query-stripped URL (spec §4.5.1).
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Timeout: connectTimeout + readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

// Put uploads f to "<prefix>/<basename>" and returns the resulting URL
// with any query parameters stripped. Transient failures (408, 429,
// 500, 502, 503, 504, and network errors) are retried with exponential
// backoff and jitter up to a small bounded attempt count.
func (c *Client) Put(ctx context.Context, prefix string, f *File) (string, error) {
	name := f.ResolveFilename()
	target, err := joinURL(prefix, name)
	if err != nil {
		return "", fmt.Errorf("upload: build target url: %w", err)
	}

	body, err := f.readAll()
	if err != nil {
		return "", fmt.Errorf("upload: read file bytes: %w", err)
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 3 * time.Second
	bounded := backoff.WithMaxRetries(bo, maxAttempts-1)

	var resultURL string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		req.ContentLength = int64(len(body))

		resp, err := c.http.Do(req)
		if err != nil {
			return err // network errors are retried
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining for connection reuse

		if isTransient(resp.StatusCode) {
			return fmt.Errorf("upload: transient status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("upload: status %d", resp.StatusCode))
		}

		u, err := url.Parse(target)
		if err != nil {
			return backoff.Permanent(err)
		}
		u.RawQuery = ""
		resultURL = u.String()
		return nil
	}

	if err := backoff.Retry(op, bounded); err != nil {
		return "", err
	}
	return resultURL, nil
}

func isTransient(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func joinURL(prefix, name string) (string, error) {
	base, err := url.Parse(prefix)
	if err != nil {
		return "", err
	}
	base.Path = base.Path + "/" + name
	return base.String(), nil
}

// Read returns the file's bytes, reading from Path if Bytes isn't
// already populated.
func (f *File) Read() ([]byte, error) {
	return f.readAll()
}

func (f *File) readAll() ([]byte, error) {
	if f.Bytes != nil {
		return f.Bytes, nil
	}
	if f.Path != "" {
		return readFile(f.Path)
	}
	return nil, fmt.Errorf("upload: file has no content")
}
