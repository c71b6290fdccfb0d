// Package signvideo looks up sign-language videos for a piece of text.
//
// The reverse direction of the relay: a client posts text to /get-sign and
// receives the URL of a video signing it, produced by an upstream translation
// service at POST {base_url}/translate.
package signvideo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	translatePath    = "/translate"
	maxResponseBytes = 1 << 20
)

// UpstreamError is returned by [Client.Lookup] when the translation service
// answers with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("signvideo: upstream returned %d: %s", e.StatusCode, e.Body)
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout bounds every upstream request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Client talks to the translation service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("signvideo: invalid baseURL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type translateRequest struct {
	Text string `json:"text"`
}

type translateResponse struct {
	VideoURL string `json:"video_url"`
}

// Lookup returns the video URL for text. Non-2xx answers are reported as
// *[UpstreamError].
func (c *Client) Lookup(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("signvideo: text must not be empty")
	}
	body, err := json.Marshal(translateRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("signvideo: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+translatePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("signvideo: lookup: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signvideo: lookup: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("signvideo: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out translateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("signvideo: decode response: %w", err)
	}
	return out.VideoURL, nil
}
