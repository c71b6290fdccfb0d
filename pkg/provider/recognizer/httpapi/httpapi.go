// Package httpapi provides a recognizer.Provider that talks to a sign
// recognition service over a small JSON HTTP API:
//
//	POST {base_url}/recognize  {"image_b64": "<base64 frame>"}  ->  {"text": "<symbol or empty>"}
//
// Typical usage:
//
//	p, err := httpapi.New("http://localhost:8000", httpapi.WithTimeout(5*time.Second))
//	symbol, err := p.Recognize(ctx, jpegBytes)
package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/signbridge/pkg/provider/recognizer"
)

// Compile-time interface assertions.
var (
	_ recognizer.Provider = (*Provider)(nil)
	_ recognizer.Pinger   = (*Provider)(nil)
)

const (
	defaultTimeout   = 5 * time.Second
	recognizePath    = "/recognize"
	maxResponseBytes = 64 << 10
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithTimeout bounds every request made by the provider.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithPath overrides the recognition path (default "/recognize").
func WithPath(path string) Option {
	return func(p *Provider) {
		if path != "" {
			p.path = "/" + strings.TrimLeft(path, "/")
		}
	}
}

// Provider implements recognizer.Provider over HTTP.
type Provider struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// New creates a Provider for the service at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("httpapi: baseURL must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("httpapi: invalid baseURL %q", baseURL)
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       recognizePath,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type recognizeRequest struct {
	ImageB64 string `json:"image_b64"`
}

type recognizeResponse struct {
	Text string `json:"text"`
}

// Recognize posts frame to the recognition endpoint and returns the trimmed
// symbol. An empty symbol means no sign was detected.
func (p *Provider) Recognize(ctx context.Context, frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", errors.New("httpapi: empty frame")
	}

	body, err := json.Marshal(recognizeRequest{ImageB64: base64.StdEncoding.EncodeToString(frame)})
	if err != nil {
		return "", fmt.Errorf("httpapi: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("httpapi: recognize: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("httpapi: recognize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("httpapi: recognize: unexpected status %d", resp.StatusCode)
	}

	var rr recognizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&rr); err != nil {
		return "", fmt.Errorf("httpapi: recognize decode: %w", err)
	}
	return strings.TrimSpace(rr.Text), nil
}

// Ping issues a GET against the base URL. Any response below 500 counts as
// reachable; the service is not required to serve anything at "/".
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("httpapi: ping: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: ping: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("httpapi: ping: status %d", resp.StatusCode)
	}
	return nil
}
