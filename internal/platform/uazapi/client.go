// Package uazapi is a client for the UazAPI WhatsApp provider's per-instance
// management API. Calls never return transport failures as Go errors: every
// operation yields a result value with Success and a human readable Message,
// so callers can record the outcome and carry on.
package uazapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 35 * time.Second
	tokenHeader    = "token"
	maxBodyBytes   = 1 << 20
)

// Instance addresses one provider instance. BaseURL may be empty, in which
// case the client's default base URL is used.
type Instance struct {
	BaseURL string
	Token   string
}

// Observer receives the latency of every provider call.
type Observer interface {
	ObserveUpstream(operation string, d time.Duration)
}

type Client struct {
	httpClient     *http.Client
	defaultBaseURL string
	logger         zerolog.Logger
	observer       Observer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func New(defaultBaseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		httpClient:     &http.Client{Timeout: timeout},
		defaultBaseURL: normalizeBaseURL(defaultBaseURL),
		logger:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func normalizeBaseURL(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}

// response is a decoded provider reply. Object bodies land in Body as-is;
// array bodies are wrapped under "items" and scalars under "value".
type response struct {
	StatusCode int
	Body       map[string]any
	Raw        string
}

func (r *response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// message picks the provider's own explanation, falling back to the status.
func (r *response) message(fallback string) string {
	if msg := PickString(r.Body, "message", "error", "msg", "detail"); msg != "" {
		return msg
	}
	if !r.ok() {
		return fmt.Sprintf("provider returned HTTP %d", r.StatusCode)
	}
	return fallback
}

func (c *Client) do(ctx context.Context, inst Instance, method, path, operation string, payload any) (*response, error) {
	base := normalizeBaseURL(inst.BaseURL)
	if base == "" {
		base = c.defaultBaseURL
	}
	if base == "" {
		return nil, fmt.Errorf("no provider base URL configured")
	}
	if strings.TrimSpace(inst.Token) == "" {
		return nil, fmt.Errorf("no instance token configured")
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(tokenHeader, strings.TrimSpace(inst.Token))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveUpstream(operation, elapsed)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	out := &response{
		StatusCode: resp.StatusCode,
		Body:       decodeBody(raw),
		Raw:        strings.TrimSpace(string(raw)),
	}

	c.logger.Debug().
		Str("operation", operation).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", elapsed).
		Msg("uazapi call")
	return out, nil
}

func decodeBody(raw []byte) map[string]any {
	parsed := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return parsed
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		parsed["raw"] = string(trimmed)
		return parsed
	}
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		parsed["items"] = t
	default:
		parsed["value"] = t
	}
	return parsed
}

func failure(err error) string {
	return "provider request failed: " + err.Error()
}
