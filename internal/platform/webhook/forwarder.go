// Package webhook relays provider callbacks to subscriber URLs. A callback is
// addressed by an opaque code; the relay looks the code up, forwards the raw
// body once and always acknowledges the provider, so a dead subscriber never
// turns into provider retries.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultForwardTimeout = 30 * time.Second
	UserAgent             = "wahub-relay/1.0"
	SourceHeader          = "X-Webhook-Source"
	CodeHeader            = "X-Webhook-Code"
	sourceUAZAPI          = "uazapi"
)

// ForwardResult is the outcome of one forward. StatusCode is 0 when no
// response was received; Error is empty on a 2xx.
type ForwardResult struct {
	Delivered  bool
	StatusCode int
	Duration   time.Duration
	Error      string
}

type Forwarder struct {
	httpClient *http.Client
}

type ForwarderOption func(*Forwarder)

// WithHTTPClient replaces the forwarding client. Its timeout bounds every forward.
func WithHTTPClient(c *http.Client) ForwarderOption {
	return func(f *Forwarder) { f.httpClient = c }
}

func NewForwarder(timeout time.Duration, opts ...ForwarderOption) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	f := &Forwarder{
		httpClient: &http.Client{
			Timeout: timeout,
			// a redirect would turn the POST into a GET and drop the payload
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Forward POSTs body verbatim to destination. It makes exactly one attempt.
func (f *Forwarder) Forward(ctx context.Context, destination, code string, body []byte) ForwardResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return ForwardResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(SourceHeader, sourceUAZAPI)
	req.Header.Set(CodeHeader, code)

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	res := ForwardResult{Duration: time.Since(start)}
	if err != nil {
		res.Error = describeTransportError(err)
		return res
	}
	defer resp.Body.Close()
	// drain a little so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Delivered = true
	} else {
		res.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return res
}

func describeTransportError(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return "timeout: " + uerr.Err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	return err.Error()
}

// ValidateDestinationURL accepts absolute http(s) URLs with a host.
func ValidateDestinationURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}
