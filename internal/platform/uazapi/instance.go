package uazapi

import (
	"context"
	"net/http"
	"strings"
)

// Normalized connection states.
const (
	StatusCreated      = "created"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusPending      = "pending"
	StatusFailed       = "failed"
)

type StatusResult struct {
	Success bool
	Message string
	Status  string
	Phone   string
	Raw     map[string]any
}

type SendResult struct {
	Success bool
	Message string
	Raw     map[string]any
}

// InstanceStatus asks the provider for the instance's connection state.
func (c *Client) InstanceStatus(ctx context.Context, inst Instance) StatusResult {
	resp, err := c.do(ctx, inst, http.MethodGet, "/instance/status", "instance_status", nil)
	if err != nil {
		return StatusResult{Message: failure(err)}
	}
	if !resp.ok() {
		return StatusResult{Message: resp.message(""), Raw: resp.Body}
	}

	raw := PickString(resp.Body, "status", "state", "connection_status", "connectionState")
	return StatusResult{
		Success: true,
		Message: resp.message("status retrieved"),
		Status:  NormalizeStatus(raw),
		Phone:   PickString(resp.Body, "owner", "phone", "number"),
		Raw:     resp.Body,
	}
}

// SendText sends a plain text message from the instance to number.
func (c *Client) SendText(ctx context.Context, inst Instance, number, text string) SendResult {
	payload := map[string]string{"number": number, "text": text}
	resp, err := c.do(ctx, inst, http.MethodPost, "/send/text", "send_text", payload)
	if err != nil {
		return SendResult{Message: failure(err)}
	}
	if !resp.ok() {
		return SendResult{Message: resp.message(""), Raw: resp.Body}
	}
	return SendResult{Success: true, Message: resp.message("message sent"), Raw: resp.Body}
}

// NormalizeStatus maps the provider's free-form state strings onto the
// connection states stored by the panel. Unrecognised values become pending.
func NormalizeStatus(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case raw == "":
		return StatusPending
	case strings.Contains(raw, "disconnect"), strings.Contains(raw, "offline"),
		strings.Contains(raw, "close"), strings.Contains(raw, "logout"):
		return StatusDisconnected
	case strings.Contains(raw, "connecting"):
		return StatusConnecting
	case strings.Contains(raw, "connected"), strings.Contains(raw, "online"),
		raw == "open", strings.Contains(raw, "ready"):
		return StatusConnected
	case strings.Contains(raw, "fail"), strings.Contains(raw, "error"):
		return StatusFailed
	default:
		return StatusPending
	}
}
