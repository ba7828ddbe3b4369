package uazapi

import (
	"context"
	"net/http"
	"strings"
)

// Webhook actions accepted by POST /webhook.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// SyncResult is the outcome of one webhook management call. WebhookID is the
// provider's identifier for the registration when it could be determined.
type SyncResult struct {
	Success   bool
	Message   string
	WebhookID string
}

type webhookRequest struct {
	Action  string    `json:"action"`
	ID      string    `json:"id,omitempty"`
	URL     string    `json:"url,omitempty"`
	Events  *[]string `json:"events,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`
}

// AddWebhook registers url with the instance for the given events (all
// events when empty).
func (c *Client) AddWebhook(ctx context.Context, inst Instance, url string, events []string) SyncResult {
	enabled := true
	return c.webhook(ctx, inst, webhookRequest{Action: ActionAdd, URL: url, Events: eventList(events), Enabled: &enabled})
}

// UpdateWebhook replaces the url and events of an existing registration.
func (c *Client) UpdateWebhook(ctx context.Context, inst Instance, id, url string, events []string) SyncResult {
	enabled := true
	return c.webhook(ctx, inst, webhookRequest{Action: ActionUpdate, ID: id, URL: url, Events: eventList(events), Enabled: &enabled})
}

// DeleteWebhook removes a registration.
func (c *Client) DeleteWebhook(ctx context.Context, inst Instance, id string) SyncResult {
	res := c.webhook(ctx, inst, webhookRequest{Action: ActionDelete, ID: id})
	if res.Success {
		res.WebhookID = id
	}
	return res
}

// eventList always yields a JSON array; the provider treats an empty one as
// all events.
func eventList(events []string) *[]string {
	if events == nil {
		events = []string{}
	}
	return &events
}

func (c *Client) webhook(ctx context.Context, inst Instance, req webhookRequest) SyncResult {
	resp, err := c.do(ctx, inst, http.MethodPost, "/webhook", "webhook_"+req.Action, req)
	if err != nil {
		return SyncResult{Message: failure(err)}
	}
	if !resp.ok() {
		return SyncResult{Message: resp.message("")}
	}

	res := SyncResult{Success: true, Message: resp.message("webhook " + req.Action + " accepted")}
	if req.Action != ActionDelete {
		res.WebhookID = extractWebhookID(resp.Body, req.URL)
		if res.WebhookID == "" {
			res.WebhookID = req.ID
		}
	}
	return res
}

// extractWebhookID finds the id of the registration whose url matches. The
// provider may answer with the instance's full webhook list, so an unmatched
// id is only trusted when the response holds exactly one registration.
func extractWebhookID(body map[string]any, url string) string {
	if id := findByURL(body, url); id != "" {
		return id
	}
	ids := map[string]struct{}{}
	collectIDs(body, ids)
	if len(ids) != 1 {
		return ""
	}
	for id := range ids {
		return id
	}
	return ""
}

var idKeys = []string{"id", "webhook_id", "webhookId"}

// collectIDs gathers the distinct registration ids found anywhere in node.
func collectIDs(node any, ids map[string]struct{}) {
	switch t := node.(type) {
	case map[string]any:
		for _, k := range idKeys {
			if id := anyToString(t[k]); id != "" {
				ids[id] = struct{}{}
				break
			}
		}
		for _, v := range t {
			collectIDs(v, ids)
		}
	case []any:
		for _, v := range t {
			collectIDs(v, ids)
		}
	}
}

func findByURL(node any, url string) string {
	switch t := node.(type) {
	case map[string]any:
		if u, ok := t["url"].(string); ok && url != "" && strings.TrimSpace(u) == url {
			if id := anyToString(t["id"]); id != "" {
				return id
			}
		}
		for _, v := range t {
			if id := findByURL(v, url); id != "" {
				return id
			}
		}
	case []any:
		for _, v := range t {
			if id := findByURL(v, url); id != "" {
				return id
			}
		}
	}
	return ""
}
