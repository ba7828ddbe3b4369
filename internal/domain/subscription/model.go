package subscription

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wahub/wahub/internal/platform/webhook"
	"github.com/wahub/wahub/pkg/validation"
)

var ErrNotFound = errors.New("webhook subscription not found")

// Subscription maps to the webhook_subscriptions table. Code routes provider
// callbacks to DestinationURL and never changes once generated.
// ExcludeEvents is stored and returned but not applied or sent upstream.
type Subscription struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ConnectionID   uuid.UUID  `db:"connection_id" json:"connection_id"`
	Code           string     `db:"code" json:"code"`
	DestinationURL string     `db:"destination_url" json:"destination_url"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	Events         []string   `db:"event_allow_list" json:"events"`
	ExcludeEvents  []string   `db:"event_exclude_list" json:"exclude_events"`
	Synced         bool       `db:"synced" json:"synced"`
	UpstreamID     string     `db:"upstream_id" json:"upstream_id"`
	SyncedAt       *time.Time `db:"synced_at" json:"synced_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`

	// RelayURL and SyncMessage are filled by the service for responses.
	RelayURL    string `db:"-" json:"relay_url,omitempty"`
	SyncMessage string `db:"-" json:"sync_message,omitempty"`
}

// Input is a decoded create or update body. Nil fields were absent.
type Input struct {
	DestinationURL string
	Events         []string
	ExcludeEvents  []string
	Enabled        *bool
}

// ParseInput decodes a registration body field by field so that type
// mismatches surface as field errors rather than a generic bind failure.
func ParseInput(body []byte) (*Input, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&fields); err != nil {
		var v validation.Error
		v.Add("body", "must be a JSON object")
		return nil, v.Err()
	}

	var v validation.Error
	in := &Input{}

	if raw, ok := fields["destination_url"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &in.DestinationURL); err != nil {
			v.Add("destination_url", "must be a string")
		}
	}
	if raw, ok := fields["events"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &in.Events); err != nil {
			v.Add("events", "must be an array of strings")
		}
	}
	if raw, ok := fields["exclude_events"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &in.ExcludeEvents); err != nil {
			v.Add("exclude_events", "must be an array of strings")
		}
	}
	if raw, ok := fields["enabled"]; ok && !isNull(raw) {
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			v.Add("enabled", "must be a boolean")
		} else {
			in.Enabled = &b
		}
	}

	in.validate(&v)
	if err := v.Err(); err != nil {
		return nil, err
	}
	return in, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (in *Input) validate(v *validation.Error) {
	in.DestinationURL = strings.TrimSpace(in.DestinationURL)
	if in.DestinationURL == "" {
		v.Add("destination_url", "is required")
	} else if err := webhook.ValidateDestinationURL(in.DestinationURL); err != nil {
		v.Add("destination_url", "must be a valid http(s) URL")
	}
	v.NonEmptyStrings("events", in.Events)
	v.NonEmptyStrings("exclude_events", in.ExcludeEvents)
}

// normalizeEvents trims entries and drops duplicates, keeping order.
func normalizeEvents(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, e := range list {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
