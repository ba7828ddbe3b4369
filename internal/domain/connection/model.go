package connection

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wahub/wahub/internal/platform/uazapi"
	"github.com/wahub/wahub/internal/platform/webhook"
	"github.com/wahub/wahub/pkg/validation"
)

// StatusCreated is the state of a connection the provider has not reported on yet.
const StatusCreated = uazapi.StatusCreated

var (
	ErrNotFound = errors.New("connection not found")
	ErrConflict = errors.New("instance already registered")
)

// Connection maps to the connections table in a tenant schema. Token is the
// provider instance token and is never serialized.
type Connection struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	InstanceID string    `db:"instance_id" json:"instance_id"`
	Token      string    `db:"token" json:"-"`
	BaseURL    string    `db:"base_url" json:"base_url,omitempty"`
	Phone      string    `db:"phone" json:"phone,omitempty"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Instance returns the provider address for this connection. An empty base
// URL lets the client fall back to UAZAPI_BASE_URL.
func (c *Connection) Instance() uazapi.Instance {
	return uazapi.Instance{BaseURL: c.BaseURL, Token: c.Token}
}

// Input is the request body for create and update. Token may be omitted on
// update to keep the stored one.
type Input struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"`
	BaseURL    string `json:"base_url"`
	Phone      string `json:"phone"`
}

func (in *Input) validate(creating bool) error {
	var v validation.Error
	v.Required("name", in.Name)
	v.Required("instance_id", in.InstanceID)
	if creating {
		v.Required("token", in.Token)
	}
	if len(in.Name) > 255 {
		v.Add("name", "must be at most 255 characters")
	}
	if len(in.Phone) > 32 {
		v.Add("phone", "must be at most 32 characters")
	}
	if in.BaseURL != "" && webhook.ValidateDestinationURL(in.BaseURL) != nil {
		v.Add("base_url", "must be an absolute http(s) URL")
	}
	return v.Err()
}

// SendInput is the body of a text message send.
type SendInput struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

func (in *SendInput) validate() error {
	var v validation.Error
	v.Required("number", in.Number)
	v.Required("text", in.Text)
	return v.Err()
}

// ProviderError reports a failed provider call. Handlers answer 502 with
// the provider's message.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return "provider error: " + e.Message
}
