package connection

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wahub/wahub/internal/platform/db"
	"github.com/wahub/wahub/internal/platform/uazapi"
)

// Provider is the part of the UazAPI client the connection service uses.
type Provider interface {
	InstanceStatus(ctx context.Context, inst uazapi.Instance) uazapi.StatusResult
	SendText(ctx context.Context, inst uazapi.Instance, number, text string) uazapi.SendResult
}

// Hook is told about connection changes that affect upstream webhook
// registrations.
type Hook interface {
	// ConnectionDeleting runs before a connection and its subscriptions are removed.
	ConnectionDeleting(ctx context.Context, c *Connection)
	// ConnectionChanged runs after the instance, token or base URL changed.
	ConnectionChanged(ctx context.Context, before, after *Connection)
}

// Service provides business logic for connection management.
type Service struct {
	repo     Repository
	provider Provider
	hook     Hook
	logger   zerolog.Logger
}

func NewService(repo Repository, provider Provider, logger zerolog.Logger) *Service {
	return &Service{repo: repo, provider: provider, logger: logger}
}

// SetHook attaches the hook called on Delete and on credential changes.
func (s *Service) SetHook(h Hook) {
	s.hook = h
}

func (s *Service) Create(ctx context.Context, in Input) (*Connection, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}
	c := &Connection{
		Name:       strings.TrimSpace(in.Name),
		InstanceID: strings.TrimSpace(in.InstanceID),
		Token:      strings.TrimSpace(in.Token),
		BaseURL:    strings.TrimRight(strings.TrimSpace(in.BaseURL), "/"),
		Phone:      strings.TrimSpace(in.Phone),
		Status:     StatusCreated,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("connection_id", c.ID.String()).
		Str("instance_id", c.InstanceID).
		Msg("connection created")
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Connection, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Update replaces the editable fields. An empty token keeps the stored one.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (*Connection, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *c
	c.Name = strings.TrimSpace(in.Name)
	c.InstanceID = strings.TrimSpace(in.InstanceID)
	if tok := strings.TrimSpace(in.Token); tok != "" {
		c.Token = tok
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(in.BaseURL), "/")
	c.Phone = strings.TrimSpace(in.Phone)
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	if s.hook != nil && (before.InstanceID != c.InstanceID || before.Instance() != c.Instance()) {
		s.logger.Info().
			Str("tenant_id", db.TenantFromContext(ctx)).
			Str("connection_id", c.ID.String()).
			Str("instance_id", c.InstanceID).
			Msg("connection instance changed, re-syncing webhooks")
		s.hook.ConnectionChanged(ctx, &before, c)
	}
	return c, nil
}

// Delete removes the connection. Upstream cleanup runs first through the
// delete hook and never blocks the local delete.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if s.hook != nil {
		s.hook.ConnectionDeleting(ctx, c)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("connection_id", id.String()).
		Msg("connection deleted")
	return nil
}

// StatusView is the body of a status refresh.
type StatusView struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Status     string      `json:"status"`
	Phone      string      `json:"phone,omitempty"`
	Connection *Connection `json:"connection"`
}

// RefreshStatus asks the provider for the instance state and stores the
// normalized status on the connection.
func (s *Service) RefreshStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	res := s.provider.InstanceStatus(ctx, c.Instance())
	if !res.Success {
		s.logger.Warn().
			Str("tenant_id", db.TenantFromContext(ctx)).
			Str("connection_id", id.String()).
			Str("error", res.Message).
			Msg("instance status failed")
		return nil, &ProviderError{Message: res.Message}
	}

	if err := s.repo.UpdateStatus(ctx, id, res.Status, res.Phone); err != nil {
		return nil, fmt.Errorf("store status: %w", err)
	}
	c.Status = res.Status
	if res.Phone != "" {
		c.Phone = res.Phone
	}
	return &StatusView{
		Success:    true,
		Message:    res.Message,
		Status:     res.Status,
		Phone:      c.Phone,
		Connection: c,
	}, nil
}

// SendText sends a text message through the connection's instance.
func (s *Service) SendText(ctx context.Context, id uuid.UUID, in SendInput) (uazapi.SendResult, error) {
	if err := in.validate(); err != nil {
		return uazapi.SendResult{}, err
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return uazapi.SendResult{}, err
	}
	res := s.provider.SendText(ctx, c.Instance(), strings.TrimSpace(in.Number), in.Text)
	if !res.Success {
		return res, &ProviderError{Message: res.Message}
	}
	return res, nil
}
