package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wahub/wahub/internal/domain/connection"
	"github.com/wahub/wahub/internal/platform/db"
	"github.com/wahub/wahub/internal/platform/uazapi"
	"github.com/wahub/wahub/internal/platform/webhook"
)

// Provider is the part of the UazAPI client used to keep the provider's
// webhook registrations in line with the registry.
type Provider interface {
	AddWebhook(ctx context.Context, inst uazapi.Instance, url string, events []string) uazapi.SyncResult
	UpdateWebhook(ctx context.Context, inst uazapi.Instance, id, url string, events []string) uazapi.SyncResult
	DeleteWebhook(ctx context.Context, inst uazapi.Instance, id string) uazapi.SyncResult
}

// Connections loads the parent connection of a subscription.
type Connections interface {
	GetByID(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
}

// SyncObserver counts sync attempts.
type SyncObserver interface {
	ObserveSync(action string, success bool)
}

// RelayURLFunc returns the public relay URL registered upstream for a code.
type RelayURLFunc func(code string) string

// Service provides business logic for the webhook registry. Local state is
// always written first; provider sync is attempted once afterwards and its
// outcome recorded, never allowed to fail the request.
type Service struct {
	repo     Repository
	conns    Connections
	provider Provider
	relayURL RelayURLFunc
	observer SyncObserver
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, conns Connections, provider Provider, relayURL RelayURLFunc, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		conns:    conns,
		provider: provider,
		relayURL: relayURL,
		logger:   logger,
		now:      time.Now,
	}
}

// SetObserver attaches sync metrics.
func (s *Service) SetObserver(o SyncObserver) {
	s.observer = o
}

func (s *Service) decorate(sub *Subscription) *Subscription {
	sub.RelayURL = s.relayURL(sub.Code)
	return sub
}

func (s *Service) Create(ctx context.Context, connectionID uuid.UUID, in *Input) (*Subscription, error) {
	conn, err := s.conns.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	code, err := webhook.GenerateCode()
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		ConnectionID:   conn.ID,
		Code:           code,
		DestinationURL: in.DestinationURL,
		Enabled:        true,
		Events:         normalizeEvents(in.Events),
		ExcludeEvents:  normalizeEvents(in.ExcludeEvents),
	}
	if in.Enabled != nil {
		sub.Enabled = *in.Enabled
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("connection_id", conn.ID.String()).
		Str("subscription_id", sub.ID.String()).
		Str("code", sub.Code).
		Msg("webhook subscription created")

	s.sync(ctx, conn, sub)
	return s.decorate(sub), nil
}

func (s *Service) Get(ctx context.Context, connectionID, id uuid.UUID) (*Subscription, error) {
	if _, err := s.conns.GetByID(ctx, connectionID); err != nil {
		return nil, err
	}
	sub, err := s.repo.GetByID(ctx, connectionID, id)
	if err != nil {
		return nil, err
	}
	return s.decorate(sub), nil
}

func (s *Service) List(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	if _, err := s.conns.GetByID(ctx, connectionID); err != nil {
		return nil, 0, err
	}
	items, total, err := s.repo.ListByConnection(ctx, connectionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, sub := range items {
		s.decorate(sub)
	}
	return items, total, nil
}

// Update applies in to the stored subscription and re-syncs it. Absent
// optional fields keep their stored values.
func (s *Service) Update(ctx context.Context, connectionID, id uuid.UUID, in *Input) (*Subscription, error) {
	conn, err := s.conns.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.GetByID(ctx, connectionID, id)
	if err != nil {
		return nil, err
	}

	sub.DestinationURL = in.DestinationURL
	if in.Events != nil {
		sub.Events = normalizeEvents(in.Events)
	}
	if in.ExcludeEvents != nil {
		sub.ExcludeEvents = normalizeEvents(in.ExcludeEvents)
	}
	if in.Enabled != nil {
		sub.Enabled = *in.Enabled
	}
	if err := s.repo.Update(ctx, sub); err != nil {
		return nil, err
	}

	s.sync(ctx, conn, sub)
	return s.decorate(sub), nil
}

// Resync repeats the provider sync for one subscription.
func (s *Service) Resync(ctx context.Context, connectionID, id uuid.UUID) (*Subscription, error) {
	conn, err := s.conns.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.GetByID(ctx, connectionID, id)
	if err != nil {
		return nil, err
	}
	s.sync(ctx, conn, sub)
	return s.decorate(sub), nil
}

// Delete deregisters the webhook upstream when it is known there, then
// removes it locally whatever the provider answered.
func (s *Service) Delete(ctx context.Context, connectionID, id uuid.UUID) error {
	conn, err := s.conns.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}
	sub, err := s.repo.GetByID(ctx, connectionID, id)
	if err != nil {
		return err
	}
	s.deregister(ctx, conn, sub)
	if err := s.repo.Delete(ctx, sub.ID); err != nil {
		return err
	}
	s.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("subscription_id", sub.ID.String()).
		Str("code", sub.Code).
		Msg("webhook subscription deleted")
	return nil
}

// ConnectionDeleting deregisters every synced webhook of a connection that
// is about to be removed.
func (s *Service) ConnectionDeleting(ctx context.Context, conn *connection.Connection) {
	subs, err := s.repo.ListSynced(ctx, conn.ID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("connection_id", conn.ID.String()).
			Msg("list synced webhooks before connection delete")
		return
	}
	for _, sub := range subs {
		s.deregister(ctx, conn, sub)
	}
}

// ConnectionChanged moves a connection's webhooks to its new instance or
// credentials: registrations known under before are removed, then every
// subscription is added again under after.
func (s *Service) ConnectionChanged(ctx context.Context, before, after *connection.Connection) {
	s.ConnectionDeleting(ctx, before)

	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		subs, total, err := s.repo.ListByConnection(ctx, after.ID, pageSize, offset)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("connection_id", after.ID.String()).
				Msg("list webhooks after connection change")
			return
		}
		for _, sub := range subs {
			sub.UpstreamID = ""
			s.sync(ctx, after, sub)
		}
		if len(subs) == 0 || offset+len(subs) >= total {
			return
		}
	}
}

func (s *Service) deregister(ctx context.Context, conn *connection.Connection, sub *Subscription) {
	if !sub.Synced || sub.UpstreamID == "" {
		return
	}
	res := s.provider.DeleteWebhook(ctx, conn.Instance(), sub.UpstreamID)
	s.observe(uazapi.ActionDelete, res.Success)
	if !res.Success {
		s.logger.Warn().
			Str("tenant_id", db.TenantFromContext(ctx)).
			Str("code", sub.Code).
			Str("upstream_id", sub.UpstreamID).
			Str("error", res.Message).
			Msg("upstream webhook delete failed")
	}
}

// sync registers sub with the provider (update when an upstream id is
// known, add otherwise) and records the outcome on sub and in the store.
func (s *Service) sync(ctx context.Context, conn *connection.Connection, sub *Subscription) {
	url := s.relayURL(sub.Code)
	action := uazapi.ActionAdd
	var res uazapi.SyncResult
	if sub.UpstreamID != "" {
		action = uazapi.ActionUpdate
		res = s.provider.UpdateWebhook(ctx, conn.Instance(), sub.UpstreamID, url, sub.Events)
	} else {
		res = s.provider.AddWebhook(ctx, conn.Instance(), url, sub.Events)
	}
	s.observe(action, res.Success)

	at := s.now().UTC()
	sub.Synced = res.Success
	if res.WebhookID != "" {
		sub.UpstreamID = res.WebhookID
	}
	sub.SyncedAt = &at
	sub.SyncMessage = res.Message

	log := s.logger.With().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("code", sub.Code).
		Str("action", action).
		Logger()
	if res.Success {
		log.Info().Str("upstream_id", sub.UpstreamID).Msg("webhook synced")
	} else {
		log.Warn().Str("error", res.Message).Msg("webhook sync failed")
	}

	if err := s.repo.RecordSync(ctx, sub.ID, sub.Synced, sub.UpstreamID, at); err != nil {
		log.Error().Err(err).Msg("record sync outcome")
	}
}

func (s *Service) observe(action string, success bool) {
	if s.observer != nil {
		s.observer.ObserveSync(action, success)
	}
}
