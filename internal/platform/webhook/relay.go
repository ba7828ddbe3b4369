package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrUnknownCode is returned by a Resolver when no live subscription owns the code.
var ErrUnknownCode = errors.New("unknown relay code")

// Target is what the relay needs to know about a subscription.
type Target struct {
	TenantID       string
	SubscriptionID uuid.UUID
	DestinationURL string
	Enabled        bool
}

// Resolver maps a relay code to its subscription. Implementations must not
// cache: every callback reflects the registry as it is now.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*Target, error)
}

// Recorder receives relay outcomes for metrics.
type Recorder interface {
	ObserveRelay(outcome string)
	ObserveForward(delivered bool, statusCode int, d time.Duration)
}

type relayReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Relay lookup outcomes reported to the Recorder.
const (
	OutcomeNotFound  = "not_found"
	OutcomeDisabled  = "disabled"
	OutcomeForwarded = "forwarded"
)

type RelayHandler struct {
	resolver  Resolver
	forwarder *Forwarder
	recorder  Recorder
	logger    zerolog.Logger
}

func NewRelayHandler(resolver Resolver, forwarder *Forwarder, recorder Recorder, logger zerolog.Logger) *RelayHandler {
	return &RelayHandler{
		resolver:  resolver,
		forwarder: forwarder,
		recorder:  recorder,
		logger:    logger,
	}
}

// RegisterRoutes mounts POST /:code on g. The group carries any rate limiting.
func (h *RelayHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/:code", h.Relay)
}

func (h *RelayHandler) observeRelay(outcome string) {
	if h.recorder != nil {
		h.recorder.ObserveRelay(outcome)
	}
}

// Relay handles one provider callback.
func (h *RelayHandler) Relay(c echo.Context) error {
	code := c.Param("code")
	rid, _ := c.Get("request_id").(string)
	log := h.logger.With().Str("code", code).Str("request_id", rid).Logger()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	target, err := h.resolver.Resolve(c.Request().Context(), code)
	if errors.Is(err, ErrUnknownCode) {
		h.observeRelay(OutcomeNotFound)
		log.Warn().Msg("relay code not found")
		return c.JSON(http.StatusNotFound, relayReply{Success: false, Message: "Webhook not found"})
	}
	if err != nil {
		log.Error().Err(err).Msg("relay lookup failed")
		return c.JSON(http.StatusInternalServerError, relayReply{Success: false, Message: "Internal error"})
	}

	log = log.With().Str("tenant_id", target.TenantID).Str("subscription_id", target.SubscriptionID.String()).Logger()

	if !target.Enabled {
		h.observeRelay(OutcomeDisabled)
		log.Info().Msg("relay disabled, payload ignored")
		return c.JSON(http.StatusOK, relayReply{Success: true, Message: "Webhook disabled, payload ignored"})
	}

	// the provider hanging up must not abort the delivery; the forwarder's
	// own timeout bounds it
	res := h.forwarder.Forward(context.WithoutCancel(c.Request().Context()), target.DestinationURL, code, body)
	h.observeRelay(OutcomeForwarded)
	if h.recorder != nil {
		h.recorder.ObserveForward(res.Delivered, res.StatusCode, res.Duration)
	}

	evt := log.Info()
	if !res.Delivered {
		evt = log.Warn().Str("error", res.Error)
	}
	evt.Int("status_code", res.StatusCode).
		Dur("latency", res.Duration).
		Int("bytes", len(body)).
		Msg("relay forward")

	return c.JSON(http.StatusOK, relayReply{Success: true, Message: "Webhook forwarded"})
}
