package subscription

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wahub/wahub/internal/domain/connection"
	"github.com/wahub/wahub/internal/platform/auth"
	"github.com/wahub/wahub/pkg/pagination"
	"github.com/wahub/wahub/pkg/validation"
)

// Handler provides the webhook registration endpoints of a connection.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the registration API on the tenant API group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/connections/:id/webhooks", auth.RequireRole(auth.ReadRoles...))
	read.GET("", h.List)
	read.GET("/:webhookId", h.Get)

	write := api.Group("/connections/:id/webhooks", auth.RequireRole(auth.WriteRoles...))
	write.POST("", h.Create)
	write.PUT("/:webhookId", h.Update)
	write.DELETE("/:webhookId", h.Delete)
	write.POST("/:webhookId/sync", h.Sync)
}

func respondError(c echo.Context, err error) error {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, verr.Body())
	case errors.Is(err, connection.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseIDs(c echo.Context, withWebhook bool) (uuid.UUID, uuid.UUID, error) {
	connID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	if !withWebhook {
		return connID, uuid.Nil, nil
	}
	id, err := uuid.Parse(c.Param("webhookId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	return connID, id, nil
}

func readInput(c echo.Context) (*Input, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	return ParseInput(body)
}

func (h *Handler) Create(c echo.Context) error {
	connID, _, err := parseIDs(c, false)
	if err != nil {
		return err
	}
	in, err := readInput(c)
	if err != nil {
		return respondOrReturn(c, err)
	}
	sub, err := h.svc.Create(c.Request().Context(), connID, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) Get(c echo.Context) error {
	connID, id, err := parseIDs(c, true)
	if err != nil {
		return err
	}
	sub, err := h.svc.Get(c.Request().Context(), connID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) List(c echo.Context) error {
	connID, _, err := parseIDs(c, false)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), connID, pg.Limit, pg.Offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Update(c echo.Context) error {
	connID, id, err := parseIDs(c, true)
	if err != nil {
		return err
	}
	in, err := readInput(c)
	if err != nil {
		return respondOrReturn(c, err)
	}
	sub, err := h.svc.Update(c.Request().Context(), connID, id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) Delete(c echo.Context) error {
	connID, id, err := parseIDs(c, true)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), connID, id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Sync(c echo.Context) error {
	connID, id, err := parseIDs(c, true)
	if err != nil {
		return err
	}
	sub, err := h.svc.Resync(c.Request().Context(), connID, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, sub)
}

// respondOrReturn passes echo errors through and renders the rest.
func respondOrReturn(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return respondError(c, err)
}
