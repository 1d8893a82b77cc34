package messaging

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	g := api.Group("/messages")
	g.POST("/send", h.Send, auth.RequirePermission(policy, auth.ResMessages, auth.ActSend))
	g.GET("/history", h.History, auth.RequirePermission(policy, auth.ResMessages, auth.ActRead))
}

func (h *Handler) Send(c echo.Context) error {
	var in SendInput
	if err := c.Bind(&in); err != nil {
		return apperror.Validation("invalid request body")
	}
	m, err := h.svc.Send(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) History(c echo.Context) error {
	pg := pagination.FromContext(c)
	msgs, total, err := h.svc.History(c.Request().Context(), c.QueryParam("peer"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, pg.Limit, pg.Offset))
}
