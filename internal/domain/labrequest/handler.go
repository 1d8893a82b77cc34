package labrequest

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/versioning"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc  *Service
	idem echo.MiddlewareFunc
}

// NewHandler wires the reception endpoints. idem guards state-changing
// POSTs against retries; nil disables it.
func NewHandler(svc *Service, idem echo.MiddlewareFunc) *Handler {
	if idem == nil {
		idem = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return &Handler{svc: svc, idem: idem}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	read := auth.RequirePermission(policy, auth.ResTestRequests, auth.ActRead)
	api.GET("/reception/queue", h.Queue, read)
	api.GET("/test-requests/:id", h.Get, read)
	api.GET("/test-requests/:id/history", h.History, read)
	api.POST("/test-requests", h.Create, auth.RequirePermission(policy, auth.ResTestRequests, auth.ActCreate), h.idem)
	api.POST("/test-requests/:id/advance", h.Advance, auth.RequirePermission(policy, auth.ResTestRequests, auth.ActAdvance), h.idem)
	api.POST("/test-requests/:id/payment", h.CapturePayment, auth.RequirePermission(policy, auth.ResBilling, auth.ActCapture), h.idem)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperror.Validation("invalid id")
	}
	return id, nil
}

func respond(c echo.Context, status int, req *Request) error {
	versioning.SetETag(c, req.Version)
	return c.JSON(status, req)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperror.Validation("invalid request body")
	}
	req, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, req)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if versioning.NotModified(c, req.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	return respond(c, http.StatusOK, req)
}

func (h *Handler) Queue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Queue(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Request{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) History(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.All(items))
}

func (h *Handler) Advance(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	expected, err := versioning.Expected(c)
	if err != nil {
		return err
	}
	req, err := h.svc.Advance(c.Request().Context(), id, expected)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, req)
}

type paymentRequest struct {
	Amount catalog.Money `json:"amount"`
}

func (h *Handler) CapturePayment(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var body paymentRequest
	if err := c.Bind(&body); err != nil {
		return apperror.Validation("invalid request body")
	}
	expected, err := versioning.Expected(c)
	if err != nil {
		return err
	}
	req, err := h.svc.CapturePayment(c.Request().Context(), id, body.Amount, expected)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, req)
}
