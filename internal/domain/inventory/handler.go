package inventory

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc  *Service
	idem echo.MiddlewareFunc
}

// NewHandler wires the stock endpoints. idem guards adjustments against
// retries; nil disables it.
func NewHandler(svc *Service, idem echo.MiddlewareFunc) *Handler {
	if idem == nil {
		idem = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return &Handler{svc: svc, idem: idem}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	read := auth.RequirePermission(policy, auth.ResInventory, auth.ActRead)
	manage := auth.RequirePermission(policy, auth.ResInventory, auth.ActManage)

	g := api.Group("/inventory")
	g.GET("", h.List, read)
	g.POST("", h.Create, manage)
	g.GET("/:id", h.Get, read)
	g.PUT("/:id", h.Update, manage)
	g.GET("/:id/movements", h.Movements, read)
	g.POST("/:id/adjust", h.Adjust, auth.RequirePermission(policy, auth.ResInventory, auth.ActAdjust), h.idem)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperror.Validation("invalid id")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Search: c.QueryParam("search")}
	if v := c.QueryParam("low_stock"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperror.Validation("low_stock must be true or false")
		}
		f.LowStock = b
	}
	if v := c.QueryParam("department_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return apperror.Validation("invalid department_id")
		}
		f.DepartmentID = &id
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Item{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Create(c echo.Context) error {
	var it Item
	if err := c.Bind(&it); err != nil {
		return apperror.Validation("invalid request body")
	}
	out, err := h.svc.Create(c.Request().Context(), &it)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	it, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var it Item
	if err := c.Bind(&it); err != nil {
		return apperror.Validation("invalid request body")
	}
	it.ID = id
	out, err := h.svc.Update(c.Request().Context(), &it)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Adjust(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var in AdjustInput
	if err := c.Bind(&in); err != nil {
		return apperror.Validation("invalid request body")
	}
	it, mv, err := h.svc.Adjust(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"item": it, "movement": mv})
}

func (h *Handler) Movements(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	moves, total, err := h.svc.Movements(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if moves == nil {
		moves = []*Movement{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(moves, total, pg.Limit, pg.Offset))
}
