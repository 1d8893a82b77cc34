package catalog

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
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	g := api.Group("/lab-config")
	read := auth.RequirePermission(policy, auth.ResLabConfig, auth.ActRead)
	write := auth.RequirePermission(policy, auth.ResLabConfig, auth.ActWrite)

	g.GET("/departments", h.ListDepartments, read)
	g.POST("/departments", h.CreateDepartment, write)
	g.PUT("/departments/:id", h.UpdateDepartment, write)
	g.DELETE("/departments/:id", h.DeleteDepartment, write)

	g.GET("/sample-types", h.ListSampleTypes, read)
	g.POST("/sample-types", h.CreateSampleType, write)
	g.PUT("/sample-types/:id", h.UpdateSampleType, write)
	g.DELETE("/sample-types/:id", h.DeleteSampleType, write)

	g.GET("/units", h.ListUnits, read)
	g.POST("/units", h.CreateUnit, write)
	g.PUT("/units/:id", h.UpdateUnit, write)
	g.DELETE("/units/:id", h.DeleteUnit, write)

	g.GET("/tests", h.ListTests, read)
	g.GET("/tests/:id", h.GetTest, read)
	g.POST("/tests", h.CreateTest, write)
	g.PUT("/tests/:id", h.UpdateTest, write)
	g.PATCH("/tests/:id/status", h.SetTestStatus, write)
	g.DELETE("/tests/:id", h.DeleteTest, write)

	g.GET("/tests/:id/ranges", h.ListRanges, read)
	g.POST("/tests/:id/ranges", h.CreateRange, write)
	g.PUT("/ranges/:id", h.UpdateRange, write)
	g.DELETE("/ranges/:id", h.DeleteRange, write)

	g.GET("/panels", h.ListPanels, read)
	g.GET("/panels/:id", h.GetPanel, read)
	g.POST("/panels", h.CreatePanel, write)
	g.PUT("/panels/:id", h.UpdatePanel, write)
	g.DELETE("/panels/:id", h.DeletePanel, write)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperror.Validation("invalid id")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperror.Validation("invalid request body")
	}
	return nil
}

// -- Departments --

func (h *Handler) ListDepartments(c echo.Context) error {
	items, err := h.svc.ListDepartments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.All(items))
}

func (h *Handler) CreateDepartment(c echo.Context) error {
	var d Department
	if err := bind(c, &d); err != nil {
		return err
	}
	if err := h.svc.CreateDepartment(c.Request().Context(), &d); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, &d)
}

func (h *Handler) UpdateDepartment(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var d Department
	if err := bind(c, &d); err != nil {
		return err
	}
	d.ID = id
	if err := h.svc.UpdateDepartment(c.Request().Context(), &d); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &d)
}

func (h *Handler) DeleteDepartment(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDepartment(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Sample types --

func (h *Handler) ListSampleTypes(c echo.Context) error {
	items, err := h.svc.ListSampleTypes(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.All(items))
}

func (h *Handler) CreateSampleType(c echo.Context) error {
	var st SampleType
	if err := bind(c, &st); err != nil {
		return err
	}
	if err := h.svc.CreateSampleType(c.Request().Context(), &st); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, &st)
}

func (h *Handler) UpdateSampleType(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var st SampleType
	if err := bind(c, &st); err != nil {
		return err
	}
	st.ID = id
	if err := h.svc.UpdateSampleType(c.Request().Context(), &st); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &st)
}

func (h *Handler) DeleteSampleType(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSampleType(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Units --

func (h *Handler) ListUnits(c echo.Context) error {
	items, err := h.svc.ListUnits(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.All(items))
}

func (h *Handler) CreateUnit(c echo.Context) error {
	var u Unit
	if err := bind(c, &u); err != nil {
		return err
	}
	if err := h.svc.CreateUnit(c.Request().Context(), &u); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, &u)
}

func (h *Handler) UpdateUnit(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var u Unit
	if err := bind(c, &u); err != nil {
		return err
	}
	u.ID = id
	if err := h.svc.UpdateUnit(c.Request().Context(), &u); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &u)
}

func (h *Handler) DeleteUnit(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteUnit(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Tests --

func (h *Handler) ListTests(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := TestFilter{Search: c.QueryParam("search")}
	if v := c.QueryParam("department_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return apperror.Validation("invalid department_id")
		}
		f.DepartmentID = &id
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return apperror.Validation("active must be true or false")
		}
		f.Active = &active
	}
	items, total, err := h.svc.ListTests(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Test{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetTest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CreateTest(c echo.Context) error {
	var t Test
	if err := bind(c, &t); err != nil {
		return err
	}
	created, err := h.svc.CreateTest(c.Request().Context(), &t)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpdateTest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var t Test
	if err := bind(c, &t); err != nil {
		return err
	}
	t.ID = id
	updated, err := h.svc.UpdateTest(c.Request().Context(), &t)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

type statusRequest struct {
	IsActive *bool `json:"is_active"`
}

func (h *Handler) SetTestStatus(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.IsActive == nil {
		return apperror.Validation("is_active is required")
	}
	t, err := h.svc.SetTestStatus(c.Request().Context(), id, *req.IsActive)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DeleteTest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTest(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Normal ranges --

func (h *Handler) ListRanges(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListRanges(c.Request().Context(), id, c.QueryParam("gender"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.All(items))
}

func (h *Handler) CreateRange(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var nr NormalRange
	if err := bind(c, &nr); err != nil {
		return err
	}
	nr.TestID = id
	if err := h.svc.CreateRange(c.Request().Context(), &nr); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, &nr)
}

func (h *Handler) UpdateRange(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var nr NormalRange
	if err := bind(c, &nr); err != nil {
		return err
	}
	nr.ID = id
	if err := h.svc.UpdateRange(c.Request().Context(), &nr); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &nr)
}

func (h *Handler) DeleteRange(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRange(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Panels --

func (h *Handler) ListPanels(c echo.Context) error {
	items, err := h.svc.ListPanels(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.All(items))
}

func (h *Handler) GetPanel(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPanel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePanel(c echo.Context) error {
	var p Panel
	if err := bind(c, &p); err != nil {
		return err
	}
	created, err := h.svc.CreatePanel(c.Request().Context(), &p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpdatePanel(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var p Panel
	if err := bind(c, &p); err != nil {
		return err
	}
	p.ID = id
	updated, err := h.svc.UpdatePanel(c.Request().Context(), &p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeletePanel(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePanel(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
