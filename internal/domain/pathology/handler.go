package pathology

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/versioning"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc  *Service
	idem echo.MiddlewareFunc
}

// NewHandler wires the bench endpoints. idem guards result and action POSTs
// against retries; nil disables it.
func NewHandler(svc *Service, idem echo.MiddlewareFunc) *Handler {
	if idem == nil {
		idem = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return &Handler{svc: svc, idem: idem}
}

func (h *Handler) RegisterRoutes(api *echo.Group, policy *auth.Policy) {
	g := api.Group("/pathologist")
	worklist := auth.RequirePermission(policy, auth.ResWorklist, auth.ActRead)
	g.GET("/worklist", h.Worklist, worklist)
	g.GET("/status-counts", h.StatusCounts, worklist)
	g.GET("/results/:id/template", h.Template, auth.RequirePermission(policy, auth.ResResults, auth.ActRead))

	enter := auth.RequirePermission(policy, auth.ResResults, auth.ActEnter)
	g.POST("/results/:id", h.SubmitResult, enter, h.idem)
	g.POST("/results/:id/batch", h.SubmitTemplate, enter, h.idem)
	// The permission depends on the action and is checked by the service.
	g.POST("/items/:id/:action", h.Transition, worklist, h.idem)
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperror.Validation("invalid id")
	}
	return id, nil
}

func parseDay(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, apperror.Validation("%s must be a date (YYYY-MM-DD)", name)
	}
	return &t, nil
}

func filterFromQuery(c echo.Context) (WorklistFilter, error) {
	pg := pagination.FromContext(c)
	f := WorklistFilter{
		Status:     c.QueryParam("status"),
		Department: c.QueryParam("department"),
		Search:     c.QueryParam("search"),
		SortBy:     c.QueryParam("sortBy"),
		Order:      c.QueryParam("order"),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	}
	if f.SortBy == "" {
		f.SortBy = c.QueryParam("sort_by")
	}
	var err error
	if f.From, err = parseDay(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseDay(c, "to"); err != nil {
		return f, err
	}
	if v := c.QueryParam("for_review"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, apperror.Validation("for_review must be true or false")
		}
		f.ForReview = &b
	}
	return f, nil
}

func (h *Handler) Worklist(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.Worklist(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*WorklistItem{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, f.Limit, f.Offset))
}

func (h *Handler) StatusCounts(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return err
	}
	counts, err := h.svc.StatusCounts(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) Template(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	rt, err := h.svc.ResultTemplate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rt)
}

func (h *Handler) SubmitResult(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var body SubmitValue
	if err := c.Bind(&body); err != nil {
		return apperror.Validation("invalid request body")
	}
	expected, err := versioning.Expected(c)
	if err != nil {
		return err
	}
	out, err := h.svc.SubmitResult(c.Request().Context(), id, body, expected)
	if err != nil {
		return err
	}
	versioning.SetETag(c, out.Version)
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) SubmitTemplate(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var body BatchSubmission
	if err := c.Bind(&body); err != nil {
		return apperror.Validation("invalid request body")
	}
	out, err := h.svc.SubmitTemplate(c.Request().Context(), id, body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	expected, err := versioning.Expected(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Transition(c.Request().Context(), id, c.Param("action"), expected)
	if err != nil {
		return err
	}
	versioning.SetETag(c, out.Version)
	return c.JSON(http.StatusOK, out)
}
