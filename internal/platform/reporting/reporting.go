package reporting

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

const (
	dateLayout   = "2006-01-02"
	defaultSpan  = 30 * 24 * time.Hour
	maxRangeDays = 366
)

// Measure is a canned laboratory report. Every query takes the half-open
// window [$1, $2) as its only arguments.
type Measure struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Resource and Action name a grant required on top of Reports:Read.
	Resource string `json:"-"`
	Action   string `json:"-"`
	SQL      string `json:"-"`
}

// Report holds the rows produced by evaluating a measure.
type Report struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	From        string                   `json:"from"`
	To          string                   `json:"to"`
	GeneratedAt time.Time                `json:"generated_at"`
	Rows        []map[string]interface{} `json:"rows"`
}

// Measures is the catalogue served under /api/reports.
var Measures = []Measure{
	{
		ID:          "request-volume",
		Name:        "Request Volume",
		Description: "Test requests ordered per day, split by priority",
		SQL: `SELECT to_char(date_trunc('day', ordered_at), 'YYYY-MM-DD') AS day,
			priority, COUNT(*) AS requests
		FROM test_requests
		WHERE ordered_at >= $1 AND ordered_at < $2
		GROUP BY 1, 2 ORDER BY 1, 2`,
	},
	{
		ID:          "turnaround-time",
		Name:        "Turnaround Time",
		Description: "Minutes from ordering to release, per department",
		SQL: `SELECT i.department_name AS department,
			COUNT(*) AS released,
			ROUND(AVG(EXTRACT(EPOCH FROM (h.created_at - r.ordered_at)) / 60)::numeric, 1) AS avg_minutes,
			ROUND(MAX(EXTRACT(EPOCH FROM (h.created_at - r.ordered_at)) / 60)::numeric, 1) AS max_minutes
		FROM status_history h
		JOIN test_request_items i ON i.id = h.entity_id
		JOIN test_requests r ON r.id = h.request_id
		WHERE h.scope = 'item' AND h.to_status = 'released'
		  AND h.created_at >= $1 AND h.created_at < $2
		GROUP BY 1 ORDER BY 1`,
	},
	{
		ID:          "abnormal-results",
		Name:        "Abnormal Results",
		Description: "Flagged result values per test",
		SQL: `SELECT t.name AS test, res.flag, COUNT(*) AS results
		FROM test_results res
		JOIN tests t ON t.id = res.test_id
		WHERE res.flag <> '' AND res.entered_at >= $1 AND res.entered_at < $2
		GROUP BY 1, 2 ORDER BY 3 DESC, 1`,
	},
	{
		ID:          "revenue",
		Name:        "Revenue",
		Description: "Payments captured per day, in minor currency units",
		Resource:    auth.ResBilling,
		Action:      auth.ActRead,
		SQL: `SELECT to_char(date_trunc('day', paid_at), 'YYYY-MM-DD') AS day,
			COUNT(*) AS requests, SUM(paid_cents) AS paid_cents
		FROM test_requests
		WHERE paid_at >= $1 AND paid_at < $2
		GROUP BY 1 ORDER BY 1`,
	},
	{
		ID:          "department-workload",
		Name:        "Department Workload",
		Description: "Request items by department and status for requests ordered in the window",
		SQL: `SELECT i.department_name AS department, i.status, COUNT(*) AS items
		FROM test_request_items i
		JOIN test_requests r ON r.id = i.request_id
		WHERE r.ordered_at >= $1 AND r.ordered_at < $2
		GROUP BY 1, 2 ORDER BY 1, 2`,
	},
	{
		ID:          "stock-usage",
		Name:        "Stock Usage",
		Description: "Units consumed and received per inventory item",
		Resource:    auth.ResInventory,
		Action:      auth.ActRead,
		SQL: `SELECT it.name AS item, it.unit,
			COALESCE(SUM(-m.delta) FILTER (WHERE m.delta < 0), 0) AS consumed,
			COALESCE(SUM(m.delta) FILTER (WHERE m.delta > 0), 0) AS received,
			it.quantity AS on_hand
		FROM stock_movements m
		JOIN inventory_items it ON it.id = m.item_id
		WHERE m.created_at >= $1 AND m.created_at < $2
		GROUP BY it.id, it.name, it.unit, it.quantity ORDER BY consumed DESC, it.name`,
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *Measure {
	for i := range Measures {
		if Measures[i].ID == id {
			return &Measures[i]
		}
	}
	return nil
}

// Runner executes a report query and returns its rows keyed by column.
type Runner interface {
	Run(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error)
}

type pgRunner struct {
	pool *pgxpool.Pool
}

// NewPGRunner runs queries on the tenant connection carried by ctx.
func NewPGRunner(pool *pgxpool.Pool) Runner {
	return &pgRunner{pool: pool}
}

func (r *pgRunner) Run(ctx context.Context, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Window is an inclusive range of calendar days.
type Window struct {
	From time.Time
	To   time.Time
}

// ParseWindow reads from/to (YYYY-MM-DD, inclusive). Missing bounds default
// to the 30 days ending today.
func ParseWindow(from, to string, now time.Time) (Window, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	w := Window{From: today.Add(-defaultSpan), To: today}
	var err error
	if to != "" {
		if w.To, err = time.Parse(dateLayout, to); err != nil {
			return Window{}, apperror.Validation("to must be a date in YYYY-MM-DD form")
		}
		if from == "" {
			w.From = w.To.Add(-defaultSpan)
		}
	}
	if from != "" {
		if w.From, err = time.Parse(dateLayout, from); err != nil {
			return Window{}, apperror.Validation("from must be a date in YYYY-MM-DD form")
		}
	}
	if w.To.Before(w.From) {
		return Window{}, apperror.Validation("from must not be after to")
	}
	if w.To.Sub(w.From) > maxRangeDays*24*time.Hour {
		return Window{}, apperror.Validation("report window is limited to %d days", maxRangeDays)
	}
	return w, nil
}

// Bounds returns the half-open timestamp range the queries filter on.
func (w Window) Bounds() (time.Time, time.Time) {
	return w.From, w.To.Add(24 * time.Hour)
}

// Handler serves the reporting API.
type Handler struct {
	runner Runner
	policy *auth.Policy
	now    func() time.Time
}

func NewHandler(runner Runner, policy *auth.Policy) *Handler {
	return &Handler{runner: runner, policy: policy, now: time.Now}
}

// RegisterRoutes mounts /reports on api.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequirePermission(h.policy, auth.ResReports, auth.ActRead))
	g.GET("", h.ListMeasures)
	g.GET("/:id", h.EvaluateMeasure)
}

// ListMeasures returns the measures the caller may evaluate.
func (h *Handler) ListMeasures(c echo.Context) error {
	ctx := c.Request().Context()
	out := make([]Measure, 0, len(Measures))
	for _, m := range Measures {
		if h.permitted(ctx, m) {
			out = append(out, m)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	ctx := c.Request().Context()
	m := FindMeasure(c.Param("id"))
	if m == nil {
		return apperror.NotFound("Report", c.Param("id"))
	}
	if !h.permitted(ctx, *m) {
		return apperror.Forbidden("permission denied: requires " + m.Resource + ":" + m.Action)
	}
	w, err := ParseWindow(c.QueryParam("from"), c.QueryParam("to"), h.now())
	if err != nil {
		return err
	}
	start, end := w.Bounds()
	rows, err := h.runner.Run(ctx, m.SQL, start, end)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Report{
		MeasureID:   m.ID,
		MeasureName: m.Name,
		From:        w.From.Format(dateLayout),
		To:          w.To.Format(dateLayout),
		GeneratedAt: h.now().UTC(),
		Rows:        rows,
	})
}

func (h *Handler) permitted(ctx context.Context, m Measure) bool {
	return m.Resource == "" || h.policy.Allowed(ctx, m.Resource, m.Action)
}
