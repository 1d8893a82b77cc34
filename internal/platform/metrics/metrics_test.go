package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/platform/apperror"
)

func TestMiddleware_LabelsByRoute(t *testing.T) {
	e := echo.New()
	e.Use(Middleware())
	e.GET("/api/patients/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return apperror.NotFound("patient", "missing")
		}
		return c.NoContent(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/patients/:id", "200"))
	for _, id := range []string{"a", "b"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/patients/"+id, nil))
	}
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/patients/missing", nil))

	assert.Equal(t, before+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/patients/:id", "200")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/patients/:id", "404")), 1.0)
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(resultsSubmitted.WithLabelValues("N"))
	RecordResult("")
	assert.Equal(t, before+1, testutil.ToFloat64(resultsSubmitted.WithLabelValues("N")))

	beforeOut := testutil.ToFloat64(stockAdjustments.WithLabelValues("out"))
	RecordStockAdjustment(-3)
	assert.Equal(t, beforeOut+1, testutil.ToFloat64(stockAdjustments.WithLabelValues("out")))

	beforeDeny := testutil.ToFloat64(authorizationDecisions.WithLabelValues("Results", "Verify", "deny"))
	RecordAuthorizationDecision("Results", "Verify", false)
	assert.Equal(t, beforeDeny+1, testutil.ToFloat64(authorizationDecisions.WithLabelValues("Results", "Verify", "deny")))
}

func TestHandler_Exposes(t *testing.T) {
	RecordPaymentCaptured()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "lims_payments_captured_total"))
}
