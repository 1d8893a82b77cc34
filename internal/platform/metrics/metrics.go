// Package metrics exposes Prometheus HTTP and lab workflow metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lims/lims/internal/platform/apperror"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lims_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lims_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lims_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	testRequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lims_test_requests_created_total",
			Help: "Total number of test requests created",
		},
		[]string{"priority"},
	)

	paymentsCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lims_payments_captured_total",
			Help: "Total number of test request payments captured",
		},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lims_status_transitions_total",
			Help: "Total number of request and item status transitions",
		},
		[]string{"scope", "from_status", "to_status"},
	)

	resultsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lims_results_submitted_total",
			Help: "Total number of analyte values stored, by flag",
		},
		[]string{"flag"},
	)

	authorizationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lims_authorization_decisions_total",
			Help: "Total number of permission checks",
		},
		[]string{"resource", "action", "decision"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lims_events_published_total",
			Help: "Total number of realtime events published",
		},
		[]string{"type"},
	)

	stockAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lims_stock_adjustments_total",
			Help: "Total number of inventory movements",
		},
		[]string{"direction"},
	)

	dbConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lims_db_connections",
			Help: "Database pool connections by state",
		},
		[]string{"state"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by route template,
// which keeps ids out of the label set.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = apperror.StatusOf(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func RecordTestRequestCreated(priority string) {
	testRequestsCreated.WithLabelValues(priority).Inc()
}

func RecordPaymentCaptured() {
	paymentsCaptured.Inc()
}

// RecordTransition counts a status change; scope is "request" or "item".
func RecordTransition(scope, from, to string) {
	statusTransitions.WithLabelValues(scope, from, to).Inc()
}

// RecordResult counts a stored value. An empty flag means within range.
func RecordResult(flag string) {
	if flag == "" {
		flag = "N"
	}
	resultsSubmitted.WithLabelValues(flag).Inc()
}

func RecordAuthorizationDecision(resource, action string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authorizationDecisions.WithLabelValues(resource, action, decision).Inc()
}

func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

func RecordStockAdjustment(delta int64) {
	dir := "in"
	if delta < 0 {
		dir = "out"
	}
	stockAdjustments.WithLabelValues(dir).Inc()
}

// ObservePool samples pool statistics until ctx is cancelled.
func ObservePool(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s := pool.Stat()
		dbConnections.WithLabelValues("total").Set(float64(s.TotalConns()))
		dbConnections.WithLabelValues("idle").Set(float64(s.IdleConns()))
		dbConnections.WithLabelValues("acquired").Set(float64(s.AcquiredConns()))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
