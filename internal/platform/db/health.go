package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is a named dependency probe (redis, nats, ...).
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// runChecks returns per-dependency status and whether all passed.
func runChecks(ctx context.Context, checks []Check) (map[string]string, bool) {
	out := make(map[string]string, len(checks))
	ok := true
	for _, chk := range checks {
		if err := chk.Fn(ctx); err != nil {
			out[chk.Name] = err.Error()
			ok = false
			continue
		}
		out[chk.Name] = "ok"
	}
	return out, ok
}

// HealthHandler pings the database plus any extra dependencies and reports
// pool statistics.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	checks := append([]Check{{Name: "database", Fn: pool.Ping}}, extra...)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		deps, ok := runChecks(ctx, checks)
		status, code := "healthy", http.StatusOK
		if !ok {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status":       status,
			"dependencies": deps,
			"pool":         GetPoolStats(pool),
		})
	}
}
