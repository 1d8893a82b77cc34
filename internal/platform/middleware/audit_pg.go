package middleware

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

// PGAuditRecorder writes audit entries to the tenant's audit_log table.
type PGAuditRecorder struct {
	pool *pgxpool.Pool
}

func NewPGAuditRecorder(pool *pgxpool.Pool) *PGAuditRecorder {
	return &PGAuditRecorder{pool: pool}
}

func (r *PGAuditRecorder) RecordAccess(ctx context.Context, e AuditEntry) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO audit_log (user_id, user_roles, resource, resource_id, action, method, path,
			ip_address, request_id, status_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.UserID, e.UserRoles, e.Resource, e.ResourceID, e.Action, e.Method, e.Path,
		e.IPAddress, e.RequestID, e.StatusCode, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
