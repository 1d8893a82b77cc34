package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

// PGAPIKeyStore keeps API keys in the tenant's api_keys table.
type PGAPIKeyStore struct {
	pool *pgxpool.Pool
}

func NewPGAPIKeyStore(pool *pgxpool.Pool) *PGAPIKeyStore {
	return &PGAPIKeyStore{pool: pool}
}

const apiKeyCols = `id, name, key_hash, key_prefix, owner_id, roles, department, tenant_id,
	status, expires_at, created_at, revoked_at, last_used_at`

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.OwnerID, &k.Roles,
		&k.Department, &k.TenantID, &k.Status, &k.ExpiresAt, &k.CreatedAt, &k.RevokedAt, &k.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PGAPIKeyStore) CreateKey(ctx context.Context, k *APIKey) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO api_keys (`+apiKeyCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		k.ID, k.Name, k.KeyHash, k.KeyPrefix, k.OwnerID, k.Roles, k.Department, k.TenantID,
		k.Status, k.ExpiresAt, k.CreatedAt, k.RevokedAt, k.LastUsedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PGAPIKeyStore) GetByID(ctx context.Context, id string) (*APIKey, error) {
	return scanAPIKey(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE id = $1`, id))
}

func (s *PGAPIKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	return scanAPIKey(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash = $1`, hash))
}

func (s *PGAPIKeyStore) ListByOwner(ctx context.Context, ownerID string) ([]*APIKey, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT `+apiKeyCols+` FROM api_keys
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PGAPIKeyStore) UpdateKey(ctx context.Context, k *APIKey) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `
		UPDATE api_keys SET status = $2, revoked_at = $3, last_used_at = $4
		WHERE id = $1`, k.ID, k.Status, k.RevokedAt, k.LastUsedAt)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}
