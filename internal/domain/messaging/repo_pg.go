package messaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *repoPG) Create(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO messages (id, sender_id, sender_name, receiver_id, content, is_general)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		m.ID, m.SenderID, m.SenderName, m.ReceiverID, m.Content, m.IsGeneral,
	).Scan(&m.CreatedAt)
	return db.Classify(err, "send message", "message", "")
}

func (r *repoPG) History(ctx context.Context, q HistoryQuery) ([]*Message, int, error) {
	where := ` WHERE is_general OR sender_id = $1 OR receiver_id = $1`
	args := []interface{}{q.UserID}
	if q.Peer != "" {
		where = ` WHERE NOT is_general AND ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))`
		args = append(args, q.Peer)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	n := len(args)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, sender_id, sender_name, receiver_id, content, is_general, created_at
		FROM messages`+where+fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Message, error) {
		var m Message
		return &m, row.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.ReceiverID, &m.Content, &m.IsGeneral, &m.CreatedAt)
	})
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}
