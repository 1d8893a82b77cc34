package messaging

import "context"

type Repository interface {
	Create(ctx context.Context, m *Message) error
	// History returns matching messages oldest first and the total count.
	History(ctx context.Context, q HistoryQuery) ([]*Message, int, error)
}
