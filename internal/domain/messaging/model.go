package messaging

import (
	"time"

	"github.com/google/uuid"
)

// MaxContentLength bounds a single message body in characters.
const MaxContentLength = 4000

// Message is an append-only staff message. A nil ReceiverID marks a general
// message every user sees.
type Message struct {
	ID         uuid.UUID `json:"id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	ReceiverID *string   `json:"receiver_id,omitempty"`
	Content    string    `json:"content"`
	IsGeneral  bool      `json:"is_general"`
	CreatedAt  time.Time `json:"created_at"`
}

type SendInput struct {
	ReceiverID *string `json:"receiver_id"`
	Content    string  `json:"content"`
}

// HistoryQuery selects a user's messages. With Peer set only the direct
// conversation between the two is returned.
type HistoryQuery struct {
	UserID string
	Peer   string
	Limit  int
	Offset int
}
