package messaging

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/websocket"
)

type Service struct {
	repo   Repository
	events websocket.Publisher
	logger zerolog.Logger
}

func NewService(repo Repository, events websocket.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events,
		logger: logger.With().Str("component", "messaging").Logger(),
	}
}

// Send stores a message from the caller and notifies the receiver, or
// everyone when the message is general.
func (s *Service) Send(ctx context.Context, in SendInput) (*Message, error) {
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return nil, apperror.Unauthorized("authentication required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperror.Validation("content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, apperror.Validation("content must be at most %d characters", MaxContentLength)
	}

	m := &Message{SenderID: p.UserID, SenderName: p.Name, Content: content}
	if in.ReceiverID != nil {
		receiver := strings.TrimSpace(*in.ReceiverID)
		switch {
		case receiver == "":
			m.IsGeneral = true
		case receiver == p.UserID:
			return nil, apperror.Validation("cannot send a message to yourself")
		default:
			m.ReceiverID = &receiver
		}
	} else {
		m.IsGeneral = true
	}

	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}

	topic := websocket.BroadcastTopic
	if m.ReceiverID != nil {
		topic = websocket.UserTopic(*m.ReceiverID)
	}
	websocket.Notify(ctx, s.events, s.logger, topic, websocket.EventNewMessage, m)
	s.logger.Debug().Str("message_id", m.ID.String()).Bool("general", m.IsGeneral).Msg("message sent")
	return m, nil
}

// History returns the caller's messages oldest first.
func (s *Service) History(ctx context.Context, peer string, limit, offset int) ([]*Message, int, error) {
	user := auth.UserIDFromContext(ctx)
	if user == "" {
		return nil, 0, apperror.Unauthorized("authentication required")
	}
	return s.repo.History(ctx, HistoryQuery{
		UserID: user,
		Peer:   strings.TrimSpace(peer),
		Limit:  limit,
		Offset: offset,
	})
}
