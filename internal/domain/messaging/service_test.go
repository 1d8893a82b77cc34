package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/websocket"
)

type mockRepo struct {
	msgs []*Message
	now  time.Time
}

func (m *mockRepo) Create(_ context.Context, msg *Message) error {
	m.now = m.now.Add(time.Second)
	msg.ID, msg.CreatedAt = uuid.New(), m.now
	c := *msg
	m.msgs = append(m.msgs, &c)
	return nil
}

func (m *mockRepo) History(_ context.Context, q HistoryQuery) ([]*Message, int, error) {
	var out []*Message
	for _, msg := range m.msgs {
		direct := func(a, b string) bool {
			return msg.SenderID == a && msg.ReceiverID != nil && *msg.ReceiverID == b
		}
		var ok bool
		if q.Peer != "" {
			ok = !msg.IsGeneral && (direct(q.UserID, q.Peer) || direct(q.Peer, q.UserID))
		} else {
			ok = msg.IsGeneral || msg.SenderID == q.UserID || (msg.ReceiverID != nil && *msg.ReceiverID == q.UserID)
		}
		if ok {
			out = append(out, msg)
		}
	}
	return out, len(out), nil
}

type capturePublisher struct{ topics []string }

func (p *capturePublisher) Publish(_ context.Context, topic, eventType string, _ any) error {
	p.topics = append(p.topics, topic+" "+eventType)
	return nil
}

func as(user string) context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{UserID: user, Name: strings.ToUpper(user), Roles: []string{auth.RoleLabTechnician}})
}

func strp(s string) *string { return &s }

func TestSend(t *testing.T) {
	repo, pub := &mockRepo{}, &capturePublisher{}
	svc := NewService(repo, pub, zerolog.Nop())

	m, err := svc.Send(as("alice"), SendInput{ReceiverID: strp("bob"), Content: "  sample haemolysed  "})
	require.NoError(t, err)
	assert.False(t, m.IsGeneral)
	assert.Equal(t, "sample haemolysed", m.Content)
	assert.Equal(t, "ALICE", m.SenderName)

	g, err := svc.Send(as("alice"), SendInput{Content: "analyser down"})
	require.NoError(t, err)
	assert.True(t, g.IsGeneral)
	assert.Nil(t, g.ReceiverID)

	assert.Equal(t, []string{
		"user:bob " + websocket.EventNewMessage,
		websocket.BroadcastTopic + " " + websocket.EventNewMessage,
	}, pub.topics)
}

func TestSend_Validation(t *testing.T) {
	svc := NewService(&mockRepo{}, nil, zerolog.Nop())

	_, err := svc.Send(as("alice"), SendInput{Content: "   "})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = svc.Send(as("alice"), SendInput{Content: strings.Repeat("x", MaxContentLength+1)})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = svc.Send(as("alice"), SendInput{ReceiverID: strp("alice"), Content: "hi"})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = svc.Send(context.Background(), SendInput{Content: "hi"})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestHistory(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo, nil, zerolog.Nop())
	for _, in := range []struct {
		from string
		in   SendInput
	}{
		{"alice", SendInput{ReceiverID: strp("bob"), Content: "1"}},
		{"carol", SendInput{ReceiverID: strp("dave"), Content: "2"}},
		{"carol", SendInput{Content: "3"}},
		{"bob", SendInput{ReceiverID: strp("alice"), Content: "4"}},
		{"carol", SendInput{ReceiverID: strp("alice"), Content: "5"}},
	} {
		_, err := svc.Send(as(in.from), in.in)
		require.NoError(t, err)
	}

	contents := func(msgs []*Message) []string {
		var out []string
		for _, m := range msgs {
			out = append(out, m.Content)
		}
		return out
	}

	all, total, err := svc.History(as("alice"), "", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"1", "3", "4", "5"}, contents(all))

	withBob, _, err := svc.History(as("alice"), "bob", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "4"}, contents(withBob))

	dave, _, err := svc.History(as("dave"), "", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, contents(dave))
}

func TestHandler_SendAndHistory(t *testing.T) {
	svc := NewService(&mockRepo{}, nil, zerolog.Nop())
	e := echo.New()
	e.HTTPErrorHandler = apperror.Handler(zerolog.Nop())
	api := e.Group("/api", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(as("alice")))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api, auth.DefaultPolicy())

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader(`{"receiver_id":"bob","content":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/history?peer=bob", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []Message `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Meta.Total)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "bob", *body.Data[0].ReceiverID)
}
