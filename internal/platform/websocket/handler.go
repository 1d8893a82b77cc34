package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// TokenAuthenticator resolves the token a browser passes on connect.
type TokenAuthenticator func(ctx context.Context, token string) (*auth.Principal, error)

// Handler upgrades /ws connections and serves the event sequence endpoint.
type Handler struct {
	hub           *Hub
	bus           *Bus
	authenticate  TokenAuthenticator
	defaultTenant string
	upgrader      gorillawebsocket.Upgrader
	logger        zerolog.Logger
}

func NewHandler(hub *Hub, bus *Bus, authenticate TokenAuthenticator, defaultTenant string, allowedOrigins []string, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:           hub,
		bus:           bus,
		authenticate:  authenticate,
		defaultTenant: defaultTenant,
		logger:        logger,
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 || set["*"] {
			return true
		}
		return set[origin]
	}
}

// RegisterRoutes mounts /ws on the root router and the sequence endpoint on
// the authenticated api group.
func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	e.GET("/ws", h.Connect)
	api.GET("/events/seq", h.LatestSeq)
}

// Connect authenticates the token query parameter (browsers cannot set
// headers on WebSocket requests), upgrades and starts the pumps.
func (h *Handler) Connect(c echo.Context) error {
	p, err := h.authenticate(c.Request().Context(), auth.BearerToken(c.Request()))
	if err != nil {
		return apperror.Unauthorized("invalid or missing token")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	tenant := p.TenantID
	if tenant == "" {
		tenant = h.defaultTenant
	}
	topics := []string{UserTopic(p.UserID), BroadcastTopic}
	if p.Department != "" {
		topics = append(topics, DepartmentTopic(p.Department))
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: p.UserID,
		Tenant: tenant,
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		conn:   ws,
	}
	h.hub.Register(client)
	h.logger.Debug().Str("client", client.ID).Str("user", p.UserID).Msg("websocket connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// LatestSeq returns the caller's laboratory's last event sequence number.
func (h *Handler) LatestSeq(c echo.Context) error {
	ctx := c.Request().Context()
	seq, err := h.bus.LatestSeq(ctx, db.TenantFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"seq": seq})
}
