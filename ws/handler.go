package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/akinalp/threadline/models"
	"github.com/akinalp/threadline/pkg"
	"github.com/akinalp/threadline/pkg/stream"
)

// TokenValidator checks the access token a connection presents.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)
}

// Origins are not checked; the access token authenticates a connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades authenticated requests to feed connections.
type Handler struct {
	hub            *Hub
	feed           *Feed
	tokenValidator TokenValidator
}

// NewHandler returns the /ws handler.
func NewHandler(hub *Hub, feed *Feed, tokenValidator TokenValidator) *Handler {
	return &Handler{
		hub:            hub,
		feed:           feed,
		tokenValidator: tokenValidator,
	}
}

// HandleConnection authenticates the ?token= query parameter, upgrades the
// connection and serves it until it closes.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "missing token")
		return
	}

	claims, err := h.tokenValidator.ValidateAccessToken(token)
	if err != nil {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn().Err(err).Str("user_id", claims.UserID).Msg("upgrade failed")
		return
	}

	connID := uuid.NewString()
	client := &Client{
		hub:    h.hub,
		feed:   h.feed,
		conn:   conn,
		userID: claims.UserID,
		connID: connID,
		log:    h.hub.log.With().Str("user_id", claims.UserID).Str("conn_id", connID).Logger(),
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]stream.Subscription),
	}

	if !h.hub.join(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	client.sendEvent(OpReady, "", ReadyData{UserID: claims.UserID, ConnectionID: connID})
	client.ReadPump() // blocks until the connection closes
}
