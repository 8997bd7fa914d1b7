package progress

import (
	"context"
	"net/http"
	"time"

	"contestjudge/internal/common/auth"
	"contestjudge/pkg/utils/logger"
	"contestjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxMessageSize = 4096

// TokenVerifier authenticates the token presented on connect.
type TokenVerifier interface {
	Authenticate(ctx context.Context, raw string) (auth.Identity, error)
}

// Handler upgrades authenticated requests into progress connections.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to hub.
func NewHandler(hub *Hub, verifier TokenVerifier) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Serve authenticates before the upgrade; a bad token gets 401 and no socket.
// The token comes from the Authorization header or the token query parameter.
func (h *Handler) Serve(c *gin.Context) {
	raw := auth.ExtractBearerToken(c.GetHeader("Authorization"))
	if raw == "" {
		raw = c.Query("token")
	}
	identity, err := h.verifier.Authenticate(c.Request.Context(), raw)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.Register(identity.UserID, conn)
	defer h.hub.release(identity.UserID, conn)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Inbound frames carry nothing; reading drives pong handling and close detection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
