package signaling

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxspace/core/internal/pkg/response"
)

// Handler exposes the WebSocket entry point.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler builds the /ws handler. allowedOrigins empty means any origin
// (development).
func NewHandler(hub *Hub, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes mounts the signaling WebSocket endpoint.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.serveWS)
}

// serveWS upgrades the request and hands the socket to the hub. Room and
// token arrive as query parameters since browsers cannot set headers on
// WebSocket dials.
func (h *Handler) serveWS(c *gin.Context) {
	roomID := strings.TrimSpace(c.Query("room"))
	if roomID == "" {
		response.BadRequest(c, "room is required")
		return
	}
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}

	h.hub.ServeConnection(c.Request.Context(), ws, token, roomID)
}
