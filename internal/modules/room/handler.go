package room

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voxspace/core/internal/pkg/response"
)

// Handler exposes the room status surface consumed by the HTTP layer.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the room endpoints. The mutation route should sit
// behind the auth middleware; wiring decides.
func (h *Handler) RegisterRoutes(public, protected *gin.RouterGroup) {
	public.GET("/rooms/:id/participants", h.listParticipants)
	protected.POST("/rooms", h.createRoom)
}

func (h *Handler) listParticipants(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	if roomID == "" {
		response.BadRequest(c, "room id is required")
		return
	}

	participants, err := h.svc.ListParticipants(c.Request.Context(), roomID)
	if err != nil {
		response.ServiceUnavailable(c, "room registry unavailable")
		return
	}
	response.OK(c, participants)
}

type createRoomRequest struct {
	RoomID   string    `json:"room_id" binding:"required"`
	Settings *Settings `json:"settings"`
}

func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "room_id is required")
		return
	}

	settings := DefaultSettings(h.svc.defaultMax)
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := h.svc.CreateRoom(c.Request.Context(), req.RoomID, settings); err != nil {
		response.ServiceUnavailable(c, "room registry unavailable")
		return
	}
	response.Created(c, gin.H{"room_id": req.RoomID, "settings": settings})
}
