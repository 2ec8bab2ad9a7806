// Package system exposes the operational status surface.
package system

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voxspace/core/internal/pkg/cron"
	pkgredis "github.com/voxspace/core/internal/pkg/redis"
	"github.com/voxspace/core/internal/pkg/response"
)

var processStart = time.Now()

// Handler serves health and clock-sync endpoints.
type Handler struct {
	rc    *pkgredis.Client
	sched *cron.Scheduler

	// localConnections reports this instance's open signaling sockets.
	localConnections func() int
}

func NewHandler(rc *pkgredis.Client, sched *cron.Scheduler, localConnections func() int) *Handler {
	return &Handler{rc: rc, sched: sched, localConnections: localConnections}
}

// RegisterRoutes mounts the status endpoints.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.health)
	rg.GET("/server-time", serverTime)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	busOK := h.rc.Ping(ctx) == nil

	body := gin.H{
		"status":  "ok",
		"uptime":  time.Since(processStart).Round(time.Second).String(),
		"bus":     busOK,
		"sockets": h.localConnections(),
	}
	if h.sched != nil {
		body["jobs"] = h.sched.List()
	}
	if !busOK {
		body["status"] = "degraded"
	}
	response.OK(c, body)
}

// serverTime lets clients estimate clock offset for message timestamps.
func serverTime(c *gin.Context) {
	t2 := time.Now().UnixMilli()
	c.JSON(200, gin.H{
		"t2": t2,
		"t3": time.Now().UnixMilli(),
	})
}
