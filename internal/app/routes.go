package app

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxspace/core/internal/middleware"
	"github.com/voxspace/core/internal/modules/room"
	"github.com/voxspace/core/internal/modules/signaling"
	"github.com/voxspace/core/internal/modules/system"
)

func (a *App) registerRoutes(rooms *room.Service) {
	a.router.GET("/metrics", func(c *gin.Context) {
		promhttp.Handler().ServeHTTP(c.Writer, c.Request)
	})

	api := a.router.Group("/api")
	api.Use(middleware.RateLimit(a.rc.Raw()))

	system.NewHandler(a.rc, a.sched, a.hub.LocalConnectionCount).RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(middleware.Auth())
	room.NewHandler(rooms).RegisterRoutes(api, protected)

	ws := signaling.NewHandler(a.hub, a.cfg.AllowedOrigins, a.logger)
	ws.RegisterRoutes(api)
}
