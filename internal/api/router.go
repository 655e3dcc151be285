package api

import (
	"net/http"

	"github.com/managex/devlock/internal/auth"
	"github.com/managex/devlock/internal/handlers"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, env *handlers.Env) {
	deviceAuth := auth.Device(env.Store)
	adminAuth := auth.Admin(env.Cfg.AdminKeyBcrypt())

	device := r.Group("/api/device")
	{
		device.POST("/register", env.Register)
		device.POST("/heartbeat", deviceAuth, env.Heartbeat)
		device.POST("/location", deviceAuth, env.Location)
		device.GET("/state", deviceAuth, env.State)
		device.POST("/unlock-with-code", deviceAuth, env.UnlockWithCode)

		device.GET("/list", adminAuth, env.List)
		device.GET("/:deviceId/details", adminAuth, env.Details)
		device.GET("/:deviceId/software-today", adminAuth, env.SoftwareToday)
		device.POST("/:deviceId/command", adminAuth, env.Command)
	}

	usage := r.Group("/api/usage")
	{
		usage.POST("/process-snapshot", deviceAuth, env.ProcessSnapshot)
	}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
}
