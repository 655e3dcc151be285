package handlers

import (
	"errors"
	"net/http"

	"github.com/managex/devlock/internal/lockcode"
	"github.com/managex/devlock/internal/store"
	"github.com/managex/devlock/pkg/protocol"

	"github.com/gin-gonic/gin"
)

type CommandRequest struct {
	Command string `json:"command" binding:"required"`
	Message string `json:"message"`
}

// @Summary Lock or unlock a device
// @Description LOCK issues a fresh single-use unlock code (superseding any prior one) and pushes a LOCK directive to the device channel; the plaintext code is returned to this caller only and never stored or logged. UNLOCK clears the lock and pushes UNLOCK. Unknown commands are rejected.
// @Tags console
// @Accept json
// @Produce json
// @Param deviceId path string true "device id"
// @Param body body CommandRequest true "command"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /api/device/{deviceId}/command [post]
func (e *Env) Command(c *gin.Context) {
	deviceID := c.Param("deviceId")
	var req CommandRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command required"})
		return
	}

	if _, err := e.Store.FindDevice(deviceID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	switch req.Command {
	case protocol.CommandLock:
		code, expiresAt, err := e.Codes.Issue(deviceID, e.Cfg.UnlockTTL())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lock failed"})
			return
		}
		message := req.Message
		if message == "" {
			message = e.Cfg.DefaultLockMessage()
		}
		e.Hub.Publish(protocol.DeviceTopic(deviceID), protocol.Command{
			Command:   protocol.CommandLock,
			Message:   message,
			ExpiresAt: &expiresAt,
		})
		if d, err := e.Store.FindDevice(deviceID); err == nil {
			e.emitDeviceUpdate(d)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "unlockCode": code, "expiresAt": expiresAt})

	case protocol.CommandUnlock:
		if err := e.Codes.Unlock(deviceID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock failed"})
			return
		}
		e.Hub.Publish(protocol.DeviceTopic(deviceID), protocol.Command{Command: protocol.CommandUnlock})
		if d, err := e.Store.FindDevice(deviceID); err == nil {
			e.emitDeviceUpdate(d)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command"})
	}
}

type UnlockWithCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// @Summary Unlock with code
// @Description Verifies a locally entered code against the active lock episode. Single-use: success clears the code atomically with recording the audit event, then pushes UNLOCK to the device and a delta to consoles.
// @Tags agent
// @Accept json
// @Produce json
// @Param body body UnlockWithCodeRequest true "candidate code"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /api/device/unlock-with-code [post]
func (e *Env) UnlockWithCode(c *gin.Context) {
	d := deviceFrom(c)
	var req UnlockWithCodeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code required"})
		return
	}

	updated, err := e.Codes.Verify(d.DeviceID, normalizedCode(req.Code))
	if err != nil {
		switch {
		case errors.Is(err, lockcode.ErrNotLocked):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Device is not locked"})
		case errors.Is(err, lockcode.ErrNoActiveCode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No active lock code"})
		case errors.Is(err, lockcode.ErrExpired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Code expired"})
		case errors.Is(err, lockcode.ErrMismatch):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid code"})
		case errors.Is(err, store.ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "try again"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		}
		return
	}

	// Store committed; the pushes below are best-effort notification.
	e.Hub.Publish(protocol.DeviceTopic(d.DeviceID), protocol.Command{Command: protocol.CommandUnlock})
	e.emitDeviceUpdate(updated)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
