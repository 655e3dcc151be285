package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/managex/devlock/internal/lockcode"
	"github.com/managex/devlock/internal/models"

	"github.com/gin-gonic/gin"
)

type RegisterRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	Username string `json:"username"`
	OS       string `json:"os"`
	Model    string `json:"model"`
}

// @Summary Register device
// @Description Idempotent upsert keyed by deviceId; mints a fresh identity token each call. The plaintext token is returned exactly once and only its hash is stored, so re-registering invalidates any earlier token.
// @Tags agent
// @Accept json
// @Produce json
// @Param body body RegisterRequest true "device identity"
// @Success 200 {object} map[string]any
// @Failure 400 {object} map[string]string
// @Router /api/device/register [post]
func (e *Env) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId required"})
		return
	}
	token := e.Codes.MintToken(req.DeviceID)
	d, err := e.Store.UpsertDevice(&models.Device{
		DeviceID:  req.DeviceID,
		Username:  req.Username,
		OS:        req.OS,
		Model:     req.Model,
		TokenHash: lockcode.HashToken(token),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deviceToken": token,
		"device":      gin.H{"deviceId": d.DeviceID},
	})
}

// @Summary Heartbeat
// @Description Marks the device seen now and merges best-effort geo fields derived from the source IP. Emits a device-update to consoles.
// @Tags agent
// @Produce json
// @Success 200 {object} map[string]bool
// @Failure 401 {object} map[string]string
// @Router /api/device/heartbeat [post]
func (e *Env) Heartbeat(c *gin.Context) {
	d := deviceFrom(c)

	location := map[string]any{
		"method":    "IP",
		"ip":        c.ClientIP(),
		"timestamp": time.Now(),
	}
	if e.Geo != nil {
		if loc := e.Geo.Lookup(c.ClientIP()); loc != nil {
			if loc.City != "" {
				location["city"] = loc.City
			}
			if loc.Region != "" {
				location["region"] = loc.Region
			}
			if loc.Country != "" {
				location["country"] = loc.Country
			}
			if loc.Lat != 0 || loc.Lng != 0 {
				location["lat"] = loc.Lat
				location["lng"] = loc.Lng
			}
		}
	}

	updated, err := e.Store.TouchPresence(d.DeviceID, location)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}
	e.emitDeviceUpdate(updated)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type LocationRequest struct {
	Lat            *float64 `json:"lat" binding:"required"`
	Lng            *float64 `json:"lng" binding:"required"`
	AccuracyMeters float64  `json:"accuracyMeters"`
}

// @Summary Report precise location
// @Description Agent-supplied lat/lng, merged non-destructively over the last known location.
// @Tags agent
// @Accept json
// @Produce json
// @Param body body LocationRequest true "coordinates"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} map[string]string
// @Router /api/device/location [post]
func (e *Env) Location(c *gin.Context) {
	d := deviceFrom(c)
	var req LocationRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng must be numbers"})
		return
	}
	location := map[string]any{
		"method":    "AGENT",
		"lat":       *req.Lat,
		"lng":       *req.Lng,
		"timestamp": time.Now(),
	}
	if req.AccuracyMeters > 0 {
		location["accuracyMeters"] = req.AccuracyMeters
	}
	updated, err := e.Store.TouchPresence(d.DeviceID, location)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "location update failed"})
		return
	}
	e.emitDeviceUpdate(updated)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type deviceView struct {
	models.Device
	OnlineNow bool `json:"online"`
}

// @Summary List devices
// @Description Devices with presence computed from heartbeat recency at read time, not from connection state.
// @Tags console
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/device/list [get]
func (e *Env) List(c *gin.Context) {
	devices, err := e.Store.ListDevices()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	now := time.Now()
	offlineAfter := e.Cfg.OfflineAfter()
	views := make([]deviceView, 0, len(devices))
	for i := range devices {
		views = append(views, deviceView{
			Device:    devices[i],
			OnlineNow: devices[i].OnlineAt(now, offlineAfter),
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": views})
}

// @Summary Device details
// @Description Device snapshot plus today's summary and software usage rows.
// @Tags console
// @Produce json
// @Param deviceId path string true "device id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]string
// @Router /api/device/{deviceId}/details [get]
func (e *Env) Details(c *gin.Context) {
	deviceID := c.Param("deviceId")
	d, err := e.Store.FindDevice(deviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	today := todayUTC()
	summary, err := e.Store.DailySummaryFor(deviceID, today)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary lookup failed"})
		return
	}
	usage, err := e.Store.UsageFor(deviceID, today)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device": deviceView{
			Device:    *d,
			OnlineNow: d.OnlineAt(time.Now(), e.Cfg.OfflineAfter()),
		},
		"today":   today,
		"summary": summary,
		"usage":   usage,
	})
}

// @Summary Software used today
// @Tags console
// @Produce json
// @Param deviceId path string true "device id"
// @Success 200 {object} map[string]any
// @Router /api/device/{deviceId}/software-today [get]
func (e *Env) SoftwareToday(c *gin.Context) {
	deviceID := c.Param("deviceId")
	date := todayUTC()
	usage, err := e.Store.UsageFor(deviceID, date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "date": date, "usage": usage})
}

// @Summary Authoritative lock state
// @Description Called by the agent after every bus (re)subscribe: missed commands are never replayed, the agent re-derives lock state from here instead.
// @Tags agent
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/device/state [get]
func (e *Env) State(c *gin.Context) {
	d := deviceFrom(c)
	resp := gin.H{"lockState": d.LockState}
	if d.LockState == models.LockStateLocked {
		resp["message"] = e.Cfg.DefaultLockMessage()
		if d.LockCodeExpiresAt != nil {
			resp["expiresAt"] = d.LockCodeExpiresAt
		}
	}
	c.JSON(http.StatusOK, resp)
}

func normalizedCode(raw string) string {
	return strings.TrimSpace(raw)
}
