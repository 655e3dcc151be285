package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type SnapshotRequest struct {
	Processes []string `json:"processes" binding:"required"`
}

// @Summary Submit process snapshot
// @Description Inventory ingest: folds the snapshot into today's software-usage rows and recomputes the daily summary.
// @Tags agent
// @Accept json
// @Produce json
// @Param body body SnapshotRequest true "running process names"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} map[string]string
// @Router /api/usage/process-snapshot [post]
func (e *Env) ProcessSnapshot(c *gin.Context) {
	d := deviceFrom(c)
	var req SnapshotRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "processes required"})
		return
	}

	seen := make(map[string]struct{}, len(req.Processes))
	names := make([]string, 0, len(req.Processes))
	for _, p := range req.Processes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		names = append(names, p)
	}

	if err := e.Store.RecordSnapshot(d.DeviceID, todayUTC(), names, e.Cfg.UsageIntervalMinutes()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
