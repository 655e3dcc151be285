package handlers

import (
	"time"

	"github.com/managex/devlock/internal/bus"
	"github.com/managex/devlock/internal/config"
	"github.com/managex/devlock/internal/geo"
	"github.com/managex/devlock/internal/lockcode"
	"github.com/managex/devlock/internal/models"
	"github.com/managex/devlock/internal/store"
	"github.com/managex/devlock/pkg/protocol"

	"github.com/gin-gonic/gin"
)

// Env bundles the collaborators the handlers need. The hub is notification
// only: every publish happens after the store write committed, and a failed
// publish is never allowed to roll anything back.
type Env struct {
	Store *store.Store
	Codes *lockcode.Service
	Hub   *bus.Hub
	Cfg   *config.Config
	Geo   geo.Resolver
}

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}

func deviceFrom(c *gin.Context) *models.Device {
	d, _ := c.MustGet("authedDevice").(*models.Device)
	return d
}

// emitDeviceUpdate broadcasts a presence delta to every console. Deltas are
// emitted on every state-affecting event whether or not a field changed;
// that only affects notification volume.
func (e *Env) emitDeviceUpdate(d *models.Device) {
	upd := protocol.DeviceUpdate{
		DeviceID:     d.DeviceID,
		Online:       d.OnlineAt(time.Now(), e.Cfg.OfflineAfter()),
		LastSeen:     d.LastSeen,
		LastLocation: []byte(d.LastLocation),
		LockState:    d.LockState,
	}
	if d.UnlockedAt != nil {
		upd.LastUnlockEvent = &protocol.UnlockEvent{
			UsedAt:        *d.UnlockedAt,
			UsedCodeLast4: d.UnlockCodeLast4,
			By:            d.UnlockedBy,
		}
	}
	e.Hub.Publish(protocol.TopicAdmins, upd)
}
