package auth

import (
	"net/http"

	"github.com/managex/devlock/internal/lockcode"
	"github.com/managex/devlock/internal/store"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	HeaderDeviceToken = "X-Device-Token"
	HeaderAdminKey    = "X-Admin-Key"

	// DeviceKey is the gin context key holding the authenticated device row.
	DeviceKey = "authedDevice"
)

// Device authenticates an agent by its identity token. The token is hashed
// and looked up by the indexed hash column, so a bad token costs one miss
// and a good one costs one read.
func Device(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderDeviceToken)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device token required"})
			return
		}
		d, err := st.FindDeviceByTokenHash(lockcode.HashToken(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid device token"})
			return
		}
		c.Set(DeviceKey, d)
		c.Next()
	}
}

// Admin authenticates the operator console against a bcrypt hash of the
// admin key. bcrypt's compare is already timing-safe.
func Admin(adminKeyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAdminKey)
		if key == "" || bcrypt.CompareHashAndPassword([]byte(adminKeyHash), []byte(key)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
