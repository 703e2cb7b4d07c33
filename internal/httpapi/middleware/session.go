package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/schemapilot/chatrelay/internal/common"
	"github.com/schemapilot/chatrelay/internal/session"
)

const SessionKey = "platform_session"

// SessionRequired gates platform-facing endpoints on a live authorization
// session. Every authorized call slides the session's expiration forward.
func SessionRequired(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Session-ID")
		if id == "" {
			common.Fail(c, http.StatusUnauthorized, 40102, "session required")
			c.Abort()
			return
		}
		sess, ok := store.Get(id)
		if !ok {
			common.Fail(c, http.StatusUnauthorized, 40102, "session expired or unknown")
			c.Abort()
			return
		}
		store.Touch(id)
		c.Set(SessionKey, sess)
		c.Next()
	}
}

// SessionFromContext returns the session stashed by SessionRequired.
func SessionFromContext(c *gin.Context) (session.Session, bool) {
	v, ok := c.Get(SessionKey)
	if !ok {
		return session.Session{}, false
	}
	sess, ok := v.(session.Session)
	return sess, ok
}
