package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/schemapilot/chatrelay/internal/common"
)

func (h *Handler) QueueStats(c *gin.Context) {
	common.OK(c, gin.H{
		"online": h.Queue.Online(),
		"stats":  h.Queue.Stats(),
	})
}

// ClearFailed drops terminally failed messages retained for inspection.
func (h *Handler) ClearFailed(c *gin.Context) {
	n := h.Queue.ClearFailed(c.Request.Context())
	common.OK(c, gin.H{"cleared": n})
}
