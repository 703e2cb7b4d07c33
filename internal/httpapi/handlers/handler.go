package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/schemapilot/chatrelay/internal/common"
	"github.com/schemapilot/chatrelay/internal/config"
	"github.com/schemapilot/chatrelay/internal/conversation"
	"github.com/schemapilot/chatrelay/internal/httpapi/middleware"
	"github.com/schemapilot/chatrelay/internal/platform"
	"github.com/schemapilot/chatrelay/internal/queue"
	"github.com/schemapilot/chatrelay/internal/session"
)

type Handler struct {
	Cfg      config.Config
	Sessions *session.Store
	Queue    *queue.Queue
	Conv     *conversation.Controller
	Platform *platform.Client
}

func NewHandler(cfg config.Config, sessions *session.Store, q *queue.Queue, conv *conversation.Controller, client *platform.Client) *Handler {
	return &Handler{
		Cfg:      cfg,
		Sessions: sessions,
		Queue:    q,
		Conv:     conv,
		Platform: client,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true, "online": h.Queue.Online()})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
