package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/schemapilot/chatrelay/internal/common"
	"github.com/schemapilot/chatrelay/internal/config"
	"github.com/schemapilot/chatrelay/internal/conversation"
	"github.com/schemapilot/chatrelay/internal/httpapi/handlers"
	"github.com/schemapilot/chatrelay/internal/httpapi/middleware"
	"github.com/schemapilot/chatrelay/internal/platform"
	"github.com/schemapilot/chatrelay/internal/queue"
	"github.com/schemapilot/chatrelay/internal/session"
)

func NewRouter(cfg config.Config, sessions *session.Store, q *queue.Queue, conv *conversation.Controller, client *platform.Client) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(cfg, sessions, q, conv, client)

	r.GET("/ping", h.Ping)

	// platform sessions
	r.POST("/platform/connect", h.ConnectPlatform)
	r.DELETE("/platform/sessions/:session_id", h.DisconnectPlatform)

	// chat (user JWT + live platform session required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.Use(middleware.SessionRequired(sessions))

	authGroup.POST("/chat/conversations", h.NewConversation)
	authGroup.POST("/chat/switch", h.SwitchConversation)
	authGroup.DELETE("/chat/conversations/:conversation_id", h.DeleteConversation)
	authGroup.GET("/chat/transcript", h.GetTranscript)
	authGroup.POST("/chat/messages", h.SendUserMessage)
	authGroup.POST("/chat/messages/assistant", h.SendAssistantMessage)

	authGroup.GET("/queue/stats", h.QueueStats)
	authGroup.POST("/queue/clear-failed", h.ClearFailed)

	return r
}
