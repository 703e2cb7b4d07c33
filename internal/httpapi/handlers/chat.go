package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/schemapilot/chatrelay/internal/common"
	"github.com/schemapilot/chatrelay/internal/conversation"
	"github.com/schemapilot/chatrelay/internal/httpapi/middleware"
	"github.com/schemapilot/chatrelay/internal/platform"
)

type newConversationReq struct {
	Title string `json:"title"`
}

func (h *Handler) NewConversation(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sess, okk := middleware.SessionFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40102, "session required")
		return
	}

	var req newConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	convID, err := h.Conv.StartNew(c.Request.Context(), req.Title, uid, sess.Credentials)
	if err != nil {
		// local welcome content is already visible; the remote record is missing
		log.Printf("[NewConversation] remote create failed uid=%d err=%v", uid, err)
		common.Fail(c, http.StatusBadGateway, 50202, "failed to create remote conversation")
		return
	}

	common.OK(c, gin.H{
		"conversation_id": convID,
		"transcript":      h.Conv.Transcript(),
	})
}

type switchReq struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

func (h *Handler) SwitchConversation(c *gin.Context) {
	sess, okk := middleware.SessionFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40102, "session required")
		return
	}

	var req switchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.Conv.SwitchTo(c.Request.Context(), req.ConversationID, sess.Credentials.Token); err != nil {
		common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
		return
	}

	common.OK(c, gin.H{
		"conversation_id": h.Conv.ActiveID(),
		"transcript":      h.Conv.Transcript(),
		"message_count":   h.Conv.MessageCount(),
	})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	sess, okk := middleware.SessionFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40102, "session required")
		return
	}

	id := c.Param("conversation_id")
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "conversation_id required")
		return
	}

	if err := h.Platform.DeleteConversation(c.Request.Context(), id, sess.Credentials.Token); err != nil {
		if errors.Is(err, platform.ErrUnauthorized) {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid platform credentials")
			return
		}
		log.Printf("[DeleteConversation] remote delete failed conversation=%s err=%v", id, err)
		common.Fail(c, http.StatusBadGateway, 50203, "failed to delete conversation")
		return
	}

	h.Conv.HandleDeleted(c.Request.Context(), id)
	common.OK(c, gin.H{"deleted": true})
}

func (h *Handler) GetTranscript(c *gin.Context) {
	common.OK(c, gin.H{
		"conversation_id": h.Conv.ActiveID(),
		"loading":         h.Conv.Loading(),
		"transcript":      h.Conv.Transcript(),
		"message_count":   h.Conv.MessageCount(),
	})
}

type sendMessageReq struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) SendUserMessage(c *gin.Context) {
	sess, okk := middleware.SessionFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40102, "session required")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := h.Conv.PersistUserMessage(c.Request.Context(), req.Content, sess.Credentials.Token)
	if err != nil {
		if errors.Is(err, conversation.ErrNoActiveConversation) {
			common.Fail(c, http.StatusBadRequest, 10004, "no active conversation")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50204, "failed to save message")
		return
	}

	common.OK(c, gin.H{"message": msg})
}

type sendAssistantReq struct {
	Content  string          `json:"content" binding:"required"`
	ToolData json.RawMessage `json:"tool_data,omitempty"`
}

func (h *Handler) SendAssistantMessage(c *gin.Context) {
	sess, okk := middleware.SessionFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40102, "session required")
		return
	}

	var req sendAssistantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := h.Conv.PersistAssistantMessage(c.Request.Context(), req.Content, req.ToolData, sess.Credentials.Token)
	if err != nil {
		if errors.Is(err, conversation.ErrNoActiveConversation) {
			common.Fail(c, http.StatusBadRequest, 10004, "no active conversation")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50204, "failed to save message")
		return
	}

	common.OK(c, gin.H{"message": msg})
}
