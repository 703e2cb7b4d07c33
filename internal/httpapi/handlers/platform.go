package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/schemapilot/chatrelay/internal/common"
	"github.com/schemapilot/chatrelay/internal/platform"
	"github.com/schemapilot/chatrelay/internal/session"
)

type connectReq struct {
	Token       string `json:"token" binding:"required"`
	WorkspaceID string `json:"workspace_id" binding:"required"`
	BaseDomain  string `json:"base_domain" binding:"required"`
}

// ConnectPlatform validates upstream credentials and issues a session.
func (h *Handler) ConnectPlatform(c *gin.Context) {
	var req connectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	creds := session.Credentials{
		Token:       req.Token,
		WorkspaceID: req.WorkspaceID,
		BaseDomain:  req.BaseDomain,
	}

	info, err := h.Platform.ValidateCredentials(c.Request.Context(), creds)
	if err != nil {
		if errors.Is(err, platform.ErrUnauthorized) {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid platform credentials")
			return
		}
		log.Printf("[ConnectPlatform] credential validation failed workspace=%s err=%v", req.WorkspaceID, err)
		common.Fail(c, http.StatusBadGateway, 50201, "platform unreachable")
		return
	}

	sess, err := h.Sessions.Create(creds)
	if err != nil {
		log.Printf("[ConnectPlatform] create session failed workspace=%s err=%v", req.WorkspaceID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// items queued before authentication pick up the fresh token
	h.Queue.UpdateAuthTokens(c.Request.Context(), "", creds.Token)

	common.OK(c, gin.H{
		"session_id":  sess.ID,
		"table_count": info.TableCount,
		"expires_at":  sess.ExpiresAt,
	})
}

// DisconnectPlatform deletes a session and resets the active conversation.
func (h *Handler) DisconnectPlatform(c *gin.Context) {
	id := c.Param("session_id")
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "session_id required")
		return
	}
	deleted := h.Sessions.Delete(id)
	h.Conv.Reset(c.Request.Context())
	common.OK(c, gin.H{"deleted": deleted})
}
