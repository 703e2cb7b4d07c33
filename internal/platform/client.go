// Package platform is the HTTP client for the remote low-code backend
// platform. Each write method performs exactly one network attempt; retry
// policy belongs to the callers.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/schemapilot/chatrelay/internal/queue"
	"github.com/schemapilot/chatrelay/internal/session"
)

var ErrUnauthorized = errors.New("platform: unauthorized")

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type WorkspaceInfo struct {
	WorkspaceID string `json:"workspace_id"`
	TableCount  int    `json:"table_count"`
}

type Conversation struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	WorkspaceID   string     `json:"workspace_id"`
	Domain        string     `json:"domain"`
	UserID        uint64     `json:"user_id"`
	Status        string     `json:"status"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	MessageCount  int        `json:"message_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

type ConversationCreate struct {
	Title       string `json:"title"`
	WorkspaceID string `json:"workspace_id"`
	Domain      string `json:"domain"`
	UserID      uint64 `json:"user_id"`
	Status      string `json:"status"`
}

type Message struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Content   string          `json:"content"`
	ToolData  json.RawMessage `json:"tool_data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (c *Client) do(ctx context.Context, method, path, token string, body any, out any, extraHeaders map[string]string) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("platform: status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCredentials checks the upstream token against the workspace and
// returns basic workspace metadata. Invalid credentials map to
// ErrUnauthorized.
func (c *Client) ValidateCredentials(ctx context.Context, creds session.Credentials) (WorkspaceInfo, error) {
	var info WorkspaceInfo
	path := "/api/v1/workspaces/" + creds.WorkspaceID + "/meta"
	err := c.do(ctx, http.MethodGet, path, creds.Token, nil, &info, map[string]string{
		"X-Base-Domain": creds.BaseDomain,
	})
	if err != nil {
		return WorkspaceInfo{}, err
	}
	return info, nil
}

type writeMessageReq struct {
	ConversationID string          `json:"conversation_id"`
	Sender         string          `json:"sender"`
	Content        string          `json:"content"`
	MessageType    string          `json:"message_type"`
	ToolData       json.RawMessage `json:"tool_data,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

type writeMessageResp struct {
	ID string `json:"id"`
}

// WriteMessage implements queue.Writer. The dedup key rides in an
// Idempotency-Key header so a retried write can be upserted server-side.
func (c *Client) WriteMessage(ctx context.Context, p queue.MessagePayload, dedupKey, authToken string) (string, error) {
	req := writeMessageReq{
		ConversationID: p.ConversationID,
		Sender:         p.Role,
		Content:        p.Content,
		MessageType:    p.Type,
		ToolData:       p.ToolData,
		Metadata:       p.Metadata,
	}
	var out writeMessageResp
	headers := map[string]string{}
	if dedupKey != "" {
		headers["Idempotency-Key"] = dedupKey
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", authToken, req, &out, headers); err != nil {
		return "", err
	}
	return out.ID, nil
}

// WriteConversationUpdate implements queue.Writer.
func (c *Client) WriteConversationUpdate(ctx context.Context, conversationID string, fields queue.UpdateFields, authToken string) error {
	path := "/api/v1/conversations/" + conversationID
	return c.do(ctx, http.MethodPatch, path, authToken, fields, nil, nil)
}

func (c *Client) CreateConversation(ctx context.Context, req ConversationCreate, authToken string) (Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations", authToken, req, &conv, nil); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (c *Client) GetConversation(ctx context.Context, id, authToken string) (Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/"+id, authToken, nil, &conv, nil); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id, authToken string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/conversations/"+id, authToken, nil, nil, nil)
}

type listMessagesResp struct {
	Messages []Message `json:"messages"`
}

// ListMessages returns the conversation's messages in creation order.
func (c *Client) ListMessages(ctx context.Context, conversationID, authToken string) ([]Message, error) {
	var out listMessagesResp
	path := "/api/v1/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodGet, path, authToken, nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Ping is the connectivity probe used to flip the queue's online flag.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health", "", nil, nil, nil)
}
