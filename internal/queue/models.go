package queue

import (
	"encoding/json"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MessagePayload is the remote write body for a chat message.
type MessagePayload struct {
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"` // user | assistant | system
	Content        string          `json:"content"`
	Type           string          `json:"type"` // text | tool_execution | error
	ToolData       json.RawMessage `json:"tool_data,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

type QueuedMessage struct {
	ID         string         `json:"id"`
	Payload    MessagePayload `json:"payload"`
	DedupKey   string         `json:"dedup_key"`
	AuthToken  string         `json:"auth_token"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
	Priority   Priority       `json:"priority"`
	Status     Status         `json:"status"`
}

// UpdateFields is a partial conversation metadata update. Nil fields are
// left untouched remotely.
type UpdateFields struct {
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	MessageCount  *int       `json:"message_count,omitempty"`
	Title         *string    `json:"title,omitempty"`
	Status        *string    `json:"status,omitempty"`
}

type ConversationUpdate struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Fields         UpdateFields `json:"fields"`
	AuthToken      string       `json:"auth_token"`
	EnqueuedAt     time.Time    `json:"enqueued_at"`
	RetryCount     int          `json:"retry_count"`
}

// Stats is a point-in-time snapshot of queue contents.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Updates    int `json:"updates"`
}
