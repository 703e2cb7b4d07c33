package queue

import (
	"context"
	"time"
)

// Writer performs exactly one network write attempt per call. Retry policy
// lives with the queue, not the writer. Writes are not assumed idempotent
// server-side; the dedup key is forwarded so the remote store may upsert.
type Writer interface {
	WriteMessage(ctx context.Context, p MessagePayload, dedupKey, authToken string) (remoteID string, err error)
	WriteConversationUpdate(ctx context.Context, conversationID string, fields UpdateFields, authToken string) error
}

// Delivery describes a successfully persisted item.
type Delivery struct {
	Kind           string    `json:"kind"` // message | conversation_update
	ConversationID string    `json:"conversation_id"`
	RemoteID       string    `json:"remote_id,omitempty"`
	QueuedAt       time.Time `json:"queued_at"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// Notifier receives delivery events after successful writes. Optional; a nil
// notifier disables publishing.
type Notifier interface {
	Delivered(ctx context.Context, e Delivery) error
}
