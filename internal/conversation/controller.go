// Package conversation mediates between the transient transcript and the
// durable remote record: at most one conversation is active, and the
// displayed transcript always belongs to it (or is empty).
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/schemapilot/chatrelay/internal/common"
	"github.com/schemapilot/chatrelay/internal/kvstore"
	"github.com/schemapilot/chatrelay/internal/platform"
	"github.com/schemapilot/chatrelay/internal/queue"
	"github.com/schemapilot/chatrelay/internal/session"
)

const keyActive = "conversation:active"

var ErrNoActiveConversation = errors.New("conversation: no active conversation")

// Remote is the slice of the platform client the controller needs.
type Remote interface {
	CreateConversation(ctx context.Context, req platform.ConversationCreate, authToken string) (platform.Conversation, error)
	GetConversation(ctx context.Context, id, authToken string) (platform.Conversation, error)
	ListMessages(ctx context.Context, conversationID, authToken string) ([]platform.Message, error)
	WriteMessage(ctx context.Context, p queue.MessagePayload, dedupKey, authToken string) (string, error)
}

type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolData  json.RawMessage `json:"tool_data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Options struct {
	MaxRetries int
	RetryBase  time.Duration
}

type Controller struct {
	mu         sync.Mutex
	activeID   string
	isNew      bool
	msgCount   int // optimistic mirror of the remote count, never authoritative
	transcript []Message
	loading    bool

	remote     Remote
	queue      *queue.Queue
	store      kvstore.Store
	maxRetries int
	retryBase  time.Duration
}

func NewController(remote Remote, q *queue.Queue, store kvstore.Store, opts Options) *Controller {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	return &Controller{
		remote:     remote,
		queue:      q,
		store:      store,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
	}
}

// Restore reloads the active conversation id persisted by a previous run.
func (c *Controller) Restore(ctx context.Context) {
	v, err := c.store.Get(ctx, keyActive)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Printf("conversation: restore failed err=%v", err)
		}
		return
	}
	id := string(v)
	if id == "" {
		return
	}
	c.mu.Lock()
	c.activeID = id
	c.mu.Unlock()
}

// SwitchTo clears the transcript immediately, fetches the conversation's
// metadata and history, and publishes the new transcript only on success.
// On failure the active id is cleared and the transcript stays empty.
// Racing switches are not serialized; the last fetch to resolve wins.
func (c *Controller) SwitchTo(ctx context.Context, id, authToken string) error {
	c.mu.Lock()
	c.transcript = nil
	c.loading = true
	c.isNew = false
	c.mu.Unlock()

	conv, err := c.remote.GetConversation(ctx, id, authToken)
	var msgs []platform.Message
	if err == nil {
		msgs, err = c.remote.ListMessages(ctx, id, authToken)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false

	if err != nil {
		c.activeID = ""
		c.transcript = nil
		c.msgCount = 0
		c.persistActiveLocked(ctx)
		return fmt.Errorf("switch conversation: %w", err)
	}

	ts := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		ts = append(ts, Message{
			ID:        m.ID,
			Role:      m.Sender,
			Content:   m.Content,
			ToolData:  m.ToolData,
			CreatedAt: m.CreatedAt,
		})
	}
	c.activeID = id
	c.transcript = ts
	c.msgCount = conv.MessageCount // reconcile the local mirror from server truth
	c.persistActiveLocked(ctx)
	return nil
}

const welcomeContent = "Hi! Describe the backend feature you need and I'll build the schema and API for it."

// StartNew clears the transcript and shows local welcome content right
// away, then creates the remote conversation record. A failed create
// degrades: the welcome content stays and the error is surfaced to the
// caller.
func (c *Controller) StartNew(ctx context.Context, title string, userID uint64, creds session.Credentials) (string, error) {
	c.mu.Lock()
	c.activeID = ""
	c.isNew = true
	c.msgCount = 0
	c.transcript = []Message{{
		ID:        "welcome",
		Role:      "assistant",
		Content:   welcomeContent,
		CreatedAt: time.Now(),
	}}
	c.persistActiveLocked(ctx)
	c.mu.Unlock()

	conv, err := c.remote.CreateConversation(ctx, platform.ConversationCreate{
		Title:       title,
		WorkspaceID: creds.WorkspaceID,
		Domain:      creds.BaseDomain,
		UserID:      userID,
		Status:      "active",
	}, creds.Token)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isNew {
		// a switch landed while the create was in flight; leave it alone
		return conv.ID, nil
	}
	c.activeID = conv.ID
	c.persistActiveLocked(ctx)
	return conv.ID, nil
}

func (c *Controller) PersistUserMessage(ctx context.Context, content, authToken string) (Message, error) {
	return c.persist(ctx, "user", content, nil, authToken)
}

func (c *Controller) PersistAssistantMessage(ctx context.Context, content string, toolData json.RawMessage, authToken string) (Message, error) {
	return c.persist(ctx, "assistant", content, toolData, authToken)
}

// persist appends optimistically, then writes through the direct path with
// exponential backoff; offline it hands the message to the durable queue
// instead. A direct write that exhausts its retries rolls the optimistic
// append back.
func (c *Controller) persist(ctx context.Context, role, content string, toolData json.RawMessage, authToken string) (Message, error) {
	c.mu.Lock()
	if c.activeID == "" {
		c.mu.Unlock()
		log.Printf("conversation: persist rejected role=%s reason=no_active_conversation", role)
		return Message{}, ErrNoActiveConversation
	}
	convID := c.activeID
	localID, err := common.NewULID()
	if err != nil {
		c.mu.Unlock()
		return Message{}, err
	}
	msg := Message{ID: localID, Role: role, Content: content, ToolData: toolData, CreatedAt: time.Now()}
	c.transcript = append(c.transcript, msg)
	c.msgCount++
	count := c.msgCount
	c.mu.Unlock()

	mtype := "text"
	if len(toolData) > 0 {
		mtype = "tool_execution"
	}
	p := queue.MessagePayload{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		Type:           mtype,
		ToolData:       toolData,
		Metadata:       map[string]any{"timestamp": msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}

	if !c.queue.Online() {
		// deferred delivery; interactive messages jump the backlog
		if _, err := c.queue.EnqueueMessage(ctx, p, authToken, queue.PriorityHigh); err != nil {
			c.rollback(ctx, localID)
			return Message{}, err
		}
		c.enqueueMetadataUpdate(ctx, convID, count, msg.CreatedAt, authToken)
		return msg, nil
	}

	dedup := uuid.NewString()
	var remoteID string
	op := func() error {
		id, werr := c.remote.WriteMessage(ctx, p, dedup, authToken)
		if werr != nil {
			return werr
		}
		remoteID = id
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)); err != nil {
		c.rollback(ctx, localID)
		return Message{}, fmt.Errorf("persist message: %w", err)
	}

	c.mu.Lock()
	for i := range c.transcript {
		if c.transcript[i].ID == localID {
			c.transcript[i].ID = remoteID
			break
		}
	}
	c.isNew = false
	c.mu.Unlock()

	c.enqueueMetadataUpdate(ctx, convID, count, msg.CreatedAt, authToken)

	msg.ID = remoteID
	return msg, nil
}

func (c *Controller) enqueueMetadataUpdate(ctx context.Context, convID string, count int, at time.Time, authToken string) {
	fields := queue.UpdateFields{LastMessageAt: &at, MessageCount: &count}
	if _, err := c.queue.EnqueueUpdate(ctx, convID, fields, authToken); err != nil {
		log.Printf("conversation: enqueue metadata update failed conversation=%s err=%v", convID, err)
	}
}

// rollback removes an optimistically appended message so the transcript
// reflects only what is durably saved.
func (c *Controller) rollback(ctx context.Context, localID string) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.transcript {
		if c.transcript[i].ID == localID {
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
			c.msgCount--
			return
		}
	}
}

// HandleDeleted clears controller state when the deleted conversation is
// the active one; otherwise it is a no-op.
func (c *Controller) HandleDeleted(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID != id {
		return
	}
	c.activeID = ""
	c.transcript = nil
	c.msgCount = 0
	c.persistActiveLocked(ctx)
}

// Reset clears all controller state, used on logout.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeID = ""
	c.isNew = false
	c.transcript = nil
	c.msgCount = 0
	c.persistActiveLocked(ctx)
}

func (c *Controller) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Controller) MessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgCount
}

func (c *Controller) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.transcript...)
}

func (c *Controller) persistActiveLocked(ctx context.Context) {
	var err error
	if c.activeID == "" {
		err = c.store.Delete(ctx, keyActive)
	} else {
		err = c.store.Set(ctx, keyActive, []byte(c.activeID))
	}
	if err != nil {
		log.Printf("conversation: persist active id failed err=%v", err)
	}
}
