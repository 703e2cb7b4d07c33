// Package queue implements the durable, priority-ordered work list that
// delivers chat messages and conversation metadata to the remote store
// despite connectivity loss and transient failures.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schemapilot/chatrelay/internal/common"
	"github.com/schemapilot/chatrelay/internal/kvstore"
)

const (
	keyMessages = "queue:messages"
	keyUpdates  = "queue:updates"

	DefaultBatchSize     = 5
	DefaultMaxRetries    = 3
	DefaultDrainInterval = 2 * time.Second
)

type Options struct {
	BatchSize     int
	MaxRetries    int
	DrainInterval time.Duration
	Notifier      Notifier
}

// Queue holds two ordered lists (messages and conversation updates), both
// mirrored to local durable storage after every mutation. Safe for
// concurrent use; at most one drain pass runs at a time.
type Queue struct {
	mu       sync.Mutex
	messages []*QueuedMessage
	updates  []*ConversationUpdate
	online   bool
	draining bool

	store      kvstore.Store
	writer     Writer
	notifier   Notifier
	batchSize  int
	maxRetries int
	interval   time.Duration
	wake       chan struct{}
	now        func() time.Time
}

func New(store kvstore.Store, writer Writer, opts Options) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	return &Queue{
		online:     true,
		store:      store,
		writer:     writer,
		notifier:   opts.Notifier,
		batchSize:  opts.BatchSize,
		maxRetries: opts.MaxRetries,
		interval:   opts.DrainInterval,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Load restores outstanding work from local storage. Items interrupted
// mid-delivery by a restart come back as pending.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Get(ctx, keyMessages)
	switch {
	case err == nil:
		var msgs []*QueuedMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Status == StatusProcessing {
				m.Status = StatusPending
			}
		}
		q.messages = msgs
	case errors.Is(err, kvstore.ErrNotFound):
		// nothing persisted yet
	default:
		return err
	}

	raw, err = q.store.Get(ctx, keyUpdates)
	switch {
	case err == nil:
		var ups []*ConversationUpdate
		if err := json.Unmarshal(raw, &ups); err != nil {
			return err
		}
		q.updates = ups
	case errors.Is(err, kvstore.ErrNotFound):
	default:
		return err
	}

	return nil
}

// EnqueueMessage inserts a message into the queue (high priority at the
// head, everything else at the tail) and nudges the drain loop when online.
func (q *Queue) EnqueueMessage(ctx context.Context, p MessagePayload, authToken string, prio Priority) (string, error) {
	if prio == "" {
		prio = PriorityMedium
	}
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}

	m := &QueuedMessage{
		ID:         id,
		Payload:    p,
		DedupKey:   uuid.NewString(),
		AuthToken:  authToken,
		EnqueuedAt: q.now(),
		Priority:   prio,
		Status:     StatusPending,
	}

	q.mu.Lock()
	if prio == PriorityHigh {
		q.messages = append([]*QueuedMessage{m}, q.messages...)
	} else {
		q.messages = append(q.messages, m)
	}
	q.persistMessagesLocked(ctx)
	online := q.online
	q.mu.Unlock()

	if online {
		q.kick()
	}
	return id, nil
}

// EnqueueUpdate appends a conversation metadata update. Updates have no
// priority tiers.
func (q *Queue) EnqueueUpdate(ctx context.Context, conversationID string, fields UpdateFields, authToken string) (string, error) {
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}

	u := &ConversationUpdate{
		ID:             id,
		ConversationID: conversationID,
		Fields:         fields,
		AuthToken:      authToken,
		EnqueuedAt:     q.now(),
	}

	q.mu.Lock()
	q.updates = append(q.updates, u)
	q.persistUpdatesLocked(ctx)
	online := q.online
	q.mu.Unlock()

	if online {
		q.kick()
	}
	return id, nil
}

// Drain runs a single serialized pass: a batch of conversation updates
// first, then a batch of pending messages. A second invocation while a pass
// is in flight is a no-op, as is any invocation while offline.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining || !q.online {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	q.drainUpdates(ctx)
	q.drainMessages(ctx)
}

func (q *Queue) drainUpdates(ctx context.Context) {
	// the batch stays in q.updates while in flight so a concurrent enqueue
	// persists the full list, not one missing the items being written
	q.mu.Lock()
	n := q.batchSize
	if n > len(q.updates) {
		n = len(q.updates)
	}
	batch := make([]*ConversationUpdate, n)
	copy(batch, q.updates[:n])
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var requeue []*ConversationUpdate
	for _, u := range batch {
		err := q.writer.WriteConversationUpdate(ctx, u.ConversationID, u.Fields, u.AuthToken)
		if err == nil {
			q.notify(ctx, Delivery{
				Kind:           "conversation_update",
				ConversationID: u.ConversationID,
				QueuedAt:       u.EnqueuedAt,
				DeliveredAt:    q.now(),
			})
			continue
		}
		if u.RetryCount >= q.maxRetries {
			log.Printf("queue: dropping conversation update id=%s conversation=%s retries=%d err=%v",
				u.ID, u.ConversationID, u.RetryCount, err)
			continue
		}
		u.RetryCount++
		requeue = append(requeue, u)
	}

	q.mu.Lock()
	inBatch := make(map[*ConversationUpdate]bool, len(batch))
	for _, u := range batch {
		inBatch[u] = true
	}
	kept := q.updates[:0]
	for _, u := range q.updates {
		if !inBatch[u] {
			kept = append(kept, u)
		}
	}
	q.updates = append(kept, requeue...)
	q.persistUpdatesLocked(ctx)
	q.mu.Unlock()
}

func (q *Queue) drainMessages(ctx context.Context) {
	q.mu.Lock()
	var batch []*QueuedMessage
	for _, m := range q.messages {
		if len(batch) >= q.batchSize {
			break
		}
		if m.Status == StatusPending {
			m.Status = StatusProcessing
			batch = append(batch, m)
		}
	}
	q.persistMessagesLocked(ctx)
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, m := range batch {
		remoteID, err := q.writer.WriteMessage(ctx, m.Payload, m.DedupKey, m.AuthToken)

		q.mu.Lock()
		if err == nil {
			m.Status = StatusCompleted
		} else if m.RetryCount >= q.maxRetries {
			// the retry budget is spent; the stored count stays at the ceiling
			m.Status = StatusFailed
			log.Printf("queue: message terminally failed id=%s conversation=%s retries=%d err=%v",
				m.ID, m.Payload.ConversationID, m.RetryCount, err)
		} else {
			m.RetryCount++
			m.Status = StatusPending
		}
		q.mu.Unlock()

		if err == nil {
			q.notify(ctx, Delivery{
				Kind:           "message",
				ConversationID: m.Payload.ConversationID,
				RemoteID:       remoteID,
				QueuedAt:       m.EnqueuedAt,
				DeliveredAt:    q.now(),
			})
		}
	}

	// prune completed; failed items stay until explicitly cleared
	q.mu.Lock()
	kept := q.messages[:0]
	for _, m := range q.messages {
		if m.Status != StatusCompleted {
			kept = append(kept, m)
		}
	}
	q.messages = kept
	q.persistMessagesLocked(ctx)
	q.mu.Unlock()
}

// Start runs the drain loop until ctx is cancelled: a recurring tick plus
// wake-ups from enqueues and connectivity restores.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if q.outstanding() {
					q.Drain(ctx)
				}
			case <-q.wake:
				q.Drain(ctx)
			}
		}
	}()
}

// SetOnline flips the connectivity flag. The offline->online transition
// triggers an immediate drain; going offline never aborts an in-flight pass.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was {
		q.kick()
	}
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// UpdateAuthTokens rewrites the authorization token on queued items. An
// empty oldToken matches every item (items queued before authentication).
func (q *Queue) UpdateAuthTokens(ctx context.Context, oldToken, newToken string) {
	q.mu.Lock()
	for _, m := range q.messages {
		if oldToken == "" || m.AuthToken == oldToken {
			m.AuthToken = newToken
		}
	}
	for _, u := range q.updates {
		if oldToken == "" || u.AuthToken == oldToken {
			u.AuthToken = newToken
		}
	}
	q.persistMessagesLocked(ctx)
	q.persistUpdatesLocked(ctx)
	online := q.online
	q.mu.Unlock()

	if online {
		q.kick()
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st Stats
	for _, m := range q.messages {
		switch m.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusFailed:
			st.Failed++
		}
	}
	st.Updates = len(q.updates)
	return st
}

// Messages returns a snapshot copy of the message list, failed items
// included.
func (q *Queue) Messages() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, *m)
	}
	return out
}

// ClearFailed removes terminally failed messages and returns how many were
// cleared.
func (q *Queue) ClearFailed(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.messages[:0]
	cleared := 0
	for _, m := range q.messages {
		if m.Status == StatusFailed {
			cleared++
			continue
		}
		kept = append(kept, m)
	}
	q.messages = kept
	if cleared > 0 {
		q.persistMessagesLocked(ctx)
	}
	return cleared
}

func (q *Queue) outstanding() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.updates) > 0 {
		return true
	}
	for _, m := range q.messages {
		if m.Status == StatusPending {
			return true
		}
	}
	return false
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) notify(ctx context.Context, e Delivery) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Delivered(ctx, e); err != nil {
		log.Printf("queue: delivery notification failed kind=%s conversation=%s err=%v",
			e.Kind, e.ConversationID, err)
	}
}

func (q *Queue) persistMessagesLocked(ctx context.Context) {
	b, err := json.Marshal(q.messages)
	if err != nil {
		log.Printf("queue: marshal messages failed err=%v", err)
		return
	}
	if err := q.store.Set(ctx, keyMessages, b); err != nil {
		log.Printf("queue: persist messages failed err=%v", err)
	}
}

func (q *Queue) persistUpdatesLocked(ctx context.Context) {
	b, err := json.Marshal(q.updates)
	if err != nil {
		log.Printf("queue: marshal updates failed err=%v", err)
		return
	}
	if err := q.store.Set(ctx, keyUpdates, b); err != nil {
		log.Printf("queue: persist updates failed err=%v", err)
	}
}
