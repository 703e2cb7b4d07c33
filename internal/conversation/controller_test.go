package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/schemapilot/chatrelay/internal/kvstore"
	"github.com/schemapilot/chatrelay/internal/platform"
	"github.com/schemapilot/chatrelay/internal/queue"
	"github.com/schemapilot/chatrelay/internal/session"
)

type fakeRemote struct {
	mu            sync.Mutex
	conversations map[string]platform.Conversation
	messages      map[string][]platform.Message
	blockList     map[string]chan struct{} // ListMessages waits on this per conversation
	writeFails    int                      // remaining WriteMessage failures; -1 means always
	writeCalls    int
	createErr     error
	nextID        int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		conversations: make(map[string]platform.Conversation),
		messages:      make(map[string][]platform.Message),
		blockList:     make(map[string]chan struct{}),
	}
}

func (f *fakeRemote) addConversation(id string, msgs ...platform.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[id] = platform.Conversation{ID: id, Title: id, MessageCount: len(msgs)}
	f.messages[id] = msgs
}

func (f *fakeRemote) CreateConversation(ctx context.Context, req platform.ConversationCreate, authToken string) (platform.Conversation, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return platform.Conversation{}, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("conv-%d", f.nextID)
	conv := platform.Conversation{ID: id, Title: req.Title, WorkspaceID: req.WorkspaceID, UserID: req.UserID, Status: req.Status}
	f.conversations[id] = conv
	return conv, nil
}

func (f *fakeRemote) GetConversation(ctx context.Context, id, authToken string) (platform.Conversation, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[id]
	if !ok {
		return platform.Conversation{}, errors.New("conversation not found")
	}
	return conv, nil
}

func (f *fakeRemote) ListMessages(ctx context.Context, conversationID, authToken string) ([]platform.Message, error) {
	_ = ctx
	f.mu.Lock()
	block := f.blockList[conversationID]
	msgs := append([]platform.Message(nil), f.messages[conversationID]...)
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return msgs, nil
}

func (f *fakeRemote) WriteMessage(ctx context.Context, p queue.MessagePayload, dedupKey, authToken string) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++
	if f.writeFails != 0 {
		if f.writeFails > 0 {
			f.writeFails--
		}
		return "", errors.New("write failed")
	}
	return fmt.Sprintf("remote-%d", f.writeCalls), nil
}

type okWriter struct{}

func (okWriter) WriteMessage(ctx context.Context, p queue.MessagePayload, dedupKey, authToken string) (string, error) {
	return "ok", nil
}
func (okWriter) WriteConversationUpdate(ctx context.Context, conversationID string, fields queue.UpdateFields, authToken string) error {
	return nil
}

func newTestController(remote Remote) (*Controller, *queue.Queue, *kvstore.Memory) {
	store := kvstore.NewMemory()
	q := queue.New(store, okWriter{}, queue.Options{})
	c := NewController(remote, q, store, Options{RetryBase: time.Millisecond})
	return c, q, store
}

func TestSwitchTo_PublishesTranscript(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a",
		platform.Message{ID: "a1", Sender: "user", Content: "hi"},
		platform.Message{ID: "a2", Sender: "assistant", Content: "hello"},
	)
	c, _, _ := newTestController(remote)

	if err := c.SwitchTo(context.Background(), "conv-a", "tok"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if c.ActiveID() != "conv-a" {
		t.Fatalf("active id: %s", c.ActiveID())
	}
	ts := c.Transcript()
	if len(ts) != 2 || ts[0].ID != "a1" || ts[1].Role != "assistant" {
		t.Fatalf("unexpected transcript: %+v", ts)
	}
	if c.MessageCount() != 2 {
		t.Fatalf("expected count reconciled from server, got %d", c.MessageCount())
	}
}

func TestSwitchTo_FailureClearsState(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a", platform.Message{ID: "a1", Sender: "user", Content: "hi"})
	c, _, _ := newTestController(remote)

	if err := c.SwitchTo(context.Background(), "conv-a", "tok"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if err := c.SwitchTo(context.Background(), "missing", "tok"); err == nil {
		t.Fatalf("expected error for unknown conversation")
	}
	if c.ActiveID() != "" {
		t.Fatalf("active id should be cleared, got %s", c.ActiveID())
	}
	if len(c.Transcript()) != 0 {
		t.Fatalf("transcript should be empty after failed switch")
	}
}

func TestSwitchTo_RacingSwitchesNeverMix(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a",
		platform.Message{ID: "a1", Sender: "user", Content: "from A"},
	)
	remote.addConversation("conv-b",
		platform.Message{ID: "b1", Sender: "user", Content: "from B"},
	)
	release := make(chan struct{})
	remote.blockList["conv-a"] = release

	c, _, _ := newTestController(remote)

	done := make(chan error, 1)
	go func() { done <- c.SwitchTo(context.Background(), "conv-a", "tok") }()

	// B starts and resolves while A's fetch is stalled
	if err := c.SwitchTo(context.Background(), "conv-b", "tok"); err != nil {
		t.Fatalf("switch b: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("switch a: %v", err)
	}

	// A resolved last, so A wins, and the transcript is entirely A's
	if c.ActiveID() != "conv-a" {
		t.Fatalf("expected last resolver to win, active=%s", c.ActiveID())
	}
	for _, m := range c.Transcript() {
		if m.ID == "b1" {
			t.Fatalf("transcript mixed messages from both conversations: %+v", c.Transcript())
		}
	}
}

func TestPersist_NoActiveConversation(t *testing.T) {
	remote := newFakeRemote()
	c, _, _ := newTestController(remote)

	_, err := c.PersistUserMessage(context.Background(), "hello", "tok")
	if !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
	if remote.writeCalls != 0 {
		t.Fatalf("no network attempt expected, got %d", remote.writeCalls)
	}
}

func TestPersist_SuccessUpdatesTranscriptAndMetadata(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a")
	c, q, _ := newTestController(remote)

	if err := c.SwitchTo(context.Background(), "conv-a", "tok"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	msg, err := c.PersistUserMessage(context.Background(), "build me an orders table", "tok")
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if msg.ID != "remote-1" {
		t.Fatalf("expected remote id on success, got %s", msg.ID)
	}

	ts := c.Transcript()
	if len(ts) != 1 || ts[0].ID != "remote-1" {
		t.Fatalf("transcript should carry the remote id: %+v", ts)
	}
	if c.MessageCount() != 1 {
		t.Fatalf("count: %d", c.MessageCount())
	}
	if st := q.Stats(); st.Updates != 1 {
		t.Fatalf("expected a queued metadata update, got %+v", st)
	}
}

func TestPersist_RollbackOnFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a")
	remote.writeFails = -1
	c, _, _ := newTestController(remote)

	if err := c.SwitchTo(context.Background(), "conv-a", "tok"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	_, err := c.PersistUserMessage(context.Background(), "doomed", "tok")
	if err == nil {
		t.Fatalf("expected persist failure")
	}
	// 1 initial + 3 backoff retries
	if remote.writeCalls != 4 {
		t.Fatalf("expected 4 attempts, got %d", remote.writeCalls)
	}
	if len(c.Transcript()) != 0 {
		t.Fatalf("optimistic append must be rolled back: %+v", c.Transcript())
	}
	if c.MessageCount() != 0 {
		t.Fatalf("count must be rolled back: %d", c.MessageCount())
	}
}

func TestPersist_RetriesThenSucceeds(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a")
	remote.writeFails = 2
	c, _, _ := newTestController(remote)

	if err := c.SwitchTo(context.Background(), "conv-a", "tok"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if _, err := c.PersistAssistantMessage(context.Background(), "done", []byte(`{"op":"create_table"}`), "tok"); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if remote.writeCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", remote.writeCalls)
	}
}

func TestPersist_OfflineGoesThroughQueue(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a")
	c, q, _ := newTestController(remote)

	if err := c.SwitchTo(context.Background(), "conv-a", "tok"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	q.SetOnline(false)

	msg, err := c.PersistUserMessage(context.Background(), "while offline", "tok")
	if err != nil {
		t.Fatalf("persist offline: %v", err)
	}
	if remote.writeCalls != 0 {
		t.Fatalf("direct path must not be used offline")
	}
	if st := q.Stats(); st.Pending != 1 {
		t.Fatalf("expected message queued, got %+v", st)
	}
	// optimistic append stays; delivery is deferred, not failed
	ts := c.Transcript()
	if len(ts) != 1 || ts[0].ID != msg.ID {
		t.Fatalf("unexpected transcript: %+v", ts)
	}
}

func TestStartNew_DegradesOnCreateFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.createErr = errors.New("platform down")
	c, _, _ := newTestController(remote)

	_, err := c.StartNew(context.Background(), "new chat", 1, session.Credentials{Token: "tok"})
	if err == nil {
		t.Fatalf("expected create error to surface")
	}
	// welcome content still shown despite the failure
	ts := c.Transcript()
	if len(ts) != 1 || ts[0].Role != "assistant" {
		t.Fatalf("expected local welcome content, got %+v", ts)
	}
	if c.ActiveID() != "" {
		t.Fatalf("no active id without a remote record, got %s", c.ActiveID())
	}
}

func TestStartNew_SetsActiveOnSuccess(t *testing.T) {
	remote := newFakeRemote()
	c, _, store := newTestController(remote)

	id, err := c.StartNew(context.Background(), "new chat", 1, session.Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("start new: %v", err)
	}
	if c.ActiveID() != id {
		t.Fatalf("active id not set: %s != %s", c.ActiveID(), id)
	}

	// persisted for restart recovery
	v, err := store.Get(context.Background(), "conversation:active")
	if err != nil {
		t.Fatalf("active id not persisted: %v", err)
	}
	if string(v) != id {
		t.Fatalf("persisted id mismatch: %s", v)
	}
}

func TestHandleDeleted(t *testing.T) {
	remote := newFakeRemote()
	remote.addConversation("conv-a", platform.Message{ID: "a1", Sender: "user", Content: "hi"})
	c, _, _ := newTestController(remote)

	if err := c.SwitchTo(context.Background(), "conv-a", "tok"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	// deleting some other conversation is a no-op
	c.HandleDeleted(context.Background(), "conv-z")
	if c.ActiveID() != "conv-a" {
		t.Fatalf("unrelated delete must not clear state")
	}

	c.HandleDeleted(context.Background(), "conv-a")
	if c.ActiveID() != "" || len(c.Transcript()) != 0 {
		t.Fatalf("active conversation delete must clear state")
	}
}

func TestRestore(t *testing.T) {
	remote := newFakeRemote()
	store := kvstore.NewMemory()
	q := queue.New(store, okWriter{}, queue.Options{})

	if err := store.Set(context.Background(), "conversation:active", []byte("conv-77")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	c := NewController(remote, q, store, Options{RetryBase: time.Millisecond})
	c.Restore(context.Background())

	if c.ActiveID() != "conv-77" {
		t.Fatalf("expected restored active id, got %s", c.ActiveID())
	}
}
