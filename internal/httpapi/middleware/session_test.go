package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/schemapilot/chatrelay/internal/session"
)

func newSessionRouter(store *session.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SessionRequired(store))
	r.GET("/probe", func(c *gin.Context) {
		sess, ok := SessionFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, sess.ID)
	})
	return r
}

func TestSessionRequired_MissingHeader(t *testing.T) {
	r := newSessionRouter(session.NewStore(time.Hour))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestSessionRequired_UnknownSession(t *testing.T) {
	r := newSessionRouter(session.NewStore(time.Hour))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-Session-ID", "nope")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestSessionRequired_ValidSessionSlidesExpiration(t *testing.T) {
	store := session.NewStore(time.Hour)
	sess, err := store.Create(session.Credentials{Token: "tok", WorkspaceID: "ws", BaseDomain: "example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before, ok := store.Get(sess.ID)
	if !ok {
		t.Fatalf("session missing after create")
	}

	time.Sleep(5 * time.Millisecond)

	r := newSessionRouter(store)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("X-Session-ID", sess.ID)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != sess.ID {
		t.Fatalf("body = %q, want session id %q", got, sess.ID)
	}

	after, ok := store.Get(sess.ID)
	if !ok {
		t.Fatalf("session missing after request")
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Fatalf("expiration did not slide: before=%v after=%v", before.ExpiresAt, after.ExpiresAt)
	}
}
