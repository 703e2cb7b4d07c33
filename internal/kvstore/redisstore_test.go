package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisStore_SetGetDelete(t *testing.T) {
	srv := miniredis.RunT(t)
	s := NewRedis(srv.Addr(), "", 0)
	defer s.Close()

	ctx := context.Background()

	if _, err := s.Get(ctx, "conversation:active"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "conversation:active", []byte("conv-123")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := s.Get(ctx, "conversation:active")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "conv-123" {
		t.Fatalf("unexpected value: %s", v)
	}

	if err := s.Delete(ctx, "conversation:active"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "conversation:active"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
