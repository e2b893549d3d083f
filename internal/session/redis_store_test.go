package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"redline/api/internal/store"
)

func testStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestSaveAndLookup(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	user := store.User{ID: "usr_1", DisplayName: "rita", Role: "writer"}
	if err := s.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "usr_1" || got.DisplayName != "rita" || got.Role != "writer" {
		t.Errorf("got %+v", got)
	}
}

func TestLookupExpired(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	user := store.User{ID: "usr_1", DisplayName: "rita", Role: "writer"}
	if err := s.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("save: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := s.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRevoke(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	user := store.User{ID: "usr_1", DisplayName: "rita", Role: "writer"}
	if err := s.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveRejectsPastExpiry(t *testing.T) {
	s, _ := testStore(t)
	user := store.User{ID: "usr_1", DisplayName: "rita", Role: "writer"}
	if err := s.SaveRefreshSession(context.Background(), "hash-1", user, time.Now().Add(-time.Minute)); err == nil {
		t.Error("expired session saved without error")
	}
}
