package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client)
	ctx := context.Background()

	sess := &Session{
		State:       StateUploadingImages,
		Mode:        ModeEdit,
		Photos:      []PhotoRef{{Type: "photo", FileID: "abc"}},
		AspectRatio: "9:16",
	}
	if err := store.Put(ctx, 42, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateUploadingImages || got.Mode != ModeEdit {
		t.Fatalf("unexpected session %+v", got)
	}
	if len(got.Photos) != 1 || got.Photos[0].FileID != "abc" {
		t.Fatalf("photos not preserved: %+v", got.Photos)
	}
}

func TestRedisStoreMissingIsIdle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client)

	got, err := store.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateIdle {
		t.Fatalf("expected idle session, got %s", got.State)
	}
}

func TestRedisStoreCorruptIsIdle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client)

	mr.Set(sessionKey(9), "{not json")
	got, err := store.Get(context.Background(), 9)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateIdle {
		t.Fatalf("expected idle session on corrupt record, got %s", got.State)
	}
}

func TestRedisStoreClear(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStore(client)
	ctx := context.Background()

	if err := store.Put(ctx, 1, &Session{State: StateGenerating}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Clear(ctx, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ := store.Get(ctx, 1)
	if got.State != StateIdle {
		t.Fatalf("expected idle after clear, got %s", got.State)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := &Session{State: StateUploadingImages, Photos: []PhotoRef{{FileID: "a"}}}
	if err := store.Put(ctx, 1, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	sess.Photos = append(sess.Photos, PhotoRef{FileID: "b"})
	got, _ := store.Get(ctx, 1)
	if len(got.Photos) != 1 {
		t.Fatalf("expected stored photos unchanged, got %d", len(got.Photos))
	}
}
