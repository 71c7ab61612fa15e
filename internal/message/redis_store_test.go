package message

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestRedisStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, _ := newTestRedisStore(t)
		return s
	})
}

func TestRedisStoreDefaultKey(t *testing.T) {
	s, mr := newTestRedisStore(t)
	fill(t, s, 2)

	vals, err := mr.List(DefaultRedisKey)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("expected 2 entries under %s, got %d", DefaultRedisKey, len(vals))
	}
}

func TestRedisStoreCustomKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "room:test:messages")
	fill(t, s, 1)

	if mr.Exists(DefaultRedisKey) {
		t.Error("default key should be untouched")
	}
	if !mr.Exists("room:test:messages") {
		t.Error("expected custom key to exist")
	}
}

func TestRedisStoreSkipsCorruptEntries(t *testing.T) {
	s, mr := newTestRedisStore(t)
	fill(t, s, 1)
	mr.Push(DefaultRedisKey, "not json")
	fill(t, s, 1)

	recent, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 decodable messages, got %d", len(recent))
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()
	ctx := context.Background()

	if _, err := s.Append(ctx, chat("hello")); !errors.Is(err, ErrStorage) {
		t.Errorf("Append: expected ErrStorage, got %v", err)
	}
	if _, err := s.Page(ctx, 0, 20); !errors.Is(err, ErrStorage) {
		t.Errorf("Page: expected ErrStorage, got %v", err)
	}
	if _, err := s.Recent(ctx, 50); !errors.Is(err, ErrStorage) {
		t.Errorf("Recent: expected ErrStorage, got %v", err)
	}
	if _, err := s.Count(ctx); !errors.Is(err, ErrStorage) {
		t.Errorf("Count: expected ErrStorage, got %v", err)
	}
}
