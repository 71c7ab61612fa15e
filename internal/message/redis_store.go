package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list that holds the lobby's messages.
const DefaultRedisKey = "room:lobby:messages"

const redisTimeout = 2 * time.Second

// RedisStore persists messages as JSON in a single Redis list, oldest at the
// head. The list is never trimmed.
type RedisStore struct {
	client redis.Cmdable
	key    string
	now    func() time.Time
}

// NewRedisStore creates a RedisStore on the given list key. An empty key uses
// DefaultRedisKey.
func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

// Append pushes a message onto the tail of the list.
func (s *RedisStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	stored := stamp(msg, s.now())
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, storageErr("marshal message", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return nil, storageErr("append message", err)
	}
	return stored, nil
}

// Page reads one page of history with LLEN followed by LRANGE.
func (s *RedisStore) Page(ctx context.Context, page, size int) (Page, error) {
	if err := checkPage(page, size); err != nil {
		return Page{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	total, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return Page{}, storageErr("count messages", err)
	}

	start, end, hasMore := pageBounds(int(total), page, size)
	if start >= end {
		return Page{Messages: []*Message{}, HasMore: hasMore}, nil
	}

	vals, err := s.client.LRange(ctx, s.key, int64(start), int64(end-1)).Result()
	if err != nil {
		return Page{}, storageErr("read messages", err)
	}
	return Page{Messages: decodeAll(vals), HasMore: hasMore}, nil
}

// Recent returns the last n messages, oldest first.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]*Message, error) {
	if n <= 0 {
		return []*Message{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	vals, err := s.client.LRange(ctx, s.key, int64(-n), -1).Result()
	if err != nil {
		return nil, storageErr("read recent messages", err)
	}
	return decodeAll(vals), nil
}

// Count returns the length of the list.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, storageErr("count messages", err)
	}
	return int(n), nil
}

// decodeAll skips entries that are not valid message JSON.
func decodeAll(vals []string) []*Message {
	msgs := make([]*Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs
}
