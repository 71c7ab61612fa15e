package message

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrStorage marks failures of the persistence layer. Callers check it with
// errors.Is; backends wrap the underlying cause.
var ErrStorage = errors.New("message storage unavailable")

// ErrInvalidPage is returned for a negative page number, a non-positive size
// or a page whose offset does not fit in an int.
var ErrInvalidPage = errors.New("invalid page")

// Store is the interface for message persistence backends.
//
// Pages count back from the newest message: page 0 holds the newest size
// messages. HasMore is computed from a count read separately from the page,
// so under concurrent appends it may be stale.
type Store interface {
	Append(ctx context.Context, msg *Message) (*Message, error)
	Page(ctx context.Context, page, size int) (Page, error)
	Recent(ctx context.Context, n int) ([]*Message, error)
	Count(ctx context.Context) (int, error)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func checkPage(page, size int) error {
	if page < 0 || size <= 0 || page > (math.MaxInt-size)/size {
		return fmt.Errorf("%w: page=%d size=%d", ErrInvalidPage, page, size)
	}
	return nil
}

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs []*Message
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Append stores a copy of msg with its ID and timestamp assigned.
func (s *MemoryStore) Append(_ context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := stamp(msg, s.now())
	s.msgs = append(s.msgs, stored)
	out := *stored
	return &out, nil
}

// Page returns one page of history.
func (s *MemoryStore) Page(_ context.Context, page, size int) (Page, error) {
	if err := checkPage(page, size); err != nil {
		return Page{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end, hasMore := pageBounds(len(s.msgs), page, size)
	return Page{Messages: copyRange(s.msgs[start:end]), HasMore: hasMore}, nil
}

// Recent returns the last n messages, oldest first.
func (s *MemoryStore) Recent(_ context.Context, n int) ([]*Message, error) {
	if n <= 0 {
		return []*Message{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.msgs) - n
	if start < 0 {
		start = 0
	}
	return copyRange(s.msgs[start:]), nil
}

// Count returns the number of stored messages.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs), nil
}

func copyRange(msgs []*Message) []*Message {
	result := make([]*Message, len(msgs))
	for i, m := range msgs {
		c := *m
		result[i] = &c
	}
	return result
}
