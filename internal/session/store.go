package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the durable per-chat session capability. Loss of a session must
// degrade gracefully (the user is re-prompted); it never touches balances.
type Store interface {
	Get(ctx context.Context, chatID int64) (*Session, error)
	Put(ctx context.Context, chatID int64, sess *Session) error
	Clear(ctx context.Context, chatID int64) error
}

const sessionTTL = 72 * time.Hour

// RedisStore keeps sessions as JSON values in Redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(chatID int64) string {
	return fmt.Sprintf("fsm:session:%d", chatID)
}

// Get returns the stored session, or a fresh idle one when absent.
func (s *RedisStore) Get(ctx context.Context, chatID int64) (*Session, error) {
	res, err := s.client.Get(ctx, sessionKey(chatID)).Result()
	if err != nil {
		if err == redis.Nil {
			return NewSession(), nil
		}
		return nil, fmt.Errorf("redis get session %d: %w", chatID, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(res), &sess); err != nil {
		// A corrupt record must never wedge the chat; start over.
		return NewSession(), nil
	}
	return &sess, nil
}

func (s *RedisStore) Put(ctx context.Context, chatID int64, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("json marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(chatID), data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("redis set session %d: %w", chatID, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, chatID int64) error {
	if err := s.client.Del(ctx, sessionKey(chatID)).Err(); err != nil {
		return fmt.Errorf("redis del session %d: %w", chatID, err)
	}
	return nil
}

// MemoryStore is an in-process Store used in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*Session)}
}

func (s *MemoryStore) Get(ctx context.Context, chatID int64) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		return NewSession(), nil
	}
	copied := *sess
	copied.Photos = append([]PhotoRef(nil), sess.Photos...)
	copied.Edits = append([]string(nil), sess.Edits...)
	return &copied, nil
}

func (s *MemoryStore) Put(ctx context.Context, chatID int64, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sess
	copied.Photos = append([]PhotoRef(nil), sess.Photos...)
	copied.Edits = append([]string(nil), sess.Edits...)
	s.sessions[chatID] = &copied
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, chatID)
	return nil
}
