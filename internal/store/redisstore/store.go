package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable marks failures talking to the shared directory.
var ErrUnavailable = errors.New("session directory unavailable")

type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

const (
	sessionTopicKey   = "chat_relay:session_topic"
	onlineOperatorKey = "chat_relay:online_operators:"
)

// Store is the session directory shared by every instance. Each method is a
// single redis command; nothing is cached locally.
type Store struct {
	rdb redis.UniversalClient
}

func NewStore(addr, password string, db int) *Store {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return &UnavailableError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) SetSessionTopic(ctx context.Context, sessionID, topicID string) error {
	if err := s.rdb.HSet(ctx, sessionTopicKey, sessionID, topicID).Err(); err != nil {
		return &UnavailableError{Op: "set session topic", Err: err}
	}
	return nil
}

// GetTopicForSession reports ok=false when the session has no mapping.
func (s *Store) GetTopicForSession(ctx context.Context, sessionID string) (string, bool, error) {
	topicID, err := s.rdb.HGet(ctx, sessionTopicKey, sessionID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, &UnavailableError{Op: "get session topic", Err: err}
	}
	return topicID, true, nil
}

func (s *Store) AddOperatorPresence(ctx context.Context, topicID, sessionID string) error {
	if err := s.rdb.HSet(ctx, onlineOperatorKey+topicID, sessionID, 1).Err(); err != nil {
		return &UnavailableError{Op: "add operator presence", Err: err}
	}
	return nil
}

// RemoveOperatorPresence is a no-op for operators that are not present.
func (s *Store) RemoveOperatorPresence(ctx context.Context, topicID, sessionID string) error {
	if err := s.rdb.HDel(ctx, onlineOperatorKey+topicID, sessionID).Err(); err != nil {
		return &UnavailableError{Op: "remove operator presence", Err: err}
	}
	return nil
}

func (s *Store) ListOperatorPresence(ctx context.Context, topicID string) ([]string, error) {
	ids, err := s.rdb.HKeys(ctx, onlineOperatorKey+topicID).Result()
	if err != nil {
		return nil, &UnavailableError{Op: "list operator presence", Err: err}
	}
	return ids, nil
}
