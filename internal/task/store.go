package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	pkgredis "github.com/angelmondragon/ap2-agents/pkg/redis"
)

// Store persists task snapshots. Get returns a copy; mutations become
// visible only through Save.
type Store interface {
	Get(ctx context.Context, id string) (*Task, error)
	Save(ctx context.Context, t *Task) error
}

func notFound(id string) error {
	return pkgerrors.Newf(pkgerrors.CodeNotFound, "task %s not found", id)
}

// MemoryStore keeps tasks in process. Saved tasks are cloned.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore returns an empty task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: map[string]*Task{}}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound(id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

type redisStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	TaskKey(role, taskID string) string
}

// RedisStore keeps JSON snapshots under a role-scoped key.
type RedisStore struct {
	client redisStore
	role   string
	ttl    time.Duration
}

// NewRedisStore namespaces task keys by role.
func NewRedisStore(client redisStore, role string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if role == "" {
		return nil, errors.New("role required")
	}
	return &RedisStore{client: client, role: role, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.client.Get(ctx, s.client.TaskKey(s.role, id))
	if err != nil {
		if errors.Is(err, pkgredis.Nil) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) Save(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id is required")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := s.client.Set(ctx, s.client.TaskKey(s.role, t.ID), payload, s.ttl); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}
