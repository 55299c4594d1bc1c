package carts

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sequence hands out increasing numbers per name, starting at 1.
type Sequence interface {
	Next(ctx context.Context, name string) (int64, error)
}

// MemorySequence counts in process.
type MemorySequence struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemorySequence returns a sequence starting at one.
func NewMemorySequence() *MemorySequence {
	return &MemorySequence{counters: map[string]int64{}}
}

func (s *MemorySequence) Next(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return s.counters[name], nil
}

type counterClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	CounterKey(name string) string
}

// RedisSequence shares counters between merchant replicas.
type RedisSequence struct {
	client counterClient
}

// NewRedisSequence counts with INCR so ids stay unique across replicas.
func NewRedisSequence(client counterClient) (*RedisSequence, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return &RedisSequence{client: client}, nil
}

func (s *RedisSequence) Next(ctx context.Context, name string) (int64, error) {
	n, err := s.client.Incr(ctx, s.client.CounterKey(name))
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", name, err)
	}
	return n, nil
}
