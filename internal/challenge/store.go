package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/enums"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	pkgredis "github.com/angelmondragon/ap2-agents/pkg/redis"
)

// Record is the challenge issued for one task together with the payment it
// gates, so the follow-up only needs to carry the response.
type Record struct {
	TaskID         string                  `json:"task_id"`
	State          enums.ChallengeState    `json:"state"`
	CodeHash       string                  `json:"code_hash"`
	Attempts       int                     `json:"attempts"`
	PaymentMandate mandates.PaymentMandate `json:"payment_mandate"`
	RiskData       string                  `json:"risk_data,omitempty"`
	IssuedAt       time.Time               `json:"issued_at"`
	ExpiresAt      time.Time               `json:"expires_at"`
}

// Expired reports whether the response window has closed.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists challenge records by task id.
type Store interface {
	Get(ctx context.Context, taskID string) (*Record, error)
	Save(ctx context.Context, rec Record) error
}

func notIssued(taskID string) error {
	return pkgerrors.Newf(pkgerrors.CodeNotFound, "no challenge issued for task %s", taskID)
}

// MemoryStore keeps challenge records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return nil, notIssued(taskID)
	}
	return &rec, nil
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.TaskID == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TaskID] = rec
	return nil
}

type redisClient interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	ChallengeKey(taskID string) string
}

// RedisStore keeps records as JSON. Keys outlive the response window so a
// replay after expiry still sees the final state.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisStore stores records as JSON with the given ttl.
func NewRedisStore(client redisClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.client.ChallengeKey(taskID))
	if err != nil {
		if errors.Is(err, pkgredis.Nil) {
			return nil, notIssued(taskID)
		}
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.TaskID == "" {
		return errors.New("task id is required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	if err := s.client.Set(ctx, s.client.ChallengeKey(rec.TaskID), payload, s.ttl); err != nil {
		return fmt.Errorf("save challenge: %w", err)
	}
	return nil
}
