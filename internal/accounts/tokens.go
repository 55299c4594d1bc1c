package accounts

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

// TokenInfo is what a credential token stands for. PaymentMandateID is empty
// until the token is bound.
type TokenInfo struct {
	Token            string    `json:"token"`
	Email            string    `json:"email"`
	Alias            string    `json:"alias"`
	PaymentMandateID string    `json:"payment_mandate_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Bound reports whether the token has been bound to a payment mandate.
func (t TokenInfo) Bound() bool {
	return t.PaymentMandateID != ""
}

// TokenStore persists issued tokens. Bind must be atomic per token: the first
// mandate id wins and later binds only succeed for that same id.
type TokenStore interface {
	Create(ctx context.Context, info TokenInfo) error
	Get(ctx context.Context, token string) (*TokenInfo, error)
	Bind(ctx context.Context, token, paymentMandateID string) error
}

func unknownToken() error {
	return pkgerrors.New(pkgerrors.CodeInvalidToken, "invalid token")
}

func alreadyBound() error {
	return pkgerrors.New(pkgerrors.CodeInvalidTokenState, "token already bound to a different payment mandate")
}

// MemoryTokenStore keeps tokens in process.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]TokenInfo
}

// NewMemoryTokenStore returns an empty token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: map[string]TokenInfo{}}
}

func (s *MemoryTokenStore) Create(_ context.Context, info TokenInfo) error {
	if info.Token == "" {
		return errors.New("token value is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[info.Token]; exists {
		return fmt.Errorf("token already exists")
	}
	s.tokens[info.Token] = info
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, token string) (*TokenInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.tokens[token]
	if !ok {
		return nil, unknownToken()
	}
	return &info, nil
}

func (s *MemoryTokenStore) Bind(_ context.Context, token, paymentMandateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.tokens[token]
	if !ok {
		return unknownToken()
	}
	switch info.PaymentMandateID {
	case paymentMandateID:
		return nil
	case "":
		info.PaymentMandateID = paymentMandateID
		s.tokens[token] = info
		return nil
	default:
		return alreadyBound()
	}
}

type redisTokenClient interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	TokenKey(token string) string
	TokenBindingKey(token string) string
}

// RedisTokenStore keeps the token record and its binding under separate
// keys. The binding is written with SETNX so concurrent binds race on a
// single key.
type RedisTokenStore struct {
	client redisTokenClient
	ttl    time.Duration
}

// NewRedisTokenStore stores tokens with the given ttl.
func NewRedisTokenStore(client redisTokenClient, ttl time.Duration) (*RedisTokenStore, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return &RedisTokenStore{client: client, ttl: ttl}, nil
}

func (s *RedisTokenStore) Create(ctx context.Context, info TokenInfo) error {
	if info.Token == "" {
		return errors.New("token value is required")
	}
	info.PaymentMandateID = ""
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.client.TokenKey(info.Token), payload, s.ttl)
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if !created {
		return fmt.Errorf("token already exists")
	}
	return nil
}

func (s *RedisTokenStore) Get(ctx context.Context, token string) (*TokenInfo, error) {
	raw, err := s.client.Get(ctx, s.client.TokenKey(token))
	if err != nil {
		if errors.Is(err, pkgredis.Nil) {
			return nil, unknownToken()
		}
		return nil, fmt.Errorf("load token: %w", err)
	}
	var info TokenInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	bound, err := s.binding(ctx, token)
	if err != nil {
		return nil, err
	}
	info.PaymentMandateID = bound
	return &info, nil
}

func (s *RedisTokenStore) Bind(ctx context.Context, token, paymentMandateID string) error {
	if _, err := s.Get(ctx, token); err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.client.TokenBindingKey(token), paymentMandateID, s.ttl)
	if err != nil {
		return fmt.Errorf("bind token: %w", err)
	}
	if ok {
		return nil
	}
	bound, err := s.binding(ctx, token)
	if err != nil {
		return err
	}
	if bound != paymentMandateID {
		return alreadyBound()
	}
	return nil
}

func (s *RedisTokenStore) binding(ctx context.Context, token string) (string, error) {
	bound, err := s.client.Get(ctx, s.client.TokenBindingKey(token))
	if err != nil {
		if errors.Is(err, pkgredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("load token binding: %w", err)
	}
	return bound, nil
}
