package carts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	pkgredis "github.com/angelmondragon/ap2-agents/pkg/redis"
)

type redisClient interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current string, exists bool) (string, error)) error
	CartKey(cartID string) string
	RiskKey(contextID string) string
}

// RedisStore keeps cart mandates as JSON. Update uses WATCH/MULTI so a
// concurrent writer to the same cart forces a retry instead of a lost write.
type RedisStore struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisStore returns a cart store backed by redis.
func NewRedisStore(client redisClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Put(ctx context.Context, cartID string, cart mandates.CartMandate) error {
	if cartID == "" {
		return errors.New("cart id is required")
	}
	payload, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("encode cart %s: %w", cartID, err)
	}
	if err := s.client.Set(ctx, s.client.CartKey(cartID), payload, s.ttl); err != nil {
		return fmt.Errorf("save cart %s: %w", cartID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, cartID string) (*mandates.CartMandate, error) {
	raw, err := s.client.Get(ctx, s.client.CartKey(cartID))
	if err != nil {
		if errors.Is(err, pkgredis.Nil) {
			return nil, cartNotFound(cartID)
		}
		return nil, fmt.Errorf("load cart %s: %w", cartID, err)
	}
	return decodeCart(cartID, raw)
}

func (s *RedisStore) Update(ctx context.Context, cartID string, fn UpdateFunc) (mandates.CartMandate, error) {
	var result mandates.CartMandate
	err := s.client.Update(ctx, s.client.CartKey(cartID), s.ttl, func(current string, exists bool) (string, error) {
		if !exists {
			return "", cartNotFound(cartID)
		}
		cart, err := decodeCart(cartID, current)
		if err != nil {
			return "", err
		}
		next, err := fn(*cart)
		if err != nil {
			return "", err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("encode cart %s: %w", cartID, err)
		}
		result = next
		return string(payload), nil
	})
	if err != nil {
		return mandates.CartMandate{}, err
	}
	return result, nil
}

func (s *RedisStore) PutRiskData(ctx context.Context, contextID, data string) error {
	if err := s.client.Set(ctx, s.client.RiskKey(contextID), data, s.ttl); err != nil {
		return fmt.Errorf("save risk data: %w", err)
	}
	return nil
}

func (s *RedisStore) RiskData(ctx context.Context, contextID string) (string, bool, error) {
	data, err := s.client.Get(ctx, s.client.RiskKey(contextID))
	if err != nil {
		if errors.Is(err, pkgredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load risk data: %w", err)
	}
	return data, true, nil
}

func decodeCart(cartID, raw string) (*mandates.CartMandate, error) {
	var cart mandates.CartMandate
	if err := json.Unmarshal([]byte(raw), &cart); err != nil {
		return nil, fmt.Errorf("decode cart %s: %w", cartID, err)
	}
	return &cart, nil
}
