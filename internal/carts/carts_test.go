package carts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	pkgredis "github.com/angelmondragon/ap2-agents/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) *pkgredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := pkgredis.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	redisStore, err := NewRedisStore(newRedisClient(t), time.Hour)
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(time.Hour),
		"redis":  redisStore,
	}
}

func sampleCart(id string) mandates.CartMandate {
	item := mandates.NewPaymentItem("Sneakers", mandates.MustAmount("USD", "10.00"))
	contents := mandates.CartContents{
		ID:           id,
		MerchantName: "Generic Merchant",
		CartExpiry:   time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		PaymentRequest: mandates.PaymentRequest{
			MethodData: []mandates.PaymentMethodData{{SupportedMethods: "CARD"}},
			Details: mandates.PaymentDetailsInit{
				ID:    "order_1",
				Total: mandates.NewPaymentItem("Total", mandates.MustAmount("USD", "0")),
			},
		},
	}
	return mandates.CartMandate{Contents: contents.WithDisplayItems([]mandates.PaymentItem{item})}
}

func addFee(amount string) UpdateFunc {
	return func(current mandates.CartMandate) (mandates.CartMandate, error) {
		items := append(current.Contents.PaymentRequest.Details.DisplayItems,
			mandates.NewPaymentItem("Fee", mandates.MustAmount("USD", amount)))
		return mandates.CartMandate{Contents: current.Contents.WithDisplayItems(items)}, nil
	}
}

func TestStorePutGet(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, "cart_1")
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))

			require.NoError(t, store.Put(ctx, "cart_1", sampleCart("cart_1")))
			got, err := store.Get(ctx, "cart_1")
			require.NoError(t, err)
			assert.Equal(t, "cart_1", got.Contents.ID)
			assert.True(t, got.Contents.PaymentRequest.Details.Total.Amount.Value.Equal(
				mandates.MustAmount("USD", "10").Value))

			require.Error(t, store.Put(ctx, "", sampleCart("x")))
		})
	}
}

func TestStoreUpdateIsAtomicPerCart(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "cart_1", sampleCart("cart_1")))

			const writers = 8
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Update(ctx, "cart_1", addFee("1.00"))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := store.Get(ctx, "cart_1")
			require.NoError(t, err)
			assert.Len(t, got.Contents.PaymentRequest.Details.DisplayItems, writers+1)
			assert.True(t, got.Contents.PaymentRequest.Details.Total.Amount.Value.Equal(
				mandates.MustAmount("USD", "18").Value))
			require.NoError(t, got.Contents.Validate())
		})
	}
}

func TestStoreUpdateMissingCart(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Update(context.Background(), "cart_404", addFee("1.00"))
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
		})
	}
}

func TestStoreUpdateErrorKeepsCart(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "cart_1", sampleCart("cart_1")))
			_, err := store.Update(ctx, "cart_1", func(mandates.CartMandate) (mandates.CartMandate, error) {
				return mandates.CartMandate{}, pkgerrors.New(pkgerrors.CodeValidation, "nope")
			})
			require.Error(t, err)

			got, err := store.Get(ctx, "cart_1")
			require.NoError(t, err)
			assert.Len(t, got.Contents.PaymentRequest.Details.DisplayItems, 1)
		})
	}
}

func TestRiskDataByConversation(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := store.RiskData(ctx, "ctx-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.PutRiskData(ctx, "ctx-1", "eyJkZXZpY2UiOiJ4In0"))
			data, ok, err := store.RiskData(ctx, "ctx-1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "eyJkZXZpY2UiOiJ4In0", data)
		})
	}
}

func TestMemoryStoreExpiresCarts(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(context.Background(), "cart_1", sampleCart("cart_1")))
	now = now.Add(2 * time.Minute)
	_, err := store.Get(context.Background(), "cart_1")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestSequences(t *testing.T) {
	redisSeq, err := NewRedisSequence(newRedisClient(t))
	require.NoError(t, err)
	for name, seq := range map[string]Sequence{"memory": NewMemorySequence(), "redis": redisSeq} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				got, err := seq.Next(ctx, "cart")
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			got, err := seq.Next(ctx, "order")
			require.NoError(t, err)
			assert.EqualValues(t, 1, got)
		})
	}
}
