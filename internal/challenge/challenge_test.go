package challenge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	pkgredis "github.com/angelmondragon/ap2-agents/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(mode string) config.ProcessorConfig {
	return config.ProcessorConfig{
		ChallengeMode:    mode,
		ChallengeCode:    "123",
		ChallengeDigits:  6,
		ChallengeTTL:     10 * time.Minute,
		ArgonMemoryKB:    8,
		ArgonTime:        1,
		ArgonParallelism: 1,
		ArgonSaltLen:     8,
		ArgonKeyLen:      16,
	}
}

type captureDeliverer struct {
	codes map[string]string
}

func (c *captureDeliverer) Deliver(_ context.Context, taskID, code string) error {
	c.codes[taskID] = code
	return nil
}

func samplePayment() mandates.PaymentMandate {
	return mandates.PaymentMandate{
		PaymentMandateContents: mandates.PaymentMandateContents{
			PaymentMandateID: "pm-1",
			PaymentDetailsID: "order_1",
			MerchantAgent:    "Generic Merchant",
		},
		UserAuthorization: "signed",
	}
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := pkgredis.NewFromRaw(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, time.Hour)
	require.NoError(t, err)
	return store
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(Params{Config: testConfig("fixed")})
	require.Error(t, err)

	_, err = NewService(Params{Store: NewMemoryStore(), Config: testConfig("sms")})
	require.Error(t, err)

	cfg := testConfig("fixed")
	cfg.ChallengeCode = ""
	_, err = NewService(Params{Store: NewMemoryStore(), Config: cfg})
	require.Error(t, err)
}

func TestFixedChallengeFlow(t *testing.T) {
	for name, store := range map[string]Store{"memory": NewMemoryStore(), "redis": newRedisStore(t)} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, err := NewService(Params{Store: store, Config: testConfig("fixed")})
			require.NoError(t, err)

			ch, err := svc.Issue(ctx, "task-1", samplePayment(), "risk")
			require.NoError(t, err)
			assert.Equal(t, TypeOTP, ch.Type)
			assert.Contains(t, ch.DisplayText, "the code is 123")

			_, err = svc.Issue(ctx, "task-1", samplePayment(), "risk")
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))

			_, err = svc.Verify(ctx, "task-1", "000")
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeChallengeMismatch))

			rec, err := svc.Verify(ctx, "task-1", "123")
			require.NoError(t, err)
			assert.Equal(t, enums.ChallengeStateSatisfied, rec.State)
			assert.Equal(t, 2, rec.Attempts)
			assert.Equal(t, "pm-1", rec.PaymentMandate.PaymentMandateContents.PaymentMandateID)
			assert.Equal(t, "risk", rec.RiskData)
			assert.NotContains(t, rec.CodeHash, "123")

			_, err = svc.Verify(ctx, "task-1", "123")
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict), "replay: %v", err)
		})
	}
}

func TestAttemptLimitFailsChallenge(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("fixed")
	cfg.MaxAttempts = 2
	svc, err := NewService(Params{Store: NewMemoryStore(), Config: cfg})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, "task-1", samplePayment(), "")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, "task-1", "000")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeChallengeMismatch))

	_, err = svc.Verify(ctx, "task-1", "111")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation), "limit: %v", err)

	rec, err := svc.Lookup(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, enums.ChallengeStateFailed, rec.State)

	_, err = svc.Verify(ctx, "task-1", "123")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict), "correct code after lockout: %v", err)
}

func TestVerifyWithoutChallenge(t *testing.T) {
	svc, err := NewService(Params{Store: NewMemoryStore(), Config: testConfig("fixed")})
	require.NoError(t, err)
	_, err = svc.Verify(context.Background(), "task-x", "123")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestRandomCodesArePerTask(t *testing.T) {
	ctx := context.Background()
	deliverer := &captureDeliverer{codes: map[string]string{}}
	svc, err := NewService(Params{Store: NewMemoryStore(), Config: testConfig("random"), Deliverer: deliverer})
	require.NoError(t, err)

	ch, err := svc.Issue(ctx, "task-a", samplePayment(), "")
	require.NoError(t, err)
	assert.NotContains(t, ch.DisplayText, "hint")
	_, err = svc.Issue(ctx, "task-b", samplePayment(), "")
	require.NoError(t, err)

	codeA, codeB := deliverer.codes["task-a"], deliverer.codes["task-b"]
	require.Len(t, codeA, 6)
	require.Len(t, codeB, 6)

	if codeA != codeB {
		_, err = svc.Verify(ctx, "task-a", codeB)
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeChallengeMismatch))
	}
	_, err = svc.Verify(ctx, "task-a", " "+codeA+" ")
	require.NoError(t, err)
}

func TestExpiredChallengeFails(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(Params{
		Store:  NewMemoryStore(),
		Config: testConfig("fixed"),
		Now:    func() time.Time { return now },
	})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, "task-1", samplePayment(), "")
	require.NoError(t, err)
	now = now.Add(11 * time.Minute)

	_, err = svc.Verify(ctx, "task-1", "123")
	require.Error(t, err)
	assert.True(t, strings.Contains(pkgerrors.Reason(err), "expired"))

	rec, err := svc.Lookup(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, enums.ChallengeStateFailed, rec.State)
}

func TestFailClosesOpenChallenge(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(Params{Store: NewMemoryStore(), Config: testConfig("fixed")})
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, "task-none"))

	_, err = svc.Issue(ctx, "task-1", samplePayment(), "")
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, "task-1"))

	_, err = svc.Verify(ctx, "task-1", "123")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeStateConflict))
}
