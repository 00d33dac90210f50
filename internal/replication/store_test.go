package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"nextgen-credit/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis, nodeID string) *RedisStore {
	t.Helper()
	s := NewRedisStore(Config{Addr: mr.Addr(), RecordTTL: 30 * time.Second, NodeID: nodeID}, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(clientID string, limit string) models.CreditRecord {
	return models.CreditRecord{
		Type:      models.CreditMoney,
		ClientID:  clientID,
		MaxAmount: decimal.RequireFromString(limit),
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "credit:money:acme", RecordKey(models.CreditMoney, "acme"))
	assert.Equal(t, "credit:kill_list", KillListChannel())
	assert.Equal(t, "credit:kill_list:time", KillSetKey(models.CreditTime))
}

func TestGetOrCreate_SharedAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a := newTestStore(t, mr, "node-a")
	b := newTestStore(t, mr, "node-b")

	rec, created, err := a.GetOrCreate(ctx, record("acme", "10.00"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, rec.MaxAmount.Equal(decimal.RequireFromString("10")))

	require.NoError(t, a.IncrementConsumed(ctx, models.CreditMoney, "acme", decimal.RequireFromString("2.5")))
	require.NoError(t, a.IncrementEnded(ctx, models.CreditMoney, "acme", decimal.RequireFromString("1.25")))
	require.NoError(t, a.IncrementCalls(ctx, models.CreditMoney, "acme", 2, 3))

	// The second node sees the first one's totals, not its own request.
	got, created, err := b.GetOrCreate(ctx, record("acme", "99"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, got.MaxAmount.Equal(decimal.RequireFromString("10")), "max %s", got.MaxAmount)
	assert.True(t, got.ConsumedAmount.Equal(decimal.RequireFromString("2.5")), "consumed %s", got.ConsumedAmount)
	assert.True(t, got.EndedCallsConsumedAmount.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, int64(2), got.ConcurrentCalls)
	assert.Equal(t, int64(3), got.NumberOfCalls)

	assert.Equal(t, "money", mr.HGet(RecordKey(models.CreditMoney, "acme"), FieldType))
}

func TestGetOrCreate_ClearsStaleKillMembership(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")

	_, err := mr.SetAdd(KillSetKey(models.CreditMoney), "acme")
	require.NoError(t, err)

	_, created, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	require.True(t, created)

	member, _ := mr.IsMember(KillSetKey(models.CreditMoney), "acme")
	assert.False(t, member)
}

func TestWritesRefreshTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")
	key := RecordKey(models.CreditMoney, "acme")

	_, _, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	mr.FastForward(20 * time.Second)
	require.NoError(t, s.IncrementMax(ctx, models.CreditMoney, "acme", decimal.NewFromInt(5)))
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	// Nobody writes for longer than the TTL and the record disappears.
	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists(key))

	_, created, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRemove(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")

	_, _, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	require.NoError(t, s.PublishKill(ctx, models.CreditMoney, "acme"))

	require.NoError(t, s.Remove(ctx, models.CreditMoney, "acme"))
	assert.False(t, mr.Exists(RecordKey(models.CreditMoney, "acme")))
	member, _ := mr.IsMember(KillSetKey(models.CreditMoney), "acme")
	assert.False(t, member)
}

func TestCleanUpIfLast(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")
	key := RecordKey(models.CreditMoney, "acme")

	_, _, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	require.NoError(t, s.IncrementCalls(ctx, models.CreditMoney, "acme", 1, 1))

	removed, err := s.CleanUpIfLast(ctx, models.CreditMoney, "acme")
	require.NoError(t, err)
	assert.False(t, removed, "another node still has a call")
	assert.True(t, mr.Exists(key))

	require.NoError(t, s.IncrementCalls(ctx, models.CreditMoney, "acme", -1, 0))
	removed, err = s.CleanUpIfLast(ctx, models.CreditMoney, "acme")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists(key))

	removed, err = s.CleanUpIfLast(ctx, models.CreditMoney, "acme")
	require.NoError(t, err)
	assert.True(t, removed, "a missing record counts as cleaned up")
}

func TestPublishKill_OncePerMembership(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")

	sub := s.Client().Subscribe(ctx, KillListChannel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	require.NoError(t, s.PublishKill(ctx, models.CreditMoney, "acme"))
	require.NoError(t, s.PublishKill(ctx, models.CreditMoney, "acme"))

	member, _ := mr.IsMember(KillSetKey(models.CreditMoney), "acme")
	assert.True(t, member)

	select {
	case msg := <-ch:
		assert.Contains(t, msg.Payload, `"client_id":"acme"`)
		assert.Contains(t, msg.Payload, `"node_id":"node-a"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no kill notice published")
	}
	select {
	case msg := <-ch:
		t.Fatalf("duplicate notice published: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailedCommandReplacesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")
	_, _, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	before := s.Client()

	mr.SetError("LOADING server is loading")
	err = s.IncrementConsumed(ctx, models.CreditMoney, "acme", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplication))
	assert.NotSame(t, before, s.Client())

	mr.SetError("")
	require.NoError(t, s.IncrementConsumed(ctx, models.CreditMoney, "acme", decimal.NewFromInt(1)))
	rec, created, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, rec.ConsumedAmount.Equal(decimal.NewFromInt(1)), "consumed %s", rec.ConsumedAmount)
}

func TestCancelledContextKeepsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr, "node-a")
	_, _, err := s.GetOrCreate(context.Background(), record("acme", "5"))
	require.NoError(t, err)
	before := s.Client()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.IncrementConsumed(ctx, models.CreditMoney, "acme", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplication))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Same(t, before, s.Client(), "a caller giving up must not replace the shared client")

	require.NoError(t, s.IncrementConsumed(context.Background(), models.CreditMoney, "acme", decimal.NewFromInt(1)))
}

func TestIncrementOnRemovedRecordIsRefused(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")
	key := RecordKey(models.CreditMoney, "acme")

	_, _, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.NoError(t, err)
	removed, err := s.CleanUpIfLast(ctx, models.CreditMoney, "acme")
	require.NoError(t, err)
	require.True(t, removed)

	err = s.IncrementCalls(ctx, models.CreditMoney, "acme", 1, 1)
	assert.True(t, errors.Is(err, ErrRecordMissing), "got %v", err)
	err = s.IncrementEnded(ctx, models.CreditMoney, "acme", decimal.NewFromInt(3))
	assert.True(t, errors.Is(err, ErrRecordMissing), "got %v", err)
	assert.False(t, mr.Exists(key), "no partial record may be left behind")

	// The next get-or-create starts from the caller's full record.
	rec, created, err := s.GetOrCreate(ctx, record("acme", "7"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, rec.MaxAmount.Equal(decimal.NewFromInt(7)))
}

func TestUnreachableStoreFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	s := newTestStore(t, mr, "node-a")
	mr.Close()

	start := time.Now()
	_, _, err := s.GetOrCreate(ctx, record("acme", "5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReplication))
	assert.Less(t, time.Since(start), 5*time.Second)
}
