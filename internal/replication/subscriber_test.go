package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"nextgen-credit/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu      sync.Mutex
	notices []models.KillNotice
}

func (h *recordingHandler) HandleKill(_ context.Context, n models.KillNotice) {
	h.mu.Lock()
	h.notices = append(h.notices, n)
	h.mu.Unlock()
}

func (h *recordingHandler) received() []models.KillNotice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.KillNotice(nil), h.notices...)
}

func startSubscriber(t *testing.T, s *RedisStore, h KillHandler) *KillListSubscriber {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub := NewKillListSubscriber(s, h, zap.NewNop())
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never became ready")
	}
	return sub
}

func TestSubscriber_DeliversForeignNotices(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a := newTestStore(t, mr, "node-a")
	b := newTestStore(t, mr, "node-b")

	onA := &recordingHandler{}
	onB := &recordingHandler{}
	startSubscriber(t, a, onA)
	startSubscriber(t, b, onB)

	require.NoError(t, a.PublishKill(ctx, models.CreditTime, "acme"))

	assert.Eventually(t, func() bool { return len(onB.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	n := onB.received()[0]
	assert.Equal(t, "acme", n.ClientID)
	assert.Equal(t, models.CreditTime, n.Type)
	assert.Equal(t, "node-a", n.NodeID)

	// The publishing node ignores its own notice.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, onA.received())
}

func TestSubscriber_SkipsMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr, "node-b")
	h := &recordingHandler{}
	startSubscriber(t, s, h)

	mr.Publish(KillListChannel(), "not json")
	mr.Publish(KillListChannel(), `{"id":"1","type":"money","client_id":"acme","node_id":"node-a"}`)

	assert.Eventually(t, func() bool { return len(h.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.CreditMoney, h.received()[0].Type)
}

func TestSubscriber_ResubscribesAfterClientSwap(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr, "node-b")
	h := &recordingHandler{}
	startSubscriber(t, s, h)

	// A failed command closes the client the subscription was made on.
	mr.SetError("LOADING server is loading")
	_ = s.Ping(context.Background())
	mr.SetError("")

	assert.Eventually(t, func() bool {
		mr.Publish(KillListChannel(), `{"id":"2","type":"time","client_id":"acme","node_id":"node-a"}`)
		return len(h.received()) > 0
	}, 5*time.Second, 100*time.Millisecond)
}
