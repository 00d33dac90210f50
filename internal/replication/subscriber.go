package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nextgen-credit/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// KillHandler applies kill notices received from other nodes.
type KillHandler interface {
	HandleKill(ctx context.Context, notice models.KillNotice)
}

// KillListSubscriber listens on the kill list channel and hands every
// foreign notice to the handler. It resubscribes with exponential backoff
// whenever the subscription drops, always through the store's current
// client.
type KillListSubscriber struct {
	store   *RedisStore
	handler KillHandler
	nodeID  string
	logger  *zap.Logger
	backoff *backoff.ExponentialBackOff

	readyOnce sync.Once
	ready     chan struct{}
	wg        sync.WaitGroup
}

func NewKillListSubscriber(store *RedisStore, handler KillHandler, logger *zap.Logger) *KillListSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	return &KillListSubscriber{
		store:   store,
		handler: handler,
		nodeID:  store.NodeID(),
		logger:  logger.Named("kill_list"),
		backoff: b,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first subscription is confirmed.
func (s *KillListSubscriber) Ready() <-chan struct{} { return s.ready }

// Run blocks until ctx is cancelled, then waits for in-flight handlers.
func (s *KillListSubscriber) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		err := s.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := s.backoff.NextBackOff()
		s.logger.Warn("kill list subscription lost, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *KillListSubscriber) listen(ctx context.Context) error {
	ps := s.store.Client().Subscribe(ctx, KillListChannel())
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	s.backoff.Reset()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("subscribed to kill list", zap.String("channel", KillListChannel()))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			s.dispatch(ctx, msg)
		}
	}
}

func (s *KillListSubscriber) dispatch(ctx context.Context, msg *redis.Message) {
	var notice models.KillNotice
	if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
		s.logger.Warn("malformed kill notice", zap.String("payload", msg.Payload), zap.Error(err))
		return
	}
	if notice.ClientID == "" || notice.NodeID == s.nodeID {
		return
	}

	s.logger.Debug("kill notice received",
		zap.String("client_id", notice.ClientID),
		zap.String("type", string(notice.Type)),
		zap.String("origin_node", notice.NodeID))

	// Teardown can block for seconds; keep reading the channel meanwhile.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("kill handler panicked", zap.Any("panic", r))
			}
		}()
		s.handler.HandleKill(context.WithoutCancel(ctx), notice)
	}()
}
