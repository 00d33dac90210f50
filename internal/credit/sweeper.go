package credit

import (
	"context"
	"sync"
	"time"

	"nextgen-credit/internal/models"
	"nextgen-credit/pkg/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultSweepPeriod = time.Second

type SweeperConfig struct {
	Period time.Duration
	// StopOnCallOverage stops billing a client's remaining calls for the
	// current tick once one call is over its own maximum.
	StopOnCallOverage bool
}

// SweepResult summarises one pass over a credit type.
type SweepResult struct {
	Swept     int
	Exhausted []string
}

// Sweeper periodically recomputes usage for every tracked client and
// enforces the limits.
type Sweeper struct {
	cc     *CallControl
	cfg    SweeperConfig
	logger *zap.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSweeper(cc *CallControl, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Period <= 0 {
		cfg.Period = defaultSweepPeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cc:     cc,
		cfg:    cfg,
		logger: logger.Named("sweeper"),
		stop:   make(chan struct{}),
	}
}

// Start runs one sweep loop per billed credit type.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for _, typ := range models.SweptTypes {
			s.wg.Add(1)
			go s.run(ctx, typ)
		}
		s.logger.Info("sweeper started", zap.Duration("period", s.cfg.Period))
	})
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

func (s *Sweeper) run(ctx context.Context, typ models.CreditType) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(ctx, typ)
		}
	}
}

// Sweep performs a single billing pass over one credit type.
func (s *Sweeper) Sweep(ctx context.Context, typ models.CreditType) SweepResult {
	started := time.Now()
	defer func() {
		utils.SweepDuration.WithLabelValues(string(typ)).Observe(time.Since(started).Seconds())
	}()

	var res SweepResult
	now := s.cc.now()
	for _, cd := range s.cc.registry.Snapshot(typ) {
		swept, exhausted := s.sweepEntry(ctx, cd, now)
		if swept {
			res.Swept++
		}
		if exhausted {
			res.Exhausted = append(res.Exhausted, cd.clientID)
		}
	}
	return res
}

// sweepEntry bills one client. Draining entries are still billed, and any
// confirmed call that survived an earlier teardown attempt is retried without
// another kill notice.
func (s *Sweeper) sweepEntry(ctx context.Context, cd *CreditData, now time.Time) (swept, exhausted bool) {
	cd.mu.Lock()
	if cd.concurrentCalls == 0 || cd.lifecycle == models.LifecycleRemoved {
		cd.mu.Unlock()
		return false, false
	}

	total := decimal.Zero
	billed := 0
	for _, call := range cd.calls {
		consumed, over, ok := call.bill(now)
		if !ok {
			continue
		}
		billed++
		total = total.Add(consumed)
		if over {
			s.logger.Warn("call exceeded its own maximum",
				zap.String("call_id", call.id),
				zap.String("client_id", cd.clientID),
				zap.String("consumed", consumed.String()),
				zap.String("max", call.maxAmount.String()))
			if s.cfg.StopOnCallOverage {
				break
			}
		}
	}

	diff := cd.ended.Add(total).Sub(cd.consumed)
	cd.consumed = cd.ended.Add(total)
	retry := false
	switch {
	case cd.lifecycle == models.LifecycleActive && cd.consumed.GreaterThanOrEqual(cd.maxAmount):
		cd.lifecycle = models.LifecycleDraining
		exhausted = true
	case cd.lifecycle == models.LifecycleDraining && billed > 0:
		retry = true
	}
	typ, clientID := cd.typ, cd.clientID
	consumed, limit := cd.consumed, cd.maxAmount
	cd.mu.Unlock()

	if diff.IsPositive() {
		if err := s.cc.repl.IncrementConsumed(ctx, typ, clientID, diff); err != nil {
			s.cc.replicationFailed("increment_consumed", clientID, typ, err)
		}
	}
	if retry {
		n := s.cc.TerminateAll(ctx, cd, ReasonDraining)
		s.logger.Warn("retried teardown of draining client",
			zap.String("client_id", clientID),
			zap.String("type", string(typ)),
			zap.Int("terminated", n))
		return true, false
	}
	if !exhausted {
		return true, false
	}

	s.logger.Warn("credit exhausted, terminating all calls",
		zap.String("client_id", clientID),
		zap.String("type", string(typ)),
		zap.String("consumed", consumed.String()),
		zap.String("max", limit.String()))

	n := s.cc.TerminateAll(ctx, cd, ReasonExhausted)
	if err := s.cc.repl.PublishKill(ctx, typ, clientID); err != nil {
		s.cc.replicationFailed("publish_kill", clientID, typ, err)
	} else {
		utils.KillNotices.WithLabelValues("published").Inc()
	}
	s.logger.Info("client terminated",
		zap.String("client_id", clientID),
		zap.Int("terminated", n))
	return true, true
}
