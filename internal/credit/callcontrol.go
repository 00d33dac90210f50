package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nextgen-credit/internal/models"
	"nextgen-credit/pkg/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTeardownTimeout = 2 * time.Second
	startCallAttempts      = 3
)

// Termination reasons, used as metric labels.
const (
	ReasonExhausted = "exhausted"
	ReasonAdmin     = "admin"
	ReasonKillList  = "kill_list"
	ReasonClient    = "client"
	ReasonDraining  = "draining"
)

// CallControl drives tracked calls through their billing lifecycle and owns
// the termination path shared by the sweeper, the admin API and the kill list.
type CallControl struct {
	registry        *Registry
	repl            Replicator
	term            Terminator
	logger          *zap.Logger
	now             func() time.Time
	nodeID          string
	teardownTimeout time.Duration
}

type Option func(*CallControl)

func WithClock(now func() time.Time) Option {
	return func(cc *CallControl) { cc.now = now }
}

func WithNodeID(id string) Option {
	return func(cc *CallControl) { cc.nodeID = id }
}

func WithTeardownTimeout(d time.Duration) Option {
	return func(cc *CallControl) {
		if d > 0 {
			cc.teardownTimeout = d
		}
	}
}

func NewCallControl(registry *Registry, term Terminator, logger *zap.Logger, opts ...Option) *CallControl {
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &CallControl{
		registry:        registry,
		repl:            registry.repl,
		term:            term,
		logger:          logger.Named("callcontrol"),
		now:             time.Now,
		teardownTimeout: defaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(cc)
	}
	return cc
}

func (cc *CallControl) Registry() *Registry { return cc.registry }

// StartCall links a new, unconfirmed call to its client's CreditData.
// A retransmitted attempt for a call id already linked returns that call.
func (cc *CallControl) StartCall(ctx context.Context, p CallParams) (*Call, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < startCallAttempts; attempt++ {
		cd, err := cc.registry.GetOrCreate(ctx, p.Type, p.ClientID, p.MaxAmount)
		if err != nil {
			return nil, err
		}

		cd.mu.Lock()
		if cd.lifecycle == models.LifecycleRemoved {
			cd.mu.Unlock()
			continue
		}
		if existing := cd.findCall(p.CallID); existing != nil {
			cd.mu.Unlock()
			return existing, nil
		}
		if err := cc.admit(cd); err != nil {
			cd.mu.Unlock()
			utils.AdmissionRejects.WithLabelValues(rejectReason(err)).Inc()
			cc.registry.RemoveIfIdle(ctx, cd)
			return nil, err
		}
		call := newCall(p, cd.maxAmount)
		cd.addCall(call)
		cd.mu.Unlock()

		if err := cc.repl.IncrementCalls(ctx, p.Type, p.ClientID, 1, 1); err != nil {
			cc.replicationFailed("increment_calls", p.ClientID, p.Type, err)
		}
		utils.ActiveCalls.WithLabelValues(string(p.Type)).Inc()
		cc.logger.Info("call started",
			zap.String("call_id", p.CallID),
			zap.String("client_id", p.ClientID),
			zap.String("type", string(p.Type)))
		return call, nil
	}
	return nil, fmt.Errorf("start call %s: client %s kept being removed: %w", p.CallID, p.ClientID, ErrRaceLost)
}

// admit decides whether cd accepts one more call. Caller holds cd.mu.
func (cc *CallControl) admit(cd *CreditData) error {
	if cd.lifecycle == models.LifecycleDraining {
		return fmt.Errorf("client %s: %w", cd.clientID, ErrDraining)
	}
	if cd.typ == models.CreditChannel {
		if decimal.NewFromInt(cd.concurrentCalls).GreaterThanOrEqual(cd.maxAmount) {
			return fmt.Errorf("client %s has %d calls: %w", cd.clientID, cd.concurrentCalls, ErrChannelLimit)
		}
		return nil
	}
	if cd.consumed.GreaterThanOrEqual(cd.maxAmount) {
		return fmt.Errorf("client %s consumed %s of %s: %w", cd.clientID, cd.consumed, cd.maxAmount, ErrCreditExhausted)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDraining):
		return "draining"
	case errors.Is(err, ErrChannelLimit):
		return "channel_limit"
	case errors.Is(err, ErrCreditExhausted):
		return "exhausted"
	}
	return "other"
}

// ConfirmCall starts billing a call once it has been answered. A call
// answered while its client is draining is torn down straight away.
func (cc *CallControl) ConfirmCall(ctx context.Context, callID string, handle any) error {
	call, cd, err := cc.registry.LookupCall(callID)
	if err != nil {
		return err
	}

	cd.mu.Lock()
	if !cd.hasCall(call) {
		cd.mu.Unlock()
		return fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	draining := cd.lifecycle != models.LifecycleActive
	err = call.confirm(cc.now(), handle)
	cd.mu.Unlock()
	if err != nil {
		return err
	}

	cc.logger.Info("call confirmed",
		zap.String("call_id", callID),
		zap.String("client_id", cd.clientID))

	if draining {
		cc.logger.Warn("call answered while client is draining, terminating",
			zap.String("call_id", callID),
			zap.String("client_id", cd.clientID))
		if err := cc.TerminateCall(ctx, cd, call, ReasonDraining); err != nil && !errors.Is(err, ErrRaceLost) {
			return err
		}
	}
	return nil
}

// EndCall handles a normal teardown reported by the dialog layer. Unknown
// calls are ignored: the termination path may already have unlinked them.
func (cc *CallControl) EndCall(ctx context.Context, callID string) error {
	call, cd, err := cc.registry.LookupCall(callID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if cc.unlink(ctx, cd, call) {
		cc.logger.Info("call ended",
			zap.String("call_id", callID),
			zap.String("client_id", cd.clientID))
	}
	return nil
}

// TerminateCall tears down one call and unlinks it. ErrRaceLost means another
// actor got there first; callers treat it as success.
func (cc *CallControl) TerminateCall(ctx context.Context, cd *CreditData, call *Call, reason string) error {
	handle, err := call.claim()
	if err != nil {
		return err
	}

	// Teardown is not cancellable once started.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cc.teardownTimeout)
	defer cancel()

	if err := cc.term.Teardown(tctx, handle); err != nil {
		call.release()
		cc.logger.Error("call teardown failed",
			zap.String("call_id", call.id),
			zap.String("client_id", cd.clientID),
			zap.String("reason", reason),
			zap.Error(err))
		return fmt.Errorf("teardown call %s: %w", call.id, err)
	}

	// The BYE may have used up the teardown deadline; the store writes get their own.
	if !cc.unlink(context.WithoutCancel(ctx), cd, call) {
		return ErrRaceLost
	}
	utils.TerminatedCalls.WithLabelValues(reason).Inc()
	cc.logger.Info("call terminated",
		zap.String("call_id", call.id),
		zap.String("client_id", cd.clientID),
		zap.String("reason", reason))
	return nil
}

// TerminateAll walks the client's calls once, best effort. It returns how
// many calls this invocation terminated.
func (cc *CallControl) TerminateAll(ctx context.Context, cd *CreditData, reason string) int {
	cd.mu.Lock()
	calls := cd.callsCopy()
	cd.mu.Unlock()

	terminated := 0
	for _, call := range calls {
		err := cc.TerminateCall(ctx, cd, call, reason)
		switch {
		case err == nil:
			terminated++
		case errors.Is(err, ErrRaceLost):
		case errors.Is(err, ErrInvalidState):
			cc.logger.Debug("skipping unanswered call",
				zap.String("call_id", call.id),
				zap.String("client_id", cd.clientID))
		default:
			cc.logger.Warn("could not terminate call",
				zap.String("call_id", call.id),
				zap.String("client_id", cd.clientID),
				zap.Error(err))
		}
	}
	return terminated
}

// unlink removes call from cd, folding its final usage into the ended total.
func (cc *CallControl) unlink(ctx context.Context, cd *CreditData, call *Call) bool {
	cd.mu.Lock()
	if !cd.removeCall(call) {
		cd.mu.Unlock()
		return false
	}
	final := call.settle(cc.now())
	cd.ended = cd.ended.Add(final)
	typ, clientID := cd.typ, cd.clientID
	cd.mu.Unlock()

	utils.ActiveCalls.WithLabelValues(string(typ)).Dec()
	if err := cc.repl.IncrementCalls(ctx, typ, clientID, -1, 0); err != nil {
		cc.replicationFailed("increment_calls", clientID, typ, err)
	}
	if final.IsPositive() {
		if err := cc.repl.IncrementEnded(ctx, typ, clientID, final); err != nil {
			cc.replicationFailed("increment_ended", clientID, typ, err)
		}
	}
	cc.registry.RemoveIfIdle(ctx, cd)
	return true
}

// drain moves cd from Active to Draining and reports whether this caller made
// the transition.
func drain(cd *CreditData) bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if cd.lifecycle != models.LifecycleActive {
		return false
	}
	cd.lifecycle = models.LifecycleDraining
	return true
}

// KillCall is the administrative kill of a single call.
func (cc *CallControl) KillCall(ctx context.Context, callID string) error {
	call, cd, err := cc.registry.LookupCall(callID)
	if err != nil {
		return err
	}
	return cc.TerminateCall(ctx, cd, call, ReasonAdmin)
}

// TerminateClient ends every call of a client on this node and tells the
// rest of the cluster to do the same.
func (cc *CallControl) TerminateClient(ctx context.Context, typ models.CreditType, clientID string) (int, error) {
	cd, err := cc.registry.Lookup(typ, clientID)
	if err != nil {
		return 0, err
	}
	first := drain(cd)
	n := cc.TerminateAll(ctx, cd, ReasonClient)
	if first {
		if err := cc.repl.PublishKill(ctx, typ, clientID); err != nil {
			cc.replicationFailed("publish_kill", clientID, typ, err)
		} else {
			utils.KillNotices.WithLabelValues("published").Inc()
		}
	}
	return n, nil
}

// AddMaxAmount raises a client's limit by delta, locally and in the shared record.
func (cc *CallControl) AddMaxAmount(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) (decimal.Decimal, error) {
	if !delta.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	cd, err := cc.registry.Lookup(typ, clientID)
	if err != nil {
		return decimal.Zero, err
	}

	cd.mu.Lock()
	if cd.lifecycle == models.LifecycleRemoved {
		cd.mu.Unlock()
		return decimal.Zero, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	cd.maxAmount = cd.maxAmount.Add(delta)
	limit := cd.maxAmount
	cd.mu.Unlock()

	if err := cc.repl.IncrementMax(ctx, typ, clientID, delta); err != nil {
		cc.replicationFailed("increment_max", clientID, typ, err)
	}
	cc.logger.Info("max amount raised",
		zap.String("client_id", clientID),
		zap.String("type", string(typ)),
		zap.String("delta", delta.String()),
		zap.String("max", limit.String()))
	return limit, nil
}

// HandleKill applies a kill notice broadcast by another node. It never
// publishes: the originating node already did.
func (cc *CallControl) HandleKill(ctx context.Context, notice models.KillNotice) {
	if cc.nodeID != "" && notice.NodeID == cc.nodeID {
		return
	}
	utils.KillNotices.WithLabelValues("received").Inc()

	types := models.SweptTypes
	if notice.Type != "" {
		types = []models.CreditType{notice.Type}
	}
	for _, typ := range types {
		cd, err := cc.registry.Lookup(typ, notice.ClientID)
		if err != nil {
			continue
		}
		if !drain(cd) {
			cc.logger.Debug("kill notice for client already draining",
				zap.String("client_id", notice.ClientID),
				zap.String("type", string(typ)))
			continue
		}
		n := cc.TerminateAll(ctx, cd, ReasonKillList)
		cc.logger.Warn("client killed by cluster notice",
			zap.String("client_id", notice.ClientID),
			zap.String("type", string(typ)),
			zap.String("origin_node", notice.NodeID),
			zap.Int("terminated", n))
	}
}

// ActiveClients copies the aggregate state of every tracked client.
func (cc *CallControl) ActiveClients() []models.ClientSnapshot {
	var out []models.ClientSnapshot
	for _, typ := range models.AllTypes {
		for _, cd := range cc.registry.Snapshot(typ) {
			out = append(out, cd.Snapshot())
		}
	}
	return out
}

// ClientCalls copies the calls of a client across all credit types.
func (cc *CallControl) ClientCalls(clientID string) ([]models.CallSnapshot, error) {
	var (
		out   []models.CallSnapshot
		found bool
	)
	for _, typ := range models.AllTypes {
		cd, err := cc.registry.Lookup(typ, clientID)
		if err != nil {
			continue
		}
		found = true
		cd.mu.Lock()
		for _, call := range cd.calls {
			out = append(out, call.snapshot())
		}
		cd.mu.Unlock()
	}
	if !found {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	return out, nil
}

func (cc *CallControl) replicationFailed(op, clientID string, typ models.CreditType, err error) {
	utils.ReplicationErrors.WithLabelValues(op).Inc()
	cc.logger.Error("replication failed",
		zap.String("op", op),
		zap.String("client_id", clientID),
		zap.String("type", string(typ)),
		zap.Error(err))
}
