package credit

import (
	"context"
	"sync"
	"time"

	"nextgen-credit/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockTerminator is a mock implementation of Terminator
type MockTerminator struct {
	mock.Mock
}

func (m *MockTerminator) Teardown(ctx context.Context, handle any) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeReplicator records every delta it receives.
type fakeReplicator struct {
	mu       sync.Mutex
	records  map[string]models.CreditRecord
	kills    []string
	deleted  []string
	consumed map[string]decimal.Decimal
	ended    map[string]decimal.Decimal
	calls    map[string]int64
	failAll  error
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{
		records:  make(map[string]models.CreditRecord),
		consumed: make(map[string]decimal.Decimal),
		ended:    make(map[string]decimal.Decimal),
		calls:    make(map[string]int64),
	}
}

func key(typ models.CreditType, clientID string) string { return string(typ) + ":" + clientID }

func (f *fakeReplicator) GetOrCreate(_ context.Context, rec models.CreditRecord) (models.CreditRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return models.CreditRecord{}, false, f.failAll
	}
	k := key(rec.Type, rec.ClientID)
	if existing, ok := f.records[k]; ok {
		return existing, false, nil
	}
	f.records[k] = rec
	return rec, true, nil
}

func (f *fakeReplicator) IncrementConsumed(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	k := key(typ, clientID)
	f.consumed[k] = f.consumed[k].Add(delta)
	return nil
}

func (f *fakeReplicator) IncrementEnded(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	k := key(typ, clientID)
	f.ended[k] = f.ended[k].Add(delta)
	return nil
}

func (f *fakeReplicator) IncrementMax(_ context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(typ, clientID)
	rec := f.records[k]
	rec.MaxAmount = rec.MaxAmount.Add(delta)
	f.records[k] = rec
	return f.failAll
}

func (f *fakeReplicator) IncrementCalls(ctx context.Context, typ models.CreditType, clientID string, concurrent, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.calls[key(typ, clientID)] += concurrent
	return nil
}

func (f *fakeReplicator) CleanUpIfLast(ctx context.Context, typ models.CreditType, clientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return false, f.failAll
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := key(typ, clientID)
	if f.calls[k] > 0 {
		return false, nil
	}
	delete(f.records, k)
	f.deleted = append(f.deleted, k)
	return true, nil
}

func (f *fakeReplicator) PublishKill(_ context.Context, typ models.CreditType, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.kills = append(f.kills, key(typ, clientID))
	return nil
}

func (f *fakeReplicator) Kills() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.kills...)
}

func (f *fakeReplicator) Calls(typ models.CreditType, clientID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key(typ, clientID)]
}

func (f *fakeReplicator) Consumed(typ models.CreditType, clientID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumed[key(typ, clientID)]
}

// stallingTerminator holds every BYE until the teardown deadline, then
// reports success.
type stallingTerminator struct{}

func (stallingTerminator) Teardown(ctx context.Context, _ any) error {
	<-ctx.Done()
	return nil
}

type fixture struct {
	clock *fakeClock
	repl  *fakeReplicator
	term  *MockTerminator
	cc    *CallControl
}

func newFixture() *fixture {
	f := &fixture{
		clock: newFakeClock(),
		repl:  newFakeReplicator(),
		term:  new(MockTerminator),
	}
	reg := NewRegistry(f.repl, zap.NewNop())
	f.cc = NewCallControl(reg, f.term, zap.NewNop(), WithClock(f.clock.Now), WithNodeID("node-b"))
	return f
}

func (f *fixture) sweeper(stopOnOverage bool) *Sweeper {
	return NewSweeper(f.cc, SweeperConfig{Period: time.Hour, StopOnCallOverage: stopOnOverage}, zap.NewNop())
}

func timeCall(callID, clientID string, limit int64) CallParams {
	return CallParams{
		CallID:    callID,
		ClientID:  clientID,
		From:      "sip:" + clientID + "@example.com",
		To:        "sip:100@example.com",
		Type:      models.CreditTime,
		MaxAmount: decimal.NewFromInt(limit),
		Handle:    "dlg-" + callID,
	}
}

func moneyCall(callID, clientID string, limit decimal.Decimal, t models.Tariff) CallParams {
	p := timeCall(callID, clientID, 0)
	p.Type = models.CreditMoney
	p.MaxAmount = limit
	p.Tariff = t
	return p
}
