package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nextgen-credit/internal/models"
	"nextgen-credit/pkg/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type table struct {
	mu      sync.RWMutex
	entries map[string]*CreditData
}

// Registry indexes CreditData by client id, one table per credit type.
// Lock order is table lock, then CreditData lock, then Call lock.
type Registry struct {
	tables map[models.CreditType]*table
	repl   Replicator
	logger *zap.Logger
}

func NewRegistry(repl Replicator, logger *zap.Logger) *Registry {
	if repl == nil {
		repl = NopReplicator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		tables: make(map[models.CreditType]*table, len(models.AllTypes)),
		repl:   repl,
		logger: logger.Named("registry"),
	}
	for _, typ := range models.AllTypes {
		r.tables[typ] = &table{entries: make(map[string]*CreditData)}
	}
	return r
}

func (r *Registry) table(typ models.CreditType) (*table, error) {
	t, ok := r.tables[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown credit type %q", ErrInvalidArgument, typ)
	}
	return t, nil
}

func (r *Registry) Lookup(typ models.CreditType, clientID string) (*CreditData, error) {
	t, err := r.table(typ)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	cd, ok := t.entries[clientID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("client %s (%s): %w", clientID, typ, ErrNotFound)
	}
	return cd, nil
}

// LookupCall searches every table for callID.
func (r *Registry) LookupCall(callID string) (*Call, *CreditData, error) {
	for _, typ := range models.AllTypes {
		t := r.tables[typ]
		t.mu.RLock()
		for _, cd := range t.entries {
			cd.mu.Lock()
			call := cd.findCall(callID)
			cd.mu.Unlock()
			if call != nil {
				t.mu.RUnlock()
				return call, cd, nil
			}
		}
		t.mu.RUnlock()
	}
	return nil, nil, fmt.Errorf("call %s: %w", callID, ErrNotFound)
}

// GetOrCreate returns the local entry for the client, creating it on a miss.
// A new entry is first registered with the shared store, which may hand back
// totals another node is already billing against.
func (r *Registry) GetOrCreate(ctx context.Context, typ models.CreditType, clientID string, maxAmount decimal.Decimal) (*CreditData, error) {
	if cd, err := r.Lookup(typ, clientID); err == nil {
		return cd, nil
	}
	t, err := r.table(typ)
	if err != nil {
		return nil, err
	}

	cd := newCreditData(typ, clientID, maxAmount)
	rec, created, err := r.repl.GetOrCreate(ctx, cd.record())
	if err != nil {
		r.logger.Error("shared record unavailable, tracking locally",
			zap.String("client_id", clientID),
			zap.String("type", string(typ)),
			zap.Error(err))
	} else if !created {
		cd.seed(rec)
		r.logger.Debug("seeded client from shared record",
			zap.String("client_id", clientID),
			zap.String("type", string(typ)),
			zap.String("consumed", rec.ConsumedAmount.String()),
			zap.String("max", rec.MaxAmount.String()))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[clientID]; ok {
		return existing, nil
	}
	t.entries[clientID] = cd
	utils.ActiveClients.WithLabelValues(string(typ)).Inc()
	return cd, nil
}

// Snapshot returns the entries of one table ordered by client id.
func (r *Registry) Snapshot(typ models.CreditType) []*CreditData {
	t, err := r.table(typ)
	if err != nil {
		return nil
	}
	t.mu.RLock()
	out := make([]*CreditData, 0, len(t.entries))
	for _, cd := range t.entries {
		out = append(out, cd)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].clientID < out[j].clientID })
	return out
}

// RemoveIfIdle drops cd once it has no linked calls and deletes the shared
// record when no other node still counts calls against it.
func (r *Registry) RemoveIfIdle(ctx context.Context, cd *CreditData) bool {
	t, err := r.table(cd.typ)
	if err != nil {
		return false
	}

	t.mu.Lock()
	cd.mu.Lock()
	if cd.concurrentCalls > 0 || cd.lifecycle == models.LifecycleRemoved || t.entries[cd.clientID] != cd {
		cd.mu.Unlock()
		t.mu.Unlock()
		return false
	}
	cd.lifecycle = models.LifecycleRemoved
	delete(t.entries, cd.clientID)
	cd.mu.Unlock()
	t.mu.Unlock()

	utils.ActiveClients.WithLabelValues(string(cd.typ)).Dec()

	removed, err := r.repl.CleanUpIfLast(ctx, cd.typ, cd.clientID)
	if err != nil {
		r.logger.Error("failed to clean up shared record",
			zap.String("client_id", cd.clientID),
			zap.String("type", string(cd.typ)),
			zap.Error(err))
	}
	r.logger.Debug("client removed",
		zap.String("client_id", cd.clientID),
		zap.String("type", string(cd.typ)),
		zap.Bool("shared_record_deleted", removed))
	return true
}
