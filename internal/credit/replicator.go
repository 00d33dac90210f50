package credit

import (
	"context"

	"nextgen-credit/internal/models"

	"github.com/shopspring/decimal"
)

// Replicator is the shared-store view of every CreditData. All writes are
// additive deltas so nodes never overwrite each other's contribution.
type Replicator interface {
	// GetOrCreate registers rec if absent and reports created=true; otherwise
	// it returns the stored totals.
	GetOrCreate(ctx context.Context, rec models.CreditRecord) (models.CreditRecord, bool, error)
	IncrementConsumed(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error
	IncrementEnded(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error
	IncrementMax(ctx context.Context, typ models.CreditType, clientID string, delta decimal.Decimal) error
	IncrementCalls(ctx context.Context, typ models.CreditType, clientID string, concurrent, number int64) error
	CleanUpIfLast(ctx context.Context, typ models.CreditType, clientID string) (bool, error)
	// PublishKill returns nil once the cluster has been, or already was,
	// notified that clientID must be terminated.
	PublishKill(ctx context.Context, typ models.CreditType, clientID string) error
}

// Terminator tears down the dialog behind a call handle.
type Terminator interface {
	Teardown(ctx context.Context, handle any) error
}

// NopReplicator keeps a node in local-only enforcement.
type NopReplicator struct{}

func (NopReplicator) GetOrCreate(_ context.Context, rec models.CreditRecord) (models.CreditRecord, bool, error) {
	return rec, true, nil
}

func (NopReplicator) IncrementConsumed(context.Context, models.CreditType, string, decimal.Decimal) error {
	return nil
}

func (NopReplicator) IncrementEnded(context.Context, models.CreditType, string, decimal.Decimal) error {
	return nil
}

func (NopReplicator) IncrementMax(context.Context, models.CreditType, string, decimal.Decimal) error {
	return nil
}

func (NopReplicator) IncrementCalls(context.Context, models.CreditType, string, int64, int64) error {
	return nil
}

func (NopReplicator) CleanUpIfLast(context.Context, models.CreditType, string) (bool, error) {
	return true, nil
}

func (NopReplicator) PublishKill(context.Context, models.CreditType, string) error {
	return nil
}
