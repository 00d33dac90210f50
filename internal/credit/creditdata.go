package credit

import (
	"sync"

	"nextgen-credit/internal/models"

	"github.com/shopspring/decimal"
)

// CreditData aggregates usage and limit for one client under one credit type.
// All fields are guarded by mu. The call collection keeps arrival order;
// iterations that may unlink calls work on a copy taken under the lock.
type CreditData struct {
	mu sync.Mutex

	clientID string
	typ      models.CreditType

	maxAmount       decimal.Decimal
	consumed        decimal.Decimal
	ended           decimal.Decimal
	numberOfCalls   int64
	concurrentCalls int64

	calls     []*Call
	lifecycle models.Lifecycle
}

func newCreditData(typ models.CreditType, clientID string, maxAmount decimal.Decimal) *CreditData {
	return &CreditData{
		clientID:  clientID,
		typ:       typ,
		maxAmount: maxAmount,
		consumed:  decimal.Zero,
		ended:     decimal.Zero,
		lifecycle: models.LifecycleActive,
	}
}

func (cd *CreditData) ClientID() string         { return cd.clientID }
func (cd *CreditData) Type() models.CreditType { return cd.typ }

func (cd *CreditData) Lifecycle() models.Lifecycle {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.lifecycle
}

func (cd *CreditData) Snapshot() models.ClientSnapshot {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return models.ClientSnapshot{
		ClientID:                 cd.clientID,
		Type:                     cd.typ,
		Lifecycle:                cd.lifecycle,
		MaxAmount:                cd.maxAmount,
		ConsumedAmount:           cd.consumed,
		EndedCallsConsumedAmount: cd.ended,
		NumberOfCalls:            cd.numberOfCalls,
		ConcurrentCalls:          cd.concurrentCalls,
	}
}

// record returns the shared-store representation. Caller holds mu.
func (cd *CreditData) record() models.CreditRecord {
	return models.CreditRecord{
		Type:                     cd.typ,
		ClientID:                 cd.clientID,
		MaxAmount:                cd.maxAmount,
		ConsumedAmount:           cd.consumed,
		EndedCallsConsumedAmount: cd.ended,
		ConcurrentCalls:          cd.concurrentCalls,
		NumberOfCalls:            cd.numberOfCalls,
	}
}

// seed adopts the totals another node already established. Call counters stay
// node-local: they drive the local sweep and removal.
func (cd *CreditData) seed(rec models.CreditRecord) {
	cd.maxAmount = rec.MaxAmount
	cd.consumed = rec.ConsumedAmount
	cd.ended = rec.EndedCallsConsumedAmount
}

// Caller holds mu for all helpers below.

func (cd *CreditData) findCall(callID string) *Call {
	for _, c := range cd.calls {
		if c.id == callID {
			return c
		}
	}
	return nil
}

func (cd *CreditData) hasCall(call *Call) bool {
	for _, c := range cd.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (cd *CreditData) addCall(call *Call) {
	cd.calls = append(cd.calls, call)
	cd.numberOfCalls++
	cd.concurrentCalls++
}

// removeCall unlinks call by identity, keeping the order of the rest. It
// reports false when the call was already gone.
func (cd *CreditData) removeCall(call *Call) bool {
	for i, c := range cd.calls {
		if c != call {
			continue
		}
		copy(cd.calls[i:], cd.calls[i+1:])
		cd.calls[len(cd.calls)-1] = nil
		cd.calls = cd.calls[:len(cd.calls)-1]
		cd.concurrentCalls--
		return true
	}
	return false
}

func (cd *CreditData) callsCopy() []*Call {
	out := make([]*Call, len(cd.calls))
	copy(out, cd.calls)
	return out
}
