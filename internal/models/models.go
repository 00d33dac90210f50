package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CreditType selects how a client's usage is measured
type CreditType string

const (
	CreditTime    CreditType = "time"
	CreditMoney   CreditType = "money"
	CreditChannel CreditType = "channel"
)

// SweptTypes are the credit types billed by the periodic sweep.
var SweptTypes = []CreditType{CreditTime, CreditMoney}

// AllTypes lists every registry kept by a node.
var AllTypes = []CreditType{CreditTime, CreditMoney, CreditChannel}

func ParseCreditType(s string) (CreditType, error) {
	switch CreditType(strings.ToLower(strings.TrimSpace(s))) {
	case CreditTime:
		return CreditTime, nil
	case CreditMoney:
		return CreditMoney, nil
	case CreditChannel:
		return CreditChannel, nil
	}
	return "", fmt.Errorf("unknown credit type %q", s)
}

// CallState represents the billing state of a tracked call
type CallState string

const (
	StateUnconfirmed CallState = "UNCONFIRMED"
	StateConfirmed   CallState = "CONFIRMED"
	StateTerminated  CallState = "TERMINATED"
)

// Lifecycle of a CreditData entry
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "ACTIVE"
	LifecycleDraining Lifecycle = "DRAINING"
	LifecycleRemoved  Lifecycle = "REMOVED"
)

// Tariff holds the money billing parameters of a call. Pulses are whole seconds.
type Tariff struct {
	CostPerSecond decimal.Decimal `json:"cost_per_second"`
	InitialPulse  int64           `json:"initial_pulse"`
	FinalPulse    int64           `json:"final_pulse"`
}

// ClientSnapshot is a point-in-time copy of one client's aggregate usage
type ClientSnapshot struct {
	ClientID                 string          `json:"client_id"`
	Type                     CreditType      `json:"type"`
	Lifecycle                Lifecycle       `json:"lifecycle"`
	MaxAmount                decimal.Decimal `json:"max_amount"`
	ConsumedAmount           decimal.Decimal `json:"consumed_amount"`
	EndedCallsConsumedAmount decimal.Decimal `json:"ended_calls_consumed_amount"`
	NumberOfCalls            int64           `json:"number_of_calls"`
	ConcurrentCalls          int64           `json:"concurrent_calls"`
}

// CallSnapshot is a point-in-time copy of one call's billing fields
type CallSnapshot struct {
	CallID         string          `json:"call_id"`
	ClientID       string          `json:"client_id"`
	Type           CreditType      `json:"type"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	State          CallState       `json:"state"`
	StartTime      time.Time       `json:"start_time,omitempty"`
	ConsumedAmount decimal.Decimal `json:"consumed_amount"`
	MaxAmount      decimal.Decimal `json:"max_amount"`
	Tariff         *Tariff         `json:"tariff,omitempty"`
}

// KillNotice is broadcast on the kill channel when a client's calls must end everywhere
type KillNotice struct {
	ID       string     `json:"id"`
	Type     CreditType `json:"type"`
	ClientID string     `json:"client_id"`
	NodeID   string     `json:"node_id"`
	IssuedAt time.Time  `json:"issued_at"`
}

// CreditRecord is the replicated, cluster-wide view of one client
type CreditRecord struct {
	Type                     CreditType
	ClientID                 string
	MaxAmount                decimal.Decimal
	ConsumedAmount           decimal.Decimal
	EndedCallsConsumedAmount decimal.Decimal
	ConcurrentCalls          int64
	NumberOfCalls            int64
}
