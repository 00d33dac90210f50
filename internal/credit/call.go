package credit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"nextgen-credit/internal/models"

	"github.com/shopspring/decimal"
)

// CallParams describes a new call attempt reported by the dialog layer
type CallParams struct {
	CallID    string
	ClientID  string
	From      string
	To        string
	Type      models.CreditType
	MaxAmount decimal.Decimal
	Tariff    models.Tariff
	// Handle is passed back untouched to the Terminator.
	Handle any
}

func (p CallParams) validate() error {
	switch {
	case strings.TrimSpace(p.CallID) == "":
		return fmt.Errorf("%w: call id is required", ErrInvalidArgument)
	case strings.TrimSpace(p.ClientID) == "":
		return fmt.Errorf("%w: client id is required", ErrInvalidArgument)
	case p.MaxAmount.IsNegative():
		return fmt.Errorf("%w: max amount must not be negative", ErrInvalidArgument)
	}
	if _, err := models.ParseCreditType(string(p.Type)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if p.Type == models.CreditMoney {
		if p.Tariff.CostPerSecond.IsNegative() || p.Tariff.InitialPulse < 0 || p.Tariff.FinalPulse < 0 {
			return fmt.Errorf("%w: tariff values must not be negative", ErrInvalidArgument)
		}
	}
	return nil
}

// Call is the billing state of one tracked dialog
type Call struct {
	mu sync.Mutex

	id       string
	clientID string
	from     string
	to       string
	typ      models.CreditType

	state       models.CallState
	terminating bool
	startTime   time.Time
	consumed    decimal.Decimal
	maxAmount   decimal.Decimal
	tariff      models.Tariff
	handle      any
}

func newCall(p CallParams, maxAmount decimal.Decimal) *Call {
	return &Call{
		id:        p.CallID,
		clientID:  p.ClientID,
		from:      p.From,
		to:        p.To,
		typ:       p.Type,
		state:     models.StateUnconfirmed,
		maxAmount: maxAmount,
		tariff:    p.Tariff,
		handle:    p.Handle,
		consumed:  decimal.Zero,
	}
}

func (c *Call) ID() string { return c.id }

func (c *Call) State() models.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Consumed() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed
}

// bill recomputes the consumed amount of a confirmed call at now.
func (c *Call) bill(now time.Time) (consumed decimal.Decimal, over bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != models.StateConfirmed {
		return decimal.Zero, false, false
	}
	consumed = consumedFor(c.typ, c.tariff, ElapsedSeconds(c.startTime, now))
	if consumed.GreaterThan(c.consumed) {
		c.consumed = consumed
	}
	return c.consumed, c.consumed.GreaterThan(c.maxAmount), true
}

// confirm moves the call to CONFIRMED and starts the billing clock.
func (c *Call) confirm(now time.Time, handle any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != models.StateUnconfirmed {
		return fmt.Errorf("confirm call %s in state %s: %w", c.id, c.state, ErrInvalidState)
	}
	c.state = models.StateConfirmed
	c.startTime = now
	if handle != nil {
		c.handle = handle
	}
	return nil
}

// claim reserves the call for teardown so that only one actor sends it.
func (c *Call) claim() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == models.StateTerminated || c.terminating:
		return nil, ErrRaceLost
	case c.state == models.StateUnconfirmed:
		return nil, fmt.Errorf("terminate call %s: %w", c.id, ErrInvalidState)
	}
	c.terminating = true
	return c.handle, nil
}

func (c *Call) release() {
	c.mu.Lock()
	c.terminating = false
	c.mu.Unlock()
}

// settle bills the call one last time and marks it TERMINATED. It returns the
// final consumed amount.
func (c *Call) settle(now time.Time) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == models.StateConfirmed {
		final := consumedFor(c.typ, c.tariff, ElapsedSeconds(c.startTime, now))
		if final.GreaterThan(c.consumed) {
			c.consumed = final
		}
	}
	c.state = models.StateTerminated
	c.terminating = false
	return c.consumed
}

func (c *Call) snapshot() models.CallSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := models.CallSnapshot{
		CallID:         c.id,
		ClientID:       c.clientID,
		Type:           c.typ,
		From:           c.from,
		To:             c.to,
		State:          c.state,
		StartTime:      c.startTime,
		ConsumedAmount: c.consumed,
		MaxAmount:      c.maxAmount,
	}
	if c.typ == models.CreditMoney {
		t := c.tariff
		s.Tariff = &t
	}
	return s
}
