package credit

import (
	"time"

	"nextgen-credit/internal/models"

	"github.com/shopspring/decimal"
)

// ElapsedSeconds returns the whole seconds between start and now.
func ElapsedSeconds(start, now time.Time) int64 {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int64(now.Sub(start) / time.Second)
}

// MoneyConsumed prices elapsed seconds under a pulse tariff. The initial pulse
// is billed per second; past it, the final pulse in progress is billed whole.
func MoneyConsumed(t models.Tariff, elapsed int64) decimal.Decimal {
	if elapsed <= t.InitialPulse {
		return t.CostPerSecond.Mul(decimal.NewFromInt(elapsed))
	}
	if t.FinalPulse <= 0 {
		return t.CostPerSecond.Mul(decimal.NewFromInt(elapsed))
	}

	initial := t.CostPerSecond.Mul(decimal.NewFromInt(t.InitialPulse))
	pulses := (elapsed-t.InitialPulse)/t.FinalPulse + 1
	return initial.Add(t.CostPerSecond.Mul(decimal.NewFromInt(t.FinalPulse * pulses)))
}

// TimeConsumed is the talk time in whole seconds.
func TimeConsumed(elapsed int64) decimal.Decimal {
	return decimal.NewFromInt(elapsed)
}

func consumedFor(typ models.CreditType, t models.Tariff, elapsed int64) decimal.Decimal {
	switch typ {
	case models.CreditMoney:
		return MoneyConsumed(t, elapsed)
	case models.CreditTime:
		return TimeConsumed(elapsed)
	}
	return decimal.Zero
}
