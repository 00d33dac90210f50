package credit

import (
	"testing"
	"time"

	"nextgen-credit/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMoneyConsumed(t *testing.T) {
	tariff := models.Tariff{
		CostPerSecond: decimal.RequireFromString("0.01"),
		InitialPulse:  30,
		FinalPulse:    6,
	}

	tests := []struct {
		name    string
		elapsed int64
		want    string
	}{
		{"not started", 0, "0"},
		{"inside initial pulse", 20, "0.2"},
		{"end of initial pulse", 30, "0.3"},
		{"first second of final pulse bills the whole pulse", 31, "0.36"},
		{"pulse boundary starts the next pulse", 36, "0.42"},
		{"worked example", 42, "0.48"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MoneyConsumed(tariff, tt.elapsed)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestMoneyConsumed_ZeroFinalPulseBillsPerSecond(t *testing.T) {
	tariff := models.Tariff{CostPerSecond: decimal.RequireFromString("0.02"), InitialPulse: 10}
	got := MoneyConsumed(tariff, 25)
	assert.True(t, got.Equal(decimal.RequireFromString("0.5")), "got %s", got)
}

func TestTimeConsumedIsWholeSeconds(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(95*time.Second + 900*time.Millisecond)

	elapsed := ElapsedSeconds(start, now)
	assert.Equal(t, int64(95), elapsed)
	assert.True(t, TimeConsumed(elapsed).Equal(decimal.NewFromInt(95)))
}

func TestElapsedSeconds_Edges(t *testing.T) {
	now := time.Now()
	assert.Equal(t, int64(0), ElapsedSeconds(time.Time{}, now))
	assert.Equal(t, int64(0), ElapsedSeconds(now.Add(time.Minute), now))
}
