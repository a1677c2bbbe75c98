package backtester

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// SlippageModel moves fill prices against the trader
type SlippageModel interface {
	// Adjust returns the price actually paid when entering (entering=true)
	// or leaving a position in direction dir.
	Adjust(price decimal.Decimal, dir types.Direction, entering bool) decimal.Decimal
}

// FixedSlippage applies a fixed fractional penalty
type FixedSlippage struct {
	Ratio decimal.Decimal
}

// NewFixedSlippage creates a fixed slippage model from a ratio such as 0.00015
func NewFixedSlippage(ratio float64) *FixedSlippage {
	return &FixedSlippage{Ratio: decimal.NewFromFloat(ratio)}
}

// Adjust raises the price for long entries and short exits and lowers it
// for short entries and long exits.
func (f *FixedSlippage) Adjust(price decimal.Decimal, dir types.Direction, entering bool) decimal.Decimal {
	if f.Ratio.IsZero() {
		return price
	}

	up := (dir == types.DirectionLong) == entering
	if up {
		return price.Mul(decimal.NewFromInt(1).Add(f.Ratio))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(f.Ratio))
}

// NoSlippage fills at the quoted price
type NoSlippage struct{}

// Adjust returns price unchanged
func (NoSlippage) Adjust(price decimal.Decimal, _ types.Direction, _ bool) decimal.Decimal {
	return price
}

var (
	_ SlippageModel = (*FixedSlippage)(nil)
	_ SlippageModel = NoSlippage{}
)
