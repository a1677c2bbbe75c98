package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// PositionSize returns the amount that loses risk × portfolio when the stop
// is hit, capped so that its cost stays within maxCost × portfolio.
func PositionSize(portfolio, entry, stop decimal.Decimal, settings types.Settings) decimal.Decimal {
	distance := entry.Sub(stop).Abs()
	if distance.IsZero() || !entry.IsPositive() || !portfolio.IsPositive() {
		return decimal.Zero
	}

	amount := portfolio.Mul(decimal.NewFromFloat(settings.Risk)).Div(distance)

	if settings.MaxCost > 0 {
		leverage := decimal.NewFromFloat(settings.Leverage)
		if !leverage.IsPositive() {
			leverage = decimal.NewFromInt(1)
		}
		maxAmount := portfolio.Mul(decimal.NewFromFloat(settings.MaxCost)).Mul(leverage).Div(entry)
		amount = decimal.Min(amount, maxAmount)
	}

	return amount
}

// HasCapacity reports whether the broker may open another trade: fewer than
// MaxPositions open trades, and at least MinBalance of the portfolio still
// available.
func HasCapacity(b backtester.Broker) bool {
	settings := b.Settings()

	open := len(b.Positions()) + len(b.Orders())
	if settings.MaxPositions > 0 && open >= settings.MaxPositions {
		return false
	}

	floor := b.PortfolioSize().Mul(decimal.NewFromFloat(settings.MinBalance))
	return b.AvailableBalance().GreaterThan(floor)
}

// tradesFor splits the open trades of b on symbol into positions and orders
func tradesFor(b backtester.Broker, symbol string) (positions, orders []*types.Trade) {
	for _, t := range b.Positions() {
		if t.Symbol == symbol {
			positions = append(positions, t)
		}
	}
	for _, t := range b.Orders() {
		if t.Symbol == symbol {
			orders = append(orders, t)
		}
	}
	return positions, orders
}
