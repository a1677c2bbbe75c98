package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// barClock tracks the last completed bar seen per symbol
type barClock map[string]int32

// next reports whether s has a completed bar not seen before
func (c barClock) next(symbol string, s *candles.Series) bool {
	last, err := s.Last()
	if err != nil {
		return false
	}
	if seen, ok := c[symbol]; ok && seen == last.Time {
		return false
	}
	c[symbol] = last.Time
	return true
}

// MomentumScript trades close-to-close momentum with ATR stops
func MomentumScript(logger *zap.Logger) *Script {
	return &Script{
		Name:        "momentum",
		Description: "Enters in the direction of momentum over a lookback period, exits on reversal or an ATR stop",
		Defaults: Options{
			"period":    14,
			"threshold": 0.02,
			"atrPeriod": 14,
			"atrMult":   2.0,
		},
		Optimize: []types.Parameter{
			{Name: "period", Min: 5, Max: 50, Step: 1},
			{Name: "threshold", Min: 0.005, Max: 0.1, Step: 0.005},
			{Name: "atrMult", Min: 0.5, Max: 5, Step: 0.5},
		},
		New: func(opts Options) (backtester.Strategy, error) {
			return &momentum{
				logger:    logger,
				interval:  opts.Interval(),
				period:    max(opts.Int("period", 14), 1),
				threshold: opts.Float("threshold", 0.02),
				atrPeriod: max(opts.Int("atrPeriod", 14), 1),
				atrMult:   opts.Float("atrMult", 2),
				clock:     barClock{},
			}, nil
		},
	}
}

type momentum struct {
	logger    *zap.Logger
	interval  types.Timeframe
	period    int
	threshold float64
	atrPeriod int
	atrMult   float64
	clock     barClock
}

func (s *momentum) OnTick(ctx context.Context, tick *backtester.Tick) error {
	b := tick.Broker
	settings := b.Settings()

	for _, pair := range tick.Active {
		series, err := b.Candles(pair, s.interval)
		if err != nil {
			return err
		}
		if !s.clock.next(pair.Symbol, series) {
			continue
		}

		m := Momentum(series, s.period)
		if math.IsNaN(m) {
			continue
		}

		positions, orders := tradesFor(b, pair.Symbol)
		for _, o := range orders {
			if err := b.CancelOrder(o); err != nil {
				return err
			}
		}

		if len(positions) > 0 {
			for _, p := range positions {
				reversed := (p.Direction == types.DirectionLong && m < 0) ||
					(p.Direction == types.DirectionShort && m > 0)
				if reversed {
					s.logger.Debug("momentum reversed", zap.String("symbol", p.Symbol), zap.Float64("momentum", m))
					if _, err := b.ClosePosition(p, decimal.Zero, 1, "Momentum reversal"); err != nil {
						return err
					}
				}
			}
			continue
		}

		if math.Abs(m) < s.threshold || !HasCapacity(b) {
			continue
		}

		dir := types.DirectionLong
		if m < 0 {
			dir = types.DirectionShort
		}
		if !settings.AllowsDirection(dir) {
			continue
		}

		atr := ATR(series, s.atrPeriod)
		if math.IsNaN(atr) || atr == 0 {
			continue
		}

		price := pair.Price()
		offset := decimal.NewFromFloat(atr * s.atrMult)
		stop := price.Sub(offset)
		if dir == types.DirectionShort {
			stop = price.Add(offset)
		}

		amount := PositionSize(b.PortfolioSize(), price, stop, settings)
		if !amount.IsPositive() {
			continue
		}

		meta, err := json.Marshal(map[string]float64{"momentum": m, "atr": atr})
		if err != nil {
			return fmt.Errorf("momentum meta for %s: %w", pair.Symbol, err)
		}
		if _, err := b.PlaceOrder(backtester.OrderRequest{
			Pair:      pair,
			Direction: dir,
			Market:    true,
			Stop:      stop,
			Amount:    amount,
			Meta:      meta,
		}); err != nil {
			return err
		}
	}

	return nil
}
