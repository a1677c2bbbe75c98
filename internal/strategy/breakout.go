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

// BreakoutScript places resting orders at the edges of a Donchian channel
// and trails the stop along the opposite half-channel.
func BreakoutScript(logger *zap.Logger) *Script {
	return &Script{
		Name:        "breakout",
		Description: "Buys breakouts above the recent high and sells breakdowns below the recent low",
		Defaults: Options{
			"lookback": 20,
			"trail":    10,
		},
		Optimize: []types.Parameter{
			{Name: "lookback", Min: 5, Max: 60, Step: 5},
			{Name: "trail", Min: 2, Max: 30, Step: 2},
			{Name: "maxCandlesToBuy", Values: []any{1, 2, 3, 5, 8}},
		},
		New: func(opts Options) (backtester.Strategy, error) {
			return &breakout{
				logger:          logger,
				interval:        opts.Interval(),
				lookback:        max(opts.Int("lookback", 20), 2),
				trail:           max(opts.Int("trail", 10), 1),
				maxCandlesToBuy: max(opts.Int("maxCandlesToBuy", 1), 1),
				clock:           barClock{},
				age:             map[string]int{},
			}, nil
		},
	}
}

type breakout struct {
	logger          *zap.Logger
	interval        types.Timeframe
	lookback        int
	trail           int
	maxCandlesToBuy int
	clock           barClock
	age             map[string]int
}

func (s *breakout) OnTick(ctx context.Context, tick *backtester.Tick) error {
	b := tick.Broker
	settings := b.Settings()

	for _, pair := range tick.Active {
		series, err := b.Candles(pair, s.interval)
		if err != nil {
			return err
		}
		if !s.clock.next(pair.Symbol, series) || series.Len() < s.lookback {
			continue
		}

		positions, orders := tradesFor(b, pair.Symbol)

		if len(positions) > 0 {
			for _, o := range orders {
				if err := b.CancelOrder(o); err != nil {
					return err
				}
			}
			for _, p := range positions {
				if err := s.trailStop(b, p, pair.Price(), series); err != nil {
					return err
				}
			}
			continue
		}

		if len(orders) > 0 {
			s.age[pair.Symbol]++
			if s.age[pair.Symbol] < s.maxCandlesToBuy {
				continue
			}
			s.logger.Debug("cancelling stale breakout orders",
				zap.String("symbol", pair.Symbol),
				zap.Int("orders", len(orders)),
			)
			for _, o := range orders {
				if err := b.CancelOrder(o); err != nil {
					return err
				}
			}
		}
		s.age[pair.Symbol] = 0

		if !HasCapacity(b) {
			continue
		}

		high := Highest(series, s.lookback)
		low := Lowest(series, s.lookback)
		if math.IsNaN(high) || math.IsNaN(low) || high <= low {
			continue
		}

		upper := decimal.NewFromFloat(high)
		lower := decimal.NewFromFloat(low)
		meta, err := json.Marshal(map[string]float64{"high": high, "low": low})
		if err != nil {
			return fmt.Errorf("breakout meta for %s: %w", pair.Symbol, err)
		}

		if settings.AllowsDirection(types.DirectionLong) {
			if err := s.place(b, pair, types.DirectionLong, upper, lower, meta); err != nil {
				return err
			}
		}
		if settings.AllowsDirection(types.DirectionShort) {
			if err := s.place(b, pair, types.DirectionShort, lower, upper, meta); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *breakout) place(b backtester.Broker, pair *backtester.Pair, dir types.Direction, limit, stop decimal.Decimal, meta json.RawMessage) error {
	amount := PositionSize(b.PortfolioSize(), limit, stop, b.Settings())
	if !amount.IsPositive() {
		return nil
	}

	_, err := b.PlaceOrder(backtester.OrderRequest{
		Pair:      pair,
		Direction: dir,
		Limit:     limit,
		Stop:      stop,
		Amount:    amount,
		Meta:      meta,
	})
	return err
}

// trailStop tightens the stop of p to the opposite edge of the short channel
func (s *breakout) trailStop(b backtester.Broker, p *types.Trade, price decimal.Decimal, series *candles.Series) error {
	long := p.Direction == types.DirectionLong

	level := Highest(series, s.trail)
	if long {
		level = Lowest(series, s.trail)
	}
	if math.IsNaN(level) {
		return nil
	}

	stop := decimal.NewFromFloat(level)
	tighter := (long && stop.GreaterThan(p.Stop) && stop.LessThan(price)) ||
		(!long && stop.LessThan(p.Stop) && stop.GreaterThan(price))
	if !tighter {
		return nil
	}
	return b.MoveStop(p, stop)
}
