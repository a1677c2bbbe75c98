package strategy

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// MonkeyScript opens random positions. Comparing a script against many
// monkey runs shows how much of its result is luck.
func MonkeyScript(logger *zap.Logger) *Script {
	return &Script{
		Name:        "monkey",
		Description: "Random entries with a fixed stop and holding period; a seed of 0 draws a new seed per run",
		Defaults: Options{
			"seed":     0,
			"chance":   0.05,
			"stopPct":  0.02,
			"holdBars": 10,
		},
		Optimize: []types.Parameter{
			{Name: "chance", Min: 0.01, Max: 0.2, Step: 0.01},
			{Name: "stopPct", Min: 0.005, Max: 0.05, Step: 0.005},
			{Name: "holdBars", Min: 1, Max: 50, Step: 1},
		},
		New: func(opts Options) (backtester.Strategy, error) {
			seed := int64(opts.Int("seed", 0))
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			return &monkey{
				logger:   logger,
				interval: opts.Interval(),
				rng:      rand.New(rand.NewSource(seed)),
				chance:   opts.Float("chance", 0.05),
				stopPct:  opts.Float("stopPct", 0.02),
				holdBars: max(opts.Int("holdBars", 10), 1),
				clock:    barClock{},
				held:     map[string]int{},
			}, nil
		},
	}
}

type monkey struct {
	logger   *zap.Logger
	interval types.Timeframe
	rng      *rand.Rand
	chance   float64
	stopPct  float64
	holdBars int
	clock    barClock
	held     map[string]int
}

func (s *monkey) OnTick(ctx context.Context, tick *backtester.Tick) error {
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

		positions, _ := tradesFor(b, pair.Symbol)
		if len(positions) > 0 {
			s.held[pair.Symbol]++
			if s.held[pair.Symbol] < s.holdBars {
				continue
			}
			for _, p := range positions {
				if _, err := b.ClosePosition(p, decimal.Zero, 1, "Holding period"); err != nil {
					return err
				}
			}
			continue
		}

		if s.rng.Float64() >= s.chance || !HasCapacity(b) {
			continue
		}

		dir := types.DirectionLong
		if s.rng.Intn(2) == 1 {
			dir = types.DirectionShort
		}
		if !settings.AllowsDirection(dir) {
			continue
		}

		price := pair.Price()
		offset := price.Mul(decimal.NewFromFloat(s.stopPct))
		stop := price.Sub(offset)
		if dir == types.DirectionShort {
			stop = price.Add(offset)
		}

		amount := PositionSize(b.PortfolioSize(), price, stop, settings)
		if !amount.IsPositive() {
			continue
		}

		if _, err := b.PlaceOrder(backtester.OrderRequest{
			Pair:      pair,
			Direction: dir,
			Market:    true,
			Stop:      stop,
			Amount:    amount,
		}); err != nil {
			return err
		}
		s.held[pair.Symbol] = 0
		s.logger.Debug("random entry",
			zap.String("symbol", pair.Symbol),
			zap.String("direction", string(dir)),
			zap.Time("date", tick.Time),
		)
	}

	return nil
}
