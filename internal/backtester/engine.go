// Package backtester provides the simulated brokerage and the bar-by-bar
// simulation driver.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

const (
	sampleResolution   = 10000
	progressResolution = 10
)

var (
	// ErrRunning is returned when Run is called on a busy engine
	ErrRunning = errors.New("backtest already running")
	// ErrCancelled is returned after Cancel
	ErrCancelled = errors.New("backtest cancelled")
)

// Strategy is a script instance bound to one run
type Strategy interface {
	OnTick(ctx context.Context, tick *Tick) error
}

// Tick is what a strategy sees on each sub-step
type Tick struct {
	Broker Broker
	Active []*Pair
	Time   time.Time
}

// Script creates strategies for runs. Options are resolved from the
// settings and the overrides of the run.
type Script interface {
	Instantiate(settings types.Settings, overrides types.Solution) (Strategy, error)
}

// RunRequest is everything one run needs. Series are keyed by symbol and
// may be shared with other runs; they are never modified.
type RunRequest struct {
	ID          string
	Series      map[string]*candles.Series
	Script      Script
	Overrides   types.Solution
	Settings    types.Settings
	SimSettings types.SimulationSettings
	Slippage    SlippageModel
	OnEvent     EventHandler
}

// Engine drives one run at a time
type Engine struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   PricePath

	running   atomic.Bool
	cancelled atomic.Bool
	progress  atomic.Int64
}

// NewEngine creates an engine. A nil path uses OHLCPath.
func NewEngine(logger *zap.Logger, path PricePath) *Engine {
	if path == nil {
		path = OHLCPath{}
	}
	return &Engine{
		logger: logger,
		path:   path,
	}
}

// Cancel stops the current run at the next bar
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Progress returns the completed percentage of the current or last run
func (e *Engine) Progress() int {
	return int(e.progress.Load())
}

// Running reports whether a run is in progress
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run simulates req from SimSettings.Start to SimSettings.End inclusive
func (e *Engine) Run(ctx context.Context, req *RunRequest) (*types.SimulationResult, error) {
	e.mu.Lock()
	if e.running.Load() {
		e.mu.Unlock()
		return nil, ErrRunning
	}
	e.running.Store(true)
	e.cancelled.Store(false)
	e.progress.Store(0)
	e.mu.Unlock()

	defer e.running.Store(false)

	began := time.Now()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	interval, err := req.SimSettings.SimulationInterval.Duration()
	if err != nil {
		return nil, fmt.Errorf("%w: simulation interval: %v", ErrInvalidInput, err)
	}
	if req.Script == nil {
		return nil, fmt.Errorf("%w: no script", ErrInvalidInput)
	}
	if req.SimSettings.End.Before(req.SimSettings.Start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidInput, req.SimSettings.End, req.SimSettings.Start)
	}

	pairs, err := e.buildPairs(req)
	if err != nil {
		return nil, err
	}

	strategy, err := req.Script.Instantiate(req.Settings, req.Overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate script: %w", err)
	}

	ledger := NewLedger(e.logger, pairs, req.Settings, req.SimSettings, req.Slippage)
	emit := req.OnEvent
	if emit == nil {
		emit = func(types.Event) {}
	}

	e.logger.Debug("starting backtest",
		zap.String("id", req.ID),
		zap.Int("symbols", len(pairs)),
		zap.Time("start", req.SimSettings.Start),
		zap.Time("end", req.SimSettings.End),
	)

	emit(startEvent(req.ID, ledger))

	rec := &recorder{}
	steps := e.path.Steps()
	startSec := req.SimSettings.Start.Unix()
	endSec := req.SimSettings.End.Unix()
	intervalSec := int64(interval / time.Second)
	span := float64(endSec - startSec)

	lastSample, lastProgress := 0, 0
	tick := &Tick{Broker: ledger}

	for t := startSec; t <= endSec; t += intervalSec {
		if e.cancelled.Load() {
			return nil, ErrCancelled
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		frac := 1.0
		if span > 0 {
			frac = float64(t-startSec) / span
		}
		samplePct := int(math.Floor(frac * sampleResolution))
		progressPct := int(math.Floor(frac * progressResolution))

		for step := 0; step < steps; step++ {
			now := time.Unix(t, 0).Add(time.Duration(step) * interval / time.Duration(steps)).UTC()

			tick.Active = tick.Active[:0]
			for _, p := range pairs {
				bar, ok, err := advance(p, t, now)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				p.SetPrice(float64(e.path.Price(bar, step)))
				tick.Active = append(tick.Active, p)
			}

			if len(tick.Active) == 0 {
				continue
			}

			ledger.SetDate(now)
			if err := ledger.Update(); err != nil {
				return nil, err
			}

			tick.Time = now
			if err := strategy.OnTick(ctx, tick); err != nil {
				return nil, fmt.Errorf("strategy failed at %s: %w", now.Format(time.RFC3339), err)
			}

			if samplePct > lastSample {
				rec.sample(ledger, now.Unix())
				lastSample = samplePct
			}

			if progressPct > lastProgress {
				rec.priceIndex(pairs)
				e.progress.Store(int64(progressPct * 10))
				emit(progressEvent(req.ID, progressPct*10, rec, ledger))
				lastProgress = progressPct
			}
		}

		for _, p := range pairs {
			if p.increasing {
				p.index++
				p.active = true
			}
		}

		this := time.Unix(t, 0).UTC()
		next := time.Unix(t+intervalSec, 0).UTC()
		if next.Month() != this.Month() {
			rec.monthly = append(rec.monthly, types.MonthlyBalance{
				Date:    next,
				Balance: ledger.PortfolioSize(),
			})
		}
	}

	rec.sample(ledger, endSec)

	closePrices := make(map[string]decimal.Decimal, len(pairs))
	for _, p := range pairs {
		closePrices[p.Symbol] = p.price
	}

	result := &types.SimulationResult{
		ID:               req.ID,
		Balance:          ledger.PortfolioSize(),
		BalanceHistory:   rec.balances,
		PortfolioHistory: rec.portfolios,
		PriceHistory:     rec.prices,
		Times:            rec.times,
		Trades:           ledger.Snapshot(),
		MonthlyBalances:  rec.monthly,
		ClosePrices:      closePrices,
		SimulationTime:   time.Since(began),
		Settings:         req.Settings,
		SimSettings:      req.SimSettings,
	}

	e.progress.Store(100)
	e.logger.Debug("backtest completed",
		zap.String("id", req.ID),
		zap.Duration("duration", result.SimulationTime),
		zap.Int("trades", len(result.Trades)),
		zap.String("balance", result.Balance.String()),
	)

	return result, nil
}

// advance moves the cursor of p to the bar starting at t. It reports false
// when p has no bar at t; p is then inactive for this step.
func advance(p *Pair, t int64, now time.Time) (candles.Bar, bool, error) {
	n := p.series.Len()
	if p.index >= n {
		return candles.Bar{}, false, newError(ErrOutOfData, p.Symbol, now)
	}

	bar := p.series.MustGet(p.index)
	for int64(bar.Time) < t {
		p.index++
		if p.index >= n {
			return candles.Bar{}, false, newError(ErrOutOfData, p.Symbol, now)
		}
		bar = p.series.MustGet(p.index)
	}

	if int64(bar.Time) > t {
		p.increasing = false
		p.active = false
		return bar, false, nil
	}

	p.increasing = true
	return bar, true, nil
}

func (e *Engine) buildPairs(req *RunRequest) ([]*Pair, error) {
	symbols := req.SimSettings.Symbols
	if len(symbols) == 0 {
		for symbol := range req.Series {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no price data", ErrInvalidInput)
	}

	start := req.SimSettings.Start.Unix()
	pairs := make([]*Pair, 0, len(symbols))
	for _, symbol := range symbols {
		series, ok := req.Series[symbol]
		if !ok {
			return nil, fmt.Errorf("%w: no price data for %s", ErrInvalidInput, symbol)
		}

		sim, err := series.Transform(req.SimSettings.SimulationInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to resample %s: %w", symbol, err)
		}

		idx := sim.IndexOfTime(start)
		if idx < 0 {
			return nil, newError(ErrOutOfData, symbol, req.SimSettings.Start)
		}

		p := NewPair(symbol, sim)
		p.index = idx
		p.initial = float64(sim.MustGet(idx).Open)
		pairs = append(pairs, p)
	}

	return pairs, nil
}
