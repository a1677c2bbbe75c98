package backtester

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Pair is one traded instrument inside a run. The engine owns the cursor
// and the price; scripts only read them.
type Pair struct {
	Symbol string

	series     *candles.Series // simulation interval
	mu         sync.Mutex
	cache      map[types.Timeframe]*candles.Series
	index      int
	price      decimal.Decimal
	priceF     float64
	initial    float64
	active     bool
	increasing bool
}

// NewPair wraps a series already resampled to the simulation interval
func NewPair(symbol string, series *candles.Series) *Pair {
	return &Pair{
		Symbol: symbol,
		series: series,
		cache:  map[types.Timeframe]*candles.Series{series.Interval(): series},
	}
}

// Price returns the current sub-step price
func (p *Pair) Price() decimal.Decimal { return p.price }

// PriceFloat returns the current price as a float
func (p *Pair) PriceFloat() float64 { return p.priceF }

// Active reports whether the pair has a bar at the current time
func (p *Pair) Active() bool { return p.active }

// Index returns the cursor into the simulation series
func (p *Pair) Index() int { return p.index }

// Series returns the simulation interval series
func (p *Pair) Series() *candles.Series { return p.series }

// SetPrice overrides the current price. The engine calls this for every
// sub-step; tests use it to drive a ledger directly.
func (p *Pair) SetPrice(price float64) {
	p.priceF = price
	p.price = decimal.NewFromFloat(price)
}

// Resampled returns the series at interval, transforming and caching it on first use
func (p *Pair) Resampled(interval types.Timeframe) (*candles.Series, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.cache[interval]; ok {
		return s, nil
	}

	s, err := p.series.Transform(interval)
	if err != nil {
		return nil, fmt.Errorf("failed to resample %s to %s: %w", p.Symbol, interval, err)
	}
	p.cache[interval] = s
	return s, nil
}
