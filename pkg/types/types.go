// Package types provides shared type definitions for the strategy lab.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents long or short exposure
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns 1 for longs and -1 for shorts
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Timeframe represents a bar interval label such as "1h" or "1d"
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe8h  Timeframe = "8h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// Duration parses the label into a time.Duration.
// Supported units are s, m, h, d and w.
func (tf Timeframe) Duration() (time.Duration, error) {
	s := strings.TrimSpace(string(tf))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", tf)
	}

	return time.Duration(n) * unit, nil
}

// Seconds returns the interval length in whole seconds
func (tf Timeframe) Seconds() (int64, error) {
	d, err := tf.Duration()
	if err != nil {
		return 0, err
	}
	return int64(d / time.Second), nil
}

// Trade is an order or a position. A trade starts pending, becomes filled
// when its entry triggers and ends closed. Pending orders that hit their
// stop first are removed from the ledger instead.
type Trade struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	Market       bool            `json:"market"`
	Filled       bool            `json:"filled"`
	Closed       bool            `json:"closed"`
	Limit        decimal.Decimal `json:"limit"`
	Stop         decimal.Decimal `json:"stop"`
	Profit       decimal.Decimal `json:"profit,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Cost         decimal.Decimal `json:"cost"`
	Buy          decimal.Decimal `json:"buy"`
	BuyOrderDate time.Time       `json:"buyOrderDate"`
	BuyDate      time.Time       `json:"buyDate,omitempty"`
	Sell         decimal.Decimal `json:"sell"`
	SellDate     time.Time       `json:"sellDate,omitempty"`
	Profits      decimal.Decimal `json:"profits"`
	Note         string          `json:"note,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// HasProfitTarget reports whether a take-profit level is set
func (t *Trade) HasProfitTarget() bool {
	return !t.Profit.IsZero()
}

// Settings are the trading parameters shared by the ledger and scripts
type Settings struct {
	Interval        Timeframe   `json:"interval" yaml:"interval" mapstructure:"interval"`
	Fee             float64     `json:"fee" yaml:"fee" mapstructure:"fee"`
	Leverage        float64     `json:"leverage" yaml:"leverage" mapstructure:"leverage"`
	MaxCost         float64     `json:"maxCost" yaml:"maxCost" mapstructure:"maxCost"`
	MinBalance      float64     `json:"minBalance" yaml:"minBalance" mapstructure:"minBalance"`
	MaxCandlesToBuy int         `json:"maxCandlesToBuy" yaml:"maxCandlesToBuy" mapstructure:"maxCandlesToBuy"`
	Risk            float64     `json:"risk" yaml:"risk" mapstructure:"risk"`
	FixedProfit     float64     `json:"fixedProfit" yaml:"fixedProfit" mapstructure:"fixedProfit"`
	MaxPositions    int         `json:"maxPositions" yaml:"maxPositions" mapstructure:"maxPositions"`
	Directions      []Direction `json:"directions" yaml:"directions" mapstructure:"directions"`
}

// DefaultSettings returns the settings used when no mode is selected
func DefaultSettings() Settings {
	return Settings{
		Interval:        Timeframe1h,
		Fee:             0.0004,
		Leverage:        1,
		MaxCost:         0.1,
		MinBalance:      0.5,
		MaxCandlesToBuy: 1,
		Risk:            0.02,
		FixedProfit:     0,
		MaxPositions:    6,
		Directions:      []Direction{DirectionLong, DirectionShort},
	}
}

// AllowsDirection reports whether d is enabled in the settings.
// An empty list allows both directions.
func (s Settings) AllowsDirection(d Direction) bool {
	if len(s.Directions) == 0 {
		return true
	}
	for _, allowed := range s.Directions {
		if allowed == d {
			return true
		}
	}
	return false
}

// SimulationSettings describe the simulated account and trading window
type SimulationSettings struct {
	Capital            float64   `json:"capital" yaml:"capital" mapstructure:"capital"`
	Start              time.Time `json:"start" yaml:"start" mapstructure:"start"`
	End                time.Time `json:"end" yaml:"end" mapstructure:"end"`
	DataInterval       Timeframe `json:"dataInterval" yaml:"dataInterval" mapstructure:"dataInterval"`
	SimulationInterval Timeframe `json:"simulationInterval" yaml:"simulationInterval" mapstructure:"simulationInterval"`
	FundingFee         float64   `json:"fundingFee" yaml:"fundingFee" mapstructure:"fundingFee"`
	Slippage           float64   `json:"slippage" yaml:"slippage" mapstructure:"slippage"`
	Symbols            []string  `json:"symbols" yaml:"symbols" mapstructure:"symbols"`
}

// MonthlyBalance is a portfolio checkpoint taken when the UTC month rolls over
type MonthlyBalance struct {
	Date    time.Time       `json:"date"`
	Balance decimal.Decimal `json:"balance"`
}

// SimulationResult is the immutable output of one run
type SimulationResult struct {
	ID               string                     `json:"id"`
	Balance          decimal.Decimal            `json:"balance"`
	BalanceHistory   []float64                  `json:"balanceHistory"`
	PortfolioHistory []float64                  `json:"portfolioHistory"`
	PriceHistory     []float64                  `json:"priceHistory"`
	Times            []int64                    `json:"times"`
	Trades           []Trade                    `json:"trades"`
	MonthlyBalances  []MonthlyBalance           `json:"monthlyBalances"`
	ClosePrices      map[string]decimal.Decimal `json:"closePrices"`
	SimulationTime   time.Duration              `json:"simulationTime"`
	Settings         Settings                   `json:"settings"`
	SimSettings      SimulationSettings         `json:"simSettings"`
}

// EventType identifies run events
type EventType string

const (
	EventTypeStart    EventType = "start"
	EventTypeProgress EventType = "progress"
)

// Event is emitted by a run to its caller
type Event struct {
	Type     EventType     `json:"type"`
	RunID    string        `json:"runId"`
	Start    *StartData    `json:"start,omitempty"`
	Progress *ProgressData `json:"progress,omitempty"`
}

// StartData is the payload of a start event
type StartData struct {
	Balance     decimal.Decimal    `json:"balance"`
	Symbols     []string           `json:"symbols"`
	Settings    Settings           `json:"settings"`
	SimSettings SimulationSettings `json:"simSettings"`
}

// ProgressData is the payload of a progress event
type ProgressData struct {
	Percentage       int       `json:"percentage"`
	BalanceHistory   []float64 `json:"balanceHistory"`
	PortfolioHistory []float64 `json:"portfolioHistory"`
	PriceHistory     []float64 `json:"priceHistory"`
	Times            []int64   `json:"times"`
	Trades           []Trade   `json:"trades"`
}

// Solution maps parameter names to values for one run
type Solution map[string]any

// Clone returns a shallow copy
func (s Solution) Clone() Solution {
	out := make(Solution, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Key returns a canonical encoding used for duplicate detection
func (s Solution) Key() string {
	// encoding/json sorts map keys
	b, _ := json.Marshal(s)
	return string(b)
}

// Evaluation is the score of one run
type Evaluation struct {
	Fitness     float64 `json:"fitness"`
	Balance     float64 `json:"balance"`
	Trades      int     `json:"trades"`
	MaxDrawdown float64 `json:"maxDrawdown"`
}

// Parameter is one dimension of a search space. A parameter with Values is
// discrete; otherwise it ranges over Min..Max in increments of Step.
type Parameter struct {
	Name   string  `json:"name" yaml:"name"`
	Min    float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max    float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Step   float64 `json:"step,omitempty" yaml:"step,omitempty"`
	Values []any   `json:"values,omitempty" yaml:"values,omitempty"`
}

// Discrete reports whether the parameter is a value list
func (p Parameter) Discrete() bool {
	return len(p.Values) > 0
}

// Points enumerates every value of the parameter in order
func (p Parameter) Points() []any {
	if p.Discrete() {
		return append([]any(nil), p.Values...)
	}

	step := p.Step
	if step <= 0 {
		step = 1
	}

	var out []any
	n := int((p.Max-p.Min)/step + 1e-9)
	for i := 0; i <= n; i++ {
		v := p.Min + float64(i)*step
		out = append(out, math.Round(v*1e10)/1e10)
	}
	return out
}
