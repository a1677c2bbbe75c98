// Package strategy provides trading scripts and the contract the
// backtester uses to run them.
package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Script is a compiled trading script: its metadata, default options, the
// parameters worth optimizing and a constructor for run instances.
type Script struct {
	Name        string                                          `json:"name"`
	Description string                                          `json:"description"`
	Defaults    Options                                         `json:"defaults"`
	Optimize    []types.Parameter                               `json:"optimize"`
	New         func(opts Options) (backtester.Strategy, error) `json:"-"`
}

var _ backtester.Script = (*Script)(nil)

// Instantiate resolves options for one run and builds a strategy
func (s *Script) Instantiate(settings types.Settings, overrides types.Solution) (backtester.Strategy, error) {
	if s.New == nil {
		return nil, fmt.Errorf("script %q has no constructor", s.Name)
	}
	return s.New(ResolveOptions(settings, s.Defaults, overrides))
}

// Options are the resolved key/value options of a run
type Options map[string]any

// ResolveOptions merges options with the precedence
// solution > script defaults > settings.
func ResolveOptions(settings types.Settings, defaults Options, solution types.Solution) Options {
	opts := Options{
		"interval":        string(settings.Interval),
		"fee":             settings.Fee,
		"leverage":        settings.Leverage,
		"maxCost":         settings.MaxCost,
		"minBalance":      settings.MinBalance,
		"maxCandlesToBuy": settings.MaxCandlesToBuy,
		"risk":            settings.Risk,
		"fixedProfit":     settings.FixedProfit,
		"maxPositions":    settings.MaxPositions,
	}
	for k, v := range defaults {
		opts[k] = v
	}
	for k, v := range solution {
		opts[k] = v
	}
	return opts
}

// Float returns the option as a float64, or def when missing or not numeric
func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns the option rounded to an int
func (o Options) Int(key string, def int) int {
	if _, ok := o[key]; !ok {
		return def
	}
	f := o.Float(key, float64(def))
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// String returns the option as a string
func (o Options) String(key, def string) string {
	switch v := o[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the option as a bool. Numbers are true when non-zero.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	case nil:
		return def
	default:
		return o.Float(key, 0) != 0
	}
	return def
}

// Interval returns the bar interval the script trades on
func (o Options) Interval() types.Timeframe {
	return types.Timeframe(o.String("interval", string(types.Timeframe1h)))
}
