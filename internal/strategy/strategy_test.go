package strategy_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

const base = 1609459200 // 2021-01-01T00:00:00Z

func waveSeries(t *testing.T, n int) *candles.Series {
	t.Helper()

	bars := make([]candles.Bar, n)
	for i := range bars {
		mid := 100 + 20*math.Sin(float64(i)/30)
		bars[i] = candles.Bar{
			Time:  int32(base + i*3600),
			Open:  float32(mid - 0.2),
			High:  float32(mid + 1),
			Low:   float32(mid - 1),
			Close: float32(mid + 0.2),
		}
	}

	s, err := candles.NewFromBars(bars, types.Timeframe1h)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}
	return s
}

func TestResolveOptionsPrecedence(t *testing.T) {
	settings := types.DefaultSettings()
	settings.Risk = 0.01
	settings.MaxPositions = 3

	defaults := strategy.Options{"period": 14, "risk": 0.05}
	solution := types.Solution{"period": 21.0}

	opts := strategy.ResolveOptions(settings, defaults, solution)

	if got := opts.Int("period", 0); got != 21 {
		t.Errorf("period = %d, expected the solution value 21", got)
	}
	if got := opts.Float("risk", 0); got != 0.05 {
		t.Errorf("risk = %v, expected the script default 0.05", got)
	}
	if got := opts.Int("maxPositions", 0); got != 3 {
		t.Errorf("maxPositions = %d, expected the settings value 3", got)
	}
	if opts.Interval() != settings.Interval {
		t.Errorf("interval = %s, expected %s", opts.Interval(), settings.Interval)
	}
}

func TestOptionGetters(t *testing.T) {
	opts := strategy.Options{
		"f":   "2.5",
		"i":   3.6,
		"b":   1,
		"s":   42,
		"neg": -2.6,
	}

	if opts.Float("f", 0) != 2.5 {
		t.Errorf("Float from string failed")
	}
	if opts.Int("i", 0) != 4 {
		t.Errorf("Int should round, got %d", opts.Int("i", 0))
	}
	if opts.Int("neg", 0) != -3 {
		t.Errorf("Int should round negatives, got %d", opts.Int("neg", 0))
	}
	if !opts.Bool("b", false) {
		t.Errorf("Bool from non-zero number should be true")
	}
	if opts.String("s", "") != "42" {
		t.Errorf("String = %q", opts.String("s", ""))
	}
	if opts.Float("missing", 7) != 7 || opts.Int("missing", 7) != 7 || opts.String("missing", "x") != "x" {
		t.Errorf("missing keys should return defaults")
	}
}

func TestRegistry(t *testing.T) {
	r := strategy.NewRegistry(zap.NewNop())

	names := []string{}
	for _, s := range r.List() {
		names = append(names, s.Name)
	}
	want := []string{"breakout", "momentum", "monkey"}
	if len(names) != len(want) {
		t.Fatalf("scripts = %v, expected %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("scripts = %v, expected %v", names, want)
		}
	}

	if _, err := r.Compile(" momentum "); err != nil {
		t.Errorf("Compile failed: %v", err)
	}
	if _, err := r.Compile("does-not-exist"); err == nil {
		t.Error("expected an error for an unknown script")
	}
}

func TestIndicators(t *testing.T) {
	bars := []candles.Bar{
		{Time: 0, Open: 10, High: 12, Low: 9, Close: 11},
		{Time: 3600, Open: 11, High: 14, Low: 10, Close: 13},
		{Time: 7200, Open: 13, High: 13, Low: 8, Close: 9},
		{Time: 10800, Open: 9, High: 10, Low: 7, Close: 10},
	}
	s, _ := candles.NewFromBars(bars, types.Timeframe1h)

	if got := strategy.SMA(s, 2); got != 9.5 {
		t.Errorf("SMA = %v, expected 9.5", got)
	}
	if got := strategy.Highest(s, 3); got != 14 {
		t.Errorf("Highest = %v, expected 14", got)
	}
	if got := strategy.Lowest(s, 3); got != 7 {
		t.Errorf("Lowest = %v, expected 7", got)
	}
	// true ranges of the last two bars: max(5, 0, 5) and max(3, 1, 2)
	if got := strategy.ATR(s, 2); got != 4 {
		t.Errorf("ATR = %v, expected 4", got)
	}
	if got := strategy.Momentum(s, 3); math.Abs(got-(10.0-11.0)/11.0) > 1e-12 {
		t.Errorf("Momentum = %v", got)
	}
	if !math.IsNaN(strategy.SMA(s, 10)) {
		t.Error("SMA over too few bars should be NaN")
	}
}

func TestIndicatorsRejectInfiniteBars(t *testing.T) {
	inf := float32(math.Inf(1))
	bars := []candles.Bar{
		{Time: 0, Open: 10, High: 12, Low: 9, Close: 11},
		{Time: 3600, Open: 11, High: 14, Low: 10, Close: 13},
		{Time: 7200, Open: 13, High: inf, Low: float32(math.Inf(-1)), Close: inf},
	}
	s, err := candles.NewFromBars(bars, types.Timeframe1h)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}

	checks := map[string]float64{
		"SMA":      strategy.SMA(s, 2),
		"ATR":      strategy.ATR(s, 2),
		"Highest":  strategy.Highest(s, 2),
		"Lowest":   strategy.Lowest(s, 2),
		"Momentum": strategy.Momentum(s, 2),
	}
	for name, got := range checks {
		if !math.IsNaN(got) {
			t.Errorf("%s = %v, expected NaN", name, got)
		}
	}
}

func TestPositionSize(t *testing.T) {
	settings := types.DefaultSettings()
	settings.Risk = 0.01
	settings.MaxCost = 0
	settings.Leverage = 1

	amount := strategy.PositionSize(decimal.NewFromInt(1000), decimal.NewFromInt(100), decimal.NewFromInt(90), settings)
	if !amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("amount = %s, expected 1", amount)
	}

	settings.MaxCost = 0.05
	amount = strategy.PositionSize(decimal.NewFromInt(1000), decimal.NewFromInt(100), decimal.NewFromInt(90), settings)
	if !amount.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("amount = %s, expected the cost cap 0.5", amount)
	}

	if !strategy.PositionSize(decimal.NewFromInt(1000), decimal.NewFromInt(100), decimal.NewFromInt(100), settings).IsZero() {
		t.Error("a stop at the entry should size to zero")
	}
}

func TestBuiltinScriptsRun(t *testing.T) {
	series := waveSeries(t, 1000)
	registry := strategy.NewRegistry(zap.NewNop())

	tests := []struct {
		name      string
		overrides types.Solution
		wantTrade bool
	}{
		{"momentum", nil, true},
		{"breakout", nil, false},
		{"monkey", types.Solution{"seed": 7, "chance": 0.5}, true},
	}

	for _, tc := range tests {
		script, err := registry.Compile(tc.name)
		if err != nil {
			t.Fatalf("Compile(%s) failed: %v", tc.name, err)
		}

		result, err := backtester.NewEngine(zap.NewNop(), nil).Run(context.Background(), &backtester.RunRequest{
			Series:    map[string]*candles.Series{"BTCUSDT": series},
			Script:    script,
			Overrides: tc.overrides,
			Settings:  types.DefaultSettings(),
			SimSettings: types.SimulationSettings{
				Capital:            1000,
				Start:              time.Unix(base+100*3600, 0).UTC(),
				End:                time.Unix(base+900*3600, 0).UTC(),
				DataInterval:       types.Timeframe1h,
				SimulationInterval: types.Timeframe1h,
			},
		})
		if err != nil {
			t.Fatalf("%s: Run failed: %v", tc.name, err)
		}
		if tc.wantTrade && len(result.Trades) == 0 {
			t.Errorf("%s: expected some trades", tc.name)
		}
		if !result.Balance.IsPositive() {
			t.Errorf("%s: balance = %s", tc.name, result.Balance)
		}
	}
}
