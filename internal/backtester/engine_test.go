// Package backtester_test provides tests for the ledger and the simulation engine.
package backtester_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// scriptFunc is a strategy and a script at once
type scriptFunc func(ctx context.Context, tick *backtester.Tick) error

func (f scriptFunc) OnTick(ctx context.Context, tick *backtester.Tick) error {
	return f(ctx, tick)
}

func (f scriptFunc) Instantiate(types.Settings, types.Solution) (backtester.Strategy, error) {
	return f, nil
}

func idle() scriptFunc {
	return func(context.Context, *backtester.Tick) error { return nil }
}

func minuteSettings(start, end int64, symbols ...string) types.SimulationSettings {
	return types.SimulationSettings{
		Capital:            1000,
		Start:              time.Unix(start, 0).UTC(),
		End:                time.Unix(end, 0).UTC(),
		DataInterval:       types.Timeframe1m,
		SimulationInterval: types.Timeframe1m,
		Symbols:            symbols,
	}
}

func TestStopLossScenario(t *testing.T) {
	series, err := candles.NewFromBars([]candles.Bar{
		{Time: 0, Open: 100, High: 100, Low: 100, Close: 100},
		{Time: 60, Open: 100, High: 100, Low: 80, Close: 80},
		{Time: 120, Open: 80, High: 80, Low: 80, Close: 80},
	}, types.Timeframe1m)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}

	placed := false
	script := scriptFunc(func(_ context.Context, tick *backtester.Tick) error {
		if placed {
			return nil
		}
		placed = true
		_, err := tick.Broker.PlaceOrder(backtester.OrderRequest{
			Pair:      tick.Active[0],
			Direction: types.DirectionLong,
			Market:    true,
			Stop:      decimal.NewFromInt(90),
			Amount:    decimal.NewFromInt(1),
		})
		return err
	})

	settings := plainSettings()
	engine := backtester.NewEngine(zap.NewNop(), nil)
	result, err := engine.Run(context.Background(), &backtester.RunRequest{
		ID:          "stop-loss",
		Series:      map[string]*candles.Series{"BTCUSDT": series},
		Script:      script,
		Settings:    settings,
		SimSettings: minuteSettings(0, 120),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}

	trade := result.Trades[0]
	if !trade.Closed || trade.Note != "Stop loss" {
		t.Fatalf("expected a stop loss exit, got closed=%v note=%q", trade.Closed, trade.Note)
	}
	if !trade.Sell.Equal(decimal.NewFromInt(90)) {
		t.Errorf("sell = %s, expected the stop price 90", trade.Sell)
	}
	if !trade.Profits.IsNegative() {
		t.Errorf("profits = %s, expected a loss", trade.Profits)
	}
	if trade.SellDate.Unix() != 60+15 {
		t.Errorf("exit should happen on the low sub-step, got %s", trade.SellDate)
	}
	if !result.Balance.Equal(decimal.NewFromInt(990)) {
		t.Errorf("balance = %s, expected 990", result.Balance)
	}
	if result.ID != "stop-loss" {
		t.Errorf("Expected ID stop-loss, got %s", result.ID)
	}
	if !result.ClosePrices["BTCUSDT"].Equal(decimal.NewFromInt(80)) {
		t.Errorf("close price = %s, expected 80", result.ClosePrices["BTCUSDT"])
	}
}

func TestHighFirstPathTakesProfitBeforeStop(t *testing.T) {
	series, _ := candles.NewFromBars([]candles.Bar{
		{Time: 0, Open: 100, High: 100, Low: 100, Close: 100},
		{Time: 60, Open: 100, High: 125, Low: 85, Close: 100},
	}, types.Timeframe1m)

	run := func(path backtester.PricePath) types.Trade {
		placed := false
		script := scriptFunc(func(_ context.Context, tick *backtester.Tick) error {
			if !placed {
				placed = true
				_, err := tick.Broker.PlaceOrder(backtester.OrderRequest{
					Pair: tick.Active[0], Direction: types.DirectionLong, Market: true,
					Stop: decimal.NewFromInt(90), Amount: decimal.NewFromInt(1),
				})
				return err
			}
			return nil
		})

		settings := plainSettings()
		settings.FixedProfit = 2
		result, err := backtester.NewEngine(zap.NewNop(), path).Run(context.Background(), &backtester.RunRequest{
			Series:      map[string]*candles.Series{"BTCUSDT": series},
			Script:      script,
			Settings:    settings,
			SimSettings: minuteSettings(0, 60),
		})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return result.Trades[0]
	}

	if tr := run(backtester.OHLCPath{}); tr.Note != "Stop loss" {
		t.Errorf("low-first path: note = %q, expected Stop loss", tr.Note)
	}
	if tr := run(backtester.OpenHighLowClose{}); tr.Note != "Take profit" {
		t.Errorf("high-first path: note = %q, expected Take profit", tr.Note)
	}
}

func TestRunOutOfData(t *testing.T) {
	series, _ := candles.NewFromBars([]candles.Bar{
		{Time: 0, Open: 1, High: 1, Low: 1, Close: 1},
		{Time: 60, Open: 1, High: 1, Low: 1, Close: 1},
		{Time: 120, Open: 1, High: 1, Low: 1, Close: 1},
	}, types.Timeframe1m)

	_, err := backtester.NewEngine(zap.NewNop(), nil).Run(context.Background(), &backtester.RunRequest{
		Series:      map[string]*candles.Series{"ETHUSDT": series},
		Script:      idle(),
		Settings:    plainSettings(),
		SimSettings: minuteSettings(0, 300),
	})
	if !errors.Is(err, backtester.ErrOutOfData) {
		t.Fatalf("expected ErrOutOfData, got %v", err)
	}
	if !strings.Contains(err.Error(), "ETHUSDT") {
		t.Errorf("error should name the symbol: %v", err)
	}
}

func TestInactivePairsAreSkipped(t *testing.T) {
	early, _ := candles.NewFromBars([]candles.Bar{
		{Time: 0, Open: 1, High: 1, Low: 1, Close: 1},
		{Time: 60, Open: 1, High: 1, Low: 1, Close: 1},
		{Time: 120, Open: 1, High: 1, Low: 1, Close: 1},
	}, types.Timeframe1m)
	late, _ := candles.NewFromBars([]candles.Bar{
		{Time: 120, Open: 2, High: 2, Low: 2, Close: 2},
	}, types.Timeframe1m)

	active := map[int64]int{}
	script := scriptFunc(func(_ context.Context, tick *backtester.Tick) error {
		active[tick.Time.Unix()] = len(tick.Active)
		return nil
	})

	_, err := backtester.NewEngine(zap.NewNop(), nil).Run(context.Background(), &backtester.RunRequest{
		Series:      map[string]*candles.Series{"A": early, "B": late},
		Script:      script,
		Settings:    plainSettings(),
		SimSettings: minuteSettings(0, 120),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if active[0] != 1 || active[60] != 1 {
		t.Errorf("only A should be active before 120: %v", active)
	}
	if active[120] != 2 {
		t.Errorf("both pairs should be active at 120: %v", active)
	}
}

func TestMonthlyCheckpointsAndProgress(t *testing.T) {
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2021, 3, 31, 0, 0, 0, 0, time.UTC)

	var bars []candles.Bar
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		bars = append(bars, candles.Bar{Time: int32(day.Unix()), Open: 10, High: 11, Low: 9, Close: 10.5})
	}
	series, _ := candles.NewFromBars(bars, types.Timeframe1d)

	var events []types.Event
	result, err := backtester.NewEngine(zap.NewNop(), nil).Run(context.Background(), &backtester.RunRequest{
		Series:   map[string]*candles.Series{"XAUUSD": series},
		Script:   idle(),
		Settings: plainSettings(),
		SimSettings: types.SimulationSettings{
			Capital:            500,
			Start:              start,
			End:                end,
			DataInterval:       types.Timeframe1d,
			SimulationInterval: types.Timeframe1d,
		},
		OnEvent: func(ev types.Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.MonthlyBalances) != 3 {
		t.Fatalf("expected 3 monthly checkpoints, got %d", len(result.MonthlyBalances))
	}
	for i, month := range []time.Month{time.February, time.March, time.April} {
		mb := result.MonthlyBalances[i]
		if mb.Date.Month() != month || mb.Date.Day() != 1 {
			t.Errorf("checkpoint %d at %s, expected the first of %s", i, mb.Date, month)
		}
		if !mb.Balance.Equal(decimal.NewFromInt(500)) {
			t.Errorf("checkpoint %d balance = %s", i, mb.Balance)
		}
	}

	if len(events) == 0 || events[0].Type != types.EventTypeStart {
		t.Fatal("first event should be start")
	}
	if !events[0].Start.Balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("start balance = %s", events[0].Start.Balance)
	}

	last := 0
	for _, ev := range events[1:] {
		if ev.Type != types.EventTypeProgress {
			t.Fatalf("unexpected event type %s", ev.Type)
		}
		if ev.Progress.Percentage <= last {
			t.Fatalf("progress must increase: %d after %d", ev.Progress.Percentage, last)
		}
		last = ev.Progress.Percentage
	}
	if last != 100 {
		t.Errorf("final progress = %d, expected 100", last)
	}

	if len(result.Times) != len(result.BalanceHistory) || len(result.Times) != len(result.PortfolioHistory) {
		t.Errorf("history lengths differ: %d times, %d balances, %d portfolio",
			len(result.Times), len(result.BalanceHistory), len(result.PortfolioHistory))
	}
	if len(result.PriceHistory) != 10 {
		t.Errorf("expected 10 price index points, got %d", len(result.PriceHistory))
	}
	for _, v := range result.PriceHistory {
		// progress is taken on the first sub-step, the open
		if v != 100 {
			t.Errorf("price index = %v, expected 100", v)
		}
	}
}

func TestRunRespectsContext(t *testing.T) {
	series, _ := candles.NewFromBars([]candles.Bar{{Time: 0, Open: 1, High: 1, Low: 1, Close: 1}}, types.Timeframe1m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := backtester.NewEngine(zap.NewNop(), nil).Run(ctx, &backtester.RunRequest{
		Series:      map[string]*candles.Series{"A": series},
		Script:      idle(),
		Settings:    plainSettings(),
		SimSettings: minuteSettings(0, 0),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCancelStopsRunAtNextBar(t *testing.T) {
	bars := make([]candles.Bar, 10)
	for i := range bars {
		bars[i] = candles.Bar{Time: int32(i * 60), Open: 1, High: 1, Low: 1, Close: 1}
	}
	series, err := candles.NewFromBars(bars, types.Timeframe1m)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}

	engine := backtester.NewEngine(zap.NewNop(), nil)
	var ticks int
	running := false
	script := scriptFunc(func(_ context.Context, tick *backtester.Tick) error {
		ticks++
		running = engine.Running()
		if tick.Time.Unix() >= 180 {
			engine.Cancel()
		}
		return nil
	})

	// a full channel drops events instead of blocking the run
	events := make(chan types.Event, 1)
	req := &backtester.RunRequest{
		Series:      map[string]*candles.Series{"A": series},
		Script:      script,
		Settings:    plainSettings(),
		SimSettings: minuteSettings(0, 540),
		OnEvent:     backtester.ChannelHandler(events),
	}

	if _, err := engine.Run(context.Background(), req); !errors.Is(err, backtester.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !running {
		t.Error("engine should report running during the run")
	}
	if engine.Running() {
		t.Error("engine should not report running after the run")
	}
	if p := engine.Progress(); p >= 100 {
		t.Errorf("progress = %d, expected a partial run", p)
	}
	// 4 sub-steps per bar, cancelled during the bar at 180
	if ticks != 16 {
		t.Errorf("ticks = %d, expected 16", ticks)
	}
	if len(events) != 1 || (<-events).Type != types.EventTypeStart {
		t.Error("expected only the start event in the channel")
	}

	// the next run starts uncancelled
	req.Script = idle()
	req.OnEvent = nil
	if _, err := engine.Run(context.Background(), req); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if engine.Progress() != 100 {
		t.Errorf("progress = %d, expected 100", engine.Progress())
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	series, _ := candles.NewFromBars([]candles.Bar{{Time: 0, Open: 1, High: 1, Low: 1, Close: 1}}, types.Timeframe1m)
	engine := backtester.NewEngine(zap.NewNop(), nil)

	tests := []struct {
		name string
		req  *backtester.RunRequest
	}{
		{"no script", &backtester.RunRequest{Series: map[string]*candles.Series{"A": series}, SimSettings: minuteSettings(0, 0)}},
		{"no data", &backtester.RunRequest{Script: idle(), SimSettings: minuteSettings(0, 0)}},
		{"end before start", &backtester.RunRequest{Series: map[string]*candles.Series{"A": series}, Script: idle(), SimSettings: minuteSettings(60, 0)}},
		{"missing symbol", &backtester.RunRequest{Series: map[string]*candles.Series{"A": series}, Script: idle(), SimSettings: minuteSettings(0, 0, "B")}},
	}

	for _, tc := range tests {
		if _, err := engine.Run(context.Background(), tc.req); !errors.Is(err, backtester.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}
