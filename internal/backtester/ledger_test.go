package backtester_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newTestLedger(t *testing.T, settings types.Settings, sim types.SimulationSettings) (*backtester.Ledger, *backtester.Pair) {
	t.Helper()

	series, err := candles.NewFromBars([]candles.Bar{{Time: 0, Open: 100, High: 100, Low: 100, Close: 100}}, types.Timeframe1h)
	if err != nil {
		t.Fatalf("Failed to create series: %v", err)
	}

	pair := backtester.NewPair("BTCUSDT", series)
	pair.SetPrice(100)

	if sim.Start.IsZero() {
		sim.Start = time.Date(2021, 1, 1, 1, 30, 0, 0, time.UTC)
	}
	ledger := backtester.NewLedger(zap.NewNop(), []*backtester.Pair{pair}, settings, sim, backtester.NoSlippage{})
	return ledger, pair
}

func plainSettings() types.Settings {
	s := types.DefaultSettings()
	s.Fee = 0
	s.Leverage = 1
	return s
}

func market(pair *backtester.Pair, dir types.Direction, stop, amount float64) backtester.OrderRequest {
	return backtester.OrderRequest{Pair: pair, Direction: dir, Market: true, Stop: d(stop), Amount: d(amount)}
}

func TestMarketOrdersMergeIntoOnePosition(t *testing.T) {
	ledger, pair := newTestLedger(t, plainSettings(), types.SimulationSettings{Capital: 1000})

	if _, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 90, 1)); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	pair.SetPrice(110)
	if _, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 100, 3)); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	positions := ledger.Positions()
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}

	pos := positions[0]
	if !pos.Amount.Equal(d(4)) {
		t.Errorf("amount = %s, expected 4", pos.Amount)
	}
	// (100*1 + 110*3) / 4
	if !pos.Buy.Equal(d(107.5)) {
		t.Errorf("buy = %s, expected 107.5", pos.Buy)
	}
	if !pos.Stop.Equal(d(97.5)) {
		t.Errorf("stop = %s, expected 97.5", pos.Stop)
	}
	if !pos.Cost.Equal(d(430)) {
		t.Errorf("cost = %s, expected 430", pos.Cost)
	}
	if len(ledger.Trades()) != 1 {
		t.Errorf("merged fill should not leave a second record, got %d trades", len(ledger.Trades()))
	}
}

func TestPortfolioInvariant(t *testing.T) {
	settings := plainSettings()
	settings.Fee = 0.0004
	settings.Leverage = 10
	sim := types.SimulationSettings{
		Capital:    1000,
		Slippage:   0.0005,
		FundingFee: 0.0001,
	}
	ledger, pair := newTestLedger(t, settings, sim)

	if _, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 50, 2)); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if _, err := ledger.PlaceOrder(backtester.OrderRequest{
		Pair: pair, Direction: types.DirectionShort, Limit: d(95), Stop: d(130), Amount: d(1),
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	date := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, price := range []float64{101, 97.25, 94, 99.5, 104, 88, 112.75, 109} {
		pair.SetPrice(price)
		ledger.SetDate(date.Add(time.Duration(i) * 4 * time.Hour))

		if err := ledger.Update(); err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}

		want := ledger.Balance()
		for _, pos := range ledger.Positions() {
			delta := pair.Price().Sub(pos.Buy).Mul(pos.Direction.Sign()).Mul(pos.Amount)
			want = want.Add(pos.Cost).Add(delta)
		}

		if !ledger.PortfolioSize().Equal(want) {
			t.Fatalf("step %d: portfolio %s != balance + marks %s", i, ledger.PortfolioSize(), want)
		}

		reserved := decimal.Zero
		for _, o := range ledger.Orders() {
			reserved = reserved.Add(o.Cost)
		}
		if !ledger.AvailableBalance().Equal(ledger.PortfolioSize().Sub(reserved)) {
			t.Fatalf("step %d: available balance does not account for pending orders", i)
		}
	}
}

func TestPartialCloseCreatesNewRecord(t *testing.T) {
	ledger, pair := newTestLedger(t, plainSettings(), types.SimulationSettings{Capital: 1000})

	pos, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 90, 4))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	pair.SetPrice(120)
	closed, err := ledger.ClosePosition(pos, decimal.Zero, 0.25, "scale out")
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	if closed == pos {
		t.Fatal("partial close must not return the open position")
	}
	if closed.ID == pos.ID {
		t.Error("closed part should have its own id")
	}
	if !closed.Closed || pos.Closed {
		t.Errorf("closed=%v open.closed=%v", closed.Closed, pos.Closed)
	}
	if !closed.Amount.Equal(d(1)) || !pos.Amount.Equal(d(3)) {
		t.Errorf("amounts = %s closed, %s open; expected 1 and 3", closed.Amount, pos.Amount)
	}
	if !closed.Cost.Equal(d(100)) || !pos.Cost.Equal(d(300)) {
		t.Errorf("costs = %s closed, %s open; expected 100 and 300", closed.Cost, pos.Cost)
	}
	if !closed.Profits.Equal(d(20)) {
		t.Errorf("profits = %s, expected 20", closed.Profits)
	}
	if !ledger.Balance().Equal(d(720)) {
		t.Errorf("balance = %s, expected 720", ledger.Balance())
	}
	if len(ledger.Positions()) != 1 || len(ledger.History()) != 1 {
		t.Errorf("expected 1 open and 1 closed, got %d and %d", len(ledger.Positions()), len(ledger.History()))
	}
}

func TestClosePositionTwice(t *testing.T) {
	ledger, pair := newTestLedger(t, plainSettings(), types.SimulationSettings{Capital: 1000})

	pos, _ := ledger.PlaceOrder(market(pair, types.DirectionShort, 110, 1))
	if _, err := ledger.ClosePosition(pos, decimal.Zero, 1, ""); err != nil {
		t.Fatalf("first close failed: %v", err)
	}

	_, err := ledger.ClosePosition(pos, decimal.Zero, 1, "")
	if !errors.Is(err, backtester.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestMoveStop(t *testing.T) {
	ledger, pair := newTestLedger(t, plainSettings(), types.SimulationSettings{Capital: 1000})

	long, _ := ledger.PlaceOrder(market(pair, types.DirectionLong, 90, 1))
	if err := ledger.MoveStop(long, d(105)); !errors.Is(err, backtester.ErrStopAboveMarket) {
		t.Errorf("long stop above market: expected ErrStopAboveMarket, got %v", err)
	}
	if err := ledger.MoveStop(long, d(95)); err != nil {
		t.Errorf("MoveStop failed: %v", err)
	}
	if !long.Stop.Equal(d(95)) {
		t.Errorf("stop = %s, expected 95", long.Stop)
	}

	short, _ := ledger.PlaceOrder(market(pair, types.DirectionShort, 110, 1))
	if err := ledger.MoveStop(short, d(99)); !errors.Is(err, backtester.ErrStopAboveMarket) {
		t.Errorf("short stop below market: expected ErrStopAboveMarket, got %v", err)
	}
}

func TestNegativeAmount(t *testing.T) {
	ledger, pair := newTestLedger(t, plainSettings(), types.SimulationSettings{Capital: 1000})

	_, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 90, -1))
	if !errors.Is(err, backtester.ErrInvalidAmount) || !errors.Is(err, backtester.ErrInvalidInput) {
		t.Fatalf("expected an invalid input error, got %v", err)
	}

	var runErr *backtester.Error
	if !errors.As(err, &runErr) || runErr.Symbol != "BTCUSDT" {
		t.Errorf("error should carry the symbol, got %#v", err)
	}
}

func TestLimitOrderThatWouldTriggerIsDropped(t *testing.T) {
	ledger, pair := newTestLedger(t, plainSettings(), types.SimulationSettings{Capital: 1000})

	trade, err := ledger.PlaceOrder(backtester.OrderRequest{
		Pair: pair, Direction: types.DirectionLong, Limit: d(95), Stop: d(90), Amount: d(1),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if trade != nil || len(ledger.Trades()) != 0 {
		t.Fatal("order below the market should have been dropped")
	}
}

func TestLimitOrderLifecycle(t *testing.T) {
	settings := plainSettings()
	settings.Fee = 0.001
	ledger, pair := newTestLedger(t, settings, types.SimulationSettings{Capital: 1000})

	order, err := ledger.PlaceOrder(backtester.OrderRequest{
		Pair: pair, Direction: types.DirectionLong, Limit: d(105), Stop: d(95), Amount: d(2),
	})
	if err != nil || order == nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if !ledger.Balance().Equal(d(1000)) {
		t.Errorf("pending order must not touch cash, balance = %s", ledger.Balance())
	}
	if !ledger.AvailableBalance().Equal(d(790)) {
		t.Errorf("available = %s, expected 790", ledger.AvailableBalance())
	}

	pair.SetPrice(106)
	if err := ledger.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !order.Filled || !order.Buy.Equal(d(106)) {
		t.Fatalf("order should fill at 106, filled=%v buy=%s", order.Filled, order.Buy)
	}
	// cost 210 plus fee on the limit: 2 * 105 * 0.001
	if !ledger.Balance().Equal(d(789.79)) {
		t.Errorf("balance = %s, expected 789.79", ledger.Balance())
	}

	// a second order whose stop is hit first is cancelled
	pending, _ := ledger.PlaceOrder(backtester.OrderRequest{
		Pair: pair, Direction: types.DirectionShort, Limit: d(100), Stop: d(108), Amount: d(1),
	})
	pair.SetPrice(109)
	if err := ledger.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	for _, tr := range ledger.Trades() {
		if tr == pending {
			t.Fatal("order should have been cancelled at its stop")
		}
	}
}

func TestOrderFilledThisTickIsNotExitedUntilNext(t *testing.T) {
	ledger, pair := newTestLedger(t, plainSettings(), types.SimulationSettings{Capital: 1000})

	// stop above the limit so the fill tick already crosses it
	order, _ := ledger.PlaceOrder(backtester.OrderRequest{
		Pair: pair, Direction: types.DirectionLong, Limit: d(101), Stop: d(0), Amount: d(1),
	})
	order.Stop = d(102)

	pair.SetPrice(101)
	if err := ledger.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !order.Filled || order.Closed {
		t.Fatalf("order should be filled and open after the fill tick")
	}

	if err := ledger.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !order.Closed || order.Note != "Stop loss" {
		t.Fatalf("position should close on the following tick, closed=%v note=%q", order.Closed, order.Note)
	}
}

func TestFillMergedIntoLaterPositionWaitsForNextTick(t *testing.T) {
	settings := plainSettings()
	settings.FixedProfit = 1
	ledger, pair := newTestLedger(t, settings, types.SimulationSettings{Capital: 1000})

	// the resting order comes first in the trade list, the position it
	// merges into comes after it
	if _, err := ledger.PlaceOrder(backtester.OrderRequest{
		Pair: pair, Direction: types.DirectionLong, Limit: d(104), Stop: d(95), Amount: d(1),
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	pos, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 95, 1))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if !pos.Profit.Equal(d(105)) {
		t.Fatalf("profit target = %s, expected 105", pos.Profit)
	}

	pair.SetPrice(106)
	if err := ledger.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if pos.Closed || !pos.Amount.Equal(d(2)) {
		t.Fatalf("merged position should stay open on the fill tick, closed=%v amount=%s", pos.Closed, pos.Amount)
	}
	if len(ledger.Orders()) != 0 {
		t.Errorf("filled order should be merged away, %d orders left", len(ledger.Orders()))
	}

	if err := ledger.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !pos.Closed || pos.Note != "Take profit" || !pos.Sell.Equal(d(105)) {
		t.Fatalf("expected take profit at 105 on the next tick, got closed=%v note=%q sell=%s", pos.Closed, pos.Note, pos.Sell)
	}
}

func TestTakeProfit(t *testing.T) {
	settings := plainSettings()
	settings.FixedProfit = 2
	ledger, pair := newTestLedger(t, settings, types.SimulationSettings{Capital: 1000})

	pos, _ := ledger.PlaceOrder(market(pair, types.DirectionLong, 90, 1))
	if !pos.Profit.Equal(d(120)) {
		t.Fatalf("profit target = %s, expected 120", pos.Profit)
	}

	pair.SetPrice(125)
	if err := ledger.Update(); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !pos.Closed || pos.Note != "Take profit" || !pos.Sell.Equal(d(120)) {
		t.Fatalf("expected take profit at 120, got closed=%v note=%q sell=%s", pos.Closed, pos.Note, pos.Sell)
	}
}

func TestFundingFee(t *testing.T) {
	sim := types.SimulationSettings{Capital: 1000, FundingFee: 0.01}
	ledger, pair := newTestLedger(t, plainSettings(), sim)

	if _, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 0, 1)); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	ledger.SetDate(time.Date(2021, 1, 1, 7, 0, 0, 0, time.UTC))
	_ = ledger.Update()
	if !ledger.Balance().Equal(d(900)) {
		t.Fatalf("no funding expected off the 8h boundary, balance = %s", ledger.Balance())
	}

	ledger.SetDate(time.Date(2021, 1, 1, 8, 0, 0, 0, time.UTC))
	_ = ledger.Update()
	if !ledger.Balance().Equal(d(899)) {
		t.Fatalf("balance = %s, expected 899 after funding", ledger.Balance())
	}
}

func TestLiquidation(t *testing.T) {
	settings := plainSettings()
	settings.Leverage = 10
	ledger, pair := newTestLedger(t, settings, types.SimulationSettings{Capital: 100})

	if _, err := ledger.PlaceOrder(market(pair, types.DirectionLong, 0, 10)); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	pair.SetPrice(85)
	err := ledger.Update()
	if !errors.Is(err, backtester.ErrAccountLiquidated) {
		t.Fatalf("expected ErrAccountLiquidated, got %v", err)
	}
}

func TestCandlesLookback(t *testing.T) {
	bars := make([]candles.Bar, 800)
	for i := range bars {
		bars[i] = candles.Bar{Time: int32(i * 3600), Open: 1, High: 1, Low: 1, Close: 1}
	}
	series, _ := candles.NewFromBars(bars, types.Timeframe1h)
	pair := backtester.NewPair("ETHUSDT", series)
	ledger := backtester.NewLedger(zap.NewNop(), []*backtester.Pair{pair}, plainSettings(), types.SimulationSettings{Capital: 1}, nil)

	ledger.SetDate(time.Unix(700*3600, 0))
	window, err := ledger.Candles(pair, types.Timeframe1h)
	if err != nil {
		t.Fatalf("Candles failed: %v", err)
	}
	if window.Len() != backtester.LookbackBars {
		t.Fatalf("window len = %d, expected %d", window.Len(), backtester.LookbackBars)
	}
	last, _ := window.Last()
	if last.Time != 699*3600 {
		t.Errorf("last bar time = %d, expected the bar before the current one", last.Time)
	}
}
