package backtester

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// LookbackBars is the number of bars Candles returns
const LookbackBars = 500

// OrderRequest describes a new order. A market order ignores Limit.
type OrderRequest struct {
	Pair      *Pair
	Direction types.Direction
	Market    bool
	Limit     decimal.Decimal
	Stop      decimal.Decimal
	Amount    decimal.Decimal
	Meta      json.RawMessage
}

// Broker is the capability set a strategy uses to trade
type Broker interface {
	Balance() decimal.Decimal
	AvailableBalance() decimal.Decimal
	PortfolioSize() decimal.Decimal
	Settings() types.Settings
	Date() time.Time
	Pairs() []*Pair
	Positions() []*types.Trade
	Orders() []*types.Trade
	History() []*types.Trade
	PlaceOrder(req OrderRequest) (*types.Trade, error)
	CancelOrder(order *types.Trade) error
	ClosePosition(position *types.Trade, price decimal.Decimal, ratio float64, note string) (*types.Trade, error)
	MoveStop(trade *types.Trade, stop decimal.Decimal) error
	Candles(pair *Pair, interval types.Timeframe) (*candles.Series, error)
}

var _ Broker = (*Ledger)(nil)

// Ledger is the simulated brokerage of one run. It is not safe for
// concurrent use; every run owns its own ledger.
type Ledger struct {
	logger      *zap.Logger
	settings    types.Settings
	simSettings types.SimulationSettings
	slippage    SlippageModel

	fee        decimal.Decimal
	leverage   decimal.Decimal
	fundingFee decimal.Decimal

	balance  decimal.Decimal
	trades   []*types.Trade
	pairs    []*Pair
	bySymbol map[string]*Pair
	date     time.Time
}

// NewLedger creates a ledger funded with simSettings.Capital.
// A nil slippage model uses FixedSlippage with simSettings.Slippage, or
// NoSlippage when that is zero.
func NewLedger(logger *zap.Logger, pairs []*Pair, settings types.Settings, simSettings types.SimulationSettings, slippage SlippageModel) *Ledger {
	switch {
	case slippage != nil:
	case simSettings.Slippage == 0:
		slippage = NoSlippage{}
	default:
		slippage = NewFixedSlippage(simSettings.Slippage)
	}

	leverage := decimal.NewFromFloat(settings.Leverage)
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}

	bySymbol := make(map[string]*Pair, len(pairs))
	for _, p := range pairs {
		bySymbol[p.Symbol] = p
	}

	return &Ledger{
		logger:      logger,
		settings:    settings,
		simSettings: simSettings,
		slippage:    slippage,
		fee:         decimal.NewFromFloat(settings.Fee),
		leverage:    leverage,
		fundingFee:  decimal.NewFromFloat(simSettings.FundingFee),
		balance:     decimal.NewFromFloat(simSettings.Capital),
		trades:      make([]*types.Trade, 0),
		pairs:       pairs,
		bySymbol:    bySymbol,
		date:        simSettings.Start,
	}
}

// SetDate moves the simulated clock
func (l *Ledger) SetDate(t time.Time) { l.date = t }

// Date returns the simulated clock
func (l *Ledger) Date() time.Time { return l.date }

// Settings returns the trading settings
func (l *Ledger) Settings() types.Settings { return l.settings }

// SimulationSettings returns the account settings
func (l *Ledger) SimulationSettings() types.SimulationSettings { return l.simSettings }

// Pairs returns all instruments of the run
func (l *Ledger) Pairs() []*Pair { return l.pairs }

// Pair looks up an instrument by symbol
func (l *Ledger) Pair(symbol string) (*Pair, bool) {
	p, ok := l.bySymbol[symbol]
	return p, ok
}

// Balance returns the cash balance
func (l *Ledger) Balance() decimal.Decimal { return l.balance }

// MarkValue is the cost of a filled position plus its unrealized P&L at price
func MarkValue(t *types.Trade, price decimal.Decimal) decimal.Decimal {
	return t.Cost.Add(difference(t, price))
}

func difference(t *types.Trade, price decimal.Decimal) decimal.Decimal {
	if t.Buy.IsZero() {
		return decimal.Zero
	}
	return price.Sub(t.Buy).Mul(t.Direction.Sign()).Mul(t.Amount)
}

// PortfolioSize returns cash plus the mark value of every open position
func (l *Ledger) PortfolioSize() decimal.Decimal {
	size := l.balance
	for _, t := range l.trades {
		if t.Filled && !t.Closed {
			size = size.Add(MarkValue(t, l.bySymbol[t.Symbol].price))
		}
	}
	return size
}

// AvailableBalance returns the portfolio size minus capital reserved by pending orders
func (l *Ledger) AvailableBalance() decimal.Decimal {
	available := l.PortfolioSize()
	for _, t := range l.trades {
		if !t.Filled && !t.Closed {
			available = available.Sub(t.Cost)
		}
	}
	return available
}

// Trades returns every trade in placement order
func (l *Ledger) Trades() []*types.Trade {
	out := make([]*types.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Positions returns filled open positions
func (l *Ledger) Positions() []*types.Trade {
	return l.filter(func(t *types.Trade) bool { return t.Filled && !t.Closed })
}

// Orders returns pending orders
func (l *Ledger) Orders() []*types.Trade {
	return l.filter(func(t *types.Trade) bool { return !t.Filled && !t.Closed })
}

// History returns closed positions
func (l *Ledger) History() []*types.Trade {
	return l.filter(func(t *types.Trade) bool { return t.Filled && t.Closed })
}

// Snapshot returns value copies of every trade
func (l *Ledger) Snapshot() []types.Trade {
	out := make([]types.Trade, len(l.trades))
	for i, t := range l.trades {
		out[i] = *t
	}
	return out
}

func (l *Ledger) filter(keep func(*types.Trade) bool) []*types.Trade {
	var out []*types.Trade
	for _, t := range l.trades {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Candles returns up to LookbackBars bars of pair at interval that closed
// before the current date
func (l *Ledger) Candles(pair *Pair, interval types.Timeframe) (*candles.Series, error) {
	s, err := pair.Resampled(interval)
	if err != nil {
		return nil, err
	}

	idx := s.IndexOfTime(l.date.Unix())
	if idx < 0 {
		idx = s.Len()
	}
	return s.Range(idx-LookbackBars, idx), nil
}

// PlaceOrder opens an order. A limit order that would trigger immediately
// is dropped and PlaceOrder returns a nil trade without error. A market
// order fills at once and is merged into an existing position of the same
// pair and direction; the returned trade is then that position.
func (l *Ledger) PlaceOrder(req OrderRequest) (*types.Trade, error) {
	pair := req.Pair
	if pair == nil || l.bySymbol[pair.Symbol] != pair {
		return nil, fmt.Errorf("%w: unknown pair", ErrInvalidInput)
	}
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", newError(ErrInvalidInput, pair.Symbol, l.date), req.Direction)
	}
	if req.Amount.IsNegative() {
		return nil, newError(ErrInvalidAmount, pair.Symbol, l.date)
	}

	if !req.Market {
		long := req.Direction == types.DirectionLong
		if (long && pair.price.GreaterThan(req.Limit)) || (!long && pair.price.LessThan(req.Limit)) {
			l.logger.Debug("not opening order that would trigger immediately",
				zap.String("symbol", pair.Symbol),
				zap.String("price", pair.price.String()),
				zap.String("limit", req.Limit.String()),
			)
			return nil, nil
		}
	}

	entry := req.Limit
	if req.Market {
		entry = pair.price
	}
	entry = l.slippage.Adjust(entry, req.Direction, true)

	trade := &types.Trade{
		ID:           uuid.NewString(),
		Symbol:       pair.Symbol,
		Direction:    req.Direction,
		Market:       req.Market,
		Limit:        entry,
		Stop:         req.Stop,
		Amount:       req.Amount,
		Cost:         req.Amount.Mul(entry).Div(l.leverage),
		BuyOrderDate: l.date,
		Meta:         req.Meta,
	}

	if l.settings.FixedProfit > 0 {
		trade.Profit = entry.Add(entry.Sub(req.Stop).Mul(decimal.NewFromFloat(l.settings.FixedProfit)))
	}

	l.logger.Debug("opening order",
		zap.String("symbol", pair.Symbol),
		zap.String("direction", string(req.Direction)),
		zap.Bool("market", req.Market),
		zap.String("limit", entry.String()),
		zap.String("amount", req.Amount.String()),
	)

	if !req.Market {
		l.trades = append(l.trades, trade)
		return trade, nil
	}

	trade.Buy = entry
	trade.BuyDate = l.date
	l.balance = l.balance.Sub(trade.Cost.Add(trade.Amount.Mul(entry).Mul(l.fee)))

	if existing := l.openPosition(trade.Symbol, trade.Direction); existing != nil {
		merge(existing, trade)
		return existing, nil
	}

	trade.Filled = true
	l.trades = append(l.trades, trade)
	return trade, nil
}

// CancelOrder removes a pending order
func (l *Ledger) CancelOrder(order *types.Trade) error {
	if order.Filled || order.Closed {
		return newError(ErrNotPending, order.Symbol, l.date)
	}

	l.logger.Debug("cancelling order", zap.String("symbol", order.Symbol), zap.Time("date", l.date))
	l.remove(order)
	return nil
}

// ClosePosition closes a filled position at price, or at the current price
// when price is zero. A ratio in (0, 1) closes that fraction: the closed part
// becomes a new record and position keeps the remainder. The closed record
// is returned.
func (l *Ledger) ClosePosition(position *types.Trade, price decimal.Decimal, ratio float64, note string) (*types.Trade, error) {
	if position.Closed {
		return nil, newError(ErrAlreadyClosed, position.Symbol, l.date)
	}
	if !position.Filled {
		return nil, newError(ErrNotPending, position.Symbol, l.date)
	}

	if price.IsZero() {
		price = l.bySymbol[position.Symbol].price
	}

	closed := position
	if ratio > 0 && ratio < 1 {
		r := decimal.NewFromFloat(ratio)
		part := *position
		part.ID = uuid.NewString()
		part.Amount = position.Amount.Mul(r)
		part.Cost = position.Cost.Mul(r)
		if position.Meta != nil {
			part.Meta = append(json.RawMessage(nil), position.Meta...)
		}

		rest := decimal.NewFromInt(1).Sub(r)
		position.Amount = position.Amount.Mul(rest)
		position.Cost = position.Cost.Mul(rest)

		closed = &part
		l.trades = append(l.trades, closed)
	}

	l.settle(closed, price, note)
	return closed, nil
}

func (l *Ledger) settle(t *types.Trade, price decimal.Decimal, note string) {
	exit := l.slippage.Adjust(price, t.Direction, false)
	raw := MarkValue(t, exit)
	exitFee := t.Amount.Mul(exit).Mul(l.fee)

	t.Sell = exit
	t.SellDate = l.date
	t.Profits = raw.Sub(t.Cost).Sub(exitFee.Mul(decimal.NewFromInt(2)))
	t.Closed = true
	t.Note = note

	l.balance = l.balance.Add(raw).Sub(exitFee)

	l.logger.Debug("closed position",
		zap.String("symbol", t.Symbol),
		zap.String("sell", exit.String()),
		zap.String("profits", t.Profits.String()),
		zap.String("note", note),
	)
}

// MoveStop changes the stop of an order or position. A stop on the wrong
// side of the market is rejected.
func (l *Ledger) MoveStop(trade *types.Trade, stop decimal.Decimal) error {
	if trade.Closed {
		return newError(ErrAlreadyClosed, trade.Symbol, l.date)
	}

	price := l.bySymbol[trade.Symbol].price
	if (trade.Direction == types.DirectionLong && stop.GreaterThan(price)) ||
		(trade.Direction == types.DirectionShort && stop.LessThan(price)) {
		return newError(ErrStopAboveMarket, trade.Symbol, l.date)
	}

	trade.Stop = stop
	return nil
}

// Update applies one tick: the liquidation check, funding fees, order fills
// and cancellations, then stop loss and take profit exits.
func (l *Ledger) Update() error {
	if !l.PortfolioSize().IsPositive() {
		return newError(ErrAccountLiquidated, "", l.date)
	}

	utc := l.date.UTC()
	if utc.Hour()%8 == 0 && utc.Minute() == 0 && utc.Second() == 0 && !l.fundingFee.IsZero() {
		for _, t := range l.trades {
			if t.Filled && !t.Closed {
				notional := t.Amount.Mul(l.bySymbol[t.Symbol].price)
				l.balance = l.balance.Sub(notional.Mul(l.fundingFee))
			}
		}
	}

	// positions filled or merged into during this tick wait for the next
	// one before they can exit
	filled := make(map[*types.Trade]bool)

	for _, t := range l.Trades() {
		if t.Closed || filled[t] {
			continue
		}

		price := l.bySymbol[t.Symbol].price
		long := t.Direction == types.DirectionLong

		if !t.Filled {
			switch {
			case (long && price.GreaterThanOrEqual(t.Limit)) || (!long && price.LessThanOrEqual(t.Limit)):
				filled[l.fill(t, price)] = true
			case stopHit(t, price):
				l.logger.Debug("cancelling order at stop", zap.String("symbol", t.Symbol), zap.Time("date", l.date))
				l.remove(t)
			}
			continue
		}

		switch {
		case stopHit(t, price):
			l.settle(t, t.Stop, "Stop loss")
		case t.HasProfitTarget() && ((long && price.GreaterThanOrEqual(t.Profit)) || (!long && price.LessThanOrEqual(t.Profit))):
			l.settle(t, t.Profit, "Take profit")
		default:
			fees := t.Amount.Mul(price).Mul(l.fee).Mul(decimal.NewFromInt(2))
			t.Profits = difference(t, price).Sub(fees)
		}
	}

	return nil
}

// fill executes order at price and returns the position that holds it
func (l *Ledger) fill(order *types.Trade, price decimal.Decimal) *types.Trade {
	order.Buy = price
	order.BuyDate = l.date
	l.balance = l.balance.Sub(order.Cost.Add(order.Amount.Mul(order.Limit).Mul(l.fee)))

	l.logger.Debug("order filled",
		zap.String("symbol", order.Symbol),
		zap.String("price", price.String()),
		zap.String("cost", order.Cost.String()),
	)

	if existing := l.openPosition(order.Symbol, order.Direction); existing != nil {
		merge(existing, order)
		l.remove(order)
		return existing
	}
	order.Filled = true
	return order
}

func stopHit(t *types.Trade, price decimal.Decimal) bool {
	if t.Stop.IsZero() {
		return false
	}
	if t.Direction == types.DirectionLong {
		return price.LessThanOrEqual(t.Stop)
	}
	return price.GreaterThanOrEqual(t.Stop)
}

// merge folds a fill into an existing position: amount-weighted entry and
// stop, summed amount and cost
func merge(position, fill *types.Trade) {
	total := position.Amount.Add(fill.Amount)
	if total.IsZero() {
		return
	}

	position.Buy = position.Buy.Mul(position.Amount).Add(fill.Buy.Mul(fill.Amount)).Div(total)
	position.Stop = position.Stop.Mul(position.Amount).Add(fill.Stop.Mul(fill.Amount)).Div(total)
	position.Cost = position.Cost.Add(fill.Cost)
	position.Amount = total
}

func (l *Ledger) openPosition(symbol string, dir types.Direction) *types.Trade {
	for _, t := range l.trades {
		if t.Filled && !t.Closed && t.Symbol == symbol && t.Direction == dir {
			return t
		}
	}
	return nil
}

func (l *Ledger) remove(t *types.Trade) {
	for i, existing := range l.trades {
		if existing == t {
			l.trades = append(l.trades[:i], l.trades[i+1:]...)
			return
		}
	}
}
