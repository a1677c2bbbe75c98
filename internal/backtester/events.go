package backtester

import (
	"slices"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// EventHandler receives run events. It is called synchronously from the
// run's goroutine, so it must return quickly.
type EventHandler func(types.Event)

// ChannelHandler forwards events to ch and drops them while ch is full
func ChannelHandler(ch chan<- types.Event) EventHandler {
	return func(ev types.Event) {
		select {
		case ch <- ev:
		default:
		}
	}
}

// recorder accumulates the sampled histories of a run
type recorder struct {
	balances   []float64
	portfolios []float64
	prices     []float64
	times      []int64
	monthly    []types.MonthlyBalance
}

func (r *recorder) sample(l *Ledger, unix int64) {
	r.times = append(r.times, unix)
	r.balances = append(r.balances, l.Balance().InexactFloat64())
	r.portfolios = append(r.portfolios, l.PortfolioSize().InexactFloat64())
}

// priceIndex appends the summed relative performance of all pairs
// since the start of the run, based at 100
func (r *recorder) priceIndex(pairs []*Pair) {
	total := 0.0
	for _, p := range pairs {
		if p.priceF != 0 && p.initial != 0 {
			total += p.priceF/p.initial*100 - 100
		}
	}
	r.prices = append(r.prices, 100+total)
}

func startEvent(id string, l *Ledger) types.Event {
	symbols := make([]string, len(l.pairs))
	for i, p := range l.pairs {
		symbols[i] = p.Symbol
	}

	return types.Event{
		Type:  types.EventTypeStart,
		RunID: id,
		Start: &types.StartData{
			Balance:     l.Balance(),
			Symbols:     symbols,
			Settings:    l.settings,
			SimSettings: l.simSettings,
		},
	}
}

func progressEvent(id string, percentage int, r *recorder, l *Ledger) types.Event {
	return types.Event{
		Type:  types.EventTypeProgress,
		RunID: id,
		Progress: &types.ProgressData{
			Percentage:       percentage,
			BalanceHistory:   slices.Clone(r.balances),
			PortfolioHistory: slices.Clone(r.portfolios),
			PriceHistory:     slices.Clone(r.prices),
			Times:            slices.Clone(r.times),
			Trades:           l.Snapshot(),
		},
	}
}
