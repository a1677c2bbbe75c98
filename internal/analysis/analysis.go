// Package analysis derives performance statistics from simulation results.
//
// Most statistics work on trade performance: the profit of a closed trade
// relative to the portfolio size at the moment the trade was filled.
package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/candles"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

const secondsPerYear = 3600 * 24 * 365

// Trade is a closed trade annotated with its performance
type Trade struct {
	types.Trade
	Performance float64 `json:"performance"`
}

// BalanceAtTime returns the portfolio size sampled just before t. Times
// after the last sample return the final portfolio size.
func BalanceAtTime(result *types.SimulationResult, t time.Time) float64 {
	history := result.PortfolioHistory
	if len(history) == 0 {
		return 0
	}

	unix := t.Unix()
	for i := 1; i < len(result.Times) && i < len(history); i++ {
		if unix < result.Times[i] {
			return history[i-1]
		}
	}
	return history[len(history)-1]
}

// PerformanceTrades returns the filled and closed trades of result with
// their performance attached
func PerformanceTrades(result *types.SimulationResult) []Trade {
	var out []Trade
	for _, t := range result.Trades {
		if !t.Filled || !t.Closed {
			continue
		}
		perf := 0.0
		if balance := BalanceAtTime(result, t.BuyDate); balance != 0 {
			perf = t.Profits.InexactFloat64() / balance
		}
		out = append(out, Trade{Trade: t, Performance: perf})
	}
	return out
}

// Performances extracts the performance of every trade
func Performances(trades []Trade) []float64 {
	out := make([]float64, len(trades))
	for i, t := range trades {
		out[i] = t.Performance
	}
	return out
}

// MaxDrawdown compounds the performances from a balance of 1 and returns the
// largest relative decline from a running peak
func MaxDrawdown(performances []float64) float64 {
	balance := 1.0
	top := 1.0
	maxDD := 0.0

	for _, p := range performances {
		balance += balance * p
		if balance > top {
			top = balance
			continue
		}
		if dd := math.Abs((balance - top) / top); dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// AverageDrawdown is the mean depth of the drawdown episodes that ended in a
// new peak
func AverageDrawdown(performances []float64) float64 {
	balance := 1.0
	top := 1.0
	episode := 0.0
	total := 0.0
	count := 0

	for _, p := range performances {
		balance += balance * p
		if balance > top {
			top = balance
			if episode > 0 {
				total += episode
				count++
				episode = 0
			}
			continue
		}
		if dd := math.Abs((balance - top) / top); dd > episode {
			episode = dd
		}
	}

	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// Winners returns the trades with a positive performance
func Winners(trades []Trade) []Trade {
	var out []Trade
	for _, t := range trades {
		if t.Performance > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Losers returns the trades with a negative performance
func Losers(trades []Trade) []Trade {
	var out []Trade
	for _, t := range trades {
		if t.Performance < 0 {
			out = append(out, t)
		}
	}
	return out
}

// ExpectedValue is the mean performance, or 0 without trades
func ExpectedValue(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range trades {
		sum += t.Performance
	}
	return sum / float64(len(trades))
}

// AverageLoss is the magnitude of the mean losing performance
func AverageLoss(trades []Trade) float64 {
	return math.Abs(ExpectedValue(Losers(trades)))
}

// Expectation is the expected value in units of the average loss
func Expectation(trades []Trade) float64 {
	loss := AverageLoss(trades)
	if loss == 0 {
		return 0
	}
	return ExpectedValue(trades) / loss
}

// BiggestWinner returns the best performance, never below 0
func BiggestWinner(trades []Trade) float64 {
	best := 0.0
	for _, t := range trades {
		best = math.Max(best, t.Performance)
	}
	return best
}

// BiggestLoser returns the worst performance, never above 0
func BiggestLoser(trades []Trade) float64 {
	worst := 0.0
	for _, t := range trades {
		worst = math.Min(worst, t.Performance)
	}
	return worst
}

func streak(trades []Trade, match func(float64) bool) int {
	longest, current := 0, 0
	for _, t := range trades {
		if match(t.Performance) {
			current++
			longest = max(longest, current)
		} else {
			current = 0
		}
	}
	return longest
}

// WinningStreak is the longest run of consecutive winners
func WinningStreak(trades []Trade) int {
	return streak(trades, func(p float64) bool { return p > 0 })
}

// LosingStreak is the longest run of consecutive losers
func LosingStreak(trades []Trade) int {
	return streak(trades, func(p float64) bool { return p < 0 })
}

func sumProfits(trades []Trade) float64 {
	sum := 0.0
	for _, t := range trades {
		sum += t.Profits.InexactFloat64()
	}
	return sum
}

// NetProfit sums the profits of all trades
func NetProfit(trades []Trade) float64 {
	return sumProfits(trades)
}

// GrossProfit sums the profits of the winners
func GrossProfit(trades []Trade) float64 {
	return sumProfits(Winners(trades))
}

// GrossLoss sums the profits of the losers
func GrossLoss(trades []Trade) float64 {
	return sumProfits(Losers(trades))
}

// ROI is the net profit relative to the starting capital
func ROI(trades []Trade, sim types.SimulationSettings) float64 {
	if sim.Capital == 0 {
		return 0
	}
	return NetProfit(trades) / sim.Capital
}

func span(result *types.SimulationResult) int64 {
	if len(result.Times) < 2 {
		return 0
	}
	return result.Times[len(result.Times)-1] - result.Times[0]
}

// Years is the sampled duration of the run in years
func Years(result *types.SimulationResult) float64 {
	return float64(span(result)) / secondsPerYear
}

// AnnualROI scales the ROI to one year
func AnnualROI(result *types.SimulationResult, trades []Trade, sim types.SimulationSettings) float64 {
	years := Years(result)
	if years == 0 {
		return 0
	}
	return math.Pow(ROI(trades, sim), 1/years)
}

// MonthlyROI scales the ROI to one month
func MonthlyROI(result *types.SimulationResult, trades []Trade, sim types.SimulationSettings) float64 {
	years := Years(result)
	if years == 0 {
		return 0
	}
	return math.Pow(ROI(trades, sim), 1/(years*12))
}

// MonthROI is the portfolio change over one calendar month
type MonthROI struct {
	Month time.Month `json:"month"`
	ROI   float64    `json:"roi"`
}

// YearROIs groups the monthly changes of one year
type YearROIs struct {
	Year   int        `json:"year"`
	Months []MonthROI `json:"months"`
}

// MonthlyROIs returns the change between consecutive monthly checkpoints,
// the last one measured against the final balance
func MonthlyROIs(result *types.SimulationResult) []YearROIs {
	var out []YearROIs
	checkpoints := result.MonthlyBalances

	for i, m := range checkpoints {
		year := m.Date.UTC().Year()
		if len(out) == 0 || year > out[len(out)-1].Year {
			out = append(out, YearROIs{Year: year})
		}

		next := result.Balance
		if i+1 < len(checkpoints) {
			next = checkpoints[i+1].Balance
		}

		out[len(out)-1].Months = append(out[len(out)-1].Months, MonthROI{
			Month: m.Date.UTC().Month(),
			ROI:   change(m.Balance.InexactFloat64(), next.InexactFloat64()),
		})
	}
	return out
}

// StandardDeviation is the population standard deviation of performance
func StandardDeviation(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	mean := ExpectedValue(trades)
	sum := 0.0
	for _, t := range trades {
		sum += (t.Performance - mean) * (t.Performance - mean)
	}
	return math.Sqrt(sum / float64(len(trades)))
}

// StandardError of the expected value
func StandardError(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	return StandardDeviation(trades) / math.Sqrt(float64(len(trades)))
}

// ExpectedValueOnMargin is the expected value less one standard error
func ExpectedValueOnMargin(trades []Trade) float64 {
	return ExpectedValue(trades) - StandardError(trades)
}

// Kelly returns the net win ratio divided by the win/loss size ratio
func Kelly(trades []Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	winners, losers := Winners(trades), Losers(trades)
	n := float64(len(trades))

	ratio := ExpectedValue(winners) / ExpectedValue(losers)
	if ratio == 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0
	}
	return (float64(len(winners))/n - float64(len(losers))/n) / ratio
}

// Sharpe is the ROI per unit of performance deviation
func Sharpe(trades []Trade, sim types.SimulationSettings) float64 {
	sd := StandardDeviation(trades)
	if sd == 0 {
		return 0
	}
	return ROI(trades, sim) / sd
}

// Divergence measures how far the log portfolio curve strays from the
// straight line between its first and last samples
func Divergence(result *types.SimulationResult) float64 {
	balances := result.PortfolioHistory
	if len(balances) == 0 {
		return 0
	}

	start := math.Log(balances[0])
	end := math.Log(balances[len(balances)-1])
	delta := (end - start) / float64(len(balances))

	total := 0.0
	for i, b := range balances {
		mean := start + float64(i)*delta
		logBalance := math.Log(b)
		if mean == 0 || logBalance == 0 || mean == logBalance {
			continue
		}
		d := math.Abs(change(logBalance, mean))
		if !math.IsNaN(d) && !math.IsInf(d, 0) {
			total += d
		}
	}
	return total / float64(len(balances))
}

// RatioTimeInMarket samples the run at 1000 points and returns the share of
// samples at which a position was open
func RatioTimeInMarket(result *types.SimulationResult, trades []Trade) float64 {
	total := span(result)
	if total <= 0 {
		return 0
	}

	sorted := append([]Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SellDate.Before(sorted[j].SellDate)
	})

	step := float64(total) / 1000
	startTime := float64(result.Times[0])
	endTime := float64(result.Times[len(result.Times)-1])

	in, samples, first := 0, 0, 0
	for ts := startTime; ts < endTime; ts += step {
		date := time.Unix(int64(ts), 0)
		samples++
		for i := first; i < len(sorted); i++ {
			if date.After(sorted[i].SellDate) {
				first = i + 1
				continue
			}
			if date.After(sorted[i].BuyDate) {
				in++
				break
			}
		}
	}

	if samples == 0 {
		return 0
	}
	return float64(in) / float64(samples)
}

// AverageTradesInMarket is the summed holding time over the run duration,
// the average number of positions open at once
func AverageTradesInMarket(result *types.SimulationResult, trades []Trade) float64 {
	total := span(result)
	if total <= 0 {
		return 0
	}
	var held time.Duration
	for _, t := range trades {
		held += t.SellDate.Sub(t.BuyDate)
	}
	return held.Seconds() / float64(total)
}

// Bucket is the expected value of the trades opened in one hour or weekday
type Bucket struct {
	Key           int     `json:"key"`
	Trades        int     `json:"trades"`
	ExpectedValue float64 `json:"expectedValue"`
}

func bucketBy(trades []Trade, n int, key func(time.Time) int) []Bucket {
	groups := make([][]Trade, n)
	for _, t := range trades {
		k := key(t.BuyDate.UTC())
		groups[k] = append(groups[k], t)
	}
	out := make([]Bucket, n)
	for k, g := range groups {
		out[k] = Bucket{Key: k, Trades: len(g), ExpectedValue: ExpectedValue(g)}
	}
	return out
}

// HourOfDay buckets the trades by the UTC hour they were filled in
func HourOfDay(trades []Trade) []Bucket {
	return bucketBy(trades, 24, func(t time.Time) int { return t.Hour() })
}

// DayOfWeek buckets the trades by the UTC weekday they were filled on,
// starting with Sunday
func DayOfWeek(trades []Trade) []Bucket {
	return bucketBy(trades, 7, func(t time.Time) int { return int(t.Weekday()) })
}

// Covariance of the closes of two series, aligned on their first bars
func Covariance(a, b *candles.Series) float64 {
	xs, ys := alignedCloses(a, b)
	if len(xs) == 0 {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	sum := 0.0
	for i := range xs {
		sum += (xs[i] - mx) * (ys[i] - my)
	}
	return sum / float64(len(xs))
}

// Correlation of the closes of two series
func Correlation(a, b *candles.Series) float64 {
	xs, ys := alignedCloses(a, b)
	sx, sy := sampleDeviation(xs), sampleDeviation(ys)
	if sx == 0 || sy == 0 {
		return 0
	}
	return Covariance(a, b) / (sx * sy)
}

// SymbolPair is the co-movement of the closes of two symbols
type SymbolPair struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Correlation float64 `json:"correlation"`
	Covariance  float64 `json:"covariance"`
}

// Correlations compares every pair of series, ordered by symbol
func Correlations(series map[string]*candles.Series) []SymbolPair {
	symbols := make([]string, 0, len(series))
	for symbol := range series {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var pairs []SymbolPair
	for i, a := range symbols {
		for _, b := range symbols[i+1:] {
			pairs = append(pairs, SymbolPair{
				A:           a,
				B:           b,
				Correlation: finite(Correlation(series[a], series[b])),
				Covariance:  finite(Covariance(series[a], series[b])),
			})
		}
	}
	return pairs
}

// alignedCloses drops leading bars so both series start at the same time,
// then truncates to the shorter length
func alignedCloses(a, b *candles.Series) ([]float64, []float64) {
	x, y := a.Bars(), b.Bars()
	for len(x) > 0 && len(y) > 0 && x[0].Time != y[0].Time {
		if x[0].Time < y[0].Time {
			x = x[1:]
		} else {
			y = y[1:]
		}
	}

	n := min(len(x), len(y))
	xs, ys := make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = float64(x[i].Close)
		ys[i] = float64(y[i].Close)
	}
	return xs, ys
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleDeviation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// change is the relative change from a to b
func change(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return (b - a) / a
}
